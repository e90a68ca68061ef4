package models

import (
	"encoding/json"
	"time"
)

// Event kinds consumed and produced by the reconciliation pipeline.
const (
	EventKindContractDeployed    = "CONTRACT_DEPLOYED"
	EventKindSettlementConfirmed = "SETTLEMENT_CONFIRMED"
	EventKindAssetMetadataPinned = "ASSET_METADATA_PINNED"
	EventKindStatementPinned     = "STATEMENT_PINNED"
	EventKindNotification        = "NOTIFICATION"
)

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventKind string    `json:"event_kind"`
	Timestamp time.Time `json:"timestamp"`
}

// ChainJobFinalizedEvent arrives on the chain-events channel when the
// blockchain job runner reaches a final status for a submitted job.
type ChainJobFinalizedEvent struct {
	BaseEvent
	JobID           string          `json:"job_id"`
	FinalStatus     string          `json:"final_status"`
	TxHash          string          `json:"tx_hash,omitempty"`
	BlockNumber     int64           `json:"block_number,omitempty"`
	OriginalPayload json.RawMessage `json:"original_payload,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// DedupKey returns the durable processed-marker key for the event.
func (e *ChainJobFinalizedEvent) DedupKey() string {
	if e.EventID != "" {
		return e.EventID
	}
	return "chain-" + e.JobID
}

// ContractDeployedOutput is the typed output of a CONTRACT_DEPLOYED job.
type ContractDeployedOutput struct {
	AssetID         string `json:"asset_id"`
	ContractAddress string `json:"contract_address"`
}

// SettlementConfirmedOutput is the typed output of a SETTLEMENT_CONFIRMED job.
type SettlementConfirmedOutput struct {
	TransactionID string `json:"transaction_id"`
	TxHash        string `json:"tx_hash"`
	BlockNumber   int64  `json:"block_number,omitempty"`
}

// StorageJobDoneEvent arrives on the storage-events channel. It carries only
// the job id; the full job record is fetched from the job store.
type StorageJobDoneEvent struct {
	BaseEvent
	JobID string `json:"job_id"`
}

// DedupKey returns the durable processed-marker key for the event.
func (e *StorageJobDoneEvent) DedupKey() string {
	return "storage-" + e.JobID
}

// NotificationEvent is the outbound best-effort notification to a party.
type NotificationEvent struct {
	BaseEvent
	RecipientID string `json:"recipient_id"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
}

// DeadLetterEvent wraps an unprocessable inbound event for operator review.
type DeadLetterEvent struct {
	BaseEvent
	Reason   string          `json:"reason"`
	Original json.RawMessage `json:"original"`
}
