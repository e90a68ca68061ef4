package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"deal-service/internal/models"
	"deal-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const idempotencyHeader = "Idempotency-Key"

// IdempotencyStore is the durable record of mutating request outcomes.
type IdempotencyStore interface {
	GetIdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error)
	InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error
	DeleteIdempotencyRecord(ctx context.Context, key string) error
}

// IdempotencyCache is the optional fast-path probe; the database record stays
// authoritative.
type IdempotencyCache interface {
	MarkIdempotencyKey(ctx context.Context, key string, ttl time.Duration) error
}

// IdempotencyGuard makes mutating endpoints replay-safe. The first request
// with a key executes and its response is persisted; replays with the same
// key and the same request get the stored response verbatim; replays with a
// different request get a conflict.
type IdempotencyGuard struct {
	store  IdempotencyStore
	cache  IdempotencyCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewIdempotencyGuard creates a new guard. cache may be nil.
func NewIdempotencyGuard(store IdempotencyStore, cache IdempotencyCache, ttl time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: util.NamedLogger("idempotency"),
	}
}

// bodyCapturingWriter tees the response so it can be persisted after the
// handler runs.
type bodyCapturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyCapturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyCapturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Middleware returns the gin middleware enforcing the guard.
func (g *IdempotencyGuard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(idempotencyHeader)
		if key == "" {
			respondStatus(c, http.StatusBadRequest, "VALIDATION",
				idempotencyHeader+" header is required")
			return
		}
		if !validIdempotencyKey(key) {
			respondStatus(c, http.StatusBadRequest, "VALIDATION",
				idempotencyHeader+" must be 1-255 printable URL-safe characters")
			return
		}

		ctx := c.Request.Context()
		hash, err := g.requestHash(c)
		if err != nil {
			respondStatus(c, http.StatusBadRequest, "VALIDATION", "failed to read request body")
			return
		}

		rec, err := g.store.GetIdempotencyRecord(ctx, key)
		if err != nil {
			g.logger.Error("Idempotency lookup failed", zap.String("key", key), zap.Error(err))
			respondStatus(c, http.StatusServiceUnavailable, "TRANSIENT", "idempotency store unavailable")
			return
		}

		if rec != nil {
			if time.Now().After(rec.ExpiresAt) {
				// Expired keys are reusable: drop the stale record and
				// execute fresh.
				if err := g.store.DeleteIdempotencyRecord(ctx, key); err != nil {
					g.logger.Warn("Failed to delete expired idempotency record",
						zap.String("key", key), zap.Error(err))
				}
			} else if rec.RequestHash != hash {
				util.IdempotencyConflictsTotal.Inc()
				respondStatus(c, http.StatusConflict, "CONFLICT",
					"idempotency key was already used with a different request")
				return
			} else {
				util.IdempotencyReplaysTotal.Inc()
				g.logger.Info("Replaying stored response", zap.String("key", key))
				c.Header("Idempotency-Replayed", "true")
				c.Data(rec.ResponseStatus, "application/json", rec.ResponseBody)
				c.Abort()
				return
			}
		}

		writer := &bodyCapturingWriter{ResponseWriter: c.Writer}
		c.Writer = writer

		c.Next()

		// Persist only completed outcomes; a 5xx should be retried fresh.
		status := writer.Status()
		if status >= http.StatusInternalServerError {
			return
		}

		record := &models.IdempotencyRecord{
			Key:            key,
			UserID:         c.GetHeader("X-User-ID"),
			Method:         c.Request.Method,
			Path:           c.FullPath(),
			RequestHash:    hash,
			ResponseStatus: status,
			ResponseBody:   writer.body.Bytes(),
			ExpiresAt:      time.Now().Add(g.ttl),
		}
		if err := g.store.InsertIdempotencyRecord(ctx, record); err != nil {
			// A concurrent duplicate won the insert race; its stored
			// response is as valid as ours.
			g.logger.Warn("Failed to persist idempotency record",
				zap.String("key", key), zap.Error(err))
			return
		}

		if g.cache != nil {
			if err := g.cache.MarkIdempotencyKey(ctx, key, g.ttl); err != nil {
				g.logger.Debug("Idempotency cache write failed", zap.Error(err))
			}
		}
	}
}

// requestHash fingerprints the request so key reuse with a different payload
// can be detected. The body is restored for downstream binding.
func (g *IdempotencyGuard) requestHash(c *gin.Context) (string, error) {
	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(c.Request.Body)
		if err != nil {
			return "", err
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
	}

	h := sha256.New()
	h.Write([]byte(c.Request.Method))
	h.Write([]byte{0})
	h.Write([]byte(c.Request.URL.Path))
	h.Write([]byte{0})
	h.Write([]byte(c.GetHeader("X-User-ID")))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func validIdempotencyKey(key string) bool {
	if len(key) < 1 || len(key) > 255 {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '~':
		default:
			return false
		}
	}
	return true
}
