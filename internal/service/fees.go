package service

import (
	"context"
	"time"

	"deal-service/internal/models"
	"deal-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FeeStore reads fee structures from the system of record.
type FeeStore interface {
	GetFeeStructure(ctx context.Context, orgID uuid.UUID) (*models.FeeStructure, error)
}

// FeeCache is the read-through cache in front of the fee store.
type FeeCache interface {
	GetFeeStructure(ctx context.Context, orgID string) (*models.FeeStructure, error)
	SetFeeStructure(ctx context.Context, orgID string, fs *models.FeeStructure, ttl time.Duration) error
}

// FeeService resolves per-organization fee rates with a cache fast path and
// an explicit, logged fallback to platform defaults.
type FeeService struct {
	store                FeeStore
	cache                FeeCache
	defaultPlatformBps   int64
	defaultIntegratorBps int64
	cacheTTL             time.Duration
	logger               *zap.Logger
}

// NewFeeService creates a new fee service. cache may be nil.
func NewFeeService(store FeeStore, cache FeeCache, defaultPlatformBps, defaultIntegratorBps int64, cacheTTL time.Duration) *FeeService {
	return &FeeService{
		store:                store,
		cache:                cache,
		defaultPlatformBps:   defaultPlatformBps,
		defaultIntegratorBps: defaultIntegratorBps,
		cacheTTL:             cacheTTL,
		logger:               util.NamedLogger("fees"),
	}
}

// Rates returns the organization's fee rates in basis points. A failed
// lookup falls back to the platform defaults; the substitution is never
// silent.
func (f *FeeService) Rates(ctx context.Context, orgID uuid.UUID) (platformBps, integratorBps int64) {
	if f.cache != nil {
		cached, err := f.cache.GetFeeStructure(ctx, orgID.String())
		if err != nil {
			f.logger.Debug("Fee cache read failed", zap.String("organization_id", orgID.String()), zap.Error(err))
		} else if cached != nil {
			return cached.PlatformFeeBps, cached.IntegratorFeeBps
		}
	}

	fs, err := f.store.GetFeeStructure(ctx, orgID)
	if err != nil {
		util.FeeLookupFallbacksTotal.Inc()
		f.logger.Warn("Fee structure lookup failed, falling back to platform defaults",
			zap.String("organization_id", orgID.String()),
			zap.Int64("default_platform_bps", f.defaultPlatformBps),
			zap.Int64("default_integrator_bps", f.defaultIntegratorBps),
			zap.Error(err))
		return f.defaultPlatformBps, f.defaultIntegratorBps
	}

	if f.cache != nil {
		if err := f.cache.SetFeeStructure(ctx, orgID.String(), fs, f.cacheTTL); err != nil {
			f.logger.Debug("Fee cache write failed", zap.Error(err))
		}
	}

	return fs.PlatformFeeBps, fs.IntegratorFeeBps
}
