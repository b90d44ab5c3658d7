// Package lifecycle decides how long artifacts live, admits jobs against
// size limits and storage quota, and reclaims expired artifacts.
package lifecycle

import (
	"time"

	"modelopt/internal/config"
	"modelopt/internal/fault"
	"modelopt/internal/model"
)

// Reason explains why an artifact is due for purging.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonExpired Reason = "expired"
	ReasonSafety  Reason = "safety"
)

const (
	DefaultEntitledRetention = 48 * time.Hour
	DefaultFreeRetention     = 10 * time.Minute
	DefaultShareWindow       = time.Hour
	DefaultSafetyCeiling     = 48 * time.Hour
	DefaultStorageQuota      = int64(1) << 30
	DefaultMaxEntitledUpload = int64(500) << 20
	DefaultMaxFreeUpload     = int64(50) << 20
)

// Policy holds the retention windows and admission limits.
type Policy struct {
	EntitledRetention time.Duration
	FreeRetention     time.Duration
	ShareWindow       time.Duration
	SafetyCeiling     time.Duration
	StorageQuota      int64
	MaxEntitledUpload int64
	MaxFreeUpload     int64
}

// DefaultPolicy returns the standard windows and limits.
func DefaultPolicy() Policy {
	return Policy{
		EntitledRetention: DefaultEntitledRetention,
		FreeRetention:     DefaultFreeRetention,
		ShareWindow:       DefaultShareWindow,
		SafetyCeiling:     DefaultSafetyCeiling,
		StorageQuota:      DefaultStorageQuota,
		MaxEntitledUpload: DefaultMaxEntitledUpload,
		MaxFreeUpload:     DefaultMaxFreeUpload,
	}
}

// PolicyFromConfig overlays configured limits on the defaults.
func PolicyFromConfig(cfg config.LimitsConfig) Policy {
	p := DefaultPolicy()
	if cfg.EntitledRetention > 0 {
		p.EntitledRetention = cfg.EntitledRetention
	}
	if cfg.FreeRetention > 0 {
		p.FreeRetention = cfg.FreeRetention
	}
	if cfg.ShareWindow > 0 {
		p.ShareWindow = cfg.ShareWindow
	}
	if cfg.SafetyCeiling > 0 {
		p.SafetyCeiling = cfg.SafetyCeiling
	}
	if cfg.StorageQuotaBytes > 0 {
		p.StorageQuota = cfg.StorageQuotaBytes
	}
	if cfg.MaxUploadBytesEntitled > 0 {
		p.MaxEntitledUpload = cfg.MaxUploadBytesEntitled
	}
	if cfg.MaxUploadBytesFree > 0 {
		p.MaxFreeUpload = cfg.MaxUploadBytesFree
	}
	return p
}

// ExpiresAt is the expiration assigned at job completion.
func (p Policy) ExpiresAt(access model.AccessLevel, completedAt time.Time) time.Time {
	if access.HasAccess {
		return completedAt.Add(p.EntitledRetention)
	}
	return completedAt.Add(p.FreeRetention)
}

// ShareExpiry is the expiration set by a share action: exactly one share
// window after now, whatever the previous value was.
func (p Policy) ShareExpiry(now time.Time) time.Time {
	return now.Add(p.ShareWindow)
}

// MaxUpload is the per-file size ceiling for the access level.
func (p Policy) MaxUpload(access model.AccessLevel) int64 {
	if access.HasAccess {
		return p.MaxEntitledUpload
	}
	return p.MaxFreeUpload
}

// Expired reports whether an artifact is due for purging. meta may be nil
// when the sidecar is unreadable; lastModified then stands in for the
// creation time. A zero ExpiresAt never expires on its own.
func (p Policy) Expired(meta *model.JobMetadata, lastModified, now time.Time) (bool, Reason) {
	created := lastModified
	if meta != nil {
		if !meta.ExpiresAt.IsZero() && !now.Before(meta.ExpiresAt) {
			return true, ReasonExpired
		}
		if !meta.CreatedAt.IsZero() {
			created = meta.CreatedAt
		}
	}
	if !created.IsZero() && now.Sub(created) > p.SafetyCeiling {
		return true, ReasonSafety
	}
	return false, ReasonNone
}

// CheckAdmission rejects a job before any work when the input exceeds the
// per-file ceiling, or when an identified entitled caller would go over
// the storage quota.
func (p Policy) CheckAdmission(userID string, account model.Account, size int64) error {
	access := account.Access()
	if limit := p.MaxUpload(access); size > limit {
		return fault.LimitExceeded(fault.LimitFileSize, limit, size)
	}
	if userID != "" && access.HasAccess && account.StoredBytes+size > p.StorageQuota {
		return fault.LimitExceeded(fault.LimitStorageQuota, p.StorageQuota, account.StoredBytes+size)
	}
	return nil
}
