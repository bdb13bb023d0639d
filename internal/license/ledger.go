package license

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	licenseErrors "github.com/photobatch/licenserver/internal/errors"
)

// licenseKeyPattern accepts segmented vendor keys (PB-123456-PRO) as well as
// plain opaque keys from older batches.
var licenseKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{5,127}$`)

// deviceIDPattern matches hashed hardware fingerprints
var deviceIDPattern = regexp.MustCompile(`^[A-Fa-f0-9]{16,128}$`)

// Ledger is the authoritative per-(license, device) activation state. It
// enforces the device-cap invariant and the status transitions:
//
//	∅ → Active            first successful activation
//	Active → Active       re-activation or re-verify on the same device
//	Active → Revoked      only via the revocation cascade, never here
type Ledger struct {
	store       Store
	cap         int
	gracePeriod time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewLedger creates an activation ledger over the given store
func NewLedger(store Store, deviceCap int, gracePeriod time.Duration, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:       store,
		cap:         deviceCap,
		gracePeriod: gracePeriod,
		logger:      logger.With(slog.String("component", "ledger")),
		now:         time.Now,
	}
}

// DeviceCap returns the configured per-license device cap
func (l *Ledger) DeviceCap() int { return l.cap }

// Activate binds the device to the license key, enforcing the revocation veto
// and the device cap inside a single per-key serialized transaction. Two
// concurrent activations for the same key can never both slip under the cap,
// and a revocation committed mid-flight is never missed.
func (l *Ledger) Activate(ctx context.Context, licenseKey, deviceID, productID string, client ClientInfo) (*Activation, error) {
	if err := ValidateLicenseKey(licenseKey); err != nil {
		return nil, err
	}
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	var result *Activation
	err := l.store.WithKeyTx(ctx, licenseKey, func(tx StoreTx) error {
		// The veto check lives inside the same transactional boundary as
		// the cap count; an earlier separate read would race the cascade.
		rec, err := tx.GetRevocation(licenseKey)
		if err != nil {
			return err
		}
		if rec != nil {
			return licenseErrors.ErrLicenseRevoked
		}

		count, err := tx.CountActiveExcluding(licenseKey, deviceID)
		if err != nil {
			return err
		}
		if count >= l.cap {
			return &licenseErrors.DeviceLimitError{Count: count, Cap: l.cap}
		}

		now := l.now().UTC()
		existing, err := tx.GetActivation(licenseKey, deviceID)
		if err != nil {
			return err
		}

		if existing != nil {
			// Update in place: the unique (key, device) pair never
			// produces a second row or a second slot under the cap.
			existing.Status = StatusActive
			existing.LastVerifiedAt = now
			existing.OfflineExpiry = now.Add(l.gracePeriod)
			if client != (ClientInfo{}) {
				existing.ClientInfo = client
			}
			result = existing
			return tx.UpsertActivation(existing)
		}

		result = &Activation{
			ID:             uuid.New().String(),
			LicenseKey:     licenseKey,
			DeviceID:       deviceID,
			ProductID:      productID,
			Status:         StatusActive,
			ActivatedAt:    now,
			LastVerifiedAt: now,
			OfflineExpiry:  now.Add(l.gracePeriod),
			ClientInfo:     client,
		}
		return tx.UpsertActivation(result)
	})
	if err != nil {
		l.logActivateFailure(ctx, licenseKey, deviceID, err)
		return nil, err
	}

	l.logger.InfoContext(ctx, "activation recorded",
		slog.String("operation", "activate"),
		slog.String("license_key", MaskKey(licenseKey)),
		slog.String("device_id", deviceID),
		slog.Time("offline_expiry", result.OfflineExpiry),
	)
	return result, nil
}

// Verify looks up the (key, device) activation. A successful verification
// refreshes lastVerifiedAt and rolls the offline-expiry deadline forward.
func (l *Ledger) Verify(ctx context.Context, licenseKey, deviceID string) (*Activation, error) {
	if err := ValidateLicenseKey(licenseKey); err != nil {
		return nil, err
	}
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	var result *Activation
	err := l.store.WithKeyTx(ctx, licenseKey, func(tx StoreTx) error {
		rec, err := tx.GetRevocation(licenseKey)
		if err != nil {
			return err
		}
		if rec != nil {
			return licenseErrors.ErrLicenseRevoked
		}

		existing, err := tx.GetActivation(licenseKey, deviceID)
		if err != nil {
			return err
		}
		if existing == nil {
			return licenseErrors.ErrNotActivated
		}
		if existing.Status == StatusRevoked {
			return licenseErrors.ErrLicenseRevoked
		}

		now := l.now().UTC()
		existing.Status = StatusActive
		existing.LastVerifiedAt = now
		existing.OfflineExpiry = now.Add(l.gracePeriod)
		result = existing
		return tx.UpsertActivation(existing)
	})
	if err != nil {
		return nil, err
	}

	l.logger.DebugContext(ctx, "verification succeeded",
		slog.String("operation", "verify"),
		slog.String("license_key", MaskKey(licenseKey)),
		slog.String("device_id", deviceID),
	)
	return result, nil
}

// Status summarizes the ledger state for a license key
func (l *Ledger) Status(ctx context.Context, licenseKey string) ([]Activation, int, error) {
	if err := ValidateLicenseKey(licenseKey); err != nil {
		return nil, 0, err
	}
	activations, err := l.store.ListActivations(ctx, licenseKey)
	if err != nil {
		return nil, 0, err
	}
	active := 0
	for _, a := range activations {
		if a.Status == StatusActive {
			active++
		}
	}
	return activations, active, nil
}

func (l *Ledger) logActivateFailure(ctx context.Context, licenseKey, deviceID string, err error) {
	// Business rejections log at info; only infrastructure failures are
	// error-level noise worth paging on.
	level := slog.LevelInfo
	if licenseErrors.IsRetryable(err) {
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "activation rejected",
		slog.String("operation", "activate"),
		slog.String("license_key", MaskKey(licenseKey)),
		slog.String("device_id", deviceID),
		slog.String("error", err.Error()),
	)
}

// EffectiveStatus derives the activation's current status: an Active row
// whose offline-expiry deadline has passed reads as Expired without a stored
// transition; the next successful online verification rolls it forward again.
func (a *Activation) EffectiveStatus(now time.Time) ActivationStatus {
	if a.Status == StatusActive && now.After(a.OfflineExpiry) {
		return StatusExpired
	}
	return a.Status
}

// ValidateLicenseKey rejects malformed license keys before any I/O
func ValidateLicenseKey(licenseKey string) error {
	if !licenseKeyPattern.MatchString(licenseKey) {
		return licenseErrors.ErrInvalidLicenseFormat
	}
	return nil
}

// ValidateDeviceID rejects anything that is not a hashed fingerprint
func ValidateDeviceID(deviceID string) error {
	if !deviceIDPattern.MatchString(deviceID) {
		return licenseErrors.ErrInvalidDeviceID
	}
	return nil
}

// MaskKey redacts a license key for logging, keeping only a short prefix and
// suffix. Full keys never appear in logs.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
