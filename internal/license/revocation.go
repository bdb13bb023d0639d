package license

import (
	"context"
	"log/slog"
	"time"
)

// RevocationSummary reports the outcome of a revoke request
type RevocationSummary struct {
	LicenseKey     string    `json:"license_key"`
	AlreadyRevoked bool      `json:"already_revoked"`
	CascadedCount  int       `json:"cascaded_count"`
	RevokedAt      time.Time `json:"revoked_at"`
}

// Authority globally invalidates license keys. Inserting the revocation
// record and sweeping every Active activation to Revoked happen in one
// transaction under the same per-key lock the ledger uses, so a racing
// activation either commits before the sweep (and is swept) or after it
// (and hits the veto). A revocation is never lost to a concurrent activate.
type Authority struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthority creates a revocation authority over the given store
func NewAuthority(store Store, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{
		store:  store,
		logger: logger.With(slog.String("component", "revocation")),
		now:    time.Now,
	}
}

// Revoke permanently vetoes a license key and cascades every Active
// activation to Revoked. Revoking an already-revoked key is not an error;
// the existing record stands and no second record is written.
func (a *Authority) Revoke(ctx context.Context, licenseKey, reason, email string) (*RevocationSummary, error) {
	if err := ValidateLicenseKey(licenseKey); err != nil {
		return nil, err
	}

	var summary *RevocationSummary
	err := a.store.WithKeyTx(ctx, licenseKey, func(tx StoreTx) error {
		existing, err := tx.GetRevocation(licenseKey)
		if err != nil {
			return err
		}
		if existing != nil {
			summary = &RevocationSummary{
				LicenseKey:     licenseKey,
				AlreadyRevoked: true,
				RevokedAt:      existing.RevokedAt,
			}
			return nil
		}

		now := a.now().UTC()
		rec := &RevocationRecord{
			LicenseKey: licenseKey,
			Reason:     reason,
			Email:      email,
			RevokedAt:  now,
		}
		if err := tx.InsertRevocation(rec); err != nil {
			return err
		}

		cascaded, err := tx.RevokeActive(licenseKey, now)
		if err != nil {
			return err
		}

		summary = &RevocationSummary{
			LicenseKey:    licenseKey,
			CascadedCount: cascaded,
			RevokedAt:     now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if summary.AlreadyRevoked {
		a.logger.InfoContext(ctx, "revocation request for already-revoked key",
			slog.String("operation", "revoke"),
			slog.String("license_key", MaskKey(licenseKey)),
		)
	} else {
		a.logger.InfoContext(ctx, "license revoked",
			slog.String("operation", "revoke"),
			slog.String("license_key", MaskKey(licenseKey)),
			slog.String("reason", reason),
			slog.Int("cascaded_count", summary.CascadedCount),
		)
	}
	return summary, nil
}

// IsRevoked reports whether a revocation record exists for the key
func (a *Authority) IsRevoked(ctx context.Context, licenseKey string) (bool, error) {
	rec, err := a.store.GetRevocation(ctx, licenseKey)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}
