package license

import (
	"context"
	"time"
)

// ActivationStatus is the lifecycle state of a device activation
type ActivationStatus string

const (
	StatusActive  ActivationStatus = "active"
	StatusRevoked ActivationStatus = "revoked"
	StatusExpired ActivationStatus = "expired"
)

// Activation represents one device's binding to one license key.
// Rows are never physically deleted; revocation and expiry are status
// transitions so the ledger doubles as an audit trail.
type Activation struct {
	ID             string           `json:"id"`
	LicenseKey     string           `json:"license_key"`
	DeviceID       string           `json:"device_id"`
	ProductID      string           `json:"product_id"`
	Status         ActivationStatus `json:"status"`
	ActivatedAt    time.Time        `json:"activated_at"`
	LastVerifiedAt time.Time        `json:"last_verified_at"`
	OfflineExpiry  time.Time        `json:"offline_expiry"`
	ClientInfo     ClientInfo       `json:"client_info"`
}

// ClientInfo captures non-identifying details about the activating client,
// stored alongside the activation for support and audit purposes.
type ClientInfo struct {
	Hostname   string `json:"hostname,omitempty"`
	OS         string `json:"os,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

// RevocationRecord is the permanent veto for a license key. At most one
// exists per key; once present, no activation or verification for that key
// may succeed. The reason is fixed at creation.
type RevocationRecord struct {
	LicenseKey string    `json:"license_key"`
	Reason     string    `json:"reason"`
	Email      string    `json:"email,omitempty"`
	RevokedAt  time.Time `json:"revoked_at"`
}

// Store is the persistence port for the ledger and the revocation authority.
// Implementations must treat the backing store as the single source of truth;
// no ledger state may be cached across requests.
//
// Read methods return (nil, nil) when no row exists. Implementations wrap
// connectivity and timeout failures as retryable infrastructure errors so
// callers can distinguish them from business-logic rejections.
type Store interface {
	// WithKeyTx runs fn inside a transaction serialized per licenseKey.
	// All reads and writes issued through the StoreTx observe and produce
	// state atomically with respect to any concurrent WithKeyTx call for
	// the same key.
	WithKeyTx(ctx context.Context, licenseKey string, fn func(StoreTx) error) error

	GetActivation(ctx context.Context, licenseKey, deviceID string) (*Activation, error)
	ListActivations(ctx context.Context, licenseKey string) ([]Activation, error)
	GetRevocation(ctx context.Context, licenseKey string) (*RevocationRecord, error)
	CountActive(ctx context.Context, licenseKey string) (int, error)
	Ping(ctx context.Context) error
}

// StoreTx is the transactional view handed to WithKeyTx callbacks.
type StoreTx interface {
	GetRevocation(licenseKey string) (*RevocationRecord, error)
	GetActivation(licenseKey, deviceID string) (*Activation, error)
	// CountActiveExcluding counts Active activations for the key, excluding
	// any row whose device already matches the requesting device.
	CountActiveExcluding(licenseKey, deviceID string) (int, error)
	// UpsertActivation inserts the activation or, when the (key, device)
	// pair already exists, updates the existing row in place.
	UpsertActivation(a *Activation) error
	InsertRevocation(rec *RevocationRecord) error
	// RevokeActive transitions every Active activation for the key to
	// Revoked, stamping lastVerifiedAt, and returns the number of rows
	// transitioned.
	RevokeActive(licenseKey string, at time.Time) (int, error)
}
