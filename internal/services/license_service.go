package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	licenseErrors "github.com/photobatch/licenserver/internal/errors"
	"github.com/photobatch/licenserver/internal/license"
	"github.com/photobatch/licenserver/internal/oracle"
)

// LicenseService is the entitlement engine consumed by the transport layer
type LicenseService interface {
	Activate(ctx context.Context, req ActivateRequest) (*ActivationResult, error)
	Verify(ctx context.Context, req VerifyRequest) (*VerificationResult, error)
	Revoke(ctx context.Context, licenseKey, reason, email string) (*license.RevocationSummary, error)
	Status(ctx context.Context, licenseKey string) (*StatusResult, error)
	ValidateToken(ctx context.Context, token string) (license.Claims, error)
}

// ActivateRequest is the engine's activation input
type ActivateRequest struct {
	LicenseKey string
	DeviceID   string
	ProductID  string
	Client     license.ClientInfo
}

// VerifyRequest is the engine's verification input
type VerifyRequest struct {
	LicenseKey   string
	DeviceID     string
	ProductID    string
	OfflineToken string
}

// ActivationResult is a successful activation: the ledger row, the resolved
// entitlements, and a freshly minted offline token.
type ActivationResult struct {
	Activation    *license.Activation
	Entitlements  license.Entitlement
	Token         string
	OfflineExpiry time.Time
	CustomerEmail string
}

// VerificationResult is a successful online verification. The offline token
// is re-issued so the client's trust window rolls forward with the
// offline-expiry deadline. TokenNote is set when a supplied offline token
// failed validation but online verification recovered.
type VerificationResult struct {
	Valid         bool
	Entitlements  license.Entitlement
	OfflineExpiry time.Time
	Token         string
	TokenNote     string
}

// StatusResult summarizes a license key's ledger state
type StatusResult struct {
	LicenseKey    string
	Revoked       bool
	ActiveDevices int
	DeviceCap     int
	Activations   []license.Activation
}

// engine implements LicenseService
type engine struct {
	ledger    *license.Ledger
	authority *license.Authority
	resolver  *license.Resolver
	codec     *license.TokenCodec
	oracle    oracle.Verifier
	metrics   *license.Metrics

	tokenTTL       time.Duration
	defaultProduct string
	logger         *slog.Logger
}

// EngineConfig wires the engine's collaborators
type EngineConfig struct {
	Ledger         *license.Ledger
	Authority      *license.Authority
	Resolver       *license.Resolver
	Codec          *license.TokenCodec
	Oracle         oracle.Verifier
	Metrics        *license.Metrics
	TokenTTL       time.Duration
	DefaultProduct string
	Logger         *slog.Logger
}

// NewLicenseService creates the entitlement engine
func NewLicenseService(cfg EngineConfig) LicenseService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &engine{
		ledger:         cfg.Ledger,
		authority:      cfg.Authority,
		resolver:       cfg.Resolver,
		codec:          cfg.Codec,
		oracle:         cfg.Oracle,
		metrics:        cfg.Metrics,
		tokenTTL:       cfg.TokenTTL,
		defaultProduct: cfg.DefaultProduct,
		logger:         logger.With(slog.String("service", "license")),
	}
}

// Activate runs the full activation pipeline: authenticity oracle, revocation
// veto, ledger cap check and upsert, entitlement resolution, token issuance.
func (e *engine) Activate(ctx context.Context, req ActivateRequest) (*ActivationResult, error) {
	start := time.Now()
	productID := e.productOrDefault(req.ProductID)

	var err error
	defer func() {
		e.metrics.RecordActivation(ctx, productID, time.Since(start), err)
	}()

	if err = license.ValidateLicenseKey(req.LicenseKey); err != nil {
		return nil, err
	}
	if err = license.ValidateDeviceID(req.DeviceID); err != nil {
		return nil, err
	}

	// Strict-mode tier validation rejects unrecognized suffixes before any
	// remote calls; permissive mode resolves later without error.
	if _, err = e.resolver.ResolveTier(req.LicenseKey, productID); err != nil {
		return nil, err
	}

	oracleResult, oracleErr := e.oracle.VerifyPurchase(ctx, productID, req.LicenseKey)
	if oracleErr != nil {
		err = oracleErr
		e.recordInfraFailure(ctx, err)
		return nil, err
	}
	if !oracleResult.Authentic {
		err = &licenseErrors.OracleError{Message: oracleResult.Message}
		if e.metrics != nil {
			e.metrics.OracleRejections.Add(ctx, 1)
		}
		return nil, err
	}

	// Fast-fail on an existing revocation before touching the ledger. The
	// authoritative veto check runs again inside the ledger transaction.
	revoked, revErr := e.authority.IsRevoked(ctx, req.LicenseKey)
	if revErr != nil {
		err = revErr
		e.recordInfraFailure(ctx, err)
		return nil, err
	}
	if revoked {
		err = licenseErrors.ErrLicenseRevoked
		return nil, err
	}

	activation, actErr := e.ledger.Activate(ctx, req.LicenseKey, req.DeviceID, productID, req.Client)
	if actErr != nil {
		err = actErr
		e.recordRejection(ctx, err)
		return nil, err
	}

	entitlements := e.mustEntitlements(req.LicenseKey, productID)

	token, tokenErr := e.codec.Issue(req.LicenseKey, req.DeviceID, productID, e.tokenTTL)
	if tokenErr != nil {
		err = tokenErr
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.TokensIssued.Add(ctx, 1)
	}

	e.logger.InfoContext(ctx, "license activated",
		slog.String("operation", "activate"),
		slog.String("license_key", license.MaskKey(req.LicenseKey)),
		slog.String("device_id", req.DeviceID),
		slog.String("product_id", productID),
		slog.String("tier", string(entitlements.Tier)),
		slog.Duration("duration", time.Since(start)),
	)

	return &ActivationResult{
		Activation:    activation,
		Entitlements:  entitlements,
		Token:         token,
		OfflineExpiry: activation.OfflineExpiry,
		CustomerEmail: oracleResult.CustomerEmail,
	}, nil
}

// Verify re-establishes trust online: the oracle re-confirms the purchase is
// still good, the ledger refreshes the activation's offline-expiry deadline,
// and a fresh offline token is issued. A supplied offline token is validated
// first; when it fails, online verification still proceeds and the failure is
// reported as a note rather than a rejection.
func (e *engine) Verify(ctx context.Context, req VerifyRequest) (*VerificationResult, error) {
	productID := e.productOrDefault(req.ProductID)

	var err error
	defer func() {
		e.metrics.RecordVerification(ctx, productID, err)
	}()

	if err = license.ValidateLicenseKey(req.LicenseKey); err != nil {
		return nil, err
	}
	if err = license.ValidateDeviceID(req.DeviceID); err != nil {
		return nil, err
	}

	var tokenNote string
	if req.OfflineToken != "" {
		if e.metrics != nil {
			e.metrics.TokenVerifications.Add(ctx, 1)
		}
		if claims, tokenErr := e.codec.Verify(req.OfflineToken); tokenErr != nil {
			tokenNote = tokenErr.Error()
		} else if claims.LicenseKey != req.LicenseKey || claims.DeviceID != req.DeviceID {
			tokenNote = "offline token is bound to a different license or device"
		}
	}

	// A purchase that went bad since activation (refund, chargeback) must not
	// keep rolling its trust window forward; the oracle answers before the
	// ledger refreshes anything.
	oracleResult, oracleErr := e.oracle.VerifyPurchase(ctx, productID, req.LicenseKey)
	if oracleErr != nil {
		err = oracleErr
		e.recordInfraFailure(ctx, err)
		return nil, err
	}
	if !oracleResult.Authentic {
		err = &licenseErrors.OracleError{Message: oracleResult.Message}
		if e.metrics != nil {
			e.metrics.OracleRejections.Add(ctx, 1)
		}
		return nil, err
	}

	activation, verifyErr := e.ledger.Verify(ctx, req.LicenseKey, req.DeviceID)
	if verifyErr != nil {
		err = verifyErr
		e.recordRejection(ctx, err)
		return nil, err
	}

	entitlements := e.mustEntitlements(req.LicenseKey, productID)

	token, tokenErr := e.codec.Issue(req.LicenseKey, req.DeviceID, productID, e.tokenTTL)
	if tokenErr != nil {
		err = tokenErr
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.TokensIssued.Add(ctx, 1)
	}

	return &VerificationResult{
		Valid:         true,
		Entitlements:  entitlements,
		OfflineExpiry: activation.OfflineExpiry,
		Token:         token,
		TokenNote:     tokenNote,
	}, nil
}

// Revoke permanently vetoes the key and cascades its activations
func (e *engine) Revoke(ctx context.Context, licenseKey, reason, email string) (*license.RevocationSummary, error) {
	summary, err := e.authority.Revoke(ctx, licenseKey, reason, email)
	if err != nil {
		e.recordInfraFailure(ctx, err)
		return nil, err
	}
	if !summary.AlreadyRevoked {
		e.metrics.RecordRevocation(ctx, summary.CascadedCount)
	}
	return summary, nil
}

// Status reports the ledger state for a key
func (e *engine) Status(ctx context.Context, licenseKey string) (*StatusResult, error) {
	revoked, err := e.authority.IsRevoked(ctx, licenseKey)
	if err != nil {
		return nil, err
	}
	activations, active, err := e.ledger.Status(ctx, licenseKey)
	if err != nil {
		return nil, err
	}
	return &StatusResult{
		LicenseKey:    licenseKey,
		Revoked:       revoked,
		ActiveDevices: active,
		DeviceCap:     e.ledger.DeviceCap(),
		Activations:   activations,
	}, nil
}

// ValidateToken validates an offline token without touching the store.
// The trust window is the token's own expiry; revocations since issuance are
// not visible here.
func (e *engine) ValidateToken(ctx context.Context, token string) (license.Claims, error) {
	if e.metrics != nil {
		e.metrics.TokenVerifications.Add(ctx, 1)
	}
	return e.codec.Verify(token)
}

func (e *engine) productOrDefault(productID string) string {
	if productID == "" {
		return e.defaultProduct
	}
	return productID
}

// mustEntitlements resolves entitlements for a key that already passed
// strict-mode validation; the permissive fallback makes this total.
func (e *engine) mustEntitlements(licenseKey, productID string) license.Entitlement {
	tier, err := e.resolver.ResolveTier(licenseKey, productID)
	if err != nil {
		tier = license.TierPersonal
	}
	return e.resolver.Entitlements(tier, productID)
}

func (e *engine) recordRejection(ctx context.Context, err error) {
	if e.metrics == nil {
		return
	}
	var limitErr *licenseErrors.DeviceLimitError
	switch {
	case errors.As(err, &limitErr):
		e.metrics.DeviceLimitRejections.Add(ctx, 1)
	case licenseErrors.IsRetryable(err):
		e.metrics.InfraFailures.Add(ctx, 1)
	}
}

func (e *engine) recordInfraFailure(ctx context.Context, err error) {
	if e.metrics != nil && licenseErrors.IsRetryable(err) {
		e.metrics.InfraFailures.Add(ctx, 1)
	}
}
