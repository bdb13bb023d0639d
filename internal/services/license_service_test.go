package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	licenseErrors "github.com/photobatch/licenserver/internal/errors"
	"github.com/photobatch/licenserver/internal/license"
	"github.com/photobatch/licenserver/internal/oracle"
)

// fakeOracle scripts authenticity answers per license key
type fakeOracle struct {
	authentic map[string]bool
	message   string
	email     string
	err       error
	calls     int
}

func (f *fakeOracle) VerifyPurchase(ctx context.Context, productID, licenseKey string) (*oracle.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	ok, known := f.authentic[licenseKey]
	if !known {
		ok = true
	}
	result := &oracle.Result{Authentic: ok, CustomerEmail: f.email}
	if !ok {
		result.Message = f.message
	}
	return result, nil
}

type engineFixture struct {
	service LicenseService
	store   *license.MemoryStore
	oracle  *fakeOracle
}

func newEngineFixture(t *testing.T, deviceCap int) *engineFixture {
	t.Helper()
	store := license.NewMemoryStore()
	fake := &fakeOracle{authentic: map[string]bool{}, email: "buyer@example.com"}

	service := NewLicenseService(EngineConfig{
		Ledger:         license.NewLedger(store, deviceCap, 30*24*time.Hour, nil),
		Authority:      license.NewAuthority(store, nil),
		Resolver:       license.NewResolver(nil, false),
		Codec:          license.NewTokenCodec([]byte("0123456789abcdef0123456789abcdef")),
		Oracle:         fake,
		TokenTTL:       30 * 24 * time.Hour,
		DefaultProduct: "photobatchpro",
	})
	return &engineFixture{service: service, store: store, oracle: fake}
}

func device(i int) string {
	return fmt.Sprintf("%016x", i+1)
}

func TestActivateHappyPath(t *testing.T) {
	fx := newEngineFixture(t, 3)
	ctx := context.Background()

	result, err := fx.service.Activate(ctx, ActivateRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
		Client:     license.ClientInfo{Hostname: "studio-pc"},
	})
	require.NoError(t, err)

	assert.Equal(t, license.StatusActive, result.Activation.Status)
	assert.Equal(t, license.TierPro, result.Entitlements.Tier)
	assert.Contains(t, result.Entitlements.Features, "raw_processing")
	assert.NotEmpty(t, result.Token)
	assert.Equal(t, "buyer@example.com", result.CustomerEmail)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), result.OfflineExpiry, time.Minute)

	// The issued token binds the request's (key, device, product).
	codec := license.NewTokenCodec([]byte("0123456789abcdef0123456789abcdef"))
	claims, err := codec.Verify(result.Token)
	require.NoError(t, err)
	assert.Equal(t, "PB-123456-PRO", claims.LicenseKey)
	assert.Equal(t, device(0), claims.DeviceID)
	assert.Equal(t, "photobatchpro", claims.ProductID)
}

func TestActivateNotAuthentic(t *testing.T) {
	fx := newEngineFixture(t, 3)
	fx.oracle.authentic["PB-999999-PRO"] = false
	fx.oracle.message = "That license does not exist for the provided product."

	_, err := fx.service.Activate(context.Background(), ActivateRequest{
		LicenseKey: "PB-999999-PRO",
		DeviceID:   device(0),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, licenseErrors.ErrNotAuthentic))

	var oracleErr *licenseErrors.OracleError
	require.True(t, errors.As(err, &oracleErr))
	assert.Contains(t, oracleErr.Message, "does not exist")
}

func TestActivateOracleOutageIsRetryable(t *testing.T) {
	fx := newEngineFixture(t, 3)
	fx.oracle.err = licenseErrors.NewInfraError("oracle", errors.New("connection refused"))

	_, err := fx.service.Activate(context.Background(), ActivateRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	require.Error(t, err)
	assert.True(t, licenseErrors.IsRetryable(err))
}

func TestActivateDeviceCap(t *testing.T) {
	fx := newEngineFixture(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := fx.service.Activate(ctx, ActivateRequest{
			LicenseKey: "PB-123456-PRO",
			DeviceID:   device(i),
		})
		require.NoError(t, err)
	}

	_, err := fx.service.Activate(ctx, ActivateRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(2),
	})
	var limitErr *licenseErrors.DeviceLimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, 2, limitErr.Count)
	assert.Equal(t, 2, limitErr.Cap)
}

func TestActivateRevokedKey(t *testing.T) {
	fx := newEngineFixture(t, 3)
	ctx := context.Background()

	_, err := fx.service.Revoke(ctx, "PB-123456-PRO", "REFUND", "")
	require.NoError(t, err)

	_, err = fx.service.Activate(ctx, ActivateRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	assert.True(t, errors.Is(err, licenseErrors.ErrLicenseRevoked))
}

func TestActivateDefaultsProduct(t *testing.T) {
	fx := newEngineFixture(t, 3)

	result, err := fx.service.Activate(context.Background(), ActivateRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	require.NoError(t, err)
	assert.Equal(t, "photobatchpro", result.Activation.ProductID)
}

func TestVerifyRequiresActivation(t *testing.T) {
	fx := newEngineFixture(t, 3)

	_, err := fx.service.Verify(context.Background(), VerifyRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	assert.True(t, errors.Is(err, licenseErrors.ErrNotActivated))
}

func TestVerifyRefreshesTokenAndExpiry(t *testing.T) {
	fx := newEngineFixture(t, 3)
	ctx := context.Background()

	activated, err := fx.service.Activate(ctx, ActivateRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	require.NoError(t, err)

	verified, err := fx.service.Verify(ctx, VerifyRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	require.NoError(t, err)
	assert.True(t, verified.Valid)
	assert.NotEmpty(t, verified.Token)
	assert.Equal(t, license.TierPro, verified.Entitlements.Tier)
	assert.False(t, verified.OfflineExpiry.Before(activated.OfflineExpiry))
	assert.Empty(t, verified.TokenNote)
}

func TestVerifyWithBadOfflineTokenStillSucceedsOnline(t *testing.T) {
	fx := newEngineFixture(t, 3)
	ctx := context.Background()

	_, err := fx.service.Activate(ctx, ActivateRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	require.NoError(t, err)

	verified, err := fx.service.Verify(ctx, VerifyRequest{
		LicenseKey:   "PB-123456-PRO",
		DeviceID:     device(0),
		OfflineToken: "v1.garbage",
	})
	require.NoError(t, err)
	assert.True(t, verified.Valid)
	assert.NotEmpty(t, verified.TokenNote, "offline token failure is reported, not fatal")
}

func TestVerifyFlagsTokenBoundToOtherDevice(t *testing.T) {
	fx := newEngineFixture(t, 3)
	ctx := context.Background()

	first, err := fx.service.Activate(ctx, ActivateRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	require.NoError(t, err)

	_, err = fx.service.Activate(ctx, ActivateRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(1),
	})
	require.NoError(t, err)

	verified, err := fx.service.Verify(ctx, VerifyRequest{
		LicenseKey:   "PB-123456-PRO",
		DeviceID:     device(1),
		OfflineToken: first.Token,
	})
	require.NoError(t, err)
	assert.Contains(t, verified.TokenNote, "different license or device")
}

func TestVerifyReconsultsOracle(t *testing.T) {
	fx := newEngineFixture(t, 3)
	ctx := context.Background()

	_, err := fx.service.Activate(ctx, ActivateRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	require.NoError(t, err)
	require.Equal(t, 1, fx.oracle.calls)

	// The purchase goes bad after activation (refund or chargeback).
	fx.oracle.authentic["PB-123456-PRO"] = false
	fx.oracle.message = "This license key has been refunded."

	_, err = fx.service.Verify(ctx, VerifyRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, licenseErrors.ErrNotAuthentic))
	assert.Equal(t, 2, fx.oracle.calls, "verification must ask the oracle again")

	var oracleErr *licenseErrors.OracleError
	require.True(t, errors.As(err, &oracleErr))
	assert.Contains(t, oracleErr.Message, "refunded")
}

func TestVerifyOracleOutageIsRetryable(t *testing.T) {
	fx := newEngineFixture(t, 3)
	ctx := context.Background()

	_, err := fx.service.Activate(ctx, ActivateRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	require.NoError(t, err)

	fx.oracle.err = licenseErrors.NewInfraError("oracle", errors.New("connection refused"))

	_, err = fx.service.Verify(ctx, VerifyRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	require.Error(t, err)
	assert.True(t, licenseErrors.IsRetryable(err))
	assert.False(t, errors.Is(err, licenseErrors.ErrNotAuthentic))
}

// counterValue sums the data points of a named Int64 counter
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestVerifyCountsEveryOfflineTokenCheck(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	metrics, err := license.NewMetrics(meter)
	require.NoError(t, err)

	store := license.NewMemoryStore()
	service := NewLicenseService(EngineConfig{
		Ledger:         license.NewLedger(store, 3, 30*24*time.Hour, nil),
		Authority:      license.NewAuthority(store, nil),
		Resolver:       license.NewResolver(nil, false),
		Codec:          license.NewTokenCodec([]byte("0123456789abcdef0123456789abcdef")),
		Oracle:         &fakeOracle{authentic: map[string]bool{}},
		Metrics:        metrics,
		TokenTTL:       30 * 24 * time.Hour,
		DefaultProduct: "photobatchpro",
	})
	ctx := context.Background()

	activated, err := service.Activate(ctx, ActivateRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	require.NoError(t, err)

	// A token that validates and a token that does not are both attempts.
	_, err = service.Verify(ctx, VerifyRequest{
		LicenseKey:   "PB-123456-PRO",
		DeviceID:     device(0),
		OfflineToken: activated.Token,
	})
	require.NoError(t, err)

	_, err = service.Verify(ctx, VerifyRequest{
		LicenseKey:   "PB-123456-PRO",
		DeviceID:     device(0),
		OfflineToken: "v1.garbage",
	})
	require.NoError(t, err)

	// A verify without a token is not a token check.
	_, err = service.Verify(ctx, VerifyRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(2), counterValue(t, rm, "license_token_verifications_total"))
}

func TestRevokeCascadesAndIsIdempotent(t *testing.T) {
	fx := newEngineFixture(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := fx.service.Activate(ctx, ActivateRequest{
			LicenseKey: "PB-123456-PRO",
			DeviceID:   device(i),
		})
		require.NoError(t, err)
	}

	summary, err := fx.service.Revoke(ctx, "PB-123456-PRO", "CHARGEBACK", "buyer@example.com")
	require.NoError(t, err)
	assert.False(t, summary.AlreadyRevoked)
	assert.Equal(t, 3, summary.CascadedCount)

	again, err := fx.service.Revoke(ctx, "PB-123456-PRO", "CHARGEBACK", "")
	require.NoError(t, err)
	assert.True(t, again.AlreadyRevoked)

	// Verification on every device now reports the veto.
	for i := 0; i < 3; i++ {
		_, err := fx.service.Verify(ctx, VerifyRequest{
			LicenseKey: "PB-123456-PRO",
			DeviceID:   device(i),
		})
		assert.True(t, errors.Is(err, licenseErrors.ErrLicenseRevoked))
	}
}

func TestStatusSummarizesLedger(t *testing.T) {
	fx := newEngineFixture(t, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := fx.service.Activate(ctx, ActivateRequest{
			LicenseKey: "PB-123456-PRO",
			DeviceID:   device(i),
		})
		require.NoError(t, err)
	}

	status, err := fx.service.Status(ctx, "PB-123456-PRO")
	require.NoError(t, err)
	assert.False(t, status.Revoked)
	assert.Equal(t, 2, status.ActiveDevices)
	assert.Equal(t, 3, status.DeviceCap)
	assert.Len(t, status.Activations, 2)
}

func TestValidateToken(t *testing.T) {
	fx := newEngineFixture(t, 3)
	ctx := context.Background()

	result, err := fx.service.Activate(ctx, ActivateRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	require.NoError(t, err)

	claims, err := fx.service.ValidateToken(ctx, result.Token)
	require.NoError(t, err)
	assert.Equal(t, "PB-123456-PRO", claims.LicenseKey)

	_, err = fx.service.ValidateToken(ctx, "v1.not.real")
	assert.Error(t, err)
}

func TestTokenValidationIgnoresRevocation(t *testing.T) {
	// Stateless-by-design trade-off: a token issued before revocation
	// stays structurally valid until it expires. Live revocation is only
	// observed on the next online verification.
	fx := newEngineFixture(t, 3)
	ctx := context.Background()

	result, err := fx.service.Activate(ctx, ActivateRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	require.NoError(t, err)

	_, err = fx.service.Revoke(ctx, "PB-123456-PRO", "REFUND", "")
	require.NoError(t, err)

	claims, err := fx.service.ValidateToken(ctx, result.Token)
	require.NoError(t, err, "token codec does not consult revocation state")
	assert.Equal(t, "PB-123456-PRO", claims.LicenseKey)

	_, err = fx.service.Verify(ctx, VerifyRequest{
		LicenseKey: "PB-123456-PRO",
		DeviceID:   device(0),
	})
	assert.True(t, errors.Is(err, licenseErrors.ErrLicenseRevoked))
}
