package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licenseErrors "github.com/photobatch/licenserver/internal/errors"
	"github.com/photobatch/licenserver/internal/license"
	"github.com/photobatch/licenserver/internal/services"
)

const testDeviceID = "aabbccdd00112233"

// fakeLicenseService returns canned results per call
type fakeLicenseService struct {
	activateResult *services.ActivationResult
	activateErr    error
	verifyResult   *services.VerificationResult
	verifyErr      error
	revokeSummary  *license.RevocationSummary
	revokeErr      error
	statusResult   *services.StatusResult
	statusErr      error

	lastActivate services.ActivateRequest
	lastVerify   services.VerifyRequest
}

func (f *fakeLicenseService) Activate(ctx context.Context, req services.ActivateRequest) (*services.ActivationResult, error) {
	f.lastActivate = req
	return f.activateResult, f.activateErr
}

func (f *fakeLicenseService) Verify(ctx context.Context, req services.VerifyRequest) (*services.VerificationResult, error) {
	f.lastVerify = req
	return f.verifyResult, f.verifyErr
}

func (f *fakeLicenseService) Revoke(ctx context.Context, licenseKey, reason, email string) (*license.RevocationSummary, error) {
	return f.revokeSummary, f.revokeErr
}

func (f *fakeLicenseService) Status(ctx context.Context, licenseKey string) (*services.StatusResult, error) {
	return f.statusResult, f.statusErr
}

func (f *fakeLicenseService) ValidateToken(ctx context.Context, token string) (license.Claims, error) {
	return license.Claims{}, nil
}

func newTestHandler(svc services.LicenseService) *LicenseHandler {
	return NewLicenseHandler(svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// passthroughAuth stands in for the admin middleware in handler tests
func passthroughAuth(next http.Handler) http.Handler { return next }

func testRouter(svc services.LicenseService) chi.Router {
	return newTestHandler(svc).Routes(passthroughAuth)
}

func postJSON(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestActivateSuccess(t *testing.T) {
	now := time.Now().UTC()
	svc := &fakeLicenseService{
		activateResult: &services.ActivationResult{
			Activation: &license.Activation{
				LicenseKey: "PB-123456-PRO",
				DeviceID:   testDeviceID,
				Status:     license.StatusActive,
			},
			Entitlements:  license.Entitlement{Tier: license.TierPro},
			Token:         "v1.payload.sig",
			OfflineExpiry: now.Add(30 * 24 * time.Hour),
		},
	}
	router := testRouter(svc)

	rec := postJSON(t, router, "/activate", map[string]string{
		"license_key": "PB-123456-PRO",
		"device_id":   testDeviceID,
		"hostname":    "studio-mac",
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp ActivateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "v1.payload.sig", resp.OfflineToken)
	assert.Equal(t, license.TierPro, resp.Entitlements.Tier)
	assert.Equal(t, "studio-mac", svc.lastActivate.Client.Hostname)
}

func TestActivateRejectsMalformedKey(t *testing.T) {
	svc := &fakeLicenseService{}
	router := testRouter(svc)

	rec := postJSON(t, router, "/activate", map[string]string{
		"license_key": "!!bad key!!",
		"device_id":   testDeviceID,
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid Request")
	// Service must not be reached on validation failure.
	assert.Empty(t, svc.lastActivate.LicenseKey)
}

func TestActivateRejectsMalformedDeviceID(t *testing.T) {
	router := testRouter(&fakeLicenseService{})

	rec := postJSON(t, router, "/activate", map[string]string{
		"license_key": "PB-123456-PRO",
		"device_id":   "short",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActivateDeviceLimitMapsToConflict(t *testing.T) {
	svc := &fakeLicenseService{
		activateErr: &licenseErrors.DeviceLimitError{Count: 3, Cap: 3},
	}
	router := testRouter(svc)

	rec := postJSON(t, router, "/activate", map[string]string{
		"license_key": "PB-123456-PRO",
		"device_id":   testDeviceID,
	})

	assert.Equal(t, http.StatusConflict, rec.Code)

	var problem map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.EqualValues(t, 3, problem["active_devices"])
	assert.EqualValues(t, 3, problem["device_cap"])
}

func TestActivateInfraErrorMapsToServiceUnavailable(t *testing.T) {
	svc := &fakeLicenseService{
		activateErr: licenseErrors.NewInfraError("store query", errors.New("connection refused")),
	}
	router := testRouter(svc)

	rec := postJSON(t, router, "/activate", map[string]string{
		"license_key": "PB-123456-PRO",
		"device_id":   testDeviceID,
	})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestVerifyValid(t *testing.T) {
	expiry := time.Now().UTC().Add(30 * 24 * time.Hour)
	svc := &fakeLicenseService{
		verifyResult: &services.VerificationResult{
			Valid:         true,
			Entitlements:  license.Entitlement{Tier: license.TierEnterprise},
			OfflineExpiry: expiry,
			Token:         "v1.fresh.token",
		},
	}
	router := testRouter(svc)

	rec := postJSON(t, router, "/verify", map[string]string{
		"license_key": "PB-123456-ENTERPRISE",
		"device_id":   testDeviceID,
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
	assert.Equal(t, "v1.fresh.token", resp.OfflineToken)
}

func TestVerifyBusinessRejectionsReturnOKWithReason(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantReason string
	}{
		{"revoked", licenseErrors.ErrLicenseRevoked, "license_revoked"},
		{"never activated", licenseErrors.ErrNotActivated, "not_activated"},
		{"not authentic", licenseErrors.ErrNotAuthentic, "not_authentic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeLicenseService{verifyErr: tt.err}
			router := testRouter(svc)

			rec := postJSON(t, router, "/verify", map[string]string{
				"license_key": "PB-123456-PRO",
				"device_id":   testDeviceID,
			})

			require.Equal(t, http.StatusOK, rec.Code)

			var resp VerifyResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.False(t, resp.Valid)
			assert.Equal(t, tt.wantReason, resp.Reason)
		})
	}
}

func TestVerifyInfraErrorIsNotARejection(t *testing.T) {
	svc := &fakeLicenseService{
		verifyErr: licenseErrors.NewInfraError("store query", errors.New("timeout")),
	}
	router := testRouter(svc)

	rec := postJSON(t, router, "/verify", map[string]string{
		"license_key": "PB-123456-PRO",
		"device_id":   testDeviceID,
	})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRevokeSuccess(t *testing.T) {
	revokedAt := time.Now().UTC()
	svc := &fakeLicenseService{
		revokeSummary: &license.RevocationSummary{
			LicenseKey:    "PB-123456-PRO",
			CascadedCount: 2,
			RevokedAt:     revokedAt,
		},
	}
	router := testRouter(svc)

	rec := postJSON(t, router, "/revoke", map[string]string{
		"license_key": "PB-123456-PRO",
		"reason":      "REFUND",
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp RevokeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.DevicesRevoked)
	assert.False(t, resp.AlreadyRevoked)
}

func TestRevokeRequiresReason(t *testing.T) {
	router := testRouter(&fakeLicenseService{})

	rec := postJSON(t, router, "/revoke", map[string]string{
		"license_key": "PB-123456-PRO",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	svc := &fakeLicenseService{
		statusResult: &services.StatusResult{
			LicenseKey:    "PB-123456-PRO",
			ActiveDevices: 2,
			DeviceCap:     3,
			Activations: []license.Activation{
				{DeviceID: testDeviceID, Status: license.StatusActive},
				{DeviceID: "ffeeddcc99887766", Status: license.StatusActive},
			},
		},
	}
	router := testRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/status/PB-123456-PRO", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.ActiveDevices)
	assert.Equal(t, 3, resp.DeviceCap)
	assert.Len(t, resp.Activations, 2)
}
