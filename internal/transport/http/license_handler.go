package http

import (
	stderrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "github.com/photobatch/licenserver/internal/errors"
	"github.com/photobatch/licenserver/internal/infrastructure"
	"github.com/photobatch/licenserver/internal/license"
	"github.com/photobatch/licenserver/internal/services"
)

// validate checks struct tags on request payloads before the stricter
// domain format rules run.
var validate = validator.New(validator.WithRequiredStructEnabled())

// LicenseHandler exposes activation, verification, revocation, and status
// endpoints over the license service.
type LicenseHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a license handler
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// ActivateRequest is the activation request payload
type ActivateRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
	DeviceID   string `json:"device_id" validate:"required"`
	ProductID  string `json:"product_id,omitempty" validate:"omitempty,max=64"`
	Hostname   string `json:"hostname,omitempty" validate:"omitempty,max=255"`
	OS         string `json:"os,omitempty" validate:"omitempty,max=64"`
	AppVersion string `json:"app_version,omitempty" validate:"omitempty,max=32"`
}

// Bind implements render.Binder. Format validation happens here so malformed
// input never reaches the oracle or the ledger.
func (a *ActivateRequest) Bind(r *http.Request) error {
	if err := validate.Struct(a); err != nil {
		return err
	}
	if err := license.ValidateLicenseKey(a.LicenseKey); err != nil {
		return err
	}
	return license.ValidateDeviceID(a.DeviceID)
}

// VerifyRequest is the verification request payload. OfflineToken is
// optional; when present its claims are checked against the request binding.
type VerifyRequest struct {
	LicenseKey   string `json:"license_key" validate:"required"`
	DeviceID     string `json:"device_id" validate:"required"`
	ProductID    string `json:"product_id,omitempty" validate:"omitempty,max=64"`
	OfflineToken string `json:"offline_token,omitempty" validate:"omitempty,max=2048"`
}

// Bind implements render.Binder
func (v *VerifyRequest) Bind(r *http.Request) error {
	if err := validate.Struct(v); err != nil {
		return err
	}
	if err := license.ValidateLicenseKey(v.LicenseKey); err != nil {
		return err
	}
	return license.ValidateDeviceID(v.DeviceID)
}

// RevokeRequest is the administrative revocation payload
type RevokeRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
	Reason     string `json:"reason" validate:"required,max=128"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
}

// Bind implements render.Binder
func (rv *RevokeRequest) Bind(r *http.Request) error {
	if err := validate.Struct(rv); err != nil {
		return err
	}
	return license.ValidateLicenseKey(rv.LicenseKey)
}

// ActivateResponse is the activation success payload
type ActivateResponse struct {
	Success       bool                `json:"success"`
	Activation    *license.Activation `json:"activation"`
	Entitlements  license.Entitlement `json:"entitlements"`
	OfflineToken  string              `json:"offline_token"`
	OfflineExpiry time.Time           `json:"offline_expiry"`
	TraceID       string              `json:"trace_id"`
	Timestamp     time.Time           `json:"timestamp"`
}

// VerifyResponse is returned for both accepted and rejected verifications.
// Business rejections (revoked, never activated, not authentic) come back
// with HTTP 200 and Valid=false so clients can distinguish "your license is
// bad" from "the server could not answer".
type VerifyResponse struct {
	Valid         bool                `json:"valid"`
	Reason        string              `json:"reason,omitempty"`
	Entitlements  license.Entitlement `json:"entitlements,omitempty"`
	OfflineToken  string              `json:"offline_token,omitempty"`
	OfflineExpiry *time.Time          `json:"offline_expiry,omitempty"`
	TokenNote     string              `json:"token_note,omitempty"`
	TraceID       string              `json:"trace_id"`
	Timestamp     time.Time           `json:"timestamp"`
}

// RevokeResponse is the revocation success payload
type RevokeResponse struct {
	Success        bool      `json:"success"`
	LicenseKey     string    `json:"license_key"`
	AlreadyRevoked bool      `json:"already_revoked"`
	DevicesRevoked int       `json:"devices_revoked"`
	RevokedAt      time.Time `json:"revoked_at"`
	TraceID        string    `json:"trace_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// StatusResponse summarizes a license key's ledger state
type StatusResponse struct {
	LicenseKey    string               `json:"license_key"`
	Revoked       bool                 `json:"revoked"`
	ActiveDevices int                  `json:"active_devices"`
	DeviceCap     int                  `json:"device_cap"`
	Activations   []license.Activation `json:"activations"`
	TraceID       string               `json:"trace_id"`
	Timestamp     time.Time            `json:"timestamp"`
}

// Routes returns a chi router for the license endpoints. Revocation is
// administrative and runs behind the supplied auth middleware.
func (h *LicenseHandler) Routes(adminAuth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Post("/activate", h.Activate)
	r.Post("/verify", h.Verify)
	r.Get("/status/{licenseKey}", h.Status)

	r.Group(func(r chi.Router) {
		r.Use(adminAuth)
		r.Post("/revoke", h.Revoke)
	})

	return r
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)
	tracer := otel.Tracer("license-handler")
	start := time.Now()

	ctx, span := tracer.Start(ctx, "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/activate"),
			attribute.String("component", "license_handler"),
		),
	)
	defer span.End()

	data := &ActivateRequest{}
	if err := render.Bind(r, data); err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.type", "request_validation"))
		h.renderBadRequest(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.key_prefix", license.MaskKey(data.LicenseKey)),
		attribute.String("license.operation", "activate"),
	)

	result, err := h.service.Activate(ctx, services.ActivateRequest{
		LicenseKey: data.LicenseKey,
		DeviceID:   data.DeviceID,
		ProductID:  data.ProductID,
		Client: license.ClientInfo{
			Hostname:   data.Hostname,
			OS:         data.OS,
			AppVersion: data.AppVersion,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("license.result", "failure"))
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("license.result", "success"))
	h.logger.InfoContext(ctx, "activation request completed",
		slog.String("trace_id", traceID),
		slog.String("operation", "activate"),
		slog.String("license_key", license.MaskKey(data.LicenseKey)),
		slog.String("tier", string(result.Entitlements.Tier)),
		slog.Duration("latency", time.Since(start)),
	)

	render.JSON(w, r, ActivateResponse{
		Success:       true,
		Activation:    result.Activation,
		Entitlements:  result.Entitlements,
		OfflineToken:  result.Token,
		OfflineExpiry: result.OfflineExpiry,
		TraceID:       traceID,
		Timestamp:     time.Now().UTC(),
	})
}

// Verify handles POST /api/license/verify
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.verify",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/verify"),
			attribute.String("component", "license_handler"),
		),
	)
	defer span.End()

	data := &VerifyRequest{}
	if err := render.Bind(r, data); err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.type", "request_validation"))
		h.renderBadRequest(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("license.key_prefix", license.MaskKey(data.LicenseKey)))

	result, err := h.service.Verify(ctx, services.VerifyRequest{
		LicenseKey:   data.LicenseKey,
		DeviceID:     data.DeviceID,
		ProductID:    data.ProductID,
		OfflineToken: data.OfflineToken,
	})
	if err != nil {
		if reason, ok := verifyRejectionReason(err); ok {
			span.SetAttributes(attribute.String("license.result", "rejected"))
			h.logger.InfoContext(ctx, "verification rejected",
				slog.String("trace_id", traceID),
				slog.String("operation", "verify"),
				slog.String("license_key", license.MaskKey(data.LicenseKey)),
				slog.String("reason", reason),
			)
			render.JSON(w, r, VerifyResponse{
				Valid:     false,
				Reason:    reason,
				TraceID:   traceID,
				Timestamp: time.Now().UTC(),
			})
			return
		}

		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("license.result", "valid"))
	expiry := result.OfflineExpiry
	render.JSON(w, r, VerifyResponse{
		Valid:         true,
		Entitlements:  result.Entitlements,
		OfflineToken:  result.Token,
		OfflineExpiry: &expiry,
		TokenNote:     result.TokenNote,
		TraceID:       traceID,
		Timestamp:     time.Now().UTC(),
	})
}

// Revoke handles POST /api/license/revoke (admin only)
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)

	data := &RevokeRequest{}
	if err := render.Bind(r, data); err != nil {
		h.renderBadRequest(w, r, err)
		return
	}

	summary, err := h.service.Revoke(ctx, data.LicenseKey, data.Reason, data.Email)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "revocation request completed",
		slog.String("trace_id", traceID),
		slog.String("operation", "revoke"),
		slog.String("license_key", license.MaskKey(data.LicenseKey)),
		slog.Bool("already_revoked", summary.AlreadyRevoked),
		slog.Int("devices_revoked", summary.CascadedCount),
	)

	render.JSON(w, r, RevokeResponse{
		Success:        true,
		LicenseKey:     summary.LicenseKey,
		AlreadyRevoked: summary.AlreadyRevoked,
		DevicesRevoked: summary.CascadedCount,
		RevokedAt:      summary.RevokedAt,
		TraceID:        traceID,
		Timestamp:      time.Now().UTC(),
	})
}

// Status handles GET /api/license/status/{licenseKey}
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)

	licenseKey := chi.URLParam(r, "licenseKey")
	if err := license.ValidateLicenseKey(licenseKey); err != nil {
		h.renderBadRequest(w, r, err)
		return
	}

	result, err := h.service.Status(ctx, licenseKey)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, StatusResponse{
		LicenseKey:    result.LicenseKey,
		Revoked:       result.Revoked,
		ActiveDevices: result.ActiveDevices,
		DeviceCap:     result.DeviceCap,
		Activations:   result.Activations,
		TraceID:       traceID,
		Timestamp:     time.Now().UTC(),
	})
}

// verifyRejectionReason maps business rejections to a wire reason string.
// Infrastructure and validation failures are not rejections and fall through
// to the problem-details mapper.
func verifyRejectionReason(err error) (string, bool) {
	switch {
	case stderrors.Is(err, licenseErrors.ErrLicenseRevoked):
		return "license_revoked", true
	case stderrors.Is(err, licenseErrors.ErrNotActivated):
		return "not_activated", true
	case stderrors.Is(err, licenseErrors.ErrNotAuthentic):
		return "not_authentic", true
	default:
		return "", false
	}
}

func (h *LicenseHandler) renderBadRequest(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)

	h.logger.WarnContext(ctx, "request validation failed",
		slog.String("trace_id", traceID),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)

	problem := licenseErrors.NewProblemDetails(
		http.StatusBadRequest,
		"/errors/invalid-request",
		"Invalid Request",
		err.Error(),
		r.URL.Path,
	).WithExtension("trace_id", traceID)

	render.Render(w, r, problem)
}

// handleError centralizes error mapping for the handler
func (h *LicenseHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)

	logFn := h.logger.ErrorContext
	if !licenseErrors.IsRetryable(err) {
		// Business rejections are expected traffic, not server faults.
		logFn = h.logger.InfoContext
	}
	logFn(ctx, "request failed",
		slog.String("trace_id", traceID),
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.String("error", err.Error()),
	)

	render.Render(w, r, licenseErrors.MapLicenseError(err, traceID))
}
