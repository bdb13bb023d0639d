package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// License-specific errors (sentinel errors the rest of the system branches on).
// Business-logic rejections are ordinary values, never panics; InfraError is
// the only class callers may treat as retryable.
var (
	ErrInvalidLicenseFormat = errors.New("invalid license key format")
	ErrInvalidDeviceID      = errors.New("invalid device id")
	ErrNotAuthentic         = errors.New("license key not authentic")
	ErrLicenseRevoked       = errors.New("license revoked")
	ErrNotActivated         = errors.New("license not activated on this device")
	ErrTokenExpired         = errors.New("offline token expired")
	ErrInvalidSignature     = errors.New("invalid token signature")
	ErrMalformedToken       = errors.New("malformed offline token")
)

// DeviceLimitError is returned when an activation would exceed the device cap.
// It carries the observed count and the cap so callers can prompt the user to
// deactivate another device.
type DeviceLimitError struct {
	Count int
	Cap   int
}

func (e *DeviceLimitError) Error() string {
	return fmt.Sprintf("device limit exceeded: %d of %d activations in use", e.Count, e.Cap)
}

// OracleError wraps an authenticity-oracle rejection, preserving the oracle's
// message verbatim for user display.
type OracleError struct {
	Message string
}

func (e *OracleError) Error() string {
	if e.Message == "" {
		return ErrNotAuthentic.Error()
	}
	return fmt.Sprintf("license key not authentic: %s", e.Message)
}

func (e *OracleError) Unwrap() error { return ErrNotAuthentic }

// InfraError marks a store or oracle connectivity/timeout failure. These are
// transient and retryable, distinct from business-logic rejections.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("infrastructure failure during %s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }

// NewInfraError wraps err as a transient infrastructure failure
func NewInfraError(op string, err error) *InfraError {
	return &InfraError{Op: op, Err: err}
}

// IsRetryable reports whether err is a transient infrastructure failure
func IsRetryable(err error) bool {
	var infra *InfraError
	return errors.As(err, &infra)
}

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// NewDeviceLimitExceededError creates a problem response carrying the current
// activation count and cap so the client can offer deactivation.
func NewDeviceLimitExceededError(limitErr *DeviceLimitError, traceID string) *ProblemDetails {
	problem := NewProblemDetails(
		http.StatusConflict,
		"/errors/device-limit-exceeded",
		"Device Limit Exceeded",
		"This license key is already active on the maximum number of devices. Deactivate another device to continue.",
		fmt.Sprintf("/api/license/activate#%s", traceID),
	)
	problem.WithExtension("error_code", "DEVICE_LIMIT_EXCEEDED").
		WithExtension("trace_id", traceID)
	if limitErr != nil {
		problem.WithExtension("active_devices", limitErr.Count).
			WithExtension("device_cap", limitErr.Cap)
	}
	return problem
}

// MapLicenseError maps domain errors to HTTP problem details
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	var limitErr *DeviceLimitError
	if errors.As(err, &limitErr) {
		return NewDeviceLimitExceededError(limitErr, traceID)
	}

	switch {
	case errors.Is(err, ErrLicenseRevoked):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-revoked",
			"License Revoked",
			"This license key has been revoked and can no longer be activated or verified.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_REVOKED")

	case errors.Is(err, ErrNotAuthentic):
		detail := "The license key could not be verified as a legitimate purchase."
		var oracleErr *OracleError
		if errors.As(err, &oracleErr) && oracleErr.Message != "" {
			detail = oracleErr.Message
		}
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-not-authentic",
			"License Not Authentic",
			detail,
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_NOT_AUTHENTIC")

	case errors.Is(err, ErrNotActivated):
		return NewProblemDetails(
			http.StatusPreconditionRequired,
			"/errors/license-not-activated",
			"License Not Activated",
			"This license key is not activated on this device. Activate it first.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_NOT_ACTIVATED")

	case errors.Is(err, ErrInvalidLicenseFormat):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-license-format",
			"Invalid License Key Format",
			"The provided license key is malformed.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_LICENSE_FORMAT")

	case errors.Is(err, ErrInvalidDeviceID):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-device-id",
			"Invalid Device ID",
			"The provided device identifier is malformed.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_DEVICE_ID")

	case errors.Is(err, ErrTokenExpired):
		return NewProblemDetails(
			http.StatusUnauthorized,
			"/errors/token-expired",
			"Offline Token Expired",
			"The offline activation token has expired. Verify online to obtain a fresh token.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "TOKEN_EXPIRED")

	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrMalformedToken):
		return NewProblemDetails(
			http.StatusUnauthorized,
			"/errors/invalid-token",
			"Invalid Offline Token",
			"The offline activation token could not be validated. Verify online to obtain a fresh token.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_TOKEN")

	case IsRetryable(err):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			"/errors/service-unavailable",
			"Service Temporarily Unavailable",
			"A backing service did not respond in time. Please retry shortly.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INFRASTRUCTURE_ERROR").
			WithExtension("retryable", true)

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal",
			"Internal Server Error",
			"An unexpected error occurred processing the license operation.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}
