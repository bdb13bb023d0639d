package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the license-engine OpenTelemetry instruments
type Metrics struct {
	ActivationAttempts metric.Int64Counter
	ActivationSuccess  metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	VerificationAttempts metric.Int64Counter
	VerificationSuccess  metric.Int64Counter
	VerificationFailures metric.Int64Counter

	Revocations     metric.Int64Counter
	CascadedDevices metric.Int64Counter

	TokensIssued       metric.Int64Counter
	TokenVerifications metric.Int64Counter

	DeviceLimitRejections metric.Int64Counter
	OracleRejections      metric.Int64Counter
	InfraFailures         metric.Int64Counter
}

// NewMetrics creates all license-engine metrics on the given meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}
	if m.ActivationSuccess, err = meter.Int64Counter(
		"license_activation_success_total",
		metric.WithDescription("Total number of successful license activations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activation success counter: %w", err)
	}
	if m.ActivationFailures, err = meter.Int64Counter(
		"license_activation_failures_total",
		metric.WithDescription("Total number of failed license activations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activation failures counter: %w", err)
	}
	if m.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("License activation request duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}
	if m.VerificationAttempts, err = meter.Int64Counter(
		"license_verification_attempts_total",
		metric.WithDescription("Total number of license verification attempts"),
	); err != nil {
		return nil, fmt.Errorf("failed to create verification attempts counter: %w", err)
	}
	if m.VerificationSuccess, err = meter.Int64Counter(
		"license_verification_success_total",
		metric.WithDescription("Total number of successful license verifications"),
	); err != nil {
		return nil, fmt.Errorf("failed to create verification success counter: %w", err)
	}
	if m.VerificationFailures, err = meter.Int64Counter(
		"license_verification_failures_total",
		metric.WithDescription("Total number of failed license verifications"),
	); err != nil {
		return nil, fmt.Errorf("failed to create verification failures counter: %w", err)
	}
	if m.Revocations, err = meter.Int64Counter(
		"license_revocations_total",
		metric.WithDescription("Total number of license revocations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create revocations counter: %w", err)
	}
	if m.CascadedDevices, err = meter.Int64Counter(
		"license_revocation_cascaded_devices_total",
		metric.WithDescription("Total number of device activations swept by revocation cascades"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cascaded devices counter: %w", err)
	}
	if m.TokensIssued, err = meter.Int64Counter(
		"license_tokens_issued_total",
		metric.WithDescription("Total number of offline activation tokens issued"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tokens issued counter: %w", err)
	}
	if m.TokenVerifications, err = meter.Int64Counter(
		"license_token_verifications_total",
		metric.WithDescription("Total number of offline token validations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create token verifications counter: %w", err)
	}
	if m.DeviceLimitRejections, err = meter.Int64Counter(
		"license_device_limit_rejections_total",
		metric.WithDescription("Activations rejected because the device cap was reached"),
	); err != nil {
		return nil, fmt.Errorf("failed to create device limit rejections counter: %w", err)
	}
	if m.OracleRejections, err = meter.Int64Counter(
		"license_oracle_rejections_total",
		metric.WithDescription("Requests rejected by the authenticity oracle"),
	); err != nil {
		return nil, fmt.Errorf("failed to create oracle rejections counter: %w", err)
	}
	if m.InfraFailures, err = meter.Int64Counter(
		"license_infrastructure_failures_total",
		metric.WithDescription("Store or oracle connectivity failures"),
	); err != nil {
		return nil, fmt.Errorf("failed to create infra failures counter: %w", err)
	}

	return m, nil
}

// RecordActivation records an activation attempt and its outcome
func (m *Metrics) RecordActivation(ctx context.Context, productID string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("product_id", productID))
	m.ActivationAttempts.Add(ctx, 1, attrs)
	m.ActivationDuration.Record(ctx, duration.Seconds(), attrs)
	if err == nil {
		m.ActivationSuccess.Add(ctx, 1, attrs)
	} else {
		m.ActivationFailures.Add(ctx, 1, attrs)
	}
}

// RecordVerification records a verification attempt and its outcome
func (m *Metrics) RecordVerification(ctx context.Context, productID string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("product_id", productID))
	m.VerificationAttempts.Add(ctx, 1, attrs)
	if err == nil {
		m.VerificationSuccess.Add(ctx, 1, attrs)
	} else {
		m.VerificationFailures.Add(ctx, 1, attrs)
	}
}

// RecordRevocation records a completed revocation and its cascade size
func (m *Metrics) RecordRevocation(ctx context.Context, cascaded int) {
	if m == nil {
		return
	}
	m.Revocations.Add(ctx, 1)
	m.CascadedDevices.Add(ctx, int64(cascaded))
}
