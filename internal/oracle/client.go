// Package oracle wraps the external authenticity service that confirms a
// license key was legitimately purchased. The engine treats any
// non-authentic or error response as a hard rejection with the oracle's
// message passed through verbatim; retry policy, if any, belongs to callers.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	licenseErrors "github.com/photobatch/licenserver/internal/errors"
	"github.com/photobatch/licenserver/internal/license"
)

// Verifier is the authenticity oracle port consumed by the engine
type Verifier interface {
	VerifyPurchase(ctx context.Context, productID, licenseKey string) (*Result, error)
}

// Result is the oracle's answer for a (product, key) pair
type Result struct {
	Authentic     bool   `json:"authentic"`
	CustomerEmail string `json:"customer_email,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Client is a thin wrapper over the purchase-verification HTTP API
type Client struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

// Option configures the Client
type Option func(*Client)

// WithHTTPClient sets a custom http.Client
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates an oracle client with a bounded request timeout
func New(endpoint string, timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With(slog.String("component", "oracle")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Verifier = (*Client)(nil)

// verifyResponse is the oracle's wire format (Gumroad-style license verify)
type verifyResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Purchase struct {
		Email    string `json:"email,omitempty"`
		Refunded bool   `json:"refunded,omitempty"`
	} `json:"purchase,omitempty"`
}

// VerifyPurchase asks the oracle whether the key was legitimately issued.
// Connectivity failures and 5xx responses surface as retryable
// infrastructure errors; an explicit "no" from the oracle is a Result with
// Authentic=false and the oracle's message verbatim.
func (c *Client) VerifyPurchase(ctx context.Context, productID, licenseKey string) (*Result, error) {
	form := url.Values{}
	form.Set("product_permalink", productID)
	form.Set("license_key", licenseKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, licenseErrors.NewInfraError("oracle request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "oracle request failed",
			slog.String("operation", "verify_purchase"),
			slog.String("license_key", license.MaskKey(licenseKey)),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, licenseErrors.NewInfraError("oracle timeout", err)
		}
		return nil, licenseErrors.NewInfraError("oracle request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, licenseErrors.NewInfraError("oracle response read", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, licenseErrors.NewInfraError("oracle",
			fmt.Errorf("oracle returned status %d", resp.StatusCode))
	}

	var decoded verifyResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, licenseErrors.NewInfraError("oracle response decode", err)
	}

	result := &Result{
		Authentic:     decoded.Success && !decoded.Purchase.Refunded,
		CustomerEmail: decoded.Purchase.Email,
		Message:       decoded.Message,
	}
	if decoded.Purchase.Refunded && result.Message == "" {
		result.Message = "This license key belongs to a refunded purchase."
	}

	c.logger.DebugContext(ctx, "oracle verification completed",
		slog.String("operation", "verify_purchase"),
		slog.String("license_key", license.MaskKey(licenseKey)),
		slog.Bool("authentic", result.Authentic),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}
