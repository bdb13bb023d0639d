package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	licenseErrors "github.com/photobatch/licenserver/internal/errors"
)

// tokenVersion pins the single supported signing algorithm (HMAC-SHA256).
// Tokens carrying any other version marker are rejected outright to prevent
// algorithm downgrade.
const tokenVersion = "v1"

// Claims is the payload of an offline activation token. A valid token proves
// the device was authorized as of issuance; it is reconstructable from the
// payload plus signature and never persisted server-side.
type Claims struct {
	LicenseKey string `json:"license_key"`
	DeviceID   string `json:"device_id"`
	ProductID  string `json:"product_id"`
	IssuedAt   int64  `json:"iat"`
	Expiry     int64  `json:"exp"`
}

// TokenCodec creates and validates signed, time-bounded offline activation
// tokens. Validation is stateless: no storage round trip, and deliberately no
// revocation check. The trust window is bounded by the token's expiry and
// re-established by periodic online verification.
type TokenCodec struct {
	secret []byte
	now    func() time.Time
}

// NewTokenCodec creates a codec signing with the server-held secret
func NewTokenCodec(secret []byte) *TokenCodec {
	return &TokenCodec{secret: secret, now: time.Now}
}

// Issue mints a signed token binding (licenseKey, deviceID, productID) with
// the given lifetime.
func (c *TokenCodec) Issue(licenseKey, deviceID, productID string, ttl time.Duration) (string, error) {
	if licenseKey == "" || deviceID == "" {
		return "", licenseErrors.ErrMalformedToken
	}

	issuedAt := c.now().UTC()
	claims := Claims{
		LicenseKey: licenseKey,
		DeviceID:   deviceID,
		ProductID:  productID,
		IssuedAt:   issuedAt.Unix(),
		Expiry:     issuedAt.Add(ttl).Unix(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode token claims: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	signature := c.sign(encoded)

	return fmt.Sprintf("%s.%s.%s", tokenVersion, encoded, signature), nil
}

// Verify validates a token and returns its claims. Checks run in order:
// signature validity, structural completeness, expiry. Signature comparison
// is constant-time.
func (c *TokenCodec) Verify(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, licenseErrors.ErrMalformedToken
	}

	version, encoded, signature := parts[0], parts[1], parts[2]
	if version != tokenVersion {
		return Claims{}, licenseErrors.ErrInvalidSignature
	}

	expected := c.sign(encoded)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Claims{}, licenseErrors.ErrInvalidSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, licenseErrors.ErrMalformedToken
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, licenseErrors.ErrMalformedToken
	}
	if claims.LicenseKey == "" || claims.DeviceID == "" || claims.Expiry == 0 {
		return Claims{}, licenseErrors.ErrMalformedToken
	}

	if !c.now().Before(time.Unix(claims.Expiry, 0)) {
		return Claims{}, licenseErrors.ErrTokenExpired
	}

	return claims, nil
}

// ExpiresAt returns the claim's expiry as a time
func (cl Claims) ExpiresAt() time.Time {
	return time.Unix(cl.Expiry, 0).UTC()
}

func (c *TokenCodec) sign(encodedPayload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(tokenVersion))
	mac.Write([]byte("."))
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
