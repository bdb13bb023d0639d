package license

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licenseErrors "github.com/photobatch/licenserver/internal/errors"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestCodec() *TokenCodec {
	return NewTokenCodec([]byte(testSecret))
}

func TestTokenRoundTrip(t *testing.T) {
	codec := newTestCodec()

	token, err := codec.Issue("PB-123456-PRO", "a1b2c3d4e5f60718", "photobatchpro", 30*24*time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.True(t, strings.HasPrefix(token, "v1."))

	claims, err := codec.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "PB-123456-PRO", claims.LicenseKey)
	assert.Equal(t, "a1b2c3d4e5f60718", claims.DeviceID)
	assert.Equal(t, "photobatchpro", claims.ProductID)
	assert.Greater(t, claims.Expiry, claims.IssuedAt)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), claims.ExpiresAt(), time.Minute)
}

func TestTokenExpired(t *testing.T) {
	codec := newTestCodec()
	// Freeze issuance in the past so the token is already expired.
	codec.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	token, err := codec.Issue("PB-123456-PRO", "a1b2c3d4e5f60718", "photobatchpro", 24*time.Hour)
	require.NoError(t, err)

	codec.now = time.Now
	_, err = codec.Verify(token)
	assert.True(t, errors.Is(err, licenseErrors.ErrTokenExpired))
}

func TestTokenSignatureTampering(t *testing.T) {
	codec := newTestCodec()
	token, err := codec.Issue("PB-123456-PRO", "a1b2c3d4e5f60718", "photobatchpro", 24*time.Hour)
	require.NoError(t, err)

	// Flip one byte of the signature.
	raw := []byte(token)
	raw[len(raw)-1] ^= 0x01
	if string(raw) == token {
		raw[len(raw)-1] ^= 0x03
	}

	_, err = codec.Verify(string(raw))
	assert.True(t, errors.Is(err, licenseErrors.ErrInvalidSignature))
}

func TestTokenPayloadTamperingInvalidatesSignature(t *testing.T) {
	codec := newTestCodec()
	token, err := codec.Issue("PB-123456-PRO", "a1b2c3d4e5f60718", "photobatchpro", 24*time.Hour)
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims Claims
	require.NoError(t, json.Unmarshal(payload, &claims))
	claims.Expiry += 86400 * 365
	forged, err := json.Marshal(claims)
	require.NoError(t, err)
	parts[1] = base64.RawURLEncoding.EncodeToString(forged)

	_, err = codec.Verify(strings.Join(parts, "."))
	assert.True(t, errors.Is(err, licenseErrors.ErrInvalidSignature))
}

func TestTokenAlgorithmDowngradeRejected(t *testing.T) {
	codec := newTestCodec()
	token, err := codec.Issue("PB-123456-PRO", "a1b2c3d4e5f60718", "photobatchpro", 24*time.Hour)
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	parts[0] = "v0"
	_, err = codec.Verify(strings.Join(parts, "."))
	assert.True(t, errors.Is(err, licenseErrors.ErrInvalidSignature))
}

func TestTokenMalformed(t *testing.T) {
	codec := newTestCodec()

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"two parts", "v1.onlypayload"},
		{"four parts", "v1.a.b.c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Verify(tt.token)
			assert.True(t, errors.Is(err, licenseErrors.ErrMalformedToken))
		})
	}
}

func TestTokenBadPayloadEncoding(t *testing.T) {
	codec := newTestCodec()

	// Correctly signed but structurally incomplete payloads fail as malformed.
	for _, payload := range []string{
		base64.RawURLEncoding.EncodeToString([]byte(`{"device_id":"abc","exp":9999999999}`)),
		base64.RawURLEncoding.EncodeToString([]byte(`not json`)),
		"!!!not-base64!!!",
	} {
		token := fmt.Sprintf("%s.%s.%s", tokenVersion, payload, codec.sign(payload))
		_, err := codec.Verify(token)
		assert.True(t, errors.Is(err, licenseErrors.ErrMalformedToken), "payload %q", payload)
	}
}

func TestTokenDifferentSecretsDoNotVerify(t *testing.T) {
	token, err := newTestCodec().Issue("PB-123456-PRO", "a1b2c3d4e5f60718", "photobatchpro", 24*time.Hour)
	require.NoError(t, err)

	other := NewTokenCodec([]byte("another-secret-another-secret-32"))
	_, err = other.Verify(token)
	assert.True(t, errors.Is(err, licenseErrors.ErrInvalidSignature))
}

func TestIssueRejectsEmptyBinding(t *testing.T) {
	codec := newTestCodec()
	_, err := codec.Issue("", "a1b2c3d4e5f60718", "photobatchpro", time.Hour)
	assert.Error(t, err)
	_, err = codec.Issue("PB-123456-PRO", "", "photobatchpro", time.Hour)
	assert.Error(t, err)
}
