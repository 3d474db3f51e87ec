package cipher

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/xero-connect/internal/domain"
)

const testKeyHex = "6368616368612d3230373035343030303132333435363738396162636465660a"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New(testKeyHex)
	require.NoError(t, err)

	sealed, err := c.Encrypt("refresh-token-plaintext")
	require.NoError(t, err)
	require.NotContains(t, sealed, "refresh-token-plaintext")

	opened, err := c.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, "refresh-token-plaintext", opened)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c, err := New(testKeyHex)
	require.NoError(t, err)

	first, err := c.Encrypt("same-plaintext")
	require.NoError(t, err)
	second, err := c.Encrypt("same-plaintext")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	c, err := New(testKeyHex)
	require.NoError(t, err)

	sealed, err := c.Encrypt("secret")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = c.Decrypt(tampered)
	require.ErrorIs(t, err, domain.ErrDecryptFailed)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	c, err := New(testKeyHex)
	require.NoError(t, err)

	_, err = c.Decrypt("not-base64!!!")
	require.ErrorIs(t, err, domain.ErrDecryptFailed)

	_, err = c.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	require.ErrorIs(t, err, domain.ErrDecryptFailed)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	c, err := New(testKeyHex)
	require.NoError(t, err)
	other, err := New(strings.Repeat("ef", 32))
	require.NoError(t, err)

	sealed, err := c.Encrypt("secret")
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	require.ErrorIs(t, err, domain.ErrDecryptFailed)
}

func TestNewRejectsBadKeys(t *testing.T) {
	_, err := New("zz")
	require.Error(t, err)

	_, err = New("abcd")
	require.Error(t, err)
}
