package encryption

import (
	"testing"

	"github.com/stretchr/testify/require"

	"chatbot-crm-bridge/internal/domain"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	enc, err := NewEncryptor("короткая фраза")
	require.NoError(t, err)

	cipher, err := enc.Encrypt(`{"access_token":"secret"}`)
	require.NoError(t, err)
	require.NotContains(t, cipher, "secret")

	plain, err := enc.Decrypt(cipher)
	require.NoError(t, err)
	require.Equal(t, `{"access_token":"secret"}`, plain)
}

// Один и тот же текст шифруется в разные строки: nonce случайный
func TestEncryptNonDeterministic(t *testing.T) {
	enc, err := NewEncryptor("k")
	require.NoError(t, err)

	a, err := enc.Encrypt("payload")
	require.NoError(t, err)
	b, err := enc.Encrypt("payload")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	enc, err := NewEncryptor("key-one")
	require.NoError(t, err)
	other, err := NewEncryptor("key-two")
	require.NoError(t, err)

	cipher, err := enc.Encrypt("data")
	require.NoError(t, err)

	_, err = other.Decrypt(cipher)
	require.Error(t, err)
}

func TestDecryptGarbageFails(t *testing.T) {
	enc, err := NewEncryptor("k")
	require.NoError(t, err)

	_, err = enc.Decrypt("not-base64!!!")
	require.Error(t, err)

	_, err = enc.Decrypt("dG9vc2hvcnQ=")
	require.Error(t, err)
}

func TestJSONRoundtrip(t *testing.T) {
	enc, err := NewEncryptor("k")
	require.NoError(t, err)

	creds := domain.Credentials{
		Subdomain:    "example",
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    1900000000,
	}
	cipher, err := enc.EncryptJSON(creds)
	require.NoError(t, err)

	var out domain.Credentials
	require.NoError(t, enc.DecryptJSON(cipher, &out))
	require.Equal(t, creds, out)
}
