package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// Encryptor шифрует секреты интеграций (токены, ключи API) перед записью в БД.
// AEAD собирается один раз в конструкторе, дальше только Seal/Open.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor создает Encryptor из произвольной парольной фразы.
// Фраза хешируется SHA-256 до 32 байт, так что AES всегда работает в режиме 256.
func NewEncryptor(secret string) (*Encryptor, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt шифрует строку AES-GCM, nonce кладется в начало шифротекста
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt расшифровывает строку, зашифрованную Encrypt
func (e *Encryptor) Decrypt(encrypted string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	ns := e.aead.NonceSize()
	if len(sealed) < ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := e.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// EncryptJSON сериализует значение в JSON и шифрует его.
// Используется для блоба credentials целиком.
func (e *Encryptor) EncryptJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return e.Encrypt(string(raw))
}

// DecryptJSON расшифровывает строку и разбирает JSON в out
func (e *Encryptor) DecryptJSON(encrypted string, out any) error {
	raw, err := e.Decrypt(encrypted)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}
