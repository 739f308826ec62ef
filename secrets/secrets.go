// Package secrets provides the field-level encryption collaborator. Tasks
// may carry encrypted titles and descriptions; the dispatcher needs
// plaintext for classification and context snapshots while persistent
// columns stay ciphertext.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// ciphertextPrefix marks encrypted values. Values without it pass through
// unchanged, which keeps unencrypted tenants working.
const ciphertextPrefix = "enc:v1:"

// BucketKeys holds per-tenant encryption keys.
const BucketKeys = "MOMENTUM_KEYS"

// ErrNoKey is returned when a tenant has no encryption key.
var ErrNoKey = errors.New("no encryption key for tenant")

// Decryptor turns possibly encrypted field values into plaintext.
type Decryptor interface {
	Decrypt(ctx context.Context, tenantID, value string) (string, error)
}

// KeySource resolves the encryption key for a tenant.
type KeySource interface {
	Key(ctx context.Context, tenantID string) ([]byte, error)
}

// KeyStore resolves tenant keys from a NATS KV bucket. Keys are stored
// base64 encoded, 32 bytes decoded.
type KeyStore struct {
	bucket jetstream.KeyValue
}

// NewKeyStore opens (or creates) the key bucket.
func NewKeyStore(ctx context.Context, js jetstream.JetStream) (*KeyStore, error) {
	kv, err := js.KeyValue(ctx, BucketKeys)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      BucketKeys,
			Description: "Momentum tenant encryption keys",
		})
		if err != nil {
			return nil, fmt.Errorf("create keys bucket: %w", err)
		}
	}
	return &KeyStore{bucket: kv}, nil
}

// Key returns the tenant's decoded encryption key.
func (s *KeyStore) Key(ctx context.Context, tenantID string) ([]byte, error) {
	entry, err := s.bucket.Get(ctx, tenantID)
	if err != nil {
		if strings.Contains(err.Error(), "key not found") {
			return nil, ErrNoKey
		}
		return nil, fmt.Errorf("get tenant key: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(string(entry.Value()))
	if err != nil {
		return nil, fmt.Errorf("decode tenant key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("tenant key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// AESDecryptor decrypts enc:v1 values with the tenant's AES-256-GCM key.
type AESDecryptor struct {
	keys KeySource
}

// NewAESDecryptor builds a decryptor over a key source.
func NewAESDecryptor(keys KeySource) *AESDecryptor {
	return &AESDecryptor{keys: keys}
}

// Decrypt returns the plaintext for a field value. Unprefixed values are
// returned as-is.
func (d *AESDecryptor) Decrypt(ctx context.Context, tenantID, value string) (string, error) {
	if !strings.HasPrefix(value, ciphertextPrefix) {
		return value, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, ciphertextPrefix))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key, err := d.keys.Key(ctx, tenantID)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}

	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt field: %w", err)
	}
	return string(plaintext), nil
}

// Encrypt seals a plaintext value for a tenant. Used by upstream writers
// and tests; the dispatch core itself only decrypts.
func (d *AESDecryptor) Encrypt(ctx context.Context, tenantID, plaintext string) (string, error) {
	key, err := d.keys.Key(ctx, tenantID)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return ciphertextPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}

// StaticKeys is a KeySource over a fixed map, for tests and single-tenant
// deployments configured from the environment.
type StaticKeys map[string][]byte

// Key implements KeySource.
func (s StaticKeys) Key(_ context.Context, tenantID string) ([]byte, error) {
	key, ok := s[tenantID]
	if !ok {
		return nil, ErrNoKey
	}
	return key, nil
}
