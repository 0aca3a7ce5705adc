package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/lattice/internal/codec"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// envelopeKey holds the ciphertext inside the envelope's context.
const envelopeKey = "__encrypted__"

// ErrMissingEnvelope is returned when a stored snapshot was not written by the encryption middleware.
var ErrMissingEnvelope = errors.New("snapshot is missing encrypted data envelope")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys is a list of old keys to try when decryption fails.
	// This enables zero-downtime key rotation.
	FallbackKeys [][]byte
}

type encryptionMiddleware struct {
	next   ports.SnapshotStore
	config EncryptionConfig
}

// NewEncryptionMiddleware creates a middleware that encrypts snapshots using AES-GCM.
// The stored envelope keeps only the fields the store and operators need (ID, tenant,
// definition, status, version); context, outputs and node state are sealed.
func NewEncryptionMiddleware(config EncryptionConfig) (Middleware, error) {
	if len(config.ActiveKey) != 32 {
		return nil, errors.New("active key must be 32 bytes (AES-256)")
	}
	for i, k := range config.FallbackKeys {
		if len(k) != 32 {
			return nil, fmt.Errorf("fallback key %d must be 32 bytes (AES-256)", i)
		}
	}
	return func(next ports.SnapshotStore) ports.SnapshotStore {
		return &encryptionMiddleware{
			next:   next,
			config: config,
		}
	}, nil
}

func (m *encryptionMiddleware) Save(ctx context.Context, run *domain.WorkflowRun, expectedVersion int64) error {
	plainText, err := codec.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	ciphertext, err := encrypt(plainText, m.config.ActiveKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt run: %w", err)
	}

	envelope := &domain.WorkflowRun{
		ID:                run.ID,
		TenantID:          run.TenantID,
		DefinitionID:      run.DefinitionID,
		DefinitionVersion: run.DefinitionVersion,
		Status:            run.Status,
		Version:           run.Version,
		CreatedAt:         run.CreatedAt,
		UpdatedAt:         run.UpdatedAt,
		Context: map[string]any{
			envelopeKey: base64.StdEncoding.EncodeToString(ciphertext),
		},
	}
	return m.next.Save(ctx, envelope, expectedVersion)
}

func (m *encryptionMiddleware) Get(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	envelope, err := m.next.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	// Plain snapshots are refused: enabling encryption on an existing store
	// requires rebuilding snapshots from the ledger.
	encoded, ok := envelope.Context[envelopeKey].(string)
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrMissingEnvelope, runID)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}

	plainText, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt run %s: %w", runID, err)
	}

	var run domain.WorkflowRun
	if err := codec.Unmarshal(plainText, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decrypted run: %w", err)
	}
	// The envelope's version is the one the store arbitrated.
	run.Version = envelope.Version
	return &run, nil
}

func (m *encryptionMiddleware) Delete(ctx context.Context, runID string) error {
	return m.next.Delete(ctx, runID)
}

func (m *encryptionMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}
	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}
	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DecodeKey parses a base64 encoded AES-256 key.
func DecodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: want 32 bytes, got %d", len(key))
	}
	return key, nil
}
