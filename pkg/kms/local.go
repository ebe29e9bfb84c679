package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"os"

	"github.com/pkg/errors"
)

// localProvider seals with AES-256-GCM under a key from KMS_LOCAL_KEY.
// Secrets are read from the process environment.
type localProvider struct {
	aead cipher.AEAD
}

func newLocalProvider(key string) (*localProvider, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, errors.Wrap(err, "KMS_LOCAL_KEY must be base64")
	}
	if len(raw) != 32 {
		return nil, errors.Errorf("KMS_LOCAL_KEY must decode to 32 bytes, got %d", len(raw))
	}
	defer wipeBytes(raw)
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &localProvider{aead: aead}, nil
}

func (l *localProvider) Name() string { return "local" }

func (l *localProvider) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return l.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (l *localProvider) Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := l.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, ErrDecryptionFailed
	}
	pt, err := l.aead.Open(nil, ciphertext[:n], ciphertext[n:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

func (l *localProvider) GetSecret(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", errors.Errorf("secret %s not set", key)
	}
	return v, nil
}
