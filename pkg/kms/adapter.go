package kms

import (
	"bytes"
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrNoProvider          = errors.New("no kms provider configured")
)

const opTimeout = 10 * time.Second

// EncryptionContext is bound to a ciphertext as associated data. The same
// context must be presented to decrypt.
type EncryptionContext map[string]string

// Provider is one key service. aad is the serialised EncryptionContext.
type Provider interface {
	Name() string
	Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

// Settings selects and configures providers. Vault wins over AWS; the local
// key is only a fallback and is refused when RequirePrimary is set.
type Settings struct {
	VaultAddr       string
	VaultToken      string
	VaultTokenFile  string
	VaultMountPath  string
	VaultKeyID      string
	VaultSecretPath string
	AWSRegion       string
	AWSKeyID        string
	LocalKey        string
	RequirePrimary  bool
	FailClosed      bool
}

func SettingsFromEnv() Settings {
	return Settings{
		VaultAddr:       os.Getenv("VAULT_ADDR"),
		VaultToken:      os.Getenv("VAULT_TOKEN"),
		VaultTokenFile:  os.Getenv("VAULT_TOKEN_FILE"),
		VaultMountPath:  envOr("VAULT_MOUNT_PATH", "transit"),
		VaultKeyID:      envOr("VAULT_KEY_ID", "runbin-blobs"),
		VaultSecretPath: envOr("VAULT_SECRET_PATH", "secret/data/runbin"),
		AWSRegion:       os.Getenv("AWS_REGION"),
		AWSKeyID:        envOr("KMS_MASTER_KEY_ID", "alias/runbin-blobs"),
		LocalKey:        os.Getenv("KMS_LOCAL_KEY"),
		RequirePrimary:  strings.EqualFold(os.Getenv("KMS_REQUIRE_PRIMARY"), "true"),
		FailClosed:      !strings.EqualFold(os.Getenv("KMS_FAIL_CLOSED"), "false"),
	}
}

type Adapter struct {
	primary    Provider
	fallback   Provider
	failClosed bool
}

func NewAdapter(ctx context.Context, s Settings) (*Adapter, error) {
	var primary, fallback Provider
	var primaryErr error
	if s.VaultAddr != "" {
		vp, err := newVaultProvider(ctx, s)
		if err == nil {
			primary = vp
		} else {
			primaryErr = err
		}
	}
	if primary == nil && s.AWSRegion != "" {
		ap, err := newAWSProvider(ctx, s)
		if err == nil {
			primary = ap
		} else {
			primaryErr = err
		}
	}
	if primary == nil && s.RequirePrimary {
		if primaryErr != nil {
			return nil, errors.Wrap(primaryErr, "primary kms required")
		}
		return nil, errors.Wrap(ErrNoProvider, "primary kms required")
	}
	if !s.RequirePrimary && s.LocalKey != "" {
		lp, err := newLocalProvider(s.LocalKey)
		if err != nil {
			return nil, errors.Wrap(err, "local key provider")
		}
		fallback = lp
	}
	if primary == nil && fallback == nil {
		return nil, ErrNoProvider
	}
	return NewAdapterWith(primary, fallback, s.FailClosed), nil
}

// NewAdapterWith builds an adapter over explicit providers. Either may be nil.
func NewAdapterWith(primary, fallback Provider, failClosed bool) *Adapter {
	return &Adapter{primary: primary, fallback: fallback, failClosed: failClosed}
}

// Provider names the provider that currently serves requests.
func (a *Adapter) Provider() string {
	if a.primary != nil {
		return a.primary.Name()
	}
	if a.fallback != nil {
		return a.fallback.Name()
	}
	return "none"
}

func (a *Adapter) EncryptWithContext(ctx context.Context, plaintext []byte, ec EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	aad := serializeContext(ec)
	return dispatch(a, "encrypt", func(p Provider) ([]byte, error) {
		return p.Encrypt(ctx, plaintext, aad)
	})
}

func (a *Adapter) DecryptWithContext(ctx context.Context, ciphertext []byte, ec EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	aad := serializeContext(ec)
	return dispatch(a, "decrypt", func(p Provider) ([]byte, error) {
		return p.Decrypt(ctx, ciphertext, aad)
	})
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	out, err := dispatch(a, "get secret", func(p Provider) ([]byte, error) {
		v, err := p.GetSecret(ctx, key)
		if err == nil && v == "" {
			err = errors.Errorf("secret %s is empty", key)
		}
		return []byte(v), err
	})
	return string(out), err
}

func dispatch(a *Adapter, op string, fn func(Provider) ([]byte, error)) ([]byte, error) {
	if a.primary != nil {
		out, err := fn(a.primary)
		if err == nil {
			return out, nil
		}
		if a.failClosed || a.fallback == nil {
			return nil, errors.Wrapf(err, "%s %s", a.primary.Name(), op)
		}
	}
	if a.fallback != nil {
		out, err := fn(a.fallback)
		return out, errors.Wrapf(err, "%s %s", a.fallback.Name(), op)
	}
	return nil, ErrProviderUnavailable
}

func serializeContext(ec EncryptionContext) []byte {
	if len(ec) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ec))
	for k := range ec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ec[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
