package blob

import (
	"context"
	"regexp"

	"github.com/pkg/errors"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidKey = errors.New("invalid blob key")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,254}$`)

// Store holds paste content under opaque keys. Put is all or nothing: a
// reader sees either no blob or the complete bytes.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

func checkKey(key string) error {
	if !ValidKey(key) {
		return errors.Wrapf(ErrInvalidKey, "%q", key)
	}
	return nil
}
