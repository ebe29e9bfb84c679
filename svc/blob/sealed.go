package blob

import (
	"context"
	"encoding/binary"
	"runbin/metrics"
	"runbin/pkg/kms"
	"runbin/svc/util"

	"github.com/pkg/errors"
)

var sealedMagic = [4]byte{'R', 'B', 'S', '1'}

var ErrCorrupt = errors.New("sealed blob is corrupt")

// Wrapper wraps data keys under a master key.
type Wrapper interface {
	EncryptWithContext(ctx context.Context, plaintext []byte, ec kms.EncryptionContext) ([]byte, error)
}

// Unwrapper recovers wrapped data keys, usually through a kms.KEKCache.
type Unwrapper interface {
	Unwrap(ctx context.Context, wrapped []byte, ec kms.EncryptionContext) ([]byte, error)
}

// Sealed envelope-encrypts blobs before handing them to the inner store.
// Each blob gets its own data key and is bound to its key as associated
// data, so ciphertext moved to another key fails to open.
//
// Layout: magic | uint32 len(wrapped) | wrapped DEK | nonce+ciphertext.
type Sealed struct {
	inner  Store
	wrap   Wrapper
	unwrap Unwrapper
}

func NewSealed(inner Store, w Wrapper, u Unwrapper) *Sealed {
	return &Sealed{inner: inner, wrap: w, unwrap: u}
}

func blobContext(key string) kms.EncryptionContext {
	return kms.EncryptionContext{"blob": key}
}

func (s *Sealed) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	dek, err := kms.GenerateDEK()
	if err != nil {
		return errors.Wrap(err, "generate dek")
	}
	defer util.Wipe(dek)
	wrapped, err := s.wrap.EncryptWithContext(ctx, dek, blobContext(key))
	if err != nil {
		metrics.EncryptionOps.WithLabelValues("seal_error").Inc()
		return errors.Wrap(err, "wrap dek")
	}
	body, err := kms.Seal(data, dek, []byte(key))
	if err != nil {
		return errors.Wrap(err, "seal blob")
	}
	out := make([]byte, 0, 8+len(wrapped)+len(body))
	out = append(out, sealedMagic[:]...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(wrapped)))
	out = append(out, wrapped...)
	out = append(out, body...)
	if err := s.inner.Put(ctx, key, out); err != nil {
		return err
	}
	metrics.EncryptionOps.WithLabelValues("seal").Inc()
	return nil
}

func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	wrapped, body, err := splitSealed(raw)
	if err != nil {
		return nil, err
	}
	dek, err := s.unwrap.Unwrap(ctx, wrapped, blobContext(key))
	if err != nil {
		metrics.EncryptionOps.WithLabelValues("open_error").Inc()
		return nil, errors.Wrap(err, "unwrap dek")
	}
	defer util.Wipe(dek)
	data, err := kms.Open(body, dek, []byte(key))
	if err != nil {
		metrics.EncryptionOps.WithLabelValues("open_error").Inc()
		return nil, errors.Wrap(err, "open blob")
	}
	metrics.EncryptionOps.WithLabelValues("open").Inc()
	return data, nil
}

func splitSealed(raw []byte) ([]byte, []byte, error) {
	if len(raw) < 8 || [4]byte(raw[:4]) != sealedMagic {
		return nil, nil, ErrCorrupt
	}
	n := binary.BigEndian.Uint32(raw[4:8])
	if uint64(n) > uint64(len(raw)-8) {
		return nil, nil, ErrCorrupt
	}
	return raw[8 : 8+n], raw[8+n:], nil
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *Sealed) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}
