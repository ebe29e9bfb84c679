package auth

import (
	"context"
	"runbin/metrics"
	"runbin/svc/util"

	"github.com/pkg/errors"
)

var ErrNoDigest = errors.New("no credential stored")

// DigestStore persists one digest per paste id.
type DigestStore interface {
	PutDigest(ctx context.Context, id, digest string) error
	GetDigest(ctx context.Context, id string) (string, error)
	DeleteDigest(ctx context.Context, id string) error
}

// Vault holds one-way digests of paste secrets. Plaintext never reaches the store.
type Vault struct {
	hasher     *Hasher
	store      DigestStore
	isNotFound func(error) bool
}

// NewVault wires a hasher to store. isNotFound classifies the store's
// missing-digest error.
func NewVault(h *Hasher, store DigestStore, isNotFound func(error) bool) *Vault {
	if isNotFound == nil {
		isNotFound = func(err error) bool { return errors.Is(err, ErrNoDigest) }
	}
	return &Vault{hasher: h, store: store, isNotFound: isNotFound}
}

func (v *Vault) Set(ctx context.Context, id, secret string) error {
	if secret == "" {
		return errors.New("empty secret")
	}
	digest, err := v.hasher.Hash(ctx, secret)
	if err != nil {
		return errors.Wrap(err, "derive digest")
	}
	return errors.Wrap(v.store.PutDigest(ctx, id, digest), "store digest")
}

// Verify returns false for an id with no stored digest, after spending the
// same derivation time as a real comparison.
func (v *Vault) Verify(ctx context.Context, id, secret string) (bool, error) {
	digest, err := v.store.GetDigest(ctx, id)
	if err != nil && !v.isNotFound(err) {
		return false, errors.Wrap(err, "load digest")
	}
	ok, stale, err := v.hasher.Verify(secret, digest)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.AccessDecisions.WithLabelValues("credential_ok").Inc()
	} else {
		metrics.AccessDecisions.WithLabelValues("credential_mismatch").Inc()
	}
	if ok && stale {
		if err := v.Set(ctx, id, secret); err != nil {
			util.Warn().Err(err).Str("paste_id", id).Msg("failed to upgrade credential digest")
		}
	}
	return ok, nil
}

func (v *Vault) Has(ctx context.Context, id string) (bool, error) {
	_, err := v.store.GetDigest(ctx, id)
	if err == nil {
		return true, nil
	}
	if v.isNotFound(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "load digest")
}

func (v *Vault) Delete(ctx context.Context, id string) error {
	return errors.Wrap(v.store.DeleteDigest(ctx, id), "delete digest")
}
