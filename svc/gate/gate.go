package gate

import (
	"context"
	"runbin/metrics"
	"runbin/pkg/domain"

	"github.com/pkg/errors"
)

type Decision int

const (
	Allowed Decision = iota
	CredentialRequired
	Denied
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case CredentialRequired:
		return "credential_required"
	case Denied:
		return "denied"
	}
	return "unknown"
}

// Err maps a decision onto the domain error the HTTP layer renders.
func (d Decision) Err() error {
	switch d {
	case Allowed:
		return nil
	case CredentialRequired:
		return domain.ErrCredentialRequired
	default:
		return domain.ErrAccessDenied
	}
}

// Verifier checks a presented secret against the credential held for id.
type Verifier interface {
	Verify(ctx context.Context, id, secret string) (bool, error)
}

// Decide applies the same rule for raw reads, execution and updates:
// public pastes and private pastes without a credential are open, otherwise
// a secret must be presented and must verify.
func Decide(ctx context.Context, v Verifier, p *domain.Paste, secret string) (Decision, error) {
	if p == nil {
		return Denied, errors.New("nil paste")
	}
	d, err := decide(ctx, v, p, secret)
	if err != nil {
		return Denied, err
	}
	metrics.AccessDecisions.WithLabelValues(d.String()).Inc()
	return d, nil
}

func decide(ctx context.Context, v Verifier, p *domain.Paste, secret string) (Decision, error) {
	if p.Visibility != domain.Private || !p.HasCredential {
		return Allowed, nil
	}
	if secret == "" {
		return CredentialRequired, nil
	}
	ok, err := v.Verify(ctx, p.ID, secret)
	if err != nil {
		return Denied, errors.Wrap(err, "verify credential")
	}
	if !ok {
		return Denied, nil
	}
	return Allowed, nil
}
