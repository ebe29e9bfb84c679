package svc

import (
	"context"
	"runbin/cfg"
	"runbin/metrics"
	"runbin/pkg/domain"
	"runbin/svc/auth"
	"runbin/svc/blob"
	"runbin/svc/db"
	"runbin/svc/gate"
	"runbin/svc/util"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const maxCommitTries = 3

var ErrShuttingDown = errors.New("service shutting down")

// Store is the metadata store. Update must be atomic per id.
type Store interface {
	Create(ctx context.Context, p *domain.Paste) error
	Get(ctx context.Context, id string) (*domain.Paste, error)
	Exists(ctx context.Context, id string) (bool, error)
	Update(ctx context.Context, id string, mutate func(*domain.Paste) error) (*domain.Paste, error)
	Delete(ctx context.Context, id string) error
	Counts(ctx context.Context) (domain.Stats, error)
}

// Credentials holds per paste secret digests.
type Credentials interface {
	gate.Verifier
	Set(ctx context.Context, id, secret string) error
	Delete(ctx context.Context, id string) error
}

// Runner executes snippet content and always reports an outcome unless
// the run could not be admitted.
type Runner interface {
	Run(ctx context.Context, name string, content []byte) (*domain.ExecutionResult, error)
}

type Options struct {
	MaxPasteSize            int64
	AllowedExtension        string
	MaxNameLength           int
	RequireSecretForPrivate bool
}

func OptionsFromCfg(c *cfg.Cfg) Options {
	return Options{
		MaxPasteSize:            c.MaxPasteSize,
		AllowedExtension:        c.AllowedExtension,
		MaxNameLength:           c.MaxNameLength,
		RequireSecretForPrivate: c.RequireSecretForPrivate,
	}
}

// Paste ingests, serves and executes pastes. It keeps no paste state of its
// own; every call reads the owning store.
type Paste struct {
	store    Store
	creds    Credentials
	blobs    blob.Store
	runner   Runner
	opts     Options
	now      func() time.Time
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

func NewPaste(store Store, creds Credentials, blobs blob.Store, runner Runner, opts Options) *Paste {
	if store == nil || creds == nil || blobs == nil || runner == nil {
		panic("paste service: nil dependency (store, credentials, blobs or runner)")
	}
	if opts.AllowedExtension == "" {
		opts.AllowedExtension = ".py"
	}
	if opts.MaxNameLength <= len(opts.AllowedExtension) {
		opts.MaxNameLength = 100
	}
	if opts.MaxPasteSize <= 0 {
		opts.MaxPasteSize = 1024 * 1024
	}
	return &Paste{
		store:  store,
		creds:  creds,
		blobs:  blobs,
		runner: runner,
		opts:   opts,
		now:    time.Now,
	}
}

// Shutdown refuses new operations and waits for running ones.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return ErrShuttingDown
	}
	p.opWg.Add(1)
	return nil
}

func (p *Paste) Submit(ctx context.Context, params domain.SubmitParams) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()

	name, err := normalizeName(params.Name, p.opts.AllowedExtension, p.opts.MaxNameLength)
	if err != nil {
		return nil, err
	}
	content, err := decodeContent(params.Content, p.opts.MaxPasteSize)
	if err != nil {
		return nil, err
	}
	vis, err := domain.ParseVisibility(params.Visibility)
	if err != nil {
		return nil, err
	}
	protect := vis == domain.Private && params.Secret != ""
	if vis == domain.Private && !protect && p.opts.RequireSecretForPrivate {
		return nil, domain.ErrSecretRequired
	}
	if protect && len(params.Secret) > auth.MaxSecretLength {
		return nil, domain.ErrSecretTooLong
	}

	var rec *domain.Paste
	for try := 0; try < maxCommitTries; try++ {
		rec, err = p.commitNew(ctx, name, content, vis, protect)
		if !errors.Is(err, db.ErrIDTaken) {
			break
		}
		util.Warn().Int("try", try+1).Msg("paste id collided at commit, retrying")
	}
	if err != nil {
		if errors.Is(err, db.ErrIDTaken) || errors.Is(err, util.ErrIDExhausted) {
			return nil, domain.ErrIDGenerationFailed
		}
		return nil, err
	}

	// The record already claims a credential. Until the digest lands the
	// gate denies every secret, which fails closed.
	if protect {
		if err := p.creds.Set(ctx, rec.ID, params.Secret); err != nil {
			p.rollback(rec)
			return nil, errors.Wrap(err, "store credential")
		}
	}
	metrics.PasteCreated.Inc()
	util.Info().
		Str("paste_id", rec.ID).
		Str("visibility", string(rec.Visibility)).
		Bool("has_credential", rec.HasCredential).
		Int64("size", rec.SizeBytes).
		Msg("paste created")
	return rec, nil
}

// commitNew writes the blob and then the record. A record never points at a
// blob that is not fully written.
func (p *Paste) commitNew(ctx context.Context, name string, content []byte, vis domain.Visibility, protect bool) (*domain.Paste, error) {
	id, err := util.GenID(func(id string) (bool, error) {
		return p.store.Exists(ctx, id)
	})
	if err != nil {
		return nil, errors.Wrap(err, "gen id")
	}
	key, err := storedName(id, name)
	if err != nil {
		return nil, errors.Wrap(err, "stored name")
	}
	if err := p.blobs.Put(ctx, key, content); err != nil {
		return nil, errors.Wrap(err, "write blob")
	}
	now := p.now().UTC()
	rec := &domain.Paste{
		ID:            id,
		OriginalName:  name,
		StoredName:    key,
		Visibility:    vis,
		HasCredential: protect,
		SizeBytes:     int64(len(content)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.store.Create(ctx, rec); err != nil {
		p.dropBlob(key)
		return nil, err
	}
	return rec, nil
}

func (p *Paste) rollback(rec *domain.Paste) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Delete(ctx, rec.ID); err != nil {
		util.Error().Err(err).Str("paste_id", rec.ID).Msg("rollback: failed to delete record")
	}
	if err := p.creds.Delete(ctx, rec.ID); err != nil {
		util.Error().Err(err).Str("paste_id", rec.ID).Msg("rollback: failed to delete credential")
	}
	p.dropBlob(rec.StoredName)
}

// dropBlob removes a blob that no record points at any more. It runs
// detached from the request so a cancelled client cannot leak the blob.
func (p *Paste) dropBlob(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.blobs.Delete(ctx, key); err != nil {
		util.Warn().Err(err).Str("blob", key).Msg("failed to remove orphaned blob")
	}
}

// Update replaces name and content of an existing paste. Access is decided on
// the record as it is before the update, and visibility and credential state
// carry over unchanged.
func (p *Paste) Update(ctx context.Context, params domain.UpdateParams) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()

	cur, err := p.store.Get(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	if err := p.authorize(ctx, cur, params.Secret); err != nil {
		return nil, err
	}
	name, err := normalizeName(params.Name, p.opts.AllowedExtension, p.opts.MaxNameLength)
	if err != nil {
		return nil, err
	}
	content, err := decodeContent(params.Content, p.opts.MaxPasteSize)
	if err != nil {
		return nil, err
	}
	key, err := storedName(cur.ID, name)
	if err != nil {
		return nil, errors.Wrap(err, "stored name")
	}
	if err := p.blobs.Put(ctx, key, content); err != nil {
		return nil, errors.Wrap(err, "write blob")
	}

	var replaced string
	now := p.now().UTC()
	rec, err := p.store.Update(ctx, cur.ID, func(rec *domain.Paste) error {
		replaced = rec.StoredName
		rec.OriginalName = name
		rec.StoredName = key
		rec.SizeBytes = int64(len(content))
		rec.UpdatedAt = now
		return nil
	})
	if err != nil {
		p.dropBlob(key)
		return nil, err
	}
	if replaced != "" && replaced != key {
		p.dropBlob(replaced)
	}
	metrics.PasteUpdated.Inc()
	util.Info().Str("paste_id", rec.ID).Int64("size", rec.SizeBytes).Msg("paste updated")
	return rec, nil
}

// Raw returns the record and its content bytes exactly as submitted.
func (p *Paste) Raw(ctx context.Context, id, secret string) (*domain.Paste, []byte, error) {
	if err := p.begin(); err != nil {
		return nil, nil, err
	}
	defer p.opWg.Done()
	rec, data, err := p.open(ctx, id, secret)
	if err != nil {
		return nil, nil, err
	}
	metrics.PasteRetrieved.Inc()
	return rec, data, nil
}

// Execute runs the paste in the sandbox. Execution failures come back inside
// the result; the error is reserved for access, lookup and admission.
func (p *Paste) Execute(ctx context.Context, id, secret string) (*domain.Paste, *domain.ExecutionResult, error) {
	if err := p.begin(); err != nil {
		return nil, nil, err
	}
	defer p.opWg.Done()
	rec, data, err := p.open(ctx, id, secret)
	if err != nil {
		return nil, nil, err
	}
	res, err := p.runner.Run(ctx, rec.OriginalName, data)
	if err != nil {
		return nil, nil, err
	}
	util.Info().
		Str("paste_id", rec.ID).
		Str("outcome", string(res.Outcome)).
		Int64("duration_ms", res.DurationMs).
		Msg("paste executed")
	return rec, res, nil
}

func (p *Paste) Stats(ctx context.Context) (domain.Stats, error) {
	return p.store.Counts(ctx)
}

// open loads a record, authorizes the caller and reads the content. A
// concurrent update may delete the blob between the two reads; in that case
// the record is read again and the newer blob is used.
func (p *Paste) open(ctx context.Context, id, secret string) (*domain.Paste, []byte, error) {
	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := p.authorize(ctx, rec, secret); err != nil {
		return nil, nil, err
	}
	data, err := p.blobs.Get(ctx, rec.StoredName)
	if errors.Is(err, blob.ErrNotFound) {
		fresh, gerr := p.store.Get(ctx, id)
		if gerr != nil {
			return nil, nil, gerr
		}
		if fresh.StoredName != rec.StoredName {
			rec = fresh
			data, err = p.blobs.Get(ctx, rec.StoredName)
		}
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read blob for %s", id)
	}
	return rec, data, nil
}

// authorize is the single access check shared by raw reads, execution and
// updates.
func (p *Paste) authorize(ctx context.Context, rec *domain.Paste, secret string) error {
	d, err := gate.Decide(ctx, p.creds, rec, secret)
	if err != nil {
		return err
	}
	if d != gate.Allowed {
		util.Debug().Str("paste_id", rec.ID).Str("decision", d.String()).Msg("access refused")
	}
	return d.Err()
}
