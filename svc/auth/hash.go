package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runbin/svc/util"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	MaxSecretLength     = 1024
	defaultVerifyFloor  = 350 * time.Millisecond
	defaultQueueTimeout = 5 * time.Second
	saltLength          = 16
)

var (
	ErrSecretTooLong   = errors.New("secret too long")
	ErrHasherStopped   = errors.New("hasher is shutting down")
	ErrHasherNotReady  = errors.New("hasher not started - call Start() first")
	ErrHasherSaturated = errors.New("hash queue full")
)

// Hasher derives salted, peppered argon2id digests on a bounded worker pool.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
	verifyFloor time.Duration
	pepper      []byte
	mu          sync.RWMutex
	jobQueue    chan hashJob
	quit        chan struct{}
	wg          sync.WaitGroup
	started     bool
	startMu     sync.Mutex
	stopOnce    sync.Once
}
type hashJob struct {
	secret string
	resp   chan hashResult
}
type hashResult struct {
	hash string
	err  error
}

func NewHasher(time, memory uint32, parallelism uint8, pepper []byte) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if time == 0 || time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1*1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	pepperCopy := make([]byte, len(pepper))
	copy(pepperCopy, pepper)
	return &Hasher{
		iterations:  time,
		memory:      memory,
		parallelism: parallelism,
		keyLength:   32,
		verifyFloor: defaultVerifyFloor,
		pepper:      pepperCopy,
		jobQueue:    make(chan hashJob, 1024),
		quit:        make(chan struct{}),
	}, nil
}

// SetVerifyFloor sets the minimum wall time of Verify. Call before Start.
func (h *Hasher) SetVerifyFloor(d time.Duration) {
	h.verifyFloor = d
}

func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}

func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		util.Wipe(h.pepper)
		h.pepper = nil
		h.mu.Unlock()
	})
}

func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobQueue:
			hash, err := h.doHash(job.secret)
			job.resp <- hashResult{hash: hash, err: err}
		case <-h.quit:
			return
		}
	}
}

func (h *Hasher) Hash(ctx context.Context, secret string) (string, error) {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return "", ErrHasherNotReady
	}
	if len(secret) > MaxSecretLength {
		return "", ErrSecretTooLong
	}
	respChan := make(chan hashResult, 1)
	ctx, cancel := context.WithTimeout(ctx, defaultQueueTimeout)
	defer cancel()
	select {
	case h.jobQueue <- hashJob{secret: secret, resp: respChan}:
	case <-ctx.Done():
		return "", ErrHasherSaturated
	case <-h.quit:
		return "", ErrHasherStopped
	}
	select {
	case res := <-respChan:
		return res.hash, res.err
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash timeout")
	case <-h.quit:
		return "", ErrHasherStopped
	}
}

func (h *Hasher) doHash(secret string) (string, error) {
	peppered := h.applyPepper(secret)
	if peppered == nil {
		return "", ErrHasherStopped
	}
	defer util.Wipe(peppered)
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey(peppered, salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	defer util.Wipe(hash)
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism, b64Salt, b64Hash), nil
}

// Verify compares secret against an encoded digest. Malformed or empty
// digests still cost a full derivation, and every call takes at least the
// verify floor. The second result reports whether the digest uses stale
// parameters.
func (h *Hasher) Verify(secret, encoded string) (bool, bool, error) {
	startTime := time.Now()
	var match, needsRehash bool
	if len(secret) > MaxSecretLength {
		h.verifyInternal(strings.Repeat("x", MaxSecretLength), "")
	} else {
		match, needsRehash = h.verifyInternal(secret, encoded)
	}
	if elapsed := time.Since(startTime); elapsed < h.verifyFloor {
		time.Sleep(h.verifyFloor - elapsed)
	}
	h.mu.RLock()
	stopped := h.pepper == nil
	h.mu.RUnlock()
	if stopped {
		return false, false, ErrHasherStopped
	}
	return match, needsRehash, nil
}

type kdfParams struct {
	memory, iterations uint32
	threads            uint8
}

func (h *Hasher) verifyInternal(secret, encoded string) (bool, bool) {
	params := kdfParams{memory: h.memory, iterations: h.iterations, threads: h.parallelism}
	salt, hash, parsed, valid := parseDigest(encoded)
	if valid {
		params = parsed
	}
	defer util.Wipe(hash)
	defer util.Wipe(salt)
	peppered := h.applyPepper(secret)
	if peppered == nil {
		return false, false
	}
	defer util.Wipe(peppered)
	otherHash := argon2.IDKey(peppered, salt, params.iterations, params.memory, params.threads, uint32(len(hash)))
	defer util.Wipe(otherHash)
	match := subtle.ConstantTimeCompare(hash, otherHash) == 1
	if !valid || !match {
		return false, false
	}
	return true, params.memory != h.memory || params.iterations != h.iterations || params.threads != h.parallelism
}

// parseDigest returns a dummy salt and hash when encoded is not a usable
// argon2id digest so the caller still pays for a derivation.
func parseDigest(encoded string) ([]byte, []byte, kdfParams, bool) {
	var p kdfParams
	dummy := func() ([]byte, []byte, kdfParams, bool) {
		return make([]byte, saltLength), make([]byte, 32), p, false
	}
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return dummy()
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.threads); err != nil {
		return dummy()
	}
	if p.memory < 8 || p.memory > 2*1024*1024 || p.iterations == 0 || p.iterations > 1000 || p.threads == 0 || p.threads > 128 {
		return dummy()
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return dummy()
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 || len(hash) > 256 {
		return dummy()
	}
	return salt, hash, p, true
}

func (h *Hasher) applyPepper(secret string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(secret))
	return mac.Sum(nil)
}
