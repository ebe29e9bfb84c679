package kms

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type countingUnwrapper struct {
	calls int32
	delay time.Duration
	err   error
}

func (u *countingUnwrapper) DecryptWithContext(_ context.Context, wrapped []byte, ec EncryptionContext) ([]byte, error) {
	atomic.AddInt32(&u.calls, 1)
	if u.delay > 0 {
		time.Sleep(u.delay)
	}
	if u.err != nil {
		return nil, u.err
	}
	return append([]byte("dek-"+ec["blob"]+"-"), wrapped...), nil
}

func TestKEKCacheHitMiss(t *testing.T) {
	u := &countingUnwrapper{}
	c := NewKEKCache(u, time.Hour)
	defer c.Stop()
	ec := EncryptionContext{"blob": "k1"}
	a, err := c.Unwrap(context.Background(), []byte("w"), ec)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	b, err := c.Unwrap(context.Background(), []byte("w"), ec)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if string(a) != string(b) {
		t.Error("cache hit returned a different key")
	}
	if n := atomic.LoadInt32(&u.calls); n != 1 {
		t.Errorf("expected 1 unwrap, got %d", n)
	}
	a[0] = 'X'
	if c2, _ := c.Unwrap(context.Background(), []byte("w"), ec); c2[0] == 'X' {
		t.Error("caller mutation leaked into the cache")
	}
}

func TestKEKCacheContextIsPartOfKey(t *testing.T) {
	u := &countingUnwrapper{}
	c := NewKEKCache(u, time.Hour)
	defer c.Stop()
	c.Unwrap(context.Background(), []byte("w"), EncryptionContext{"blob": "a"})
	c.Unwrap(context.Background(), []byte("w"), EncryptionContext{"blob": "b"})
	if n := atomic.LoadInt32(&u.calls); n != 2 {
		t.Errorf("different contexts must not share an entry, got %d unwraps", n)
	}
}

func TestKEKCacheExpiry(t *testing.T) {
	u := &countingUnwrapper{}
	c := NewKEKCache(u, time.Minute)
	defer c.Stop()
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Unwrap(context.Background(), []byte("w"), nil)
	now = now.Add(2 * time.Minute)
	c.Unwrap(context.Background(), []byte("w"), nil)
	if n := atomic.LoadInt32(&u.calls); n != 2 {
		t.Errorf("expired entry should be refreshed, got %d unwraps", n)
	}
	now = now.Add(10 * time.Minute)
	c.evictExpired()
	if st := c.Stats(); st.Entries != 0 {
		t.Errorf("expired entries not evicted: %+v", st)
	}
}

func TestKEKCacheSingleflight(t *testing.T) {
	u := &countingUnwrapper{delay: 50 * time.Millisecond}
	c := NewKEKCache(u, time.Hour)
	defer c.Stop()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Unwrap(context.Background(), []byte("w"), nil); err != nil {
				t.Errorf("Unwrap: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(&u.calls); n != 1 {
		t.Errorf("expected one coalesced unwrap, got %d", n)
	}
}

func TestKEKCacheErrorNotCached(t *testing.T) {
	u := &countingUnwrapper{err: errors.New("kms down")}
	c := NewKEKCache(u, time.Hour)
	defer c.Stop()
	for i := 0; i < 2; i++ {
		if _, err := c.Unwrap(context.Background(), []byte("w"), nil); err == nil {
			t.Fatal("expected error")
		}
	}
	if n := atomic.LoadInt32(&u.calls); n != 2 {
		t.Errorf("failures must not be cached, got %d unwraps", n)
	}
}

func TestKEKCacheStop(t *testing.T) {
	c := NewKEKCache(&countingUnwrapper{}, time.Hour)
	c.Unwrap(context.Background(), []byte("a"), nil)
	c.Unwrap(context.Background(), []byte("b"), nil)
	if st := c.Stats(); st.Entries != 2 {
		t.Errorf("expected 2 entries, got %d", st.Entries)
	}
	c.Stop()
	if st := c.Stats(); st.Entries != 0 {
		t.Errorf("entries survived stop: %d", st.Entries)
	}
	if _, err := c.Unwrap(context.Background(), []byte("a"), nil); err != ErrProviderUnavailable {
		t.Errorf("expected ErrProviderUnavailable after stop, got %v", err)
	}
}

func TestAdapterFallsBackWhenOpen(t *testing.T) {
	local, err := newLocalProvider("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if err != nil {
		t.Fatal(err)
	}
	a := NewAdapterWith(brokenProvider{}, local, false)
	ct, err := a.EncryptWithContext(context.Background(), []byte("x"), nil)
	if err != nil {
		t.Fatalf("fallback encrypt: %v", err)
	}
	if pt, err := local.Decrypt(context.Background(), ct, nil); err != nil || string(pt) != "x" {
		t.Errorf("fallback ciphertext not produced by local provider: %v", err)
	}
	a = NewAdapterWith(brokenProvider{}, local, true)
	if _, err := a.EncryptWithContext(context.Background(), []byte("x"), nil); err == nil {
		t.Error("fail closed adapter used the fallback")
	}
}

type brokenProvider struct{}

func (brokenProvider) Name() string { return "broken" }
func (brokenProvider) Encrypt(context.Context, []byte, []byte) ([]byte, error) {
	return nil, errors.New("down")
}
func (brokenProvider) Decrypt(context.Context, []byte, []byte) ([]byte, error) {
	return nil, errors.New("down")
}
func (brokenProvider) GetSecret(context.Context, string) (string, error) {
	return "", errors.New("down")
}
