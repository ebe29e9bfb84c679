package kms

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Unwrapper recovers a data key wrapped under a master key.
type Unwrapper interface {
	DecryptWithContext(ctx context.Context, wrapped []byte, ec EncryptionContext) ([]byte, error)
}

// KEKCache keeps recently unwrapped data keys in memory so that hot blobs
// do not cost a KMS round trip per read. Concurrent misses for the same
// wrapped key share one unwrap.
type KEKCache struct {
	entries  sync.Map
	ttl      time.Duration
	src      Unwrapper
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
	now      func() time.Time
}

type cachedDEK struct {
	mu        sync.RWMutex
	dek       []byte
	expiresAt time.Time
}

type CacheStats struct {
	Entries int
	Expired int
}

func NewKEKCache(src Unwrapper, ttl time.Duration) *KEKCache {
	c := &KEKCache{
		ttl:      ttl,
		src:      src,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
	go c.evictionLoop()
	return c
}

func (c *KEKCache) Unwrap(ctx context.Context, wrapped []byte, ec EncryptionContext) ([]byte, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return nil, ErrProviderUnavailable
	}
	key := cacheKey(wrapped, ec)
	if dek, ok := c.lookup(key); ok {
		return dek, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if dek, ok := c.lookup(key); ok {
			return dek, nil
		}
		dek, err := c.src.DecryptWithContext(ctx, wrapped, ec)
		if err != nil {
			return nil, err
		}
		entry := &cachedDEK{
			dek:       append([]byte(nil), dek...),
			expiresAt: c.now().Add(c.ttl + jitter(key, c.ttl/10)),
		}
		c.entries.Store(key, entry)
		return dek, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v.([]byte)...), nil
}

func (c *KEKCache) lookup(key string) ([]byte, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	e := v.(*cachedDEK)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dek == nil || c.now().After(e.expiresAt) {
		return nil, false
	}
	return append([]byte(nil), e.dek...), true
}

// cacheKey covers the encryption context too, so the same wrapped key
// presented under a different context misses and is checked by the KMS.
func cacheKey(wrapped []byte, ec EncryptionContext) string {
	h := sha256.New()
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(wrapped)))
	h.Write(n[:])
	h.Write(wrapped)
	h.Write(serializeContext(ec))
	return hex.EncodeToString(h.Sum(nil))
}

func jitter(key string, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(key) && i < 16; i++ {
		sum = sum*31 + int64(key[i])
	}
	if sum < 0 {
		sum = -sum
	}
	return time.Duration(sum % int64(max))
}

func (c *KEKCache) evictionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *KEKCache) evictExpired() {
	now := c.now()
	c.entries.Range(func(k, v interface{}) bool {
		e := v.(*cachedDEK)
		e.mu.Lock()
		if now.After(e.expiresAt) {
			wipeBytes(e.dek)
			e.dek = nil
			c.entries.Delete(k)
		}
		e.mu.Unlock()
		return true
	})
}

// Stop ends eviction and wipes every cached key.
func (c *KEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()
	c.entries.Range(func(k, v interface{}) bool {
		e := v.(*cachedDEK)
		e.mu.Lock()
		wipeBytes(e.dek)
		e.dek = nil
		e.mu.Unlock()
		c.entries.Delete(k)
		return true
	})
}

func (c *KEKCache) Stats() CacheStats {
	var st CacheStats
	now := c.now()
	c.entries.Range(func(_, v interface{}) bool {
		st.Entries++
		e := v.(*cachedDEK)
		e.mu.RLock()
		if now.After(e.expiresAt) {
			st.Expired++
		}
		e.mu.RUnlock()
		return true
	})
	return st
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
