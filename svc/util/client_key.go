package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var ErrInvalidInterval = errors.New("rotation interval must be >= 1 minute")

// ClientKeyer turns client addresses into rotating pseudonyms so rate limit
// state never stores a raw IP.
type ClientKeyer struct {
	rotation time.Duration
	pepper   []byte
	mu       sync.RWMutex
	epoch    int64
	key      []byte
	now      func() time.Time
}

func NewClientKeyer(pepper []byte, rotation time.Duration) (*ClientKeyer, error) {
	if rotation < time.Minute {
		return nil, ErrInvalidInterval
	}
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	k := &ClientKeyer{
		rotation: rotation,
		pepper:   make([]byte, len(pepper)),
		now:      time.Now,
	}
	copy(k.pepper, pepper)
	k.rotate(k.epochAt(k.now()))
	return k, nil
}

func (k *ClientKeyer) Key(ip string) string {
	epoch := k.epochAt(k.now())
	k.mu.RLock()
	if epoch != k.epoch {
		k.mu.RUnlock()
		k.rotate(epoch)
		k.mu.RLock()
	}
	mac := hmac.New(sha256.New, k.key)
	mac.Write([]byte(ip))
	sum := mac.Sum(nil)
	k.mu.RUnlock()
	return hex.EncodeToString(sum[:12])
}

func (k *ClientKeyer) epochAt(t time.Time) int64 {
	return t.Unix() / int64(k.rotation.Seconds())
}

func (k *ClientKeyer) rotate(epoch int64) {
	mac := hmac.New(sha256.New, k.pepper)
	fmt.Fprintf(mac, "client-key-v1:%d", epoch)
	next := mac.Sum(nil)
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.epoch == epoch && k.key != nil {
		return
	}
	Wipe(k.key)
	k.key = next
	k.epoch = epoch
}

func (k *ClientKeyer) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	Wipe(k.key)
	Wipe(k.pepper)
	k.key = nil
}
