package util

import (
	"sync"
	"testing"
	"time"
)

var testPepper = []byte("test-pepper-must-be-at-least-32bytes-long-for-security")

func TestClientKeyDeterministic(t *testing.T) {
	k, err := NewClientKeyer(testPepper, time.Hour)
	if err != nil {
		t.Fatalf("NewClientKeyer: %v", err)
	}
	defer k.Stop()
	a := k.Key("192.168.1.100")
	b := k.Key("192.168.1.100")
	if a != b {
		t.Errorf("key not deterministic: %s != %s", a, b)
	}
	if a == k.Key("10.0.0.50") {
		t.Error("different IPs produced the same key")
	}
	if len(a) != 24 {
		t.Errorf("unexpected key length %d", len(a))
	}
}

func TestClientKeyRotates(t *testing.T) {
	k, err := NewClientKeyer(testPepper, time.Minute)
	if err != nil {
		t.Fatalf("NewClientKeyer: %v", err)
	}
	defer k.Stop()
	base := time.Unix(1_700_000_000, 0)
	k.now = func() time.Time { return base }
	before := k.Key("1.2.3.4")
	k.now = func() time.Time { return base.Add(2 * time.Minute) }
	after := k.Key("1.2.3.4")
	if before == after {
		t.Error("key did not change across epochs")
	}
}

func TestClientKeyRejectsWeakInput(t *testing.T) {
	if _, err := NewClientKeyer([]byte("short"), time.Hour); err == nil {
		t.Error("short pepper accepted")
	}
	if _, err := NewClientKeyer(testPepper, time.Second); err != ErrInvalidInterval {
		t.Errorf("expected ErrInvalidInterval, got %v", err)
	}
}

func TestClientKeyConcurrent(t *testing.T) {
	k, err := NewClientKeyer(testPepper, time.Hour)
	if err != nil {
		t.Fatalf("NewClientKeyer: %v", err)
	}
	defer k.Stop()
	want := k.Key("8.8.8.8")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := k.Key("8.8.8.8"); got != want {
				t.Errorf("concurrent key mismatch")
			}
		}()
	}
	wg.Wait()
}
