package util

import (
	"errors"
	"sync"
	"testing"
)

func TestGenID_Format(t *testing.T) {
	id, err := GenID(func(string) (bool, error) { return false, nil })
	if err != nil {
		t.Fatalf("GenID: %v", err)
	}
	if !IsValidID(id) {
		t.Errorf("generated id %q is not valid", id)
	}
}

func TestGenID_RetriesOnCollision(t *testing.T) {
	calls := 0
	id, err := GenID(func(string) (bool, error) {
		calls++
		return calls < 3, nil
	})
	if err != nil {
		t.Fatalf("GenID: %v", err)
	}
	if calls != 3 || id == "" {
		t.Errorf("expected 3 lookups, got %d", calls)
	}
}

func TestGenID_Exhausted(t *testing.T) {
	_, err := GenID(func(string) (bool, error) { return true, nil })
	if err != ErrIDExhausted {
		t.Errorf("expected ErrIDExhausted, got %v", err)
	}
}

func TestGenID_PropagatesLookupError(t *testing.T) {
	boom := errors.New("db down")
	if _, err := GenID(func(string) (bool, error) { return false, boom }); err != boom {
		t.Errorf("expected lookup error, got %v", err)
	}
}

func TestGenID_Unique(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 2000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := GenID(func(string) (bool, error) { return false, nil })
			if err != nil {
				t.Errorf("GenID: %v", err)
				return
			}
			mu.Lock()
			if seen[id] {
				t.Errorf("duplicate id %s", id)
			}
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
}

func TestIsValidID(t *testing.T) {
	for _, bad := range []string{"", "short", "../../etc/x", "AAAAAAAAAA!", "AAAAAAAAAAAA"} {
		if IsValidID(bad) {
			t.Errorf("IsValidID(%q) = true", bad)
		}
	}
}

func TestRandomToken_Padding(t *testing.T) {
	tok, err := RandomToken(1, 6)
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	if len(tok) != 6 {
		t.Errorf("expected padded length 6, got %q", tok)
	}
}
