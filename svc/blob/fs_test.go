package blob

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
)

func testFS(t *testing.T) *FS {
	t.Helper()
	f, err := NewFS(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return f
}

func TestFSRoundTripBitExact(t *testing.T) {
	f := testFS(t)
	ctx := context.Background()
	data := []byte{0x00, 0x01, 0xfe, 0xff, '\r', '\n', 0xc3, 0x28}
	if err := f.Put(ctx, "k1_r_a.py", data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := f.Get(ctx, "k1_r_a.py")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("content changed: %v vs %v", got, data)
	}
}

func TestFSPermissions(t *testing.T) {
	f := testFS(t)
	if err := f.Put(context.Background(), "perm.py", []byte("x")); err != nil {
		t.Fatal(err)
	}
	st, err := os.Stat(filepath.Join(f.Dir(), "perm.py"))
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0600 {
		t.Errorf("blob mode %v", st.Mode().Perm())
	}
	dst, _ := os.Stat(f.Dir())
	if dst.Mode().Perm() != 0700 {
		t.Errorf("dir mode %v", dst.Mode().Perm())
	}
}

func TestFSMissingAndDelete(t *testing.T) {
	f := testFS(t)
	ctx := context.Background()
	if _, err := f.Get(ctx, "nope"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := f.Delete(ctx, "nope"); err != nil {
		t.Errorf("delete of missing blob: %v", err)
	}
	f.Put(ctx, "gone", []byte("x"))
	if err := f.Delete(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Get(ctx, "gone"); err != ErrNotFound {
		t.Errorf("blob survived delete: %v", err)
	}
}

func TestFSRejectsTraversal(t *testing.T) {
	f := testFS(t)
	for _, k := range []string{"", "../x", "a/b", ".hidden", "a\\b", string(make([]byte, 300))} {
		if err := f.Put(context.Background(), k, []byte("x")); errors.Cause(err) != ErrInvalidKey {
			t.Errorf("key %q accepted: %v", k, err)
		}
	}
}

func TestFSOverwriteIsAtomic(t *testing.T) {
	f := testFS(t)
	ctx := context.Background()
	a := bytes.Repeat([]byte("a"), 64*1024)
	b := bytes.Repeat([]byte("b"), 64*1024)
	f.Put(ctx, "hot", a)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if i%2 == 0 {
				f.Put(ctx, "hot", b)
			} else {
				f.Put(ctx, "hot", a)
			}
		}
		close(stop)
	}()
	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		got, err := f.Get(ctx, "hot")
		if err != nil {
			t.Fatalf("Get during overwrite: %v", err)
		}
		if !bytes.Equal(got, a) && !bytes.Equal(got, b) {
			t.Fatalf("observed a partial blob of %d bytes", len(got))
		}
	}
}

func TestFSSweepsTempFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blobs")
	os.MkdirAll(dir, 0700)
	stale := filepath.Join(dir, tmpPrefix+"crash")
	os.WriteFile(stale, []byte("half"), 0600)
	if _, err := NewFS(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp file not removed")
	}
}

func TestFSConcurrentDistinctKeys(t *testing.T) {
	f := testFS(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := fmt.Sprintf("k%03d.py", i)
			if err := f.Put(ctx, k, []byte(k)); err != nil {
				t.Errorf("Put: %v", err)
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("k%03d.py", i)
		if got, err := f.Get(ctx, k); err != nil || string(got) != k {
			t.Errorf("Get(%s) = %q %v", k, got, err)
		}
	}
	if err := f.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
