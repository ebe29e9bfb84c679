package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runbin/cfg"
	"runbin/svc/auth"
	"runbin/svc/blob"
	"runbin/svc/db"
	"runbin/svc/lim"
	"runbin/svc/sandbox"
	"runbin/svc/svc"
	"testing"
	"time"

	"github.com/pkg/errors"
)

var testPepper = []byte("0123456789ABCDEF0123456789ABCDEF")

func createTestConfig(t *testing.T) *cfg.Cfg {
	t.Helper()
	dir := t.TempDir()
	return &cfg.Cfg{
		Port:             "0",
		Environment:      "test",
		LogLevel:         "error",
		DatabasePath:     filepath.Join(dir, "runbin.db"),
		Blob:             cfg.BlobCfg{Backend: "fs", Dir: filepath.Join(dir, "blobs")},
		MaxPasteSize:     64 * 1024,
		AllowedExtension: ".py",
		MaxNameLength:    100,
		Sandbox: cfg.SandboxCfg{
			Interpreter:    "/bin/sh",
			Timeout:        time.Second,
			MaxOutputBytes: 4096,
			Workers:        2,
			QueueWait:      50 * time.Millisecond,
			TempDir:        filepath.Join(dir, "sandbox"),
		},
		ContextTimeout: 10 * time.Second,
		RateLimit: cfg.RateLimitCfg{
			RPM:               100000,
			Burst:             10000,
			ConservativeLimit: 50000,
			ExecuteLimit:      100000,
		},
	}
}

type testEnv struct {
	ts    *httptest.Server
	srv   *Server
	store *db.SQLite
	blobs *blob.FS
	paste *svc.Paste
}

func setupTestServer(t *testing.T, mutate func(*cfg.Cfg)) *testEnv {
	t.Helper()
	c := createTestConfig(t)
	if mutate != nil {
		mutate(c)
	}
	store, err := db.NewSQLite(c.DatabasePath)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	blobs, err := blob.NewFS(c.Blob.Dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	h, err := auth.NewHasher(1, 8*1024, 1, testPepper)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	h.SetVerifyFloor(0)
	if err := h.Start(4); err != nil {
		t.Fatalf("hasher start: %v", err)
	}
	vault := auth.NewVault(h, store, func(err error) bool { return errors.Is(err, db.ErrNoCredential) })
	sb, err := sandbox.New(sandbox.Config{
		Interpreter: c.Sandbox.Interpreter,
		Args:        c.Sandbox.Args,
		Timeout:     c.Sandbox.Timeout,
		MaxOutput:   c.Sandbox.MaxOutputBytes,
		Workers:     c.Sandbox.Workers,
		QueueWait:   c.Sandbox.QueueWait,
		TempDir:     c.Sandbox.TempDir,
	})
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	p := svc.NewPaste(store, vault, blobs, sb, svc.OptionsFromCfg(c))
	limiter, err := lim.New(lim.Options{
		RPM:            c.RateLimit.RPM,
		Burst:          c.RateLimit.Burst,
		Conservative:   c.RateLimit.ConservativeLimit,
		Execute:        c.RateLimit.ExecuteLimit,
		TrustedProxies: c.TrustedProxies,
	}, nil, nil)
	if err != nil {
		t.Fatalf("lim.New: %v", err)
	}
	srv := NewServer(c, p, limiter, store, blobs, nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		p.Shutdown()
		limiter.Stop()
		h.Stop()
		store.Close()
	})
	return &testEnv{ts: ts, srv: srv, store: store, blobs: blobs, paste: p}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (e *testEnv) submit(t *testing.T, name, content, vis, secret string) SubmitResp {
	t.Helper()
	resp := postJSON(t, e.ts.URL+"/paste", SubmitReq{
		Name:       name,
		Content:    base64.StdEncoding.EncodeToString([]byte(content)),
		Visibility: vis,
		Secret:     secret,
	})
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("submit status %d", resp.StatusCode)
	}
	var out SubmitResp
	decode(t, resp, &out)
	return out
}

func errCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	decode(t, resp, &body)
	return body["code"]
}
