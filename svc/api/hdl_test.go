package api

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"runbin/cfg"
	"runbin/pkg/domain"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitAndRaw(t *testing.T) {
	env := setupTestServer(t, nil)
	content := "print('hi')\n\x00\xff"
	out := env.submit(t, "hi.py", content, "", "")
	if out.ID == "" || out.Visibility != domain.Public || out.HasCredential {
		t.Fatalf("unexpected submit response %+v", out)
	}
	if !strings.HasSuffix(out.RawURL, "/paste/"+out.ID+"/raw") || !strings.HasSuffix(out.ExecuteURL, "/paste/"+out.ID+"/execute") {
		t.Errorf("bad urls %q %q", out.RawURL, out.ExecuteURL)
	}
	resp, err := http.Get(out.RawURL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("raw status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("raw content type %q", ct)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, []byte(content)) {
		t.Errorf("raw body %q, want %q", got, content)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	env := setupTestServer(t, nil)
	cases := []struct {
		name string
		body any
		code string
	}{
		{"missing name", map[string]string{"content": "eA=="}, "NAME_REQUIRED"},
		{"bad extension", map[string]string{"name": "x.rb", "content": "eA=="}, "INVALID_EXTENSION"},
		{"bad base64", map[string]string{"name": "x.py", "content": "%%%"}, "INVALID_ENCODING"},
		{"bad visibility", map[string]string{"name": "x.py", "content": "eA==", "visibility": "secret"}, "INVALID_VISIBILITY"},
		{"unknown field", map[string]string{"name": "x.py", "content": "eA==", "password": "x"}, "INVALID_REQUEST"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, env.ts.URL+"/paste", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status %d, want 400", resp.StatusCode)
			}
			if code := errCode(t, resp); code != tc.code {
				t.Errorf("code %q, want %q", code, tc.code)
			}
		})
	}

	resp, err := http.Post(env.ts.URL+"/paste", "text/plain", strings.NewReader("name=x.py"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-json body status %d", resp.StatusCode)
	}
}

func TestSubmitOversizedBody(t *testing.T) {
	env := setupTestServer(t, func(c *cfg.Cfg) { c.MaxPasteSize = 1024 })
	big := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("a"), 200*1024))
	resp := postJSON(t, env.ts.URL+"/paste", SubmitReq{Name: "big.py", Content: big})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
	if code := errCode(t, resp); code != "PASTE_TOO_LARGE" {
		t.Errorf("code %q", code)
	}
}

func TestCredentialFlow(t *testing.T) {
	env := setupTestServer(t, nil)
	out := env.submit(t, "locked.py", "echo locked", "private", "opensesame")
	if !out.HasCredential || out.Visibility != domain.Private {
		t.Fatalf("unexpected submit response %+v", out)
	}
	for _, url := range []string{out.RawURL, out.ExecuteURL} {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusUnauthorized || errCode(t, resp) != "CREDENTIAL_REQUIRED" {
			t.Errorf("%s without secret: status %d", url, resp.StatusCode)
		}
		resp, err = http.Get(url + "?secret=wrong")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("%s with wrong secret: status %d", url, resp.StatusCode)
		}
	}
	req, _ := http.NewRequest(http.MethodGet, out.RawURL, nil)
	req.Header.Set("X-Paste-Secret", "opensesame")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "echo locked" {
		t.Errorf("raw with header secret: %d %q", resp.StatusCode, body)
	}
}

func TestUnknownAndMalformedIDs(t *testing.T) {
	env := setupTestServer(t, nil)
	for _, path := range []string{
		"/paste/AAAAAAAAAAA/raw",
		"/paste/AAAAAAAAAAA/execute",
		"/paste/..%2F..%2Fetc/raw",
		"/paste/short/execute",
	} {
		resp, err := http.Get(env.ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: status %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestUpdateEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)
	out := env.submit(t, "v1.py", "echo one", "private", "pw")

	resp := postJSON(t, env.ts.URL+"/paste/"+out.ID, UpdateReq{
		Name: "v2.py", Content: base64.StdEncoding.EncodeToString([]byte("echo two")), Secret: "bad",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("update with wrong secret: %d", resp.StatusCode)
	}

	resp = postJSON(t, env.ts.URL+"/paste/"+out.ID, UpdateReq{
		Name: "v2.py", Content: base64.StdEncoding.EncodeToString([]byte("echo two")), Secret: "pw",
	})
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("update status %d", resp.StatusCode)
	}
	var upd UpdateResp
	decode(t, resp, &upd)
	if upd.ID != out.ID || upd.RawURL != out.RawURL {
		t.Errorf("unexpected update response %+v", upd)
	}

	rec, data, err := env.paste.Raw(t.Context(), out.ID, "pw")
	if err != nil {
		t.Fatalf("Raw: %v", err)
	}
	if string(data) != "echo two" || rec.OriginalName != "v2.py" || !rec.HasCredential {
		t.Errorf("after update: %+v %q", rec, data)
	}
}

func TestExecuteEndpoint(t *testing.T) {
	requireShell(t)
	env := setupTestServer(t, nil)
	out := env.submit(t, "run.py", "echo out; echo err >&2; exit 3", "", "")
	resp, err := http.Get(out.ExecuteURL)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d", resp.StatusCode)
	}
	var res domain.ExecutionResult
	decode(t, resp, &res)
	if res.Outcome != domain.Completed || res.ExitCode == nil || *res.ExitCode != 3 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Stdout != "out\n" || res.Stderr != "err\n" {
		t.Errorf("captured %q / %q", res.Stdout, res.Stderr)
	}

	resp, err = http.Get(out.ExecuteURL + "?format=text")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "Exit Code: 3") || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Errorf("text narrative: %q", body)
	}
}

func TestExecuteTimeoutIsSuccessfulResponse(t *testing.T) {
	requireShell(t)
	env := setupTestServer(t, func(c *cfg.Cfg) { c.Sandbox.Timeout = 300 * time.Millisecond })
	out := env.submit(t, "loop.py", "while :; do :; done", "", "")
	start := time.Now()
	resp, err := http.Get(out.ExecuteURL)
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var res domain.ExecutionResult
	decode(t, resp, &res)
	if res.Outcome != domain.TimedOut || res.ExitCode != nil {
		t.Errorf("unexpected result %+v", res)
	}
	if elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestExecuteBusy(t *testing.T) {
	requireShell(t)
	env := setupTestServer(t, func(c *cfg.Cfg) {
		c.Sandbox.Workers = 1
		c.Sandbox.Timeout = 2 * time.Second
		c.Sandbox.QueueWait = 10 * time.Millisecond
	})
	out := env.submit(t, "slow.py", "sleep 1", "", "")
	var wg sync.WaitGroup
	var busy, ok int64
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(out.ExecuteURL)
			if err != nil {
				t.Error(err)
				return
			}
			resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				atomic.AddInt64(&ok, 1)
			case http.StatusServiceUnavailable:
				if resp.Header.Get("Retry-After") == "" {
					t.Error("busy response without Retry-After")
				}
				atomic.AddInt64(&busy, 1)
			default:
				t.Errorf("unexpected status %d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()
	if ok < 1 || busy < 1 {
		t.Errorf("expected some runs and some rejections, got ok=%d busy=%d", ok, busy)
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)
	env.submit(t, "a.py", "1", "public", "")
	env.submit(t, "b.py", "2", "private", "pw")
	resp, err := http.Get(env.ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var st StatusResp
	decode(t, resp, &st)
	if st.Status != "online" || st.Total != 2 || st.Public != 1 || st.Private != 1 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := setupTestServer(t, nil)
	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(env.ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
	}
}

func TestRateLimitedExecute(t *testing.T) {
	env := setupTestServer(t, func(c *cfg.Cfg) {
		c.RateLimit.RPM = 2
		c.RateLimit.Burst = 2
		c.RateLimit.ConservativeLimit = 2
		c.RateLimit.ExecuteLimit = 2
	})
	var limited bool
	for i := 0; i < 5; i++ {
		resp, err := http.Get(env.ts.URL + "/status")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			if resp.Header.Get("Retry-After") == "" {
				t.Error("429 without Retry-After")
			}
			break
		}
	}
	if !limited {
		t.Error("rate limit never triggered")
	}
}
