package domain

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestSetOutputCarriesInvalidUTF8(t *testing.T) {
	var r ExecutionResult
	r.SetOutput([]byte("\xff\xfeok"), []byte("héllo"))
	raw, err := base64.StdEncoding.DecodeString(r.StdoutBase64)
	if err != nil || string(raw) != "\xff\xfeok" {
		t.Errorf("stdoutBase64 = %q (%v)", r.StdoutBase64, err)
	}
	if r.Stderr != "héllo" || r.StderrBase64 != "" {
		t.Errorf("valid text got stderr=%q base64=%q", r.Stderr, r.StderrBase64)
	}

	out, err := json.Marshal(&r)
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatal(err)
	}
	if back["stdoutBase64"] != r.StdoutBase64 {
		t.Errorf("stdoutBase64 missing from JSON: %s", out)
	}
	if _, ok := back["stderrBase64"]; ok {
		t.Errorf("stderrBase64 present for valid text: %s", out)
	}
}
