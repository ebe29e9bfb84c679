package svc

import (
	"runbin/pkg/domain"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"hello.py", "hello.py", nil},
		{"  spaced name.py ", "spaced_name.py", nil},
		{"../../etc/passwd.py", "passwd.py", nil},
		{`C:\Users\me\evil.py`, "evil.py", nil},
		{"naïve.py", "na_ve.py", nil},
		{"a;rm -rf.py", "a_rm_-rf.py", nil},
		{"", "", domain.ErrNameRequired},
		{"   ", "", domain.ErrNameRequired},
		{"..", "", domain.ErrInvalidName},
		{".hidden.py", "", domain.ErrInvalidName},
		{"notes.txt", "", domain.ErrInvalidExtension},
		{"script.PY", "", domain.ErrInvalidExtension},
		{"dir/", "", domain.ErrInvalidExtension},
	}
	for _, tc := range cases {
		got, err := normalizeName(tc.in, ".py", 100)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("normalizeName(%q) err = %v, want %v", tc.in, err, tc.wantErr)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("normalizeName(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestNormalizeNameBounded(t *testing.T) {
	got, err := normalizeName(strings.Repeat("x", 500)+".py", ".py", 40)
	if err != nil {
		t.Fatalf("normalizeName: %v", err)
	}
	if len(got) != 40 || !strings.HasSuffix(got, ".py") {
		t.Errorf("bounded name %q (len %d)", got, len(got))
	}
}

func TestDecodeContent(t *testing.T) {
	data, err := decodeContent("AP8=", 10)
	if err != nil || len(data) != 2 || data[0] != 0 || data[1] != 0xff {
		t.Errorf("decode binary: %v %v", data, err)
	}
	if _, err := decodeContent("AP9=", 10); !errors.Is(err, domain.ErrInvalidEncoding) {
		t.Errorf("non-canonical padding bits accepted: %v", err)
	}
	if _, err := decodeContent("aGVsbG8gd29ybGQ=", 5); !errors.Is(err, domain.ErrPasteTooLarge) {
		t.Errorf("oversized content accepted: %v", err)
	}
	if _, err := decodeContent(strings.Repeat("A", 5000), 10); !errors.Is(err, domain.ErrPasteTooLarge) {
		t.Errorf("oversized encoding not rejected early: %v", err)
	}
}

func TestStoredNameUniquePerRevision(t *testing.T) {
	a, err := storedName("AAAAAAAAAAA", "x.py")
	if err != nil {
		t.Fatalf("storedName: %v", err)
	}
	b, _ := storedName("AAAAAAAAAAA", "x.py")
	if a == b {
		t.Error("two revisions share a storage key")
	}
	if !strings.HasPrefix(a, "AAAAAAAAAAA_") || !strings.HasSuffix(a, "_x.py") {
		t.Errorf("unexpected key %q", a)
	}
}
