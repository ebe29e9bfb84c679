package util

import (
	"context"
	"net/url"
	"strings"
	"testing"
)

func TestRedactURL(t *testing.T) {
	u, _ := url.Parse("/paste/abc/raw?secret=hunter2&format=text")
	got := RedactURL(u)
	if strings.Contains(got, "hunter2") {
		t.Errorf("secret leaked: %s", got)
	}
	if !strings.Contains(got, "format=text") {
		t.Errorf("non-sensitive query dropped: %s", got)
	}
	u, _ = url.Parse("/status")
	if RedactURL(u) != "/status" {
		t.Errorf("plain path changed: %s", RedactURL(u))
	}
}

func TestRedactIP(t *testing.T) {
	if got := RedactIP("203.0.113.77:5555"); got != "203.0.113.0" {
		t.Errorf("ipv4 redaction: %s", got)
	}
	if got := RedactIP("2001:db8:1234:5678::1"); got != "2001:db8::" {
		t.Errorf("ipv6 redaction: %s", got)
	}
	if got := RedactIP("not-an-ip"); !strings.HasPrefix(got, "hash:") {
		t.Errorf("garbage should hash: %s", got)
	}
}

func TestRedactSecret(t *testing.T) {
	got := RedactSecret("nope secret=abc&x=1 password=y")
	if strings.Contains(got, "abc") || strings.Contains(got, "=y") {
		t.Errorf("secrets survived: %s", got)
	}
}

func TestRequestID(t *testing.T) {
	if GetRequestID(context.Background()) != "" {
		t.Error("expected empty id outside request")
	}
	ctx := SetRequestID(context.Background(), "rid")
	if GetRequestID(ctx) != "rid" {
		t.Error("request id not propagated")
	}
	in := "3b241101-e2bb-4255-8caf-4136c566a962"
	if NewRequestID(in) != in {
		t.Error("valid inbound id not honoured")
	}
	if NewRequestID("<script>") == "<script>" {
		t.Error("malformed inbound id accepted")
	}
}
