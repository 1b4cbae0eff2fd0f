package util

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRedactPasteContent(t *testing.T) {
	if got := RedactPasteContent(""); got != "" {
		t.Errorf("empty content should stay empty, got %q", got)
	}
	if got := RedactPasteContent("short"); got != "[REDACTED]" {
		t.Errorf("short content should be fully redacted, got %q", got)
	}
	long := "0123456789abcdefghijklmnopqrstuvwxyz"
	got := RedactPasteContent(long)
	if !strings.HasPrefix(got, "0123456789") || !strings.HasSuffix(got, "qrstuvwxyz") {
		t.Errorf("unexpected redaction %q", got)
	}
	if strings.Contains(got, "abcdef") {
		t.Errorf("middle of content leaked: %q", got)
	}
	multi := strings.Repeat("ж", 30)
	if got := RedactPasteContent(multi); !strings.HasPrefix(got, strings.Repeat("ж", 10)) {
		t.Errorf("multi-byte content should be cut on rune boundaries, got %q", got)
	}
}

func TestRedactIP(t *testing.T) {
	if got := RedactIP("192.168.1.77:5000"); got != "192.168.1.0" {
		t.Errorf("RedactIP ipv4 = %q", got)
	}
	if got := RedactIP("not-an-ip"); !strings.HasPrefix(got, "hash:") {
		t.Errorf("RedactIP should hash invalid input, got %q", got)
	}
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	if got := GetRequestID(ctx); got != "" {
		t.Errorf("expected empty request id, got %q", got)
	}
	id := NewRequestID()
	ctx = SetRequestID(ctx, id)
	if got := GetRequestID(ctx); got != id {
		t.Errorf("GetRequestID = %q, want %q", got, id)
	}
}

func TestInitLogTo_TagsIntegrityErrors(t *testing.T) {
	var buf bytes.Buffer
	InitLogTo(&buf, "debug", false)
	defer InitLogTo(&buf, "info", false)

	Error().Msg("corrupt record in slot 3")
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not json: %v (%s)", err, buf.String())
	}
	if line["integrity"] != true {
		t.Errorf("expected integrity tag, got %v", line)
	}
}
