package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"vecino.app/internal/auth"
	"vecino.app/internal/obs"
)

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	prev := obs.SetLogger(obs.NewLogger(&buf, "info", "json"))
	defer obs.SetLogger(prev)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithActor(ctx, auth.Actor{UserID: "user-42", OrganizationID: "org-1", Roles: []string{"admin"}})

	if err := LogEvent(ctx, "org_key.rotated", map[string]any{"kid": "org-1-abc"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "org_key.rotated" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" || entry["org_id"] != "org-1" {
		t.Fatalf("unexpected actor fields: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["kid"] != "org-1-abc" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event")
	}
}
