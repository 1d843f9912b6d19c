package notify

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"vecino.app/internal/obs"
)

func TestLogMailerDoesNotLogURL(t *testing.T) {
	var buf bytes.Buffer
	m := NewLogMailer(obs.NewLogger(&buf, "info", "json"))
	msg := EnrollmentMessage{UserID: "u1", OrganizationID: "o1", Email: "porter@example.com", URL: "https://x/enroll?token=SECRET"}
	if err := m.SendEnrollment(context.Background(), msg); err != nil {
		t.Fatalf("SendEnrollment: %v", err)
	}
	if strings.Contains(buf.String(), "SECRET") {
		t.Fatalf("raw token leaked into log: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "porter@example.com") {
		t.Fatalf("expected recipient in log: %s", buf.String())
	}
}
