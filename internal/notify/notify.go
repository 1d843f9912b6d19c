// Package notify delivers enrollment links to porter devices' owners.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"vecino.app/internal/obs"
)

// EnrollmentMessage carries the one-time enrollment URL for a porter.
type EnrollmentMessage struct {
	UserID         string
	OrganizationID string
	Email          string
	URL            string
	Regenerated    bool
}

// Mailer sends enrollment messages.
type Mailer interface {
	SendEnrollment(ctx context.Context, msg EnrollmentMessage) error
}

// LogMailer records that a message would be sent. The URL embeds the raw
// token so it is never logged.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(l *slog.Logger) *LogMailer {
	if l == nil {
		l = obs.Logger()
	}
	return &LogMailer{logger: l.With(slog.String("component", "mailer"))}
}

func (m *LogMailer) SendEnrollment(ctx context.Context, msg EnrollmentMessage) error {
	m.logger.InfoContext(ctx, "enrollment link dispatched",
		slog.String("user_id", msg.UserID),
		slog.String("organization_id", msg.OrganizationID),
		slog.String("email", msg.Email),
		slog.Bool("regenerated", msg.Regenerated),
	)
	return nil
}

// Recorder keeps messages in memory for tests.
type Recorder struct {
	mu   sync.Mutex
	sent []EnrollmentMessage
}

func (r *Recorder) SendEnrollment(_ context.Context, msg EnrollmentMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

// Sent returns a copy of recorded messages.
func (r *Recorder) Sent() []EnrollmentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EnrollmentMessage, len(r.sent))
	copy(out, r.sent)
	return out
}
