package enrollment

import (
	"context"
	"time"
)

// Store persists tokens and their audit log. Every state change writes its
// audit rows in the same unit of work.
type Store interface {
	// Create inserts a PENDING token. apperr.ErrConflict when the user already
	// holds one.
	Create(ctx context.Context, t Token, audits []AuditEntry) error
	// Regenerate revokes the user's PENDING token, if any, and inserts next
	// atomically. revoked gets the old token id as TokenID.
	Regenerate(ctx context.Context, next Token, revoked AuditEntry, audits []AuditEntry) (revokedID string, err error)
	Get(ctx context.Context, id string) (Token, error)
	FindByHash(ctx context.Context, tokenHash string) (Token, error)
	FindPending(ctx context.Context, userID string) (Token, error)
	// Consume moves a PENDING, unexpired token to CONSUMED. ok is false when
	// the token did not qualify.
	Consume(ctx context.Context, id string, at time.Time, act Activation, audit AuditEntry) (t Token, ok bool, err error)
	// Transition moves a token from one status to another. ok is false when
	// the token was not in from.
	Transition(ctx context.Context, id string, from, to Status, audit AuditEntry) (ok bool, err error)
	// ExpireStale moves PENDING tokens past expiry to EXPIRED.
	ExpireStale(ctx context.Context, now time.Time, performedBy string) ([]string, error)
	AuditTrail(ctx context.Context, tokenID string) ([]AuditEntry, error)
}
