package authorization

import (
	"context"
	"time"
)

// Store persists visitor authorizations.
type Store interface {
	Create(ctx context.Context, a VisitorAuthorization) error
	Get(ctx context.Context, id string) (VisitorAuthorization, error)
	List(ctx context.Context, scope Scope) ([]VisitorAuthorization, error)
	// Revoke moves an ACTIVE authorization to REVOKED with a conditional
	// update. A missing row yields apperr.ErrNotFound and any other status
	// apperr.ErrInvalidState.
	Revoke(ctx context.Context, id, revokedBy string, at time.Time) (VisitorAuthorization, error)
	// RevokedSince lists revocations at or after since whose validTo is at or after cutoff.
	RevokedSince(ctx context.Context, organizationID string, since, cutoff time.Time) ([]Revocation, error)
}
