package keys

import "context"

// Store persists organization keys. Implementations must guarantee at most one
// active key per organization even under concurrent writers.
type Store interface {
	// FindActiveByOrganizationID returns apperr.ErrNotFound when the org has no active key.
	FindActiveByOrganizationID(ctx context.Context, organizationID string) (OrganizationKey, error)
	FindByKeyID(ctx context.Context, kid string) (OrganizationKey, error)
	// ListByOrganizationID returns all keys of the org, active first then newest first.
	ListByOrganizationID(ctx context.Context, organizationID string) ([]OrganizationKey, error)
	// Save inserts key as the active key. It fails with apperr.ErrConflict when
	// the organization already has one.
	Save(ctx context.Context, key OrganizationKey) error
	// Rotate retires the active key (if any) and inserts next as active in one
	// transaction. It returns the retired kid, empty when there was none.
	Rotate(ctx context.Context, organizationID string, next OrganizationKey) (string, error)
}
