package authorization

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"vecino.app/internal/apperr"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu    sync.RWMutex
	items map[string]*VisitorAuthorization
}

func NewInMemory() *InMemory {
	return &InMemory{items: make(map[string]*VisitorAuthorization)}
}

func (s *InMemory) Create(_ context.Context, a VisitorAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[a.ID]; ok {
		return fmt.Errorf("%w: authorization %s", apperr.ErrConflict, a.ID)
	}
	s.items[a.ID] = &a
	return nil
}

func (s *InMemory) Get(_ context.Context, id string) (VisitorAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[id]
	if !ok {
		return VisitorAuthorization{}, fmt.Errorf("%w: authorization", apperr.ErrNotFound)
	}
	return copyAuthorization(a), nil
}

func (s *InMemory) List(_ context.Context, scope Scope) ([]VisitorAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []VisitorAuthorization
	for _, a := range s.items {
		if a.OrganizationID != scope.OrganizationID {
			continue
		}
		if scope.UnitID != "" && a.UnitID != scope.UnitID {
			continue
		}
		if scope.CreatedBy != "" && a.CreatedByUserID != scope.CreatedBy {
			continue
		}
		if scope.Status != 0 && a.withDerivedStatus(scope.Now).Status != scope.Status {
			continue
		}
		out = append(out, copyAuthorization(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if scope.Offset >= len(out) {
		return nil, nil
	}
	out = out[scope.Offset:]
	if scope.Limit > 0 && len(out) > scope.Limit {
		out = out[:scope.Limit]
	}
	return out, nil
}

func (s *InMemory) Revoke(_ context.Context, id, revokedBy string, at time.Time) (VisitorAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok {
		return VisitorAuthorization{}, fmt.Errorf("%w: authorization", apperr.ErrNotFound)
	}
	if st := a.withDerivedStatus(at).Status; st != StatusActive {
		return VisitorAuthorization{}, fmt.Errorf("%w: authorization is %s", apperr.ErrInvalidState, st)
	}
	a.Status = StatusRevoked
	a.RevokedAt = &at
	a.RevokedBy = revokedBy
	return copyAuthorization(a), nil
}

func (s *InMemory) RevokedSince(_ context.Context, organizationID string, since, cutoff time.Time) ([]Revocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Revocation
	for _, a := range s.items {
		if a.OrganizationID != organizationID || a.Status != StatusRevoked || a.RevokedAt == nil {
			continue
		}
		if a.RevokedAt.Before(since) || a.ValidTo.Before(cutoff) {
			continue
		}
		out = append(out, Revocation{AuthorizationID: a.ID, RevokedAt: *a.RevokedAt, ValidTo: a.ValidTo})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RevokedAt.Before(out[j].RevokedAt) })
	return out, nil
}

func copyAuthorization(a *VisitorAuthorization) VisitorAuthorization {
	out := *a
	if a.RevokedAt != nil {
		t := *a.RevokedAt
		out.RevokedAt = &t
	}
	return out
}
