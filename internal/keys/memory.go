package keys

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"vecino.app/internal/apperr"
	"vecino.app/internal/ids"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu   sync.RWMutex
	keys map[string]*OrganizationKey // kid -> key
}

// NewInMemory creates an empty key store.
func NewInMemory() *InMemory {
	return &InMemory{keys: make(map[string]*OrganizationKey)}
}

func (s *InMemory) FindActiveByOrganizationID(_ context.Context, organizationID string) (OrganizationKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k := s.activeLocked(organizationID); k != nil {
		return copyKey(k), nil
	}
	return OrganizationKey{}, fmt.Errorf("%w: organization key", apperr.ErrNotFound)
}

func (s *InMemory) FindByKeyID(_ context.Context, kid string) (OrganizationKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[kid]
	if !ok {
		return OrganizationKey{}, fmt.Errorf("%w: organization key", apperr.ErrNotFound)
	}
	return copyKey(k), nil
}

func (s *InMemory) ListByOrganizationID(_ context.Context, organizationID string) ([]OrganizationKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []OrganizationKey
	for _, k := range s.keys {
		if k.OrganizationID == organizationID {
			out = append(out, copyKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsActive != out[j].IsActive {
			return out[i].IsActive
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemory) Save(_ context.Context, key OrganizationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeLocked(key.OrganizationID) != nil {
		return fmt.Errorf("%w: organization %s already has an active key", apperr.ErrConflict, key.OrganizationID)
	}
	if _, ok := s.keys[key.Kid]; ok {
		return fmt.Errorf("%w: key %s already exists", apperr.ErrConflict, key.Kid)
	}
	if key.ID == "" {
		key.ID = ids.New()
	}
	key.IsActive = true
	s.keys[key.Kid] = &key
	return nil
}

func (s *InMemory) Rotate(_ context.Context, organizationID string, next OrganizationKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[next.Kid]; ok {
		return "", fmt.Errorf("%w: key %s already exists", apperr.ErrConflict, next.Kid)
	}
	var retired string
	if cur := s.activeLocked(organizationID); cur != nil {
		rotatedAt := next.CreatedAt
		cur.IsActive = false
		cur.RotatedAt = &rotatedAt
		retired = cur.Kid
	}
	if next.ID == "" {
		next.ID = ids.New()
	}
	next.OrganizationID = organizationID
	next.IsActive = true
	s.keys[next.Kid] = &next
	return retired, nil
}

func (s *InMemory) activeLocked(organizationID string) *OrganizationKey {
	for _, k := range s.keys {
		if k.OrganizationID == organizationID && k.IsActive {
			return k
		}
	}
	return nil
}

func copyKey(k *OrganizationKey) OrganizationKey {
	out := *k
	if k.RotatedAt != nil {
		t := *k.RotatedAt
		out.RotatedAt = &t
	}
	return out
}
