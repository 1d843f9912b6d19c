// Package directory exposes read-only lookups of tenant data owned by the
// wider platform (organizations, units, users, visit requests).
package directory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"vecino.app/internal/apperr"
)

type Organization struct {
	ID   string
	Name string
}

type Unit struct {
	ID             string
	OrganizationID string
	Code           string
}

type User struct {
	ID             string
	OrganizationID string
	Email          string
	FullName       string
}

type VisitRequest struct {
	ID             string
	OrganizationID string
	UnitID         string
	VisitorName    string
}

// Directory resolves platform entities. Missing rows yield apperr.ErrNotFound.
type Directory interface {
	Organization(ctx context.Context, organizationID string) (Organization, error)
	Unit(ctx context.Context, organizationID, unitID string) (Unit, error)
	User(ctx context.Context, userID string) (User, error)
	VisitRequest(ctx context.Context, organizationID, visitRequestID string) (VisitRequest, error)
}

var _ Directory = (*InMemory)(nil)

// InMemory is a fixed directory for tests and local runs.
type InMemory struct {
	mu     sync.RWMutex
	orgs   map[string]Organization
	units  map[string]Unit
	users  map[string]User
	visits map[string]VisitRequest
}

func NewInMemory() *InMemory {
	return &InMemory{
		orgs:   make(map[string]Organization),
		units:  make(map[string]Unit),
		users:  make(map[string]User),
		visits: make(map[string]VisitRequest),
	}
}

func (d *InMemory) AddOrganization(o Organization) { d.mu.Lock(); d.orgs[o.ID] = o; d.mu.Unlock() }
func (d *InMemory) AddUnit(u Unit)                 { d.mu.Lock(); d.units[u.ID] = u; d.mu.Unlock() }
func (d *InMemory) AddUser(u User)                 { d.mu.Lock(); d.users[u.ID] = u; d.mu.Unlock() }
func (d *InMemory) AddVisitRequest(v VisitRequest) { d.mu.Lock(); d.visits[v.ID] = v; d.mu.Unlock() }

func (d *InMemory) Organization(_ context.Context, organizationID string) (Organization, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if o, ok := d.orgs[organizationID]; ok {
		return o, nil
	}
	return Organization{}, notFound("organization", organizationID)
}

func (d *InMemory) Unit(_ context.Context, organizationID, unitID string) (Unit, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if u, ok := d.units[unitID]; ok && u.OrganizationID == organizationID {
		return u, nil
	}
	return Unit{}, notFound("unit", unitID)
}

func (d *InMemory) User(_ context.Context, userID string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if u, ok := d.users[userID]; ok {
		return u, nil
	}
	return User{}, notFound("user", userID)
}

func (d *InMemory) VisitRequest(_ context.Context, organizationID, visitRequestID string) (VisitRequest, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if v, ok := d.visits[visitRequestID]; ok && v.OrganizationID == organizationID {
		return v, nil
	}
	return VisitRequest{}, notFound("visit request", visitRequestID)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", apperr.ErrNotFound, kind, strings.TrimSpace(id))
}
