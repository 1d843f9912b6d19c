package directory

import (
	"context"
	"database/sql"
	"errors"
)

var _ Directory = (*PGStore)(nil)

// PGStore reads the platform tables directly.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Organization(ctx context.Context, organizationID string) (Organization, error) {
	var o Organization
	err := s.db.QueryRowContext(ctx, `select id, name from organizations where id=$1`, organizationID).
		Scan(&o.ID, &o.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Organization{}, notFound("organization", organizationID)
	}
	return o, err
}

func (s *PGStore) Unit(ctx context.Context, organizationID, unitID string) (Unit, error) {
	var u Unit
	err := s.db.QueryRowContext(ctx,
		`select id, organization_id, code from units where id=$1 and organization_id=$2`, unitID, organizationID).
		Scan(&u.ID, &u.OrganizationID, &u.Code)
	if errors.Is(err, sql.ErrNoRows) {
		return Unit{}, notFound("unit", unitID)
	}
	return u, err
}

func (s *PGStore) User(ctx context.Context, userID string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`select id, organization_id, email, full_name from users where id=$1`, userID).
		Scan(&u.ID, &u.OrganizationID, &u.Email, &u.FullName)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, notFound("user", userID)
	}
	return u, err
}

func (s *PGStore) VisitRequest(ctx context.Context, organizationID, visitRequestID string) (VisitRequest, error) {
	var v VisitRequest
	err := s.db.QueryRowContext(ctx,
		`select id, organization_id, unit_id, visitor_name from visit_requests where id=$1 and organization_id=$2`,
		visitRequestID, organizationID).
		Scan(&v.ID, &v.OrganizationID, &v.UnitID, &v.VisitorName)
	if errors.Is(err, sql.ErrNoRows) {
		return VisitRequest{}, notFound("visit request", visitRequestID)
	}
	return v, err
}
