package authorization

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vecino.app/internal/apperr"
	"vecino.app/internal/store/pg"
)

var _ Store = (*PGStore)(nil)

const authColumns = `id, organization_id, unit_id, created_by_user_id, person_name, person_document, service_type,
	valid_from, valid_to, vehicle_plate, vehicle_brand, vehicle_color, identity_document_key, signed_qr, kid,
	status, revoked_at, revoked_by, created_at`

// PGStore implements Store on the visitor_authorizations table.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, a VisitorAuthorization) error {
	_, err := s.db.ExecContext(ctx, `
		insert into visitor_authorizations(`+authColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,null,null,$17)
	`, a.ID, a.OrganizationID, a.UnitID, a.CreatedByUserID, a.PersonName, a.PersonDocument, a.ServiceType,
		a.ValidFrom, a.ValidTo, nullIfEmpty(a.Vehicle.Plate), nullIfEmpty(a.Vehicle.Brand), nullIfEmpty(a.Vehicle.Color),
		nullIfEmpty(a.IdentityDocumentKey), a.SignedQR, a.Kid, a.Status, a.CreatedAt)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return fmt.Errorf("%w: authorization %s", apperr.ErrConflict, a.ID)
		}
		return err
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (VisitorAuthorization, error) {
	row := s.db.QueryRowContext(ctx, `select `+authColumns+` from visitor_authorizations where id=$1`, id)
	return scanAuthorization(row)
}

func (s *PGStore) List(ctx context.Context, scope Scope) ([]VisitorAuthorization, error) {
	var (
		where = []string{"organization_id=$1"}
		args  = []any{scope.OrganizationID}
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if scope.UnitID != "" {
		add("unit_id=$%d", scope.UnitID)
	}
	if scope.CreatedBy != "" {
		add("created_by_user_id=$%d", scope.CreatedBy)
	}
	switch scope.Status {
	case StatusActive:
		add("status='ACTIVE' and valid_to>=$%d", scope.Now)
	case StatusExpired:
		add("status='ACTIVE' and valid_to<$%d", scope.Now)
	case StatusRevoked:
		where = append(where, "status='REVOKED'")
	}
	args = append(args, scope.Limit, scope.Offset)
	query := `select ` + authColumns + ` from visitor_authorizations where ` + strings.Join(where, " and ") +
		fmt.Sprintf(" order by created_at desc, id desc limit $%d offset $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VisitorAuthorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) Revoke(ctx context.Context, id, revokedBy string, at time.Time) (VisitorAuthorization, error) {
	row := s.db.QueryRowContext(ctx, `
		update visitor_authorizations
		set status='REVOKED', revoked_at=$2, revoked_by=$3
		where id=$1 and status='ACTIVE' and valid_to>=$2
		returning `+authColumns, id, at, revokedBy)
	a, err := scanAuthorization(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return VisitorAuthorization{}, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return VisitorAuthorization{}, err
	}
	return VisitorAuthorization{}, fmt.Errorf("%w: authorization is %s", apperr.ErrInvalidState, current.withDerivedStatus(at).Status)
}

func (s *PGStore) RevokedSince(ctx context.Context, organizationID string, since, cutoff time.Time) ([]Revocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, revoked_at, valid_to from visitor_authorizations
		where organization_id=$1 and status='REVOKED' and revoked_at>=$2 and valid_to>=$3
		order by revoked_at asc
	`, organizationID, since, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Revocation
	for rows.Next() {
		var r Revocation
		if err := rows.Scan(&r.AuthorizationID, &r.RevokedAt, &r.ValidTo); err != nil {
			return nil, err
		}
		r.RevokedAt, r.ValidTo = r.RevokedAt.UTC(), r.ValidTo.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthorization(row rowScanner) (VisitorAuthorization, error) {
	var (
		a                               VisitorAuthorization
		plate, brand, color, docKey, by sql.NullString
		revokedAt                       sql.NullTime
	)
	err := row.Scan(&a.ID, &a.OrganizationID, &a.UnitID, &a.CreatedByUserID, &a.PersonName, &a.PersonDocument,
		&a.ServiceType, &a.ValidFrom, &a.ValidTo, &plate, &brand, &color, &docKey, &a.SignedQR, &a.Kid,
		&a.Status, &revokedAt, &by, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VisitorAuthorization{}, fmt.Errorf("%w: authorization", apperr.ErrNotFound)
		}
		return VisitorAuthorization{}, err
	}
	a.Vehicle = Vehicle{Plate: plate.String, Brand: brand.String, Color: color.String}
	a.IdentityDocumentKey = docKey.String
	a.RevokedBy = by.String
	a.ValidFrom, a.ValidTo, a.CreatedAt = a.ValidFrom.UTC(), a.ValidTo.UTC(), a.CreatedAt.UTC()
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		a.RevokedAt = &t
	}
	return a, nil
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
