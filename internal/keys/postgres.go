package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"vecino.app/internal/apperr"
	"vecino.app/internal/ids"
	"vecino.app/internal/store/pg"
)

var _ Store = (*PGStore)(nil)

const keyColumns = `id, organization_id, algorithm, kid, public_key_jwk, encrypted_private_key, is_active, created_at, rotated_at`

// PGStore implements Store on the organization_crypto_keys table. The partial
// unique index on (organization_id) where is_active backs the single-active rule.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) FindActiveByOrganizationID(ctx context.Context, organizationID string) (OrganizationKey, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+keyColumns+` from organization_crypto_keys where organization_id=$1 and is_active`, organizationID)
	return scanKey(row)
}

func (s *PGStore) FindByKeyID(ctx context.Context, kid string) (OrganizationKey, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+keyColumns+` from organization_crypto_keys where kid=$1`, kid)
	return scanKey(row)
}

func (s *PGStore) ListByOrganizationID(ctx context.Context, organizationID string) ([]OrganizationKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+keyColumns+` from organization_crypto_keys
		 where organization_id=$1
		 order by is_active desc, created_at desc`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrganizationKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *PGStore) Save(ctx context.Context, key OrganizationKey) error {
	if key.ID == "" {
		key.ID = ids.New()
	}
	res, err := s.db.ExecContext(ctx, `
		insert into organization_crypto_keys(id, organization_id, algorithm, kid, public_key_jwk, encrypted_private_key, is_active, created_at)
		values ($1,$2,$3,$4,$5,$6,true,$7)
		on conflict (organization_id) where is_active do nothing
	`, key.ID, key.OrganizationID, key.Algorithm, key.Kid, key.PublicKeyJWK, key.EncryptedPrivateKey, key.CreatedAt)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return fmt.Errorf("%w: key %s already exists", apperr.ErrConflict, key.Kid)
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: organization %s already has an active key", apperr.ErrConflict, key.OrganizationID)
	}
	return nil
}

func (s *PGStore) Rotate(ctx context.Context, organizationID string, next OrganizationKey) (string, error) {
	if next.ID == "" {
		next.ID = ids.New()
	}
	var retired string
	err := pg.InTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			update organization_crypto_keys set is_active=false, rotated_at=$2
			where organization_id=$1 and is_active
			returning kid
		`, organizationID, next.CreatedAt).Scan(&retired)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into organization_crypto_keys(id, organization_id, algorithm, kid, public_key_jwk, encrypted_private_key, is_active, created_at)
			values ($1,$2,$3,$4,$5,$6,true,$7)
		`, next.ID, organizationID, next.Algorithm, next.Kid, next.PublicKeyJWK, next.EncryptedPrivateKey, next.CreatedAt); err != nil {
			if pg.IsUniqueViolation(err) {
				return fmt.Errorf("%w: concurrent rotation for organization %s", apperr.ErrConflict, organizationID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return retired, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (OrganizationKey, error) {
	var (
		k       OrganizationKey
		rotated sql.NullTime
	)
	if err := row.Scan(&k.ID, &k.OrganizationID, &k.Algorithm, &k.Kid, &k.PublicKeyJWK,
		&k.EncryptedPrivateKey, &k.IsActive, &k.CreatedAt, &rotated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OrganizationKey{}, fmt.Errorf("%w: organization key", apperr.ErrNotFound)
		}
		return OrganizationKey{}, err
	}
	k.CreatedAt = k.CreatedAt.UTC()
	if rotated.Valid {
		t := rotated.Time.UTC()
		k.RotatedAt = &t
	}
	return k, nil
}
