package accesscode

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vecino.app/internal/apperr"
	"vecino.app/internal/store/pg"
)

var _ Store = (*PGStore)(nil)

const codeColumns = `id, organization_id, visit_request_id, code_hash, code_type, status, entries_used, max_entries,
	valid_from, valid_until, created_at, revoked_at`

// PGStore implements Store on access_codes and access_scan_logs.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, c AccessCode) error {
	_, err := s.db.ExecContext(ctx, `
		insert into access_codes(`+codeColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,null)
	`, c.ID, c.OrganizationID, c.VisitRequestID, c.CodeHash, c.CodeType, c.Status, c.EntriesUsed, c.MaxEntries,
		c.ValidFrom, c.ValidUntil, c.CreatedAt)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return fmt.Errorf("%w: access code hash", apperr.ErrConflict)
		}
		if pg.IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: visit request %s", apperr.ErrNotFound, c.VisitRequestID)
		}
		return err
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (AccessCode, error) {
	return scanCode(s.db.QueryRowContext(ctx, `select `+codeColumns+` from access_codes where id=$1`, id))
}

func (s *PGStore) FindByHash(ctx context.Context, codeHash string) (AccessCode, error) {
	return scanCode(s.db.QueryRowContext(ctx, `select `+codeColumns+` from access_codes where code_hash=$1`, codeHash))
}

// errNoEntry rolls back a consume whose code no longer qualifies.
var errNoEntry = errors.New("accesscode: no entry left")

// ConsumeEntry relies on the row lock taken by UPDATE: a concurrent scan
// re-evaluates the predicate after the first commits.
func (s *PGStore) ConsumeEntry(ctx context.Context, id string, now time.Time, l ScanLog) (AccessCode, bool, error) {
	var c AccessCode
	err := pg.InTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		logged, err := insertScanLog(ctx, tx, l)
		if err != nil {
			return err
		}
		if !logged {
			c, err = scanCode(tx.QueryRowContext(ctx, `select `+codeColumns+` from access_codes where id=$1`, id))
			return err
		}
		c, err = scanCode(tx.QueryRowContext(ctx, `
			update access_codes
			set entries_used = entries_used + 1,
			    status = case when entries_used + 1 >= max_entries then 'USED' else status end
			where id=$1 and status='ACTIVE' and entries_used < max_entries and valid_from<=$2 and valid_until>=$2
			returning `+codeColumns, id, now))
		if errors.Is(err, apperr.ErrNotFound) {
			return errNoEntry
		}
		return err
	})
	switch {
	case errors.Is(err, errNoEntry):
		return AccessCode{}, false, nil
	case err != nil:
		return AccessCode{}, false, err
	}
	return c, true, nil
}

func (s *PGStore) MarkExpired(ctx context.Context, id string, l ScanLog) error {
	return pg.InTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `update access_codes set status='EXPIRED' where id=$1 and status='ACTIVE'`, id); err != nil {
			return err
		}
		_, err := insertScanLog(ctx, tx, l)
		return err
	})
}

func (s *PGStore) Revoke(ctx context.Context, id string, at time.Time) (AccessCode, error) {
	c, err := scanCode(s.db.QueryRowContext(ctx, `
		update access_codes set status='REVOKED', revoked_at=$2
		where id=$1 and status='ACTIVE'
		returning `+codeColumns, id, at))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return AccessCode{}, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return AccessCode{}, err
	}
	return AccessCode{}, fmt.Errorf("%w: access code is %s", apperr.ErrInvalidState, current.Status)
}

func (s *PGStore) AppendScanLog(ctx context.Context, l ScanLog) error {
	_, err := insertScanLog(ctx, s.db, l)
	return err
}

// insertScanLog reports whether a row was written; false means l.ID is already stored.
func insertScanLog(ctx context.Context, q pg.DBTX, l ScanLog) (bool, error) {
	res, err := q.ExecContext(ctx, `
		insert into access_scan_logs(id, access_code_id, organization_id, scanned_by, scan_result, scan_location, device_info, notes, scanned_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (id) do nothing
	`, l.ID, nullString(l.AccessCodeID), l.OrganizationID, l.ScannedBy, l.Result,
		nullString(l.ScanLocation), nullString(l.DeviceInfo), nullString(l.Notes), l.ScannedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PGStore) ScanLogs(ctx context.Context, accessCodeID string) ([]ScanLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, access_code_id, organization_id, scanned_by, scan_result, scan_location, device_info, notes, scanned_at
		from access_scan_logs where access_code_id=$1 order by scanned_at asc, id asc
	`, accessCodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScanLog
	for rows.Next() {
		var (
			l                               ScanLog
			codeID, location, device, notes sql.NullString
		)
		if err := rows.Scan(&l.ID, &codeID, &l.OrganizationID, &l.ScannedBy, &l.Result, &location, &device, &notes, &l.ScannedAt); err != nil {
			return nil, err
		}
		l.AccessCodeID, l.ScanLocation, l.DeviceInfo, l.Notes = codeID.String, location.String, device.String, notes.String
		l.ScannedAt = l.ScannedAt.UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCode(row rowScanner) (AccessCode, error) {
	var (
		c         AccessCode
		revokedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.OrganizationID, &c.VisitRequestID, &c.CodeHash, &c.CodeType, &c.Status,
		&c.EntriesUsed, &c.MaxEntries, &c.ValidFrom, &c.ValidUntil, &c.CreatedAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AccessCode{}, fmt.Errorf("%w: access code", apperr.ErrNotFound)
		}
		return AccessCode{}, err
	}
	c.ValidFrom, c.ValidUntil, c.CreatedAt = c.ValidFrom.UTC(), c.ValidUntil.UTC(), c.CreatedAt.UTC()
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		c.RevokedAt = &t
	}
	return c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
