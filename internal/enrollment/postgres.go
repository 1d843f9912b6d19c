package enrollment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vecino.app/internal/apperr"
	"vecino.app/internal/ids"
	"vecino.app/internal/store/pg"
)

var _ Store = (*PGStore)(nil)

const tokenColumns = `id, user_id, organization_id, token_hash, status, expires_at, consumed_at, created_by,
	activation_ip, activation_user_agent, created_at`

// PGStore implements Store on porter_enrollment_tokens and
// enrollment_audit_logs. The partial unique index on (user_id) where
// status='PENDING' keeps one pending token per user.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, t Token, audits []AuditEntry) error {
	return pg.InTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		if err := insertToken(ctx, tx, t); err != nil {
			return err
		}
		return insertAudits(ctx, tx, audits...)
	})
}

func (s *PGStore) Regenerate(ctx context.Context, next Token, revoked AuditEntry, audits []AuditEntry) (string, error) {
	var revokedID string
	err := pg.InTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			update porter_enrollment_tokens set status='REVOKED'
			where user_id=$1 and status='PENDING'
			returning id
		`, next.UserID).Scan(&revokedID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			revokedID = ""
		case err != nil:
			return err
		default:
			revoked.TokenID = revokedID
			if err := insertAudits(ctx, tx, revoked); err != nil {
				return err
			}
		}
		if err := insertToken(ctx, tx, next); err != nil {
			return err
		}
		return insertAudits(ctx, tx, audits...)
	})
	if err != nil {
		return "", err
	}
	return revokedID, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Token, error) {
	return scanToken(s.db.QueryRowContext(ctx, `select `+tokenColumns+` from porter_enrollment_tokens where id=$1`, id))
}

func (s *PGStore) FindByHash(ctx context.Context, tokenHash string) (Token, error) {
	return scanToken(s.db.QueryRowContext(ctx, `select `+tokenColumns+` from porter_enrollment_tokens where token_hash=$1`, tokenHash))
}

func (s *PGStore) FindPending(ctx context.Context, userID string) (Token, error) {
	return scanToken(s.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from porter_enrollment_tokens where user_id=$1 and status='PENDING'`, userID))
}

func (s *PGStore) Consume(ctx context.Context, id string, at time.Time, act Activation, audit AuditEntry) (Token, bool, error) {
	var (
		t  Token
		ok bool
	)
	err := pg.InTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		var err error
		t, err = scanToken(tx.QueryRowContext(ctx, `
			update porter_enrollment_tokens
			set status='CONSUMED', consumed_at=$2, activation_ip=$3, activation_user_agent=$4
			where id=$1 and status='PENDING' and expires_at>$2
			returning `+tokenColumns, id, at, nullString(act.IP), nullString(act.UserAgent)))
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		return insertAudits(ctx, tx, audit)
	})
	if err != nil || !ok {
		return Token{}, false, err
	}
	return t, true, nil
}

func (s *PGStore) Transition(ctx context.Context, id string, from, to Status, audit AuditEntry) (bool, error) {
	var ok bool
	err := pg.InTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `update porter_enrollment_tokens set status=$3 where id=$1 and status=$2`, id, from, to)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		ok = true
		return insertAudits(ctx, tx, audit)
	})
	if err != nil {
		return false, err
	}
	if !ok {
		if _, err := s.Get(ctx, id); err != nil {
			return false, err
		}
	}
	return ok, nil
}

func (s *PGStore) ExpireStale(ctx context.Context, now time.Time, performedBy string) ([]string, error) {
	var expired []string
	err := pg.InTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			update porter_enrollment_tokens set status='EXPIRED'
			where status='PENDING' and expires_at<=$1
			returning id
		`, now)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		audits := make([]AuditEntry, 0, len(expired))
		for _, id := range expired {
			audits = append(audits, AuditEntry{ID: ids.New(), TokenID: id, Action: ActionExpired, PerformedBy: performedBy, OccurredAt: now})
		}
		return insertAudits(ctx, tx, audits...)
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func (s *PGStore) AuditTrail(ctx context.Context, tokenID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, token_id, action, performed_by, occurred_at, details
		from enrollment_audit_logs where token_id=$1 order by occurred_at asc, seq asc
	`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			a       AuditEntry
			details sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.TokenID, &a.Action, &a.PerformedBy, &a.OccurredAt, &details); err != nil {
			return nil, err
		}
		a.Details = details.String
		a.OccurredAt = a.OccurredAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func insertToken(ctx context.Context, tx *sql.Tx, t Token) error {
	_, err := tx.ExecContext(ctx, `
		insert into porter_enrollment_tokens(id, user_id, organization_id, token_hash, status, expires_at, created_by, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, t.ID, t.UserID, t.OrganizationID, t.TokenHash, t.Status, t.ExpiresAt, t.CreatedBy, t.CreatedAt)
	if pg.IsUniqueViolation(err) {
		return fmt.Errorf("%w: user %s already has a pending enrollment token", apperr.ErrConflict, t.UserID)
	}
	return err
}

func insertAudits(ctx context.Context, tx *sql.Tx, audits ...AuditEntry) error {
	for _, a := range audits {
		if _, err := tx.ExecContext(ctx, `
			insert into enrollment_audit_logs(id, token_id, action, performed_by, occurred_at, details)
			values ($1,$2,$3,$4,$5,$6)
		`, a.ID, a.TokenID, a.Action, a.PerformedBy, a.OccurredAt, nullString(a.Details)); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (Token, error) {
	var (
		t             Token
		consumedAt    sql.NullTime
		ip, userAgent sql.NullString
	)
	err := row.Scan(&t.ID, &t.UserID, &t.OrganizationID, &t.TokenHash, &t.Status, &t.ExpiresAt, &consumedAt,
		&t.CreatedBy, &ip, &userAgent, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Token{}, fmt.Errorf("%w: enrollment token", apperr.ErrNotFound)
		}
		return Token{}, err
	}
	t.ExpiresAt, t.CreatedAt = t.ExpiresAt.UTC(), t.CreatedAt.UTC()
	t.ActivationIP, t.ActivationUserAgent = ip.String, userAgent.String
	if consumedAt.Valid {
		c := consumedAt.Time.UTC()
		t.ConsumedAt = &c
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
