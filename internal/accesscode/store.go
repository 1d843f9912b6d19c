package accesscode

import (
	"context"
	"time"
)

// Store persists access codes and their scan log.
type Store interface {
	// Create fails with apperr.ErrConflict when the code hash is taken.
	Create(ctx context.Context, c AccessCode) error
	Get(ctx context.Context, id string) (AccessCode, error)
	FindByHash(ctx context.Context, codeHash string) (AccessCode, error)
	// ConsumeEntry increments entriesUsed of an ACTIVE code that is inside its
	// window and below maxEntries, moving it to USED on the last entry, and
	// appends l in the same transaction. ok is false when no row qualified;
	// nothing is written then. A repeated call with an already stored l.ID
	// returns the code as stored with ok true.
	ConsumeEntry(ctx context.Context, id string, now time.Time, l ScanLog) (c AccessCode, ok bool, err error)
	// MarkExpired moves an ACTIVE code to EXPIRED and appends l in the same
	// transaction. The row is appended even when the code already left ACTIVE.
	MarkExpired(ctx context.Context, id string, l ScanLog) error
	// Revoke moves an ACTIVE code to REVOKED, else apperr.ErrInvalidState.
	Revoke(ctx context.Context, id string, at time.Time) (AccessCode, error)
	// AppendScanLog is idempotent on the log id.
	AppendScanLog(ctx context.Context, l ScanLog) error
	ScanLogs(ctx context.Context, accessCodeID string) ([]ScanLog, error)
}
