package accesscode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"vecino.app/internal/apperr"
	"vecino.app/internal/audit"
	"vecino.app/internal/auth"
	"vecino.app/internal/directory"
	"vecino.app/internal/ids"
	"vecino.app/internal/obs"
)

const (
	issueAttempts      = 5
	defaultLogRetries  = 3
	defaultMaxEntries  = 1
	defaultLogInterval = 50 * time.Millisecond
)

// ScanPublisher receives every scan attempt after it was logged.
type ScanPublisher interface {
	PublishScan(ScanEvent)
}

// Engine issues access codes and enforces their scan state machine.
type Engine struct {
	store       Store
	dir         directory.Directory
	hasher      *Hasher
	publisher   ScanPublisher
	maxEntries  int
	logRetries  uint64
	logInterval time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine) error

// WithMaxEntries sets the entry limit applied when a request does not name one.
func WithMaxEntries(n int) EngineOption {
	return func(e *Engine) error {
		if n < 1 {
			return fmt.Errorf("%w: max entries must be positive", apperr.ErrInvalidInput)
		}
		e.maxEntries = n
		return nil
	}
}

// WithScanPublisher forwards scan events, e.g. to the live stream.
func WithScanPublisher(p ScanPublisher) EngineOption {
	return func(e *Engine) error {
		e.publisher = p
		return nil
	}
}

// WithLogRetry bounds the retries of a failed scan write.
func WithLogRetry(retries uint64, initial time.Duration) EngineOption {
	return func(e *Engine) error {
		e.logRetries = retries
		if initial > 0 {
			e.logInterval = initial
		}
		return nil
	}
}

func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) error {
		if fn != nil {
			e.now = fn
		}
		return nil
	}
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) error {
		if l != nil {
			e.logger = l
		}
		return nil
	}
}

// NewEngine constructs Engine.
func NewEngine(store Store, dir directory.Directory, hasher *Hasher, opts ...EngineOption) (*Engine, error) {
	if store == nil || dir == nil || hasher == nil {
		return nil, errors.New("accesscode: store, directory and hasher are required")
	}
	e := &Engine{
		store:       store,
		dir:         dir,
		hasher:      hasher,
		maxEntries:  defaultMaxEntries,
		logRetries:  defaultLogRetries,
		logInterval: defaultLogInterval,
		now:         time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.logger == nil {
		e.logger = obs.Logger()
	}
	e.logger = e.logger.With(slog.String("component", "accesscodes"))
	return e, nil
}

// IssueRequest describes a code for a pre-approved visit. A zero ValidFrom
// means now; a zero MaxEntries takes the engine default.
type IssueRequest struct {
	VisitRequestID string    `json:"visitRequestId"`
	CodeType       string    `json:"codeType"`
	ValidFrom      time.Time `json:"validFrom"`
	ValidUntil     time.Time `json:"validUntil"`
	MaxEntries     int       `json:"maxEntries"`
}

// Issued carries the raw code. It is returned once and never stored.
type Issued struct {
	AccessCode
	Code string `json:"code"`
}

// Issue generates a code for a visit request of the actor's organization.
func (e *Engine) Issue(ctx context.Context, actor auth.Actor, req IssueRequest) (Issued, error) {
	visit, err := e.visitFor(ctx, actor, strings.TrimSpace(req.VisitRequestID))
	if err != nil {
		return Issued{}, err
	}
	codeType := TypeQR
	if strings.TrimSpace(req.CodeType) != "" {
		if codeType, err = ParseCodeType(req.CodeType); err != nil {
			return Issued{}, fmt.Errorf("%w: unknown codeType %q", apperr.ErrInvalidInput, req.CodeType)
		}
	}
	now := e.now().UTC()
	if req.ValidFrom.IsZero() {
		req.ValidFrom = now
	}
	if req.ValidUntil.IsZero() || !req.ValidFrom.Before(req.ValidUntil) {
		return Issued{}, fmt.Errorf("%w: validFrom must precede validUntil", apperr.ErrInvalidInput)
	}
	if req.MaxEntries < 0 {
		return Issued{}, fmt.Errorf("%w: maxEntries must be positive", apperr.ErrInvalidInput)
	}
	if req.MaxEntries == 0 {
		req.MaxEntries = e.maxEntries
	}

	code := AccessCode{
		OrganizationID: actor.OrganizationID,
		VisitRequestID: visit.ID,
		CodeType:       codeType,
		Status:         StatusActive,
		MaxEntries:     req.MaxEntries,
		ValidFrom:      req.ValidFrom.UTC(),
		ValidUntil:     req.ValidUntil.UTC(),
		CreatedAt:      now,
	}
	for attempt := 1; ; attempt++ {
		raw, err := generate(codeType)
		if err != nil {
			return Issued{}, err
		}
		code.ID = ids.New()
		code.CodeHash = e.hasher.Hash(raw)
		err = e.store.Create(ctx, code)
		if err == nil {
			_ = audit.LogEvent(ctx, "access_code.issued", map[string]any{
				"access_code_id":   code.ID,
				"visit_request_id": code.VisitRequestID,
				"code_type":        code.CodeType.String(),
				"max_entries":      code.MaxEntries,
			})
			return Issued{AccessCode: code, Code: raw}, nil
		}
		if !errors.Is(err, apperr.ErrConflict) || attempt == issueAttempts {
			return Issued{}, err
		}
		e.logger.WarnContext(ctx, "access code hash collision, regenerating", slog.Int("attempt", attempt))
	}
}

// ScanRequest is one presentation of a code at a gate.
type ScanRequest struct {
	OrganizationID string `json:"-"`
	ScannedBy      string `json:"-"`
	Code           string `json:"code"`
	ScanLocation   string `json:"scanLocation"`
	DeviceInfo     string `json:"deviceInfo"`
	Notes          string `json:"notes"`
}

// ScanOutcome is the gate decision. Code is nil when nothing matched; Visit
// is set on VALID.
type ScanOutcome struct {
	Result Result                  `json:"result"`
	Code   *AccessCode             `json:"accessCode,omitempty"`
	Visit  *directory.VisitRequest `json:"visit,omitempty"`
	LogID  string                  `json:"logId"`
}

// Scan evaluates a presented code and consumes one entry when it is valid.
// Denials are results, not errors. Every call that returns without error
// has written exactly one scan log row, in the same transaction as any
// state change of the code; a call that fails has written nothing.
func (e *Engine) Scan(ctx context.Context, req ScanRequest) (ScanOutcome, error) {
	now := e.now().UTC()
	entry := ScanLog{
		ID:             ids.New(),
		OrganizationID: req.OrganizationID,
		ScannedBy:      req.ScannedBy,
		ScanLocation:   strings.TrimSpace(req.ScanLocation),
		DeviceInfo:     strings.TrimSpace(req.DeviceInfo),
		Notes:          strings.TrimSpace(req.Notes),
		ScannedAt:      now,
	}
	out, err := e.evaluate(ctx, req, &entry, now)
	if err != nil {
		e.logger.ErrorContext(ctx, "scan failed",
			slog.String("log_id", entry.ID),
			slog.String("error", err.Error()),
		)
		return ScanOutcome{}, fmt.Errorf("accesscode: scan: %w", err)
	}
	out.LogID = entry.ID
	obs.ObserveScan(out.Result.String())

	if e.publisher != nil {
		ev := ScanEvent{
			LogID:          entry.ID,
			OrganizationID: entry.OrganizationID,
			AccessCodeID:   entry.AccessCodeID,
			Result:         entry.Result,
			ScannedBy:      entry.ScannedBy,
			ScanLocation:   entry.ScanLocation,
			ScannedAt:      entry.ScannedAt,
		}
		if out.Code != nil {
			ev.VisitRequestID = out.Code.VisitRequestID
		}
		e.publisher.PublishScan(ev)
	}
	return out, nil
}

func (e *Engine) evaluate(ctx context.Context, req ScanRequest, entry *ScanLog, now time.Time) (ScanOutcome, error) {
	if normalize(req.Code) == "" {
		return e.refuse(ctx, entry, nil, ResultInvalid)
	}
	code, err := e.store.FindByHash(ctx, e.hasher.Hash(req.Code))
	if errors.Is(err, apperr.ErrNotFound) {
		return e.refuse(ctx, entry, nil, ResultInvalid)
	}
	if err != nil {
		return ScanOutcome{}, err
	}
	if code.OrganizationID != req.OrganizationID {
		return e.refuse(ctx, entry, nil, ResultInvalid)
	}
	if r, done := classify(code, now); done {
		return e.refuse(ctx, entry, &code, r)
	}

	visit, err := e.dir.VisitRequest(ctx, code.OrganizationID, code.VisitRequestID)
	if err != nil {
		e.logger.WarnContext(ctx, "visit request lookup failed",
			slog.String("visit_request_id", code.VisitRequestID),
			slog.String("error", err.Error()),
		)
	} else if entry.Notes == "" {
		entry.Notes = "visitor: " + visit.VisitorName
	}
	entry.Result = ResultValid
	entry.AccessCodeID = code.ID

	var (
		consumed AccessCode
		ok       bool
	)
	err = e.retry(ctx, func() error {
		var err error
		consumed, ok, err = e.store.ConsumeEntry(ctx, code.ID, now, *entry)
		return err
	})
	if err != nil {
		return ScanOutcome{}, err
	}
	if ok {
		out := ScanOutcome{Result: ResultValid, Code: &consumed}
		if visit.ID != "" {
			out.Visit = &visit
		}
		return out, nil
	}

	// Lost the race to a concurrent scan or a revoke.
	current, err := e.store.Get(ctx, code.ID)
	if err != nil {
		return ScanOutcome{}, err
	}
	entry.Notes = strings.TrimSpace(req.Notes)
	r, done := classify(current, now)
	if !done {
		r = ResultAlreadyUsed
	}
	return e.refuse(ctx, entry, &current, r)
}

// refuse records a denial. An ACTIVE code found past its window moves to
// EXPIRED together with its row.
func (e *Engine) refuse(ctx context.Context, entry *ScanLog, c *AccessCode, r Result) (ScanOutcome, error) {
	entry.Result = r
	entry.AccessCodeID = ""
	if c != nil {
		entry.AccessCodeID = c.ID
	}
	expire := r == ResultExpired && c != nil && c.Status == StatusActive
	err := e.retry(ctx, func() error {
		if expire {
			return e.store.MarkExpired(ctx, c.ID, *entry)
		}
		return e.store.AppendScanLog(ctx, *entry)
	})
	if err != nil {
		return ScanOutcome{}, err
	}
	if expire {
		c.Status = StatusExpired
	}
	return ScanOutcome{Result: r, Code: c}, nil
}

// classify maps a code that cannot be consumed to its outcome. done is false
// when the code is ACTIVE and inside its window.
func classify(c AccessCode, now time.Time) (Result, bool) {
	switch c.Status {
	case StatusUsed:
		return ResultAlreadyUsed, true
	case StatusExpired:
		return ResultExpired, true
	case StatusRevoked:
		return ResultRevoked, true
	}
	if now.After(c.ValidUntil) {
		return ResultExpired, true
	}
	if now.Before(c.ValidFrom) {
		return ResultNotYetValid, true
	}
	if c.EntriesUsed >= c.MaxEntries {
		return ResultAlreadyUsed, true
	}
	return 0, false
}

// retry reruns a scan write with backoff. Each write is a single
// transaction, so a failed attempt leaves nothing behind.
func (e *Engine) retry(ctx context.Context, write func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.logInterval
	op := func() error {
		err := write()
		if errors.Is(err, apperr.ErrInvalidInput) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, e.logRetries), ctx))
}

// Revoke moves an ACTIVE code to REVOKED.
func (e *Engine) Revoke(ctx context.Context, actor auth.Actor, id string) (AccessCode, error) {
	code, err := e.Get(ctx, actor, id)
	if err != nil {
		return AccessCode{}, err
	}
	if _, err := e.visitFor(ctx, actor, code.VisitRequestID); err != nil {
		return AccessCode{}, err
	}
	revoked, err := e.store.Revoke(ctx, code.ID, e.now().UTC())
	if err != nil {
		return AccessCode{}, err
	}
	_ = audit.LogEvent(ctx, "access_code.revoked", map[string]any{
		"access_code_id": revoked.ID,
		"revoked_by":     actor.UserID,
	})
	return revoked, nil
}

// Get returns a code of the actor's organization.
func (e *Engine) Get(ctx context.Context, actor auth.Actor, id string) (AccessCode, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return AccessCode{}, fmt.Errorf("%w: id is required", apperr.ErrInvalidInput)
	}
	code, err := e.store.Get(ctx, id)
	if err != nil {
		return AccessCode{}, err
	}
	if code.OrganizationID != actor.OrganizationID {
		return AccessCode{}, fmt.Errorf("%w: access code", apperr.ErrNotFound)
	}
	return code, nil
}

// ScanLogs returns the scan trail of one code, oldest first.
func (e *Engine) ScanLogs(ctx context.Context, actor auth.Actor, id string) ([]ScanLog, error) {
	if !actor.HasAnyRole(auth.RoleAdmin, auth.RolePorter) {
		return nil, fmt.Errorf("%w: scan logs", apperr.ErrForbidden)
	}
	code, err := e.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return e.store.ScanLogs(ctx, code.ID)
}

// visitFor resolves a visit request the actor may manage codes for: admins
// for any unit, residents for their own.
func (e *Engine) visitFor(ctx context.Context, actor auth.Actor, visitRequestID string) (directory.VisitRequest, error) {
	if visitRequestID == "" {
		return directory.VisitRequest{}, fmt.Errorf("%w: visitRequestId is required", apperr.ErrInvalidInput)
	}
	visit, err := e.dir.VisitRequest(ctx, actor.OrganizationID, visitRequestID)
	if err != nil {
		return directory.VisitRequest{}, err
	}
	if actor.HasRole(auth.RoleAdmin) {
		return visit, nil
	}
	if actor.HasRole(auth.RoleResident) && actor.UnitID != "" && actor.UnitID == visit.UnitID {
		return visit, nil
	}
	return directory.VisitRequest{}, fmt.Errorf("%w: visit request %s", apperr.ErrForbidden, visitRequestID)
}
