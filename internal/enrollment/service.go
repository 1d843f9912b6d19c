package enrollment

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"vecino.app/internal/apperr"
	"vecino.app/internal/audit"
	"vecino.app/internal/directory"
	"vecino.app/internal/ids"
	"vecino.app/internal/keys"
	"vecino.app/internal/notify"
	"vecino.app/internal/obs"
)

const (
	tokenBytes  = 32
	systemActor = "system"
)

// Service runs the enrollment token lifecycle.
type Service struct {
	store   Store
	keys    *keys.Manager
	dir     directory.Directory
	mailer  notify.Mailer
	ttl     time.Duration
	skew    time.Duration
	baseURL string
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Service) error

// WithTTL sets how long an issued token stays PENDING.
func WithTTL(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return fmt.Errorf("%w: enrollment ttl must be positive", apperr.ErrInvalidInput)
		}
		s.ttl = d
		return nil
	}
}

// WithClockSkew sets the tolerance handed to enrolled devices.
func WithClockSkew(d time.Duration) Option {
	return func(s *Service) error {
		if d < 0 {
			return fmt.Errorf("%w: clock skew must not be negative", apperr.ErrInvalidInput)
		}
		s.skew = d
		return nil
	}
}

// WithBaseURL sets the enrollment page the raw token is appended to.
func WithBaseURL(raw string) Option {
	return func(s *Service) error {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: enrollment base url %q", apperr.ErrInvalidInput, raw)
		}
		s.baseURL = raw
		return nil
	}
}

func WithMailer(m notify.Mailer) Option {
	return func(s *Service) error {
		s.mailer = m
		return nil
	}
}

func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

func NewService(store Store, km *keys.Manager, dir directory.Directory, opts ...Option) (*Service, error) {
	if store == nil || km == nil || dir == nil {
		return nil, errors.New("enrollment: store, key manager and directory are required")
	}
	s := &Service{
		store:   store,
		keys:    km,
		dir:     dir,
		ttl:     72 * time.Hour,
		skew:    2 * time.Minute,
		baseURL: "https://app.vecino.local/porter/enroll",
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.logger == nil {
		s.logger = obs.Logger()
	}
	s.logger = s.logger.With(slog.String("component", "enrollment"))
	return s, nil
}

// HashToken returns the stored form of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

// Issue creates a PENDING token for a porter user of orgID. It fails with
// apperr.ErrConflict while another PENDING token exists; use Regenerate.
func (s *Service) Issue(ctx context.Context, userID, orgID, createdBy string) (Issued, error) {
	user, err := s.porter(ctx, userID, orgID)
	if err != nil {
		return Issued{}, err
	}
	now := s.now().UTC()
	issued, audits, err := s.newToken(user, createdBy, now, ActionURLGenerated)
	if err != nil {
		return Issued{}, err
	}
	err = s.store.Create(ctx, issued.Token, audits)
	if errors.Is(err, apperr.ErrConflict) && s.expirePending(ctx, userID, now) {
		err = s.store.Create(ctx, issued.Token, audits)
	}
	if err != nil {
		return Issued{}, err
	}
	s.recorded(ctx, issued.Token, audits...)
	s.send(ctx, user, issued, false)
	return issued, nil
}

// Regenerate revokes the user's PENDING token, if any, and issues a new one
// in the same transaction.
func (s *Service) Regenerate(ctx context.Context, userID, orgID, performedBy string) (Issued, error) {
	user, err := s.porter(ctx, userID, orgID)
	if err != nil {
		return Issued{}, err
	}
	now := s.now().UTC()
	issued, audits, err := s.newToken(user, performedBy, now, ActionURLRegenerated)
	if err != nil {
		return Issued{}, err
	}
	revoked := AuditEntry{ID: ids.New(), Action: ActionRevoked, PerformedBy: performedBy, OccurredAt: now, Details: "regenerated"}
	revokedID, err := s.store.Regenerate(ctx, issued.Token, revoked, audits)
	if err != nil {
		return Issued{}, err
	}
	if revokedID != "" {
		revoked.TokenID = revokedID
		s.recorded(ctx, Token{ID: revokedID, UserID: userID, OrganizationID: orgID}, revoked)
	}
	s.recorded(ctx, issued.Token, audits...)
	s.send(ctx, user, issued, true)
	return issued, nil
}

// Consume redeems a raw token.
func (s *Service) Consume(ctx context.Context, rawToken string, act Activation) (Result, error) {
	if strings.TrimSpace(rawToken) == "" {
		return Result{}, &ConsumeError{Reason: ReasonNotFound}
	}
	return s.ConsumeHash(ctx, HashToken(rawToken), act)
}

// ConsumeHash moves a PENDING, unexpired token to CONSUMED and returns the
// organization's key material. Failures are *ConsumeError.
func (s *Service) ConsumeHash(ctx context.Context, tokenHash string, act Activation) (Result, error) {
	t, err := s.store.FindByHash(ctx, strings.ToLower(strings.TrimSpace(tokenHash)))
	if errors.Is(err, apperr.ErrNotFound) {
		return Result{}, &ConsumeError{Reason: ReasonNotFound}
	}
	if err != nil {
		return Result{}, err
	}
	now := s.now().UTC()
	if err := s.checkConsumable(ctx, t, now); err != nil {
		return Result{}, err
	}

	// Key material first so a failure here leaves the token usable.
	result, err := s.keyMaterial(ctx, t)
	if err != nil {
		return Result{}, err
	}

	entry := AuditEntry{
		ID:          ids.New(),
		TokenID:     t.ID,
		Action:      ActionConsumed,
		PerformedBy: t.UserID,
		OccurredAt:  now,
		Details:     activationDetails(act),
	}
	consumed, ok, err := s.store.Consume(ctx, t.ID, now, act, entry)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		current, err := s.store.Get(ctx, t.ID)
		if err != nil {
			return Result{}, err
		}
		if err := s.checkConsumable(ctx, current, now); err != nil {
			return Result{}, err
		}
		return Result{}, &ConsumeError{Reason: ReasonAlreadyConsumed}
	}
	s.recorded(ctx, consumed, entry)
	return result, nil
}

// checkConsumable returns a *ConsumeError unless t is PENDING and unexpired.
// A PENDING token past expiry is moved to EXPIRED on the way.
func (s *Service) checkConsumable(ctx context.Context, t Token, now time.Time) error {
	if t.Status != StatusPending {
		return &ConsumeError{Reason: reasonFor(t.Status)}
	}
	if now.Before(t.ExpiresAt) {
		return nil
	}
	entry := AuditEntry{ID: ids.New(), TokenID: t.ID, Action: ActionExpired, PerformedBy: systemActor, OccurredAt: now}
	ok, err := s.store.Transition(ctx, t.ID, StatusPending, StatusExpired, entry)
	if err != nil {
		return err
	}
	if ok {
		s.recorded(ctx, t, entry)
	}
	return &ConsumeError{Reason: ReasonExpired}
}

func (s *Service) keyMaterial(ctx context.Context, t Token) (Result, error) {
	active, err := s.keys.ActiveKey(ctx, t.OrganizationID)
	if err != nil {
		return Result{}, err
	}
	jwks, err := s.keys.PublicKeySet(ctx, t.OrganizationID)
	if err != nil {
		return Result{}, err
	}
	return Result{
		OrganizationID:   t.OrganizationID,
		UserID:           t.UserID,
		Kid:              active.Kid,
		PublicKeyJWK:     json.RawMessage(active.PublicKeyJWK),
		JWKS:             jwks,
		ClockSkewSeconds: int64(s.skew / time.Second),
	}, nil
}

// Revoke moves a PENDING token to REVOKED.
func (s *Service) Revoke(ctx context.Context, tokenID, by string) (Token, error) {
	t, err := s.store.Get(ctx, tokenID)
	if err != nil {
		return Token{}, err
	}
	entry := AuditEntry{ID: ids.New(), TokenID: t.ID, Action: ActionRevoked, PerformedBy: by, OccurredAt: s.now().UTC()}
	ok, err := s.store.Transition(ctx, t.ID, StatusPending, StatusRevoked, entry)
	if err != nil {
		return Token{}, err
	}
	if !ok {
		return Token{}, fmt.Errorf("%w: enrollment token is %s", apperr.ErrInvalidState, t.Status)
	}
	s.recorded(ctx, t, entry)
	t.Status = StatusRevoked
	return t, nil
}

// Get returns a token of orgID.
func (s *Service) Get(ctx context.Context, orgID, tokenID string) (Token, error) {
	t, err := s.store.Get(ctx, strings.TrimSpace(tokenID))
	if err != nil {
		return Token{}, err
	}
	if t.OrganizationID != orgID {
		return Token{}, fmt.Errorf("%w: enrollment token", apperr.ErrNotFound)
	}
	return t, nil
}

// ExpireStale sweeps PENDING tokens past expiry and returns their ids.
func (s *Service) ExpireStale(ctx context.Context) ([]string, error) {
	expired, err := s.store.ExpireStale(ctx, s.now().UTC(), systemActor)
	if err != nil {
		return nil, err
	}
	for range expired {
		obs.ObserveEnrollment(string(ActionExpired))
	}
	if len(expired) > 0 {
		s.logger.InfoContext(ctx, "expired stale enrollment tokens", slog.Int("count", len(expired)))
	}
	return expired, nil
}

// AuditTrail lists the audit rows of a token in insertion order.
func (s *Service) AuditTrail(ctx context.Context, tokenID string) ([]AuditEntry, error) {
	return s.store.AuditTrail(ctx, tokenID)
}

func (s *Service) porter(ctx context.Context, userID, orgID string) (directory.User, error) {
	userID, orgID = strings.TrimSpace(userID), strings.TrimSpace(orgID)
	if userID == "" || orgID == "" {
		return directory.User{}, fmt.Errorf("%w: userId and organizationId are required", apperr.ErrInvalidInput)
	}
	user, err := s.dir.User(ctx, userID)
	if err != nil {
		return directory.User{}, err
	}
	if user.OrganizationID != orgID {
		return directory.User{}, fmt.Errorf("%w: user %s", apperr.ErrNotFound, userID)
	}
	return user, nil
}

func (s *Service) newToken(user directory.User, createdBy string, now time.Time, urlAction Action) (Issued, []AuditEntry, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return Issued{}, nil, fmt.Errorf("enrollment: token entropy: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)
	t := Token{
		ID:             ids.New(),
		UserID:         user.ID,
		OrganizationID: user.OrganizationID,
		TokenHash:      HashToken(raw),
		Status:         StatusPending,
		ExpiresAt:      now.Add(s.ttl),
		CreatedBy:      createdBy,
		CreatedAt:      now,
	}
	link, err := s.enrollURL(raw)
	if err != nil {
		return Issued{}, nil, err
	}
	audits := []AuditEntry{
		{ID: ids.New(), TokenID: t.ID, Action: ActionCreated, PerformedBy: createdBy, OccurredAt: now},
		{ID: ids.New(), TokenID: t.ID, Action: urlAction, PerformedBy: createdBy, OccurredAt: now},
	}
	return Issued{Token: t, RawToken: raw, URL: link}, audits, nil
}

func (s *Service) enrollURL(raw string) (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("enrollment: base url: %w", err)
	}
	q := u.Query()
	q.Set("token", raw)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// expirePending clears a PENDING token of userID that outlived its expiry.
func (s *Service) expirePending(ctx context.Context, userID string, now time.Time) bool {
	t, err := s.store.FindPending(ctx, userID)
	if err != nil || now.Before(t.ExpiresAt) {
		return false
	}
	entry := AuditEntry{ID: ids.New(), TokenID: t.ID, Action: ActionExpired, PerformedBy: systemActor, OccurredAt: now}
	ok, err := s.store.Transition(ctx, t.ID, StatusPending, StatusExpired, entry)
	if err != nil || !ok {
		return false
	}
	s.recorded(ctx, t, entry)
	return true
}

func (s *Service) send(ctx context.Context, user directory.User, issued Issued, regenerated bool) {
	if s.mailer == nil || user.Email == "" {
		return
	}
	err := s.mailer.SendEnrollment(ctx, notify.EnrollmentMessage{
		UserID:         user.ID,
		OrganizationID: user.OrganizationID,
		Email:          user.Email,
		URL:            issued.URL,
		Regenerated:    regenerated,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "enrollment mail failed", slog.String("user_id", user.ID), slog.String("error", err.Error()))
	}
}

// recorded mirrors audit rows into metrics and the structured audit log.
func (s *Service) recorded(ctx context.Context, t Token, entries ...AuditEntry) {
	for _, e := range entries {
		obs.ObserveEnrollment(string(e.Action))
		_ = audit.LogEvent(ctx, "enrollment."+strings.ToLower(string(e.Action)), map[string]any{
			"token_id":        e.TokenID,
			"porter_user_id":  t.UserID,
			"organization_id": t.OrganizationID,
			"performed_by":    e.PerformedBy,
		})
	}
}

func activationDetails(act Activation) string {
	var parts []string
	if act.IP != "" {
		parts = append(parts, "ip="+act.IP)
	}
	if act.UserAgent != "" {
		parts = append(parts, "user_agent="+act.UserAgent)
	}
	return strings.Join(parts, " ")
}
