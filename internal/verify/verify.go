// Package verify checks signed visitor credentials using only locally held
// key material, so porter devices can decide at the gate without network access.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v3"

	"vecino.app/internal/apperr"
	"vecino.app/internal/credential"
	"vecino.app/internal/obs"
)

// Outcome of a verification. Denials are values, not errors.
type Outcome int

const (
	OutcomeValid Outcome = iota + 1
	OutcomeInvalid
	OutcomeExpired
	OutcomeNotYetValid
	OutcomeRevoked
)

var outcomeNames = map[Outcome]string{
	OutcomeValid:       "VALID",
	OutcomeInvalid:     "INVALID",
	OutcomeExpired:     "EXPIRED",
	OutcomeNotYetValid: "NOT_YET_VALID",
	OutcomeRevoked:     "REVOKED",
}

func (o Outcome) String() string {
	if n, ok := outcomeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Result carries the outcome and, unless INVALID, the decoded payload.
type Result struct {
	Outcome Outcome             `json:"outcome"`
	Payload *credential.Payload `json:"payload,omitempty"`
}

// KeySet is a local, offline set of organization public keys built from a
// previously distributed JWKS document.
type KeySet struct {
	kf keyfunc.Keyfunc
}

// NewKeySet parses a JWKS document such as the one returned at enrollment.
func NewKeySet(jwks json.RawMessage) (*KeySet, error) {
	if len(jwks) == 0 {
		return nil, fmt.Errorf("%w: empty key set", apperr.ErrInvalidInput)
	}
	kf, err := keyfunc.NewJWKSetJSON(jwks)
	if err != nil {
		return nil, fmt.Errorf("%w: key set: %v", apperr.ErrInvalidInput, err)
	}
	return &KeySet{kf: kf}, nil
}

// RevocationChecker answers whether an authorization was revoked. It may be
// stale or unavailable; the verifier treats errors as "not revoked".
type RevocationChecker interface {
	IsRevoked(ctx context.Context, authorizationID string) (bool, error)
}

// NoRevocations never reports a revocation.
type NoRevocations struct{}

func (NoRevocations) IsRevoked(context.Context, string) (bool, error) { return false, nil }

// Verifier verifies credentials against one KeySet.
type Verifier struct {
	keys        *KeySet
	revocations RevocationChecker
	logger      *slog.Logger
}

// Option configures Verifier.
type Option func(*Verifier)

// WithRevocations sets the revocation checker.
func WithRevocations(c RevocationChecker) Option {
	return func(v *Verifier) {
		if c != nil {
			v.revocations = c
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

func NewVerifier(keys *KeySet, opts ...Option) (*Verifier, error) {
	if keys == nil {
		return nil, errors.New("verify: key set is required")
	}
	v := &Verifier{keys: keys, revocations: NoRevocations{}}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = obs.Logger()
	}
	v.logger = v.logger.With(slog.String("component", "verifier"))
	return v, nil
}

// Verify checks signedQR at instant now, tolerating maxClockSkew on both
// ends of the validity window.
func (v *Verifier) Verify(ctx context.Context, signedQR string, now time.Time, maxClockSkew time.Duration) Result {
	res := v.verify(ctx, signedQR, now, maxClockSkew)
	obs.ObserveVerification(res.Outcome.String())
	return res
}

func (v *Verifier) verify(ctx context.Context, signedQR string, now time.Time, skew time.Duration) Result {
	if skew < 0 {
		skew = 0
	}
	p, err := credential.Decode(signedQR, v.keys.kf.KeyfuncCtx(ctx))
	if err != nil {
		if errors.Is(err, credential.ErrSignature) {
			v.logger.WarnContext(ctx, "credential signature mismatch")
		}
		return Result{Outcome: OutcomeInvalid}
	}
	if now.After(p.ValidToTime().Add(skew)) {
		return Result{Outcome: OutcomeExpired, Payload: &p}
	}
	if now.Before(p.ValidFromTime().Add(-skew)) {
		return Result{Outcome: OutcomeNotYetValid, Payload: &p}
	}
	revoked, err := v.revocations.IsRevoked(ctx, p.AuthID)
	if err != nil {
		v.logger.WarnContext(ctx, "revocation check unavailable",
			slog.String("authorization_id", p.AuthID),
			slog.String("error", err.Error()),
		)
	}
	if revoked {
		return Result{Outcome: OutcomeRevoked, Payload: &p}
	}
	return Result{Outcome: OutcomeValid, Payload: &p}
}
