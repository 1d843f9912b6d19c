// Package enrollment bootstraps porter devices with single-use, expiring
// tokens that hand back the organization's public key material.
package enrollment

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"vecino.app/internal/apperr"
)

// Status of an enrollment token.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusConsumed Status = "CONSUMED"
	StatusExpired  Status = "EXPIRED"
	StatusRevoked  Status = "REVOKED"
)

// ParseStatus rejects anything outside the four known states.
func ParseStatus(v string) (Status, error) {
	switch s := Status(v); s {
	case StatusPending, StatusConsumed, StatusExpired, StatusRevoked:
		return s, nil
	}
	return "", fmt.Errorf("%w: enrollment status %q", apperr.ErrCorruptValue, v)
}

func (s Status) Value() (driver.Value, error) {
	if _, err := ParseStatus(string(s)); err != nil {
		return nil, err
	}
	return string(s), nil
}

func (s *Status) Scan(src any) error {
	v, err := text(src, "enrollment status")
	if err != nil {
		return err
	}
	*s, err = ParseStatus(v)
	return err
}

// Action recorded in the enrollment audit log.
type Action string

const (
	ActionCreated        Action = "CREATED"
	ActionURLGenerated   Action = "URL_GENERATED"
	ActionURLRegenerated Action = "URL_REGENERATED"
	ActionConsumed       Action = "CONSUMED"
	ActionExpired        Action = "EXPIRED"
	ActionRevoked        Action = "REVOKED"
)

func ParseAction(v string) (Action, error) {
	switch a := Action(v); a {
	case ActionCreated, ActionURLGenerated, ActionURLRegenerated, ActionConsumed, ActionExpired, ActionRevoked:
		return a, nil
	}
	return "", fmt.Errorf("%w: enrollment action %q", apperr.ErrCorruptValue, v)
}

func (a Action) Value() (driver.Value, error) {
	if _, err := ParseAction(string(a)); err != nil {
		return nil, err
	}
	return string(a), nil
}

func (a *Action) Scan(src any) error {
	v, err := text(src, "enrollment action")
	if err != nil {
		return err
	}
	*a, err = ParseAction(v)
	return err
}

func text(src any, what string) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return "", fmt.Errorf("%w: %s from %T", apperr.ErrCorruptValue, what, src)
}

// Token is a stored enrollment token. Only the SHA-256 of the raw value is kept.
type Token struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"userId"`
	OrganizationID      string     `json:"organizationId"`
	TokenHash           string     `json:"-"`
	Status              Status     `json:"status"`
	ExpiresAt           time.Time  `json:"expiresAt"`
	ConsumedAt          *time.Time `json:"consumedAt,omitempty"`
	CreatedBy           string     `json:"createdBy"`
	ActivationIP        string     `json:"activationIp,omitempty"`
	ActivationUserAgent string     `json:"activationUserAgent,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
}

// AuditEntry is one append-only enrollment audit row.
type AuditEntry struct {
	ID          string    `json:"id"`
	TokenID     string    `json:"tokenId"`
	Action      Action    `json:"action"`
	PerformedBy string    `json:"performedBy"`
	OccurredAt  time.Time `json:"occurredAt"`
	Details     string    `json:"details,omitempty"`
}

// Activation is the device metadata captured on consumption.
type Activation struct {
	IP        string
	UserAgent string
}

// Issued is returned by Issue and Regenerate. RawToken and URL are never
// persisted.
type Issued struct {
	Token    Token  `json:"token"`
	RawToken string `json:"rawToken"`
	URL      string `json:"url"`
}

// Result equips a freshly enrolled device for offline verification.
type Result struct {
	OrganizationID   string          `json:"organizationId"`
	UserID           string          `json:"userId"`
	Kid              string          `json:"kid"`
	PublicKeyJWK     json.RawMessage `json:"publicKeyJwk"`
	JWKS             json.RawMessage `json:"jwks"`
	ClockSkewSeconds int64           `json:"clockSkewSeconds"`
}

// ClockSkew returns the tolerance as a duration.
func (r Result) ClockSkew() time.Duration {
	return time.Duration(r.ClockSkewSeconds) * time.Second
}

// Reason tells a failed consumption apart for the device UI.
type Reason string

const (
	ReasonNotFound        Reason = "NOT_FOUND"
	ReasonExpired         Reason = "EXPIRED"
	ReasonAlreadyConsumed Reason = "ALREADY_CONSUMED"
	ReasonRevoked         Reason = "REVOKED"
)

// ConsumeError wraps apperr.ErrNotFound for unknown tokens and
// apperr.ErrInvalidState otherwise.
type ConsumeError struct {
	Reason Reason
}

func (e *ConsumeError) Error() string {
	return "enrollment: token " + string(e.Reason)
}

func (e *ConsumeError) Unwrap() error {
	if e.Reason == ReasonNotFound {
		return apperr.ErrNotFound
	}
	return apperr.ErrInvalidState
}

func reasonFor(s Status) Reason {
	switch s {
	case StatusConsumed:
		return ReasonAlreadyConsumed
	case StatusRevoked:
		return ReasonRevoked
	default:
		return ReasonExpired
	}
}
