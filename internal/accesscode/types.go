// Package accesscode implements hashed gate codes for pre-approved visits,
// their entry-counting state machine and the append-only scan log.
package accesscode

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"vecino.app/internal/apperr"
)

// CodeType selects how the raw code is generated and presented.
type CodeType int

const (
	TypeQR CodeType = iota + 1
	TypeNumeric
	TypeAlphanumeric
)

// Status of an access code.
type Status int

const (
	StatusActive Status = iota + 1
	StatusUsed
	StatusExpired
	StatusRevoked
)

// Result is the outcome of one scan attempt.
type Result int

const (
	ResultValid Result = iota + 1
	ResultInvalid
	ResultExpired
	ResultAlreadyUsed
	ResultRevoked
	ResultNotYetValid
)

var (
	codeTypeNames = map[CodeType]string{
		TypeQR:           "QR",
		TypeNumeric:      "NUMERIC",
		TypeAlphanumeric: "ALPHANUMERIC",
	}
	statusNames = map[Status]string{
		StatusActive:  "ACTIVE",
		StatusUsed:    "USED",
		StatusExpired: "EXPIRED",
		StatusRevoked: "REVOKED",
	}
	resultNames = map[Result]string{
		ResultValid:       "VALID",
		ResultInvalid:     "INVALID",
		ResultExpired:     "EXPIRED",
		ResultAlreadyUsed: "ALREADY_USED",
		ResultRevoked:     "REVOKED",
		ResultNotYetValid: "NOT_YET_VALID",
	}
)

func lookup[T comparable](names map[T]string, v, what string) (T, error) {
	want := strings.ToUpper(strings.TrimSpace(v))
	for k, n := range names {
		if n == want {
			return k, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: %s %q", apperr.ErrCorruptValue, what, v)
}

func name[T ~int](names map[T]string, v T, kind string) string {
	if n, ok := names[v]; ok {
		return n
	}
	return fmt.Sprintf("%s(%d)", kind, int(v))
}

func value[T ~int](names map[T]string, v T, what string) (driver.Value, error) {
	n, ok := names[v]
	if !ok {
		return nil, fmt.Errorf("%w: %s %d", apperr.ErrCorruptValue, what, int(v))
	}
	return n, nil
}

func scanText(src any, what string) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("%w: %s from %T", apperr.ErrCorruptValue, what, src)
	}
}

func (t CodeType) String() string { return name(codeTypeNames, t, "CodeType") }

// ParseCodeType fails with apperr.ErrCorruptValue on unknown names.
func ParseCodeType(v string) (CodeType, error) { return lookup(codeTypeNames, v, "access code type") }

func (t CodeType) Value() (driver.Value, error) { return value(codeTypeNames, t, "access code type") }

func (t *CodeType) Scan(src any) error {
	v, err := scanText(src, "access code type")
	if err != nil {
		return err
	}
	*t, err = ParseCodeType(v)
	return err
}

func (t CodeType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (s Status) String() string { return name(statusNames, s, "Status") }

// ParseStatus fails with apperr.ErrCorruptValue on unknown names.
func ParseStatus(v string) (Status, error) { return lookup(statusNames, v, "access code status") }

func (s Status) Value() (driver.Value, error) { return value(statusNames, s, "access code status") }

func (s *Status) Scan(src any) error {
	v, err := scanText(src, "access code status")
	if err != nil {
		return err
	}
	*s, err = ParseStatus(v)
	return err
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (r Result) String() string { return name(resultNames, r, "Result") }

// ParseResult fails with apperr.ErrCorruptValue on unknown names.
func ParseResult(v string) (Result, error) { return lookup(resultNames, v, "scan result") }

func (r Result) Value() (driver.Value, error) { return value(resultNames, r, "scan result") }

func (r *Result) Scan(src any) error {
	v, err := scanText(src, "scan result")
	if err != nil {
		return err
	}
	*r, err = ParseResult(v)
	return err
}

func (r Result) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// AccessCode never carries the raw code, only its keyed hash.
type AccessCode struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	VisitRequestID string     `json:"visitRequestId"`
	CodeHash       string     `json:"-"`
	CodeType       CodeType   `json:"codeType"`
	Status         Status     `json:"status"`
	EntriesUsed    int        `json:"entriesUsed"`
	MaxEntries     int        `json:"maxEntries"`
	ValidFrom      time.Time  `json:"validFrom"`
	ValidUntil     time.Time  `json:"validUntil"`
	CreatedAt      time.Time  `json:"createdAt"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
}

// ScanLog is one immutable scan attempt. AccessCodeID is empty when the
// presented code matched nothing.
type ScanLog struct {
	ID             string    `json:"id"`
	AccessCodeID   string    `json:"accessCodeId,omitempty"`
	OrganizationID string    `json:"organizationId"`
	ScannedBy      string    `json:"scannedBy"`
	Result         Result    `json:"scanResult"`
	ScanLocation   string    `json:"scanLocation,omitempty"`
	DeviceInfo     string    `json:"deviceInfo,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	ScannedAt      time.Time `json:"scannedAt"`
}

// ScanEvent is what the live scan stream sees of a scan attempt.
type ScanEvent struct {
	LogID          string    `json:"logId"`
	OrganizationID string    `json:"organizationId"`
	AccessCodeID   string    `json:"accessCodeId,omitempty"`
	VisitRequestID string    `json:"visitRequestId,omitempty"`
	Result         Result    `json:"result"`
	ScannedBy      string    `json:"scannedBy"`
	ScanLocation   string    `json:"scanLocation,omitempty"`
	ScannedAt      time.Time `json:"scannedAt"`
}
