// Package authorization issues, revokes and lists signed visitor
// authorizations.
package authorization

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"vecino.app/internal/apperr"
)

// Status of a visitor authorization. EXPIRED is derived on read.
type Status int

const (
	StatusActive Status = iota + 1
	StatusRevoked
	StatusExpired
)

var statusNames = map[Status]string{
	StatusActive:  "ACTIVE",
	StatusRevoked: "REVOKED",
	StatusExpired: "EXPIRED",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus maps a stored or requested name back to a Status.
func ParseStatus(v string) (Status, error) {
	for s, n := range statusNames {
		if n == strings.ToUpper(strings.TrimSpace(v)) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: authorization status %q", apperr.ErrCorruptValue, v)
}

func (s Status) Value() (driver.Value, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("%w: authorization status %d", apperr.ErrCorruptValue, int(s))
	}
	return s.String(), nil
}

func (s *Status) Scan(src any) error {
	v, err := scanText(src, "authorization status")
	if err != nil {
		return err
	}
	parsed, err := ParseStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ServiceType classifies why the visitor comes in.
type ServiceType int

const (
	ServiceVisit ServiceType = iota + 1
	ServiceDelivery
	ServiceMaintenance
	ServiceDomestic
	ServiceTransport
	ServiceOther
)

var serviceTypeNames = map[ServiceType]string{
	ServiceVisit:       "VISIT",
	ServiceDelivery:    "DELIVERY",
	ServiceMaintenance: "MAINTENANCE",
	ServiceDomestic:    "DOMESTIC_SERVICE",
	ServiceTransport:   "TRANSPORT",
	ServiceOther:       "OTHER",
}

func (t ServiceType) String() string {
	if n, ok := serviceTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("ServiceType(%d)", int(t))
}

// ParseServiceType fails with apperr.ErrCorruptValue on unknown names.
func ParseServiceType(v string) (ServiceType, error) {
	for t, n := range serviceTypeNames {
		if n == strings.ToUpper(strings.TrimSpace(v)) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: service type %q", apperr.ErrCorruptValue, v)
}

func (t ServiceType) Value() (driver.Value, error) {
	if _, ok := serviceTypeNames[t]; !ok {
		return nil, fmt.Errorf("%w: service type %d", apperr.ErrCorruptValue, int(t))
	}
	return t.String(), nil
}

func (t *ServiceType) Scan(src any) error {
	v, err := scanText(src, "service type")
	if err != nil {
		return err
	}
	parsed, err := ParseServiceType(v)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t ServiceType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

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

// Vehicle details are all optional.
type Vehicle struct {
	Plate string `json:"plate,omitempty"`
	Brand string `json:"brand,omitempty"`
	Color string `json:"color,omitempty"`
}

// VisitorAuthorization is a signed entry credential for one person.
type VisitorAuthorization struct {
	ID                  string      `json:"id"`
	OrganizationID      string      `json:"organizationId"`
	UnitID              string      `json:"unitId"`
	CreatedByUserID     string      `json:"createdByUserId"`
	PersonName          string      `json:"personName"`
	PersonDocument      string      `json:"personDocument"`
	ServiceType         ServiceType `json:"serviceType"`
	ValidFrom           time.Time   `json:"validFrom"`
	ValidTo             time.Time   `json:"validTo"`
	Vehicle             Vehicle     `json:"vehicle"`
	IdentityDocumentKey string      `json:"identityDocumentKey,omitempty"`
	SignedQR            string      `json:"signedQr"`
	Kid                 string      `json:"kid"`
	Status              Status      `json:"status"`
	RevokedAt           *time.Time  `json:"revokedAt,omitempty"`
	RevokedBy           string      `json:"revokedBy,omitempty"`
	CreatedAt           time.Time   `json:"createdAt"`
}

// withDerivedStatus reports EXPIRED for an ACTIVE authorization past validTo.
func (a VisitorAuthorization) withDerivedStatus(now time.Time) VisitorAuthorization {
	if a.Status == StatusActive && now.After(a.ValidTo) {
		a.Status = StatusExpired
	}
	return a
}

// Revocation is one entry of the revocation feed served to porter devices.
type Revocation struct {
	AuthorizationID string    `json:"authId"`
	RevokedAt       time.Time `json:"revokedAt"`
	ValidTo         time.Time `json:"validTo"`
}

// Scope selects which authorizations a List call may return.
type Scope struct {
	OrganizationID string
	UnitID         string
	CreatedBy      string
	Status         Status
	Limit          int
	Offset         int
	// Now anchors the derived EXPIRED status; set by the service.
	Now time.Time
}
