package authorization

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vecino.app/internal/apperr"
	"vecino.app/internal/audit"
	"vecino.app/internal/auth"
	"vecino.app/internal/credential"
	"vecino.app/internal/directory"
	"vecino.app/internal/ids"
	"vecino.app/internal/keys"
	"vecino.app/internal/obs"
	"vecino.app/internal/qrimage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	defaultClockSkew = 2 * time.Minute
)

// RevocationPublisher pushes revocations to the shared revocation cache.
type RevocationPublisher interface {
	PublishRevocation(ctx context.Context, authorizationID string, validTo time.Time) error
}

// Service issues and manages visitor authorizations.
type Service struct {
	store       Store
	keys        *keys.Manager
	dir         directory.Directory
	renderer    *qrimage.Renderer
	revocations RevocationPublisher
	skew        time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithRevocationPublisher enables pushing revocations to porter-facing caches.
func WithRevocationPublisher(p RevocationPublisher) ServiceOption {
	return func(s *Service) error {
		s.revocations = p
		return nil
	}
}

// WithClockSkew sets the tolerance devices apply past validTo, which keeps
// revocations in the feed for that long.
func WithClockSkew(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d < 0 {
			return errors.New("authorization: negative clock skew")
		}
		s.skew = d
		return nil
	}
}

// WithRenderer overrides the QR renderer.
func WithRenderer(r *qrimage.Renderer) ServiceOption {
	return func(s *Service) error {
		if r == nil {
			return errors.New("authorization: nil renderer")
		}
		s.renderer = r
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// NewService constructs Service.
func NewService(store Store, km *keys.Manager, dir directory.Directory, opts ...ServiceOption) (*Service, error) {
	if store == nil || km == nil || dir == nil {
		return nil, errors.New("authorization: store, key manager and directory are required")
	}
	s := &Service{
		store:    store,
		keys:     km,
		dir:      dir,
		renderer: qrimage.NewRenderer(),
		skew:     defaultClockSkew,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.logger == nil {
		s.logger = obs.Logger()
	}
	s.logger = s.logger.With(slog.String("component", "authorizations"))
	return s, nil
}

// CreateRequest describes a new visitor authorization.
type CreateRequest struct {
	UnitID              string    `json:"unitId"`
	PersonName          string    `json:"personName"`
	PersonDocument      string    `json:"personDocument"`
	ServiceType         string    `json:"serviceType"`
	ValidFrom           time.Time `json:"validFrom"`
	ValidTo             time.Time `json:"validTo"`
	Vehicle             Vehicle   `json:"vehicle"`
	IdentityDocumentKey string    `json:"identityDocumentKey"`
}

// Create validates req, signs a credential under the organization's active
// key and persists the authorization as ACTIVE.
func (s *Service) Create(ctx context.Context, actor auth.Actor, req CreateRequest) (VisitorAuthorization, error) {
	req.UnitID = strings.TrimSpace(req.UnitID)
	req.PersonName = strings.TrimSpace(req.PersonName)
	req.PersonDocument = strings.TrimSpace(req.PersonDocument)
	if req.UnitID == "" {
		return VisitorAuthorization{}, fmt.Errorf("%w: unitId is required", apperr.ErrInvalidInput)
	}
	if req.PersonName == "" || req.PersonDocument == "" {
		return VisitorAuthorization{}, fmt.Errorf("%w: personName and personDocument are required", apperr.ErrInvalidInput)
	}
	// Credentials carry whole seconds; the window is checked at that precision.
	req.ValidFrom = req.ValidFrom.UTC().Truncate(time.Second)
	req.ValidTo = req.ValidTo.UTC().Truncate(time.Second)
	if req.ValidFrom.IsZero() || req.ValidTo.IsZero() || !req.ValidFrom.Before(req.ValidTo) {
		return VisitorAuthorization{}, fmt.Errorf("%w: validFrom must precede validTo", apperr.ErrInvalidInput)
	}
	serviceType, err := ParseServiceType(req.ServiceType)
	if err != nil {
		return VisitorAuthorization{}, fmt.Errorf("%w: unknown serviceType %q", apperr.ErrInvalidInput, req.ServiceType)
	}
	if !actor.HasRole(auth.RoleAdmin) && !(actor.HasRole(auth.RoleResident) && actor.UnitID == req.UnitID) {
		return VisitorAuthorization{}, fmt.Errorf("%w: cannot issue authorizations for unit %s", apperr.ErrForbidden, req.UnitID)
	}

	orgID := actor.OrganizationID
	if _, err := s.dir.Organization(ctx, orgID); err != nil {
		return VisitorAuthorization{}, err
	}
	unit, err := s.dir.Unit(ctx, orgID, req.UnitID)
	if err != nil {
		return VisitorAuthorization{}, err
	}

	now := s.now().UTC().Truncate(time.Second)
	a := VisitorAuthorization{
		ID:                  ids.New(),
		OrganizationID:      orgID,
		UnitID:              unit.ID,
		CreatedByUserID:     actor.UserID,
		PersonName:          req.PersonName,
		PersonDocument:      req.PersonDocument,
		ServiceType:         serviceType,
		ValidFrom:           req.ValidFrom,
		ValidTo:             req.ValidTo,
		Vehicle:             trimVehicle(req.Vehicle),
		IdentityDocumentKey: strings.TrimSpace(req.IdentityDocumentKey),
		Status:              StatusActive,
		CreatedAt:           now,
	}

	a.SignedQR, err = s.keys.Sign(ctx, orgID, func(key keys.OrganizationKey, priv ed25519.PrivateKey) (string, error) {
		a.Kid = key.Kid
		return credential.Encode(credential.Payload{
			AuthID:       a.ID,
			OrgID:        orgID,
			UnitCode:     unit.Code,
			PersonName:   a.PersonName,
			PersonDoc:    a.PersonDocument,
			ServiceType:  a.ServiceType.String(),
			ValidFrom:    a.ValidFrom.Unix(),
			ValidTo:      a.ValidTo.Unix(),
			VehiclePlate: a.Vehicle.Plate,
			VehicleBrand: a.Vehicle.Brand,
			VehicleColor: a.Vehicle.Color,
			IssuedAt:     now.Unix(),
			Kid:          key.Kid,
		}, priv)
	})
	if err != nil {
		if errors.Is(err, apperr.ErrCrypto) {
			s.logger.ErrorContext(ctx, "credential signing failed", slog.String("organization_id", orgID))
		}
		return VisitorAuthorization{}, err
	}
	if err := s.store.Create(ctx, a); err != nil {
		return VisitorAuthorization{}, err
	}
	_ = audit.LogEvent(ctx, "authorization.created", map[string]any{
		"authorization_id": a.ID,
		"unit_id":          a.UnitID,
		"kid":              a.Kid,
		"service_type":     a.ServiceType.String(),
	})
	return a, nil
}

// Revoke moves an ACTIVE authorization to REVOKED. Revoking anything else
// fails with apperr.ErrInvalidState.
func (s *Service) Revoke(ctx context.Context, actor auth.Actor, id string) (VisitorAuthorization, error) {
	current, err := s.Get(ctx, actor, id)
	if err != nil {
		return VisitorAuthorization{}, err
	}
	if !s.canManage(actor, current) {
		return VisitorAuthorization{}, fmt.Errorf("%w: cannot revoke authorization %s", apperr.ErrForbidden, id)
	}
	revoked, err := s.store.Revoke(ctx, current.ID, actor.UserID, s.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return VisitorAuthorization{}, err
	}
	if s.revocations != nil {
		if err := s.revocations.PublishRevocation(ctx, revoked.ID, revoked.ValidTo); err != nil {
			s.logger.WarnContext(ctx, "revocation publish failed",
				slog.String("authorization_id", revoked.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	_ = audit.LogEvent(ctx, "authorization.revoked", map[string]any{
		"authorization_id": revoked.ID,
		"revoked_by":       actor.UserID,
	})
	return revoked, nil
}

// Get returns one authorization visible to actor. Authorizations of other
// organizations or outside the actor's scope read as not found.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (VisitorAuthorization, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return VisitorAuthorization{}, fmt.Errorf("%w: id is required", apperr.ErrInvalidInput)
	}
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return VisitorAuthorization{}, err
	}
	if !s.canView(actor, a) {
		return VisitorAuthorization{}, fmt.Errorf("%w: authorization", apperr.ErrNotFound)
	}
	return a.withDerivedStatus(s.now()), nil
}

// ListRequest filters a listing.
type ListRequest struct {
	Status string
	Limit  int
	Offset int
}

// List returns authorizations in the actor's scope: organization-wide for
// admins and porters, unit-wide for residents, creator-scoped otherwise.
func (s *Service) List(ctx context.Context, actor auth.Actor, req ListRequest) ([]VisitorAuthorization, error) {
	scope := Scope{OrganizationID: actor.OrganizationID, Limit: req.Limit, Offset: req.Offset, Now: s.now().UTC()}
	switch {
	case actor.HasAnyRole(auth.RoleAdmin, auth.RolePorter):
	case actor.HasRole(auth.RoleResident) && actor.UnitID != "":
		scope.UnitID = actor.UnitID
	default:
		scope.CreatedBy = actor.UserID
	}
	if strings.TrimSpace(req.Status) != "" {
		st, err := ParseStatus(req.Status)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown status %q", apperr.ErrInvalidInput, req.Status)
		}
		scope.Status = st
	}
	if scope.Limit <= 0 {
		scope.Limit = defaultListLimit
	}
	if scope.Limit > maxListLimit {
		scope.Limit = maxListLimit
	}
	if scope.Offset < 0 {
		scope.Offset = 0
	}
	list, err := s.store.List(ctx, scope)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i] = list[i].withDerivedStatus(scope.Now)
	}
	return list, nil
}

// RenderQR renders the stored signed credential as a PNG.
func (s *Service) RenderQR(ctx context.Context, actor auth.Actor, id string, width, height int) ([]byte, error) {
	a, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return s.renderer.Render(a.SignedQR, width, height)
}

// RevokedSince feeds porter devices with revocations of credentials they
// could still accept, i.e. whose validTo plus the clock skew has not passed.
func (s *Service) RevokedSince(ctx context.Context, actor auth.Actor, since time.Time) ([]Revocation, error) {
	if !actor.HasAnyRole(auth.RoleAdmin, auth.RolePorter) {
		return nil, fmt.Errorf("%w: revocation feed", apperr.ErrForbidden)
	}
	return s.store.RevokedSince(ctx, actor.OrganizationID, since.UTC(), s.now().UTC().Add(-s.skew))
}

func (s *Service) canView(actor auth.Actor, a VisitorAuthorization) bool {
	if actor.OrganizationID == "" || a.OrganizationID != actor.OrganizationID {
		return false
	}
	switch {
	case actor.HasAnyRole(auth.RoleAdmin, auth.RolePorter):
		return true
	case actor.HasRole(auth.RoleResident) && actor.UnitID != "" && actor.UnitID == a.UnitID:
		return true
	default:
		return a.CreatedByUserID == actor.UserID
	}
}

func (s *Service) canManage(actor auth.Actor, a VisitorAuthorization) bool {
	if actor.HasRole(auth.RoleAdmin) {
		return true
	}
	if actor.HasRole(auth.RoleResident) && actor.UnitID != "" && actor.UnitID == a.UnitID {
		return true
	}
	return a.CreatedByUserID == actor.UserID
}

func trimVehicle(v Vehicle) Vehicle {
	return Vehicle{
		Plate: strings.ToUpper(strings.TrimSpace(v.Plate)),
		Brand: strings.TrimSpace(v.Brand),
		Color: strings.TrimSpace(v.Color),
	}
}
