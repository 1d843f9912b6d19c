package keys

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"vecino.app/internal/apperr"
	"vecino.app/internal/audit"
	"vecino.app/internal/ids"
	"vecino.app/internal/obs"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 10 * time.Minute
)

// Manager owns the organization key lifecycle on top of a Store.
type Manager struct {
	store  Store
	crypto *Crypto
	pool   *Pool
	cache  *expirable.LRU[string, ed25519.PrivateKey]
	now    func() time.Time
	logger *slog.Logger

	cacheSize int
	cacheTTL  time.Duration
}

// ManagerOption configures Manager behavior.
type ManagerOption func(*Manager) error

// WithPool sets the crypto pool used for key generation, decryption and signing.
func WithPool(p *Pool) ManagerOption {
	return func(m *Manager) error {
		if p == nil {
			return errors.New("keys: nil pool")
		}
		m.pool = p
		return nil
	}
}

// WithKeyCache sizes the decrypted private key cache. size 0 keeps the default.
func WithKeyCache(size int, ttl time.Duration) ManagerOption {
	return func(m *Manager) error {
		if size < 0 || ttl < 0 {
			return fmt.Errorf("%w: key cache size and ttl must not be negative", apperr.ErrInvalidInput)
		}
		if size > 0 {
			m.cacheSize = size
		}
		if ttl > 0 {
			m.cacheTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) error {
		if l != nil {
			m.logger = l
		}
		return nil
	}
}

// NewManager constructs a Manager.
func NewManager(store Store, crypto *Crypto, opts ...ManagerOption) (*Manager, error) {
	if store == nil || crypto == nil {
		return nil, errors.New("keys: store and crypto are required")
	}
	m := &Manager{
		store:     store,
		crypto:    crypto,
		now:       time.Now,
		cacheSize: defaultCacheSize,
		cacheTTL:  defaultCacheTTL,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.pool == nil {
		m.pool = NewPool(4)
	}
	if m.logger == nil {
		m.logger = obs.Logger()
	}
	m.logger = m.logger.With(slog.String("component", "org_keys"))
	m.cache = expirable.NewLRU[string, ed25519.PrivateKey](m.cacheSize, nil, m.cacheTTL)
	return m, nil
}

// Pool exposes the crypto pool shared with signing callers.
func (m *Manager) Pool() *Pool { return m.pool }

// ActiveKey returns the organization's active key, creating one on first use.
// Concurrent first calls converge on a single key: the loser of the insert
// race re-reads the winner.
func (m *Manager) ActiveKey(ctx context.Context, organizationID string) (OrganizationKey, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return OrganizationKey{}, fmt.Errorf("%w: organization id is required", apperr.ErrInvalidInput)
	}
	key, err := m.store.FindActiveByOrganizationID(ctx, organizationID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return OrganizationKey{}, err
	}

	fresh, err := m.newKey(ctx, organizationID)
	if err != nil {
		return OrganizationKey{}, err
	}
	if err := m.store.Save(ctx, fresh); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return m.store.FindActiveByOrganizationID(ctx, organizationID)
		}
		return OrganizationKey{}, err
	}
	obs.ObserveOrgKey("created")
	m.logger.InfoContext(ctx, "organization key created",
		slog.String("organization_id", organizationID),
		slog.String("kid", fresh.Kid),
	)
	return fresh, nil
}

// Rotate retires the active key and activates a fresh one atomically.
func (m *Manager) Rotate(ctx context.Context, organizationID string) (OrganizationKey, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return OrganizationKey{}, fmt.Errorf("%w: organization id is required", apperr.ErrInvalidInput)
	}
	next, err := m.newKey(ctx, organizationID)
	if err != nil {
		return OrganizationKey{}, err
	}
	retired, err := m.store.Rotate(ctx, organizationID, next)
	if err != nil {
		return OrganizationKey{}, err
	}
	if retired != "" {
		m.cache.Remove(retired)
	}
	obs.ObserveOrgKey("rotated")
	_ = audit.LogEvent(ctx, "org_key.rotated", map[string]any{
		"organization_id": organizationID,
		"kid":             next.Kid,
		"retired_kid":     retired,
	})
	return next, nil
}

// FindByKeyID resolves any key, active or retired.
func (m *Manager) FindByKeyID(ctx context.Context, kid string) (OrganizationKey, error) {
	return m.store.FindByKeyID(ctx, strings.TrimSpace(kid))
}

// Keys lists all keys of the organization, active first.
func (m *Manager) Keys(ctx context.Context, organizationID string) ([]OrganizationKey, error) {
	return m.store.ListByOrganizationID(ctx, organizationID)
}

// PublicKeySet renders all organization keys as a JWKS document.
func (m *Manager) PublicKeySet(ctx context.Context, organizationID string) (json.RawMessage, error) {
	list, err := m.store.ListByOrganizationID(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return BuildJWKS(ctx, list)
}

// BuildJWKS renders keys as a JWKS document with kid, alg=EdDSA and use=sig.
func BuildJWKS(ctx context.Context, list []OrganizationKey) (json.RawMessage, error) {
	storage := jwkset.NewMemoryStorage()
	for _, k := range list {
		pub, err := ParsePublicKeyJWK(k.PublicKeyJWK)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k.Kid, err)
		}
		jwk, err := jwkset.NewJWKFromKey(pub, jwkset.JWKOptions{
			Metadata: jwkset.JWKMetadataOptions{
				KID: k.Kid,
				ALG: jwkset.AlgEdDSA,
				USE: jwkset.UseSig,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k.Kid, err)
		}
		if err := storage.KeyWrite(ctx, jwk); err != nil {
			return nil, err
		}
	}
	return storage.JSONPublic(ctx)
}

// Sign resolves the organization's active key and runs sign on the crypto
// pool with the decrypted private key. Decrypted keys are cached by kid.
func (m *Manager) Sign(ctx context.Context, organizationID string, sign func(key OrganizationKey, priv ed25519.PrivateKey) (string, error)) (string, error) {
	key, err := m.ActiveKey(ctx, organizationID)
	if err != nil {
		return "", err
	}
	var out string
	err = m.pool.Do(ctx, func() error {
		priv, err := m.privateKey(key)
		if err != nil {
			return err
		}
		out, err = sign(key, priv)
		return err
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

func (m *Manager) privateKey(key OrganizationKey) (ed25519.PrivateKey, error) {
	if priv, ok := m.cache.Get(key.Kid); ok {
		return priv, nil
	}
	priv, err := m.crypto.DecryptPrivateKey(key.EncryptedPrivateKey)
	if err != nil {
		m.logger.Error("organization key could not be unsealed", slog.String("kid", key.Kid))
		return nil, err
	}
	m.cache.Add(key.Kid, priv)
	return priv, nil
}

func (m *Manager) newKey(ctx context.Context, organizationID string) (OrganizationKey, error) {
	var key OrganizationKey
	err := m.pool.Do(ctx, func() error {
		pub, priv, err := m.crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		jwk, err := m.crypto.ExportPublicKeyJWK(pub)
		if err != nil {
			return err
		}
		sealed, err := m.crypto.EncryptPrivateKey(priv)
		if err != nil {
			return err
		}
		key = OrganizationKey{
			ID:                  ids.New(),
			OrganizationID:      organizationID,
			Algorithm:           AlgorithmEd25519,
			Kid:                 ids.KeyID(organizationID),
			PublicKeyJWK:        jwk,
			EncryptedPrivateKey: sealed,
			IsActive:            true,
			CreatedAt:           m.now().UTC().Truncate(time.Microsecond),
		}
		return nil
	})
	return key, err
}
