package verify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// LocalRevocations is the device-side revocation cache, filled from the
// revocation feed while the device is online.
type LocalRevocations struct {
	cache *expirable.LRU[string, time.Time]
}

// NewLocalRevocations keeps up to size entries for at most ttl.
func NewLocalRevocations(size int, ttl time.Duration) *LocalRevocations {
	if size <= 0 {
		size = 10_000
	}
	return &LocalRevocations{cache: expirable.NewLRU[string, time.Time](size, nil, ttl)}
}

// Add records a revocation. validTo is kept for inspection.
func (l *LocalRevocations) Add(authorizationID string, validTo time.Time) {
	if id := strings.TrimSpace(authorizationID); id != "" {
		l.cache.Add(id, validTo)
	}
}

func (l *LocalRevocations) IsRevoked(_ context.Context, authorizationID string) (bool, error) {
	return l.cache.Contains(authorizationID), nil
}

// Len reports cached revocations.
func (l *LocalRevocations) Len() int { return l.cache.Len() }

// RedisRevocations is the server-side revocation cache shared by all
// instances. Entries expire once the credential could no longer verify anyway.
type RedisRevocations struct {
	client redis.UniversalClient
	prefix string
	skew   time.Duration
	now    func() time.Time
}

// NewRedisRevocations stores entries as <prefix><authorizationID>.
func NewRedisRevocations(client redis.UniversalClient, prefix string, skew time.Duration) *RedisRevocations {
	if prefix == "" {
		prefix = "vecino:revoked:"
	}
	return &RedisRevocations{client: client, prefix: prefix, skew: skew, now: time.Now}
}

// PublishRevocation marks authorizationID revoked until validTo plus skew.
func (r *RedisRevocations) PublishRevocation(ctx context.Context, authorizationID string, validTo time.Time) error {
	if strings.TrimSpace(authorizationID) == "" {
		return errors.New("verify: authorization id is required")
	}
	ttl := validTo.Add(r.skew).Sub(r.now())
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return r.client.Set(ctx, r.prefix+authorizationID, validTo.UTC().Format(time.RFC3339), ttl).Err()
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, authorizationID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+authorizationID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
