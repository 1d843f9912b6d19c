package verify

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"vecino.app/internal/credential"
	"vecino.app/internal/keys"
	"vecino.app/internal/obs"
)

const skew = 5 * time.Minute

var (
	validFrom = time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC)
	validTo   = time.Date(2026, 2, 22, 18, 0, 0, 0, time.UTC)
)

type fixture struct {
	manager *keys.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := keys.NewCrypto("verify-test-master-secret-0123456789")
	if err != nil {
		t.Fatalf("NewCrypto: %v", err)
	}
	m, err := keys.NewManager(keys.NewInMemory(), c)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &fixture{manager: m}
}

func (f *fixture) issue(t *testing.T, authID string) string {
	t.Helper()
	signed, err := f.manager.Sign(context.Background(), "org-1", func(k keys.OrganizationKey, priv ed25519.PrivateKey) (string, error) {
		return credential.Encode(credential.Payload{
			AuthID:      authID,
			OrgID:       "org-1",
			UnitCode:    "T1-302",
			PersonName:  "Juan Pérez",
			PersonDoc:   "1234567890",
			ServiceType: "VISIT",
			ValidFrom:   validFrom.Unix(),
			ValidTo:     validTo.Unix(),
			IssuedAt:    validFrom.Add(-24 * time.Hour).Unix(),
			Kid:         k.Kid,
		}, priv)
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return signed
}

func (f *fixture) verifier(t *testing.T, opts ...Option) *Verifier {
	t.Helper()
	jwks, err := f.manager.PublicKeySet(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("PublicKeySet: %v", err)
	}
	ks, err := NewKeySet(jwks)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	opts = append([]Option{WithLogger(obs.NewLogger(io.Discard, "error", "json"))}, opts...)
	v, err := NewVerifier(ks, opts...)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestVerifyWindow(t *testing.T) {
	f := newFixture(t)
	signed := f.issue(t, "auth-1")
	v := f.verifier(t)
	ctx := context.Background()

	cases := []struct {
		name string
		at   time.Time
		want Outcome
	}{
		{"inside window", time.Date(2026, 2, 21, 10, 0, 0, 0, time.UTC), OutcomeValid},
		{"after window", time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC), OutcomeExpired},
		{"within skew after validTo", validTo.Add(skew), OutcomeValid},
		{"just past skew", validTo.Add(skew + time.Second), OutcomeExpired},
		{"within skew before validFrom", validFrom.Add(-skew), OutcomeValid},
		{"before window", validFrom.Add(-skew - time.Second), OutcomeNotYetValid},
	}
	for _, tc := range cases {
		res := v.Verify(ctx, signed, tc.at, skew)
		if res.Outcome != tc.want {
			t.Fatalf("%s: outcome=%s, want %s", tc.name, res.Outcome, tc.want)
		}
	}

	res := v.Verify(ctx, signed, time.Date(2026, 2, 21, 10, 0, 0, 0, time.UTC), skew)
	if res.Payload == nil || res.Payload.PersonName != "Juan Pérez" || res.Payload.UnitCode != "T1-302" {
		t.Fatalf("payload not decoded: %+v", res.Payload)
	}
}

func TestVerifyInvalidInputs(t *testing.T) {
	f := newFixture(t)
	signed := f.issue(t, "auth-1")
	v := f.verifier(t)
	at := validFrom.Add(time.Hour)

	for _, input := range []string{"", "garbage", signed + "x", signed[:len(signed)-2]} {
		if res := v.Verify(context.Background(), input, at, skew); res.Outcome != OutcomeInvalid || res.Payload != nil {
			t.Fatalf("input %q: outcome=%s", input, res.Outcome)
		}
	}
}

func TestVerifyRetiredKidStillVerifies(t *testing.T) {
	f := newFixture(t)
	signed := f.issue(t, "auth-1")
	if _, err := f.manager.Rotate(context.Background(), "org-1"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	v := f.verifier(t)
	if res := v.Verify(context.Background(), signed, validFrom.Add(time.Hour), skew); res.Outcome != OutcomeValid {
		t.Fatalf("credential under retired key: outcome=%s", res.Outcome)
	}
}

func TestVerifyUnknownKid(t *testing.T) {
	issuer := newFixture(t)
	signed := issuer.issue(t, "auth-1")
	other := newFixture(t)
	other.issue(t, "auth-2")
	if res := other.verifier(t).Verify(context.Background(), signed, validFrom.Add(time.Hour), skew); res.Outcome != OutcomeInvalid {
		t.Fatalf("foreign kid: outcome=%s", res.Outcome)
	}
}

func TestVerifyLocalRevocations(t *testing.T) {
	f := newFixture(t)
	signed := f.issue(t, "auth-1")
	local := NewLocalRevocations(16, time.Hour)
	v := f.verifier(t, WithRevocations(local))
	at := validFrom.Add(time.Hour)

	if res := v.Verify(context.Background(), signed, at, skew); res.Outcome != OutcomeValid {
		t.Fatalf("before revocation: %s", res.Outcome)
	}
	local.Add("auth-1", validTo)
	if res := v.Verify(context.Background(), signed, at, skew); res.Outcome != OutcomeRevoked {
		t.Fatalf("after revocation: %s", res.Outcome)
	}
	if res := v.Verify(context.Background(), signed, validTo.Add(time.Hour), skew); res.Outcome != OutcomeExpired {
		t.Fatalf("expired takes precedence over revoked: %s", res.Outcome)
	}
}

type failingChecker struct{}

func (failingChecker) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("offline")
}

func TestVerifyRevocationCheckIsBestEffort(t *testing.T) {
	f := newFixture(t)
	signed := f.issue(t, "auth-1")
	v := f.verifier(t, WithRevocations(failingChecker{}))
	if res := v.Verify(context.Background(), signed, validFrom.Add(time.Hour), skew); res.Outcome != OutcomeValid {
		t.Fatalf("checker failure must not deny: %s", res.Outcome)
	}
}

func TestRedisRevocations(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	revs := NewRedisRevocations(client, "test:revoked:", skew)
	now := time.Date(2026, 2, 21, 10, 0, 0, 0, time.UTC)
	revs.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, err := revs.IsRevoked(ctx, "auth-1"); err != nil || ok {
		t.Fatalf("IsRevoked before publish: %v %v", ok, err)
	}
	if err := revs.PublishRevocation(ctx, "auth-1", validTo); err != nil {
		t.Fatalf("PublishRevocation: %v", err)
	}
	if ok, err := revs.IsRevoked(ctx, "auth-1"); err != nil || !ok {
		t.Fatalf("IsRevoked after publish: %v %v", ok, err)
	}
	if ttl := mr.TTL("test:revoked:auth-1"); ttl != validTo.Add(skew).Sub(now) {
		t.Fatalf("ttl=%s", ttl)
	}

	f := newFixture(t)
	signed := f.issue(t, "auth-1")
	v := f.verifier(t, WithRevocations(revs))
	if res := v.Verify(ctx, signed, now, skew); res.Outcome != OutcomeRevoked {
		t.Fatalf("outcome=%s", res.Outcome)
	}

	mr.FastForward(validTo.Add(skew).Sub(now) + time.Second)
	if ok, _ := revs.IsRevoked(ctx, "auth-1"); ok {
		t.Fatal("revocation should expire with the credential")
	}
}

func TestNewKeySetRejectsGarbage(t *testing.T) {
	if _, err := NewKeySet(nil); err == nil {
		t.Fatal("expected error for empty key set")
	}
	if _, err := NewKeySet(json.RawMessage(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
