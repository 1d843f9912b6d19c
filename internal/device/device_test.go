package device

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"vecino.app/internal/credential"
	"vecino.app/internal/enrollment"
	"vecino.app/internal/keys"
	"vecino.app/internal/verify"
)

type signer struct {
	kid  string
	priv ed25519.PrivateKey
	jwks json.RawMessage
}

func newSigner(t *testing.T, kid string) signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	jwk, err := keys.ExportPublicKeyJWK(pub)
	if err != nil {
		t.Fatalf("ExportPublicKeyJWK: %v", err)
	}
	set, err := keys.BuildJWKS(context.Background(), []keys.OrganizationKey{{Kid: kid, OrganizationID: "org-1", PublicKeyJWK: jwk, IsActive: true}})
	if err != nil {
		t.Fatalf("BuildJWKS: %v", err)
	}
	return signer{kid: kid, priv: priv, jwks: set}
}

func (s signer) sign(t *testing.T, authID string, from, to time.Time) string {
	t.Helper()
	signed, err := credential.Encode(credential.Payload{
		AuthID:      authID,
		OrgID:       "org-1",
		UnitCode:    "T1-302",
		PersonName:  "Juan Pérez",
		PersonDoc:   "1234567890",
		ServiceType: "VISIT",
		ValidFrom:   from.Unix(),
		ValidTo:     to.Unix(),
		IssuedAt:    from.Unix(),
		Kid:         s.kid,
	}, s.priv)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return signed
}

func TestEnrollSyncAndVerifyOffline(t *testing.T) {
	s := newSigner(t, "kid-1")
	now := time.Now().UTC().Truncate(time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/enrollment/consume", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["token"] != "raw-token" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"reason": enrollment.ReasonNotFound})
			return
		}
		_ = json.NewEncoder(w).Encode(enrollment.Result{
			OrganizationID:   "org-1",
			UserID:           "porter-1",
			Kid:              s.kid,
			JWKS:             s.jwks,
			ClockSkewSeconds: 120,
		})
	})
	mux.HandleFunc("/v1/authorizations/revocations", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer porter-jwt" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":      []Revocation{{AuthorizationID: "auth-revoked", RevokedAt: now, ValidTo: now.Add(time.Hour)}},
			"serverTime": now,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewClient(srv.URL, WithRetries(0))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()

	if _, err := client.Enroll(ctx, "wrong"); err == nil {
		t.Fatal("expected refusal")
	} else {
		var ce *ConsumeError
		if !errors.As(err, &ce) || ce.Reason != enrollment.ReasonNotFound {
			t.Fatalf("expected NOT_FOUND refusal, got %v", err)
		}
	}

	p, err := client.Enroll(ctx, "raw-token")
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if p.OrganizationID != "org-1" || p.ClockSkew() != 2*time.Minute {
		t.Fatalf("unexpected profile %+v", p)
	}

	added, err := client.SyncRevocations(ctx, "porter-jwt", &p)
	if err != nil {
		t.Fatalf("SyncRevocations: %v", err)
	}
	if added != 1 || !p.RevocationsSince.Equal(now) {
		t.Fatalf("unexpected sync result added=%d since=%s", added, p.RevocationsSince)
	}
	if added, _ := client.SyncRevocations(ctx, "porter-jwt", &p); added != 0 {
		t.Fatalf("resync should not duplicate, added %d", added)
	}

	path := filepath.Join(t.TempDir(), "device.json")
	if err := Save(path, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	v, err := loaded.Verifier()
	if err != nil {
		t.Fatalf("Verifier: %v", err)
	}
	ok := v.Verify(ctx, s.sign(t, "auth-ok", now.Add(-time.Hour), now.Add(time.Hour)), now, loaded.ClockSkew())
	if ok.Outcome != verify.OutcomeValid {
		t.Fatalf("expected VALID, got %s", ok.Outcome)
	}
	revoked := v.Verify(ctx, s.sign(t, "auth-revoked", now.Add(-time.Hour), now.Add(time.Hour)), now, loaded.ClockSkew())
	if revoked.Outcome != verify.OutcomeRevoked {
		t.Fatalf("expected REVOKED, got %s", revoked.Outcome)
	}
}

func TestSyncKeysPicksUpRotatedKey(t *testing.T) {
	retired := newSigner(t, "kid-1")
	rotated := newSigner(t, "kid-2")
	now := time.Now().UTC().Truncate(time.Second)

	var served atomic.Pointer[json.RawMessage]
	served.Store(&retired.jwks)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/keys/jwks" || r.Header.Get("Authorization") != "Bearer porter-jwt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/jwk-set+json")
		_, _ = w.Write(*served.Load())
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithRetries(0))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()
	p := Profile{OrganizationID: "org-1", Kid: retired.kid, JWKS: retired.jwks, ClockSkewSeconds: 120}

	oldQR := retired.sign(t, "auth-old", now.Add(-time.Hour), now.Add(time.Hour))
	newQR := rotated.sign(t, "auth-new", now.Add(-time.Hour), now.Add(time.Hour))

	v, err := p.Verifier()
	if err != nil {
		t.Fatalf("Verifier: %v", err)
	}
	if res := v.Verify(ctx, newQR, now, p.ClockSkew()); res.Outcome != verify.OutcomeInvalid {
		t.Fatalf("before sync: %s, want INVALID", res.Outcome)
	}

	// The server now lists only the rotated key.
	served.Store(&rotated.jwks)
	added, err := client.SyncKeys(ctx, "porter-jwt", &p)
	if err != nil {
		t.Fatalf("SyncKeys: %v", err)
	}
	if added != 1 {
		t.Fatalf("added=%d, want 1", added)
	}
	if again, err := client.SyncKeys(ctx, "porter-jwt", &p); err != nil || again != 0 {
		t.Fatalf("resync: added=%d err=%v", again, err)
	}

	v, err = p.Verifier()
	if err != nil {
		t.Fatalf("Verifier: %v", err)
	}
	if res := v.Verify(ctx, newQR, now, p.ClockSkew()); res.Outcome != verify.OutcomeValid {
		t.Fatalf("rotated kid: %s, want VALID", res.Outcome)
	}
	if res := v.Verify(ctx, oldQR, now, p.ClockSkew()); res.Outcome != verify.OutcomeValid {
		t.Fatalf("retired kid: %s, want VALID", res.Outcome)
	}
}

func TestSyncKeysRejectsGarbage(t *testing.T) {
	s := newSigner(t, "kid-1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"keys":"nope"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithRetries(0))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	p := Profile{JWKS: s.jwks}
	if _, err := client.SyncKeys(context.Background(), "", &p); err == nil {
		t.Fatal("expected error for malformed key set")
	}
	if string(p.JWKS) != string(s.jwks) {
		t.Fatal("profile keys changed on failed sync")
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []Revocation{}, "serverTime": time.Now().UTC()})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithRetries(5))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	var p Profile
	if _, err := client.SyncRevocations(context.Background(), "", &p); err != nil {
		t.Fatalf("SyncRevocations: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestLoadRejectsEmptyProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	if err := Save(path, Profile{OrganizationID: "org-1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for profile without keys")
	}
}

func TestNewClientValidatesURL(t *testing.T) {
	for _, raw := range []string{"", "not a url", "/relative"} {
		if _, err := NewClient(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}
