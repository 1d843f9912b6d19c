package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func testPayload(kid string) Payload {
	from := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return Payload{
		AuthID:       "01HZAUTH",
		OrgID:        "org-1",
		UnitCode:     "A-101",
		PersonName:   "Juan Pérez",
		PersonDoc:    "12345678",
		ServiceType:  "VISIT",
		ValidFrom:    from.Unix(),
		ValidTo:      from.Add(8 * time.Hour).Unix(),
		VehiclePlate: "ABC123",
		IssuedAt:     from.Add(-time.Hour).Unix(),
		Kid:          kid,
	}
}

func newKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return pub, priv
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pub, priv := newKey(t)
	p := testPayload("org-1-k1")

	signed, err := Encode(p, priv)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		t.Fatalf("expected compact JWS, got %d segments", len(parts))
	}
	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if want := `{"alg":"EdDSA","kid":"org-1-k1","typ":"vqr","v":1}`; string(header) != want {
		t.Fatalf("header=%s, want %s", header, want)
	}

	got, err := Decode(signed, Resolver(map[string]ed25519.PublicKey{"org-1-k1": pub}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != p {
		t.Fatalf("payload mismatch:\n got=%+v\nwant=%+v", got, p)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	_, priv := newKey(t)
	a, _ := Encode(testPayload("k"), priv)
	b, _ := Encode(testPayload("k"), priv)
	if a != b {
		t.Fatal("same payload and key must produce identical credentials")
	}
}

func TestEverySingleBitFlipIsRejected(t *testing.T) {
	pub, priv := newKey(t)
	signed, err := Encode(testPayload("k1"), priv)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	resolve := Resolver(map[string]ed25519.PublicKey{"k1": pub})
	raw := []byte(signed)
	for i := range raw {
		for bit := 0; bit < 8; bit++ {
			flipped := make([]byte, len(raw))
			copy(flipped, raw)
			flipped[i] ^= 1 << bit
			if _, err := Decode(string(flipped), resolve); err == nil {
				t.Fatalf("bit %d of byte %d flipped but credential still verified", bit, i)
			}
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	pub, priv := newKey(t)
	otherPub, _ := newKey(t)
	signed, _ := Encode(testPayload("k1"), priv)

	if _, err := Decode(signed, Resolver(map[string]ed25519.PublicKey{})); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if _, err := Decode(signed, Resolver(map[string]ed25519.PublicKey{"k1": otherPub})); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
	if _, err := Decode("not.a.jws", Resolver(map[string]ed25519.PublicKey{"k1": pub})); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := Decode("", Resolver(nil)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for empty input, got %v", err)
	}
}

func TestEncodeRequiresKid(t *testing.T) {
	_, priv := newKey(t)
	if _, err := Encode(testPayload(""), priv); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	p := testPayload("k")
	p.ValidTo = p.ValidFrom
	if _, err := Encode(p, priv); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for empty window, got %v", err)
	}
}

func TestUnverified(t *testing.T) {
	_, priv := newKey(t)
	signed, _ := Encode(testPayload("k1"), priv)
	p, err := Unverified(signed)
	if err != nil {
		t.Fatalf("Unverified: %v", err)
	}
	if p.Kid != "k1" || p.PersonName != "Juan Pérez" {
		t.Fatalf("unexpected payload %+v", p)
	}
}
