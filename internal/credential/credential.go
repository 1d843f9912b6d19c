// Package credential encodes and decodes the signed QR credential: a compact
// JWS (EdDSA) whose header carries the signing kid and a format version.
package credential

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Type is the JWS typ header of visitor credentials.
	Type = "vqr"
	// Version is the payload format version carried in the v header.
	Version = 1
)

var (
	ErrMalformed  = errors.New("credential: malformed")
	ErrUnknownKey = errors.New("credential: unknown signing key")
	ErrSignature  = errors.New("credential: signature mismatch")
)

// Payload is the signed content of a visitor authorization QR. Field order is
// fixed and timestamps are UTC Unix seconds so serialization is deterministic.
type Payload struct {
	AuthID       string `json:"authId"`
	OrgID        string `json:"orgId"`
	UnitCode     string `json:"unitCode"`
	PersonName   string `json:"personName"`
	PersonDoc    string `json:"personDoc"`
	ServiceType  string `json:"serviceType"`
	ValidFrom    int64  `json:"validFrom"`
	ValidTo      int64  `json:"validTo"`
	VehiclePlate string `json:"vehiclePlate,omitempty"`
	VehicleBrand string `json:"vehicleBrand,omitempty"`
	VehicleColor string `json:"vehicleColor,omitempty"`
	IssuedAt     int64  `json:"issuedAt"`
	Kid          string `json:"kid"`
}

// ValidFromTime returns ValidFrom as a UTC time.
func (p Payload) ValidFromTime() time.Time { return time.Unix(p.ValidFrom, 0).UTC() }

// ValidToTime returns ValidTo as a UTC time.
func (p Payload) ValidToTime() time.Time { return time.Unix(p.ValidTo, 0).UTC() }

func (p Payload) validate() error {
	switch {
	case strings.TrimSpace(p.AuthID) == "":
		return errors.New("authId is required")
	case strings.TrimSpace(p.OrgID) == "":
		return errors.New("orgId is required")
	case strings.TrimSpace(p.Kid) == "":
		return errors.New("kid is required")
	case p.ValidFrom >= p.ValidTo:
		return errors.New("validFrom must precede validTo")
	}
	return nil
}

// The jwt.Claims getters. Window checks are done by the verifier with its own
// clock skew, so the library never validates these.
func (p Payload) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(p.ValidToTime()), nil
}
func (p Payload) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(p.IssuedAt, 0)), nil
}
func (p Payload) GetNotBefore() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(p.ValidFromTime()), nil
}
func (p Payload) GetIssuer() (string, error)             { return p.OrgID, nil }
func (p Payload) GetSubject() (string, error)            { return p.AuthID, nil }
func (p Payload) GetAudience() (jwt.ClaimStrings, error) { return nil, nil }

// Encode signs p with priv. The header is {"alg":"EdDSA","kid":p.Kid,"typ":"vqr","v":1}.
func Encode(p Payload, priv ed25519.PrivateKey) (string, error) {
	if err := p.validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("%w: bad private key", ErrMalformed)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, p)
	tok.Header = map[string]any{
		"alg": jwt.SigningMethodEdDSA.Alg(),
		"kid": p.Kid,
		"typ": Type,
		"v":   Version,
	}
	return tok.SignedString(priv)
}

// Resolver returns a key function for a kid map, used where no JWKS is at hand.
func Resolver(keys map[string]ed25519.PublicKey) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		pub, ok := keys[kid]
		if !ok {
			return nil, fmt.Errorf("kid %q not found", kid)
		}
		return pub, nil
	}
}

// Decode verifies signed with the key returned by keyFunc and returns the
// payload. The validity window is not checked here. Errors wrap ErrMalformed,
// ErrUnknownKey or ErrSignature.
func Decode(signed string, keyFunc jwt.Keyfunc) (Payload, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithStrictDecoding(),
		jwt.WithoutClaimsValidation(),
	)
	var keyErr error
	var p Payload
	_, err := parser.ParseWithClaims(strings.TrimSpace(signed), &p, func(t *jwt.Token) (any, error) {
		kid, err := checkHeader(t.Header)
		if err != nil {
			keyErr = fmt.Errorf("%w: %v", ErrMalformed, err)
			return nil, keyErr
		}
		key, err := keyFunc(t)
		if err != nil {
			keyErr = fmt.Errorf("%w: %s", ErrUnknownKey, kid)
			return nil, keyErr
		}
		if pub, ok := key.(ed25519.PublicKey); !ok || len(pub) != ed25519.PublicKeySize {
			keyErr = fmt.Errorf("%w: %s is not an Ed25519 key", ErrUnknownKey, kid)
			return nil, keyErr
		}
		return key, nil
	})
	if err != nil {
		switch {
		case keyErr != nil:
			return Payload{}, keyErr
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Payload{}, ErrSignature
		default:
			return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if err := p.validate(); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}

func checkHeader(h map[string]any) (string, error) {
	if typ, _ := h["typ"].(string); typ != Type {
		return "", fmt.Errorf("unexpected typ %q", typ)
	}
	if v, _ := h["v"].(float64); v != Version {
		return "", fmt.Errorf("unsupported version %v", h["v"])
	}
	kid, _ := h["kid"].(string)
	if strings.TrimSpace(kid) == "" {
		return "", errors.New("kid is required")
	}
	return kid, nil
}

// Unverified decodes header kid and payload without checking the signature.
// It is only for display and routing; never trust its output.
func Unverified(signed string) (Payload, error) {
	var p Payload
	tok, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(signed), &p)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := checkHeader(tok.Header); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}
