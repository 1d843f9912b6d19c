package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"vecino.app/internal/apperr"
)

const nonceSize = 12

// Crypto implements key generation, JWK export and sealing of private keys
// with AES-256-GCM under a key derived from the master secret.
type Crypto struct {
	aead cipher.AEAD
}

// NewCrypto derives the sealing key as SHA-256(masterSecret).
func NewCrypto(masterSecret string) (*Crypto, error) {
	if strings.TrimSpace(masterSecret) == "" {
		return nil, fmt.Errorf("%w: master secret is required", apperr.ErrInvalidInput)
	}
	sum := sha256.Sum256([]byte(masterSecret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("keys: init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("keys: init gcm: %w", err)
	}
	return &Crypto{aead: aead}, nil
}

// GenerateKeyPair returns a fresh Ed25519 key pair.
func (c *Crypto) GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generate key pair: %v", apperr.ErrCrypto, err)
	}
	return pub, priv, nil
}

// publicJWK has fixed field order so the export is byte-stable.
type publicJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

// ExportPublicKeyJWK renders pub as {"kty":"OKP","crv":"Ed25519","x":"..."}.
func (c *Crypto) ExportPublicKeyJWK(pub ed25519.PublicKey) (string, error) {
	return ExportPublicKeyJWK(pub)
}

// ExportPublicKeyJWK is the package-level form used where no Crypto is at hand.
func ExportPublicKeyJWK(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key must be %d bytes", apperr.ErrInvalidInput, ed25519.PublicKeySize)
	}
	data, err := json.Marshal(publicJWK{Kty: "OKP", Crv: "Ed25519", X: base64.RawURLEncoding.EncodeToString(pub)})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParsePublicKeyJWK is the inverse of ExportPublicKeyJWK.
func ParsePublicKeyJWK(raw string) (ed25519.PublicKey, error) {
	var jwk publicJWK
	if err := json.Unmarshal([]byte(raw), &jwk); err != nil {
		return nil, fmt.Errorf("%w: public jwk: %v", apperr.ErrCorruptValue, err)
	}
	if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" {
		return nil, fmt.Errorf("%w: unsupported jwk %s/%s", apperr.ErrCorruptValue, jwk.Kty, jwk.Crv)
	}
	x, err := base64.RawURLEncoding.Strict().DecodeString(jwk.X)
	if err != nil || len(x) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public jwk x", apperr.ErrCorruptValue)
	}
	return ed25519.PublicKey(x), nil
}

// EncryptPrivateKey seals the 32-byte seed of priv and returns
// base64(nonce || ciphertext || tag). Two calls never return the same output.
func (c *Crypto) EncryptPrivateKey(priv ed25519.PrivateKey) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("%w: private key must be %d bytes", apperr.ErrInvalidInput, ed25519.PrivateKeySize)
	}
	nonce := make([]byte, nonceSize, nonceSize+ed25519.SeedSize+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", apperr.ErrCrypto, err)
	}
	sealed := c.aead.Seal(nonce, nonce, priv.Seed(), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

var errSealedKey = errors.New("sealed private key rejected")

// DecryptPrivateKey opens a value produced by EncryptPrivateKey. Any failure
// (bad encoding, truncation, wrong master secret, tampering) yields
// apperr.ErrCrypto and no key material.
func (c *Crypto) DecryptPrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrCrypto, errSealedKey)
	}
	if len(raw) < nonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: %v", apperr.ErrCrypto, errSealedKey)
	}
	seed, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrCrypto, errSealedKey)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: %v", apperr.ErrCrypto, errSealedKey)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
