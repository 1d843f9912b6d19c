// Package keys manages per-organization Ed25519 signing keys: generation,
// sealing of private keys under the master secret, storage with a single
// active key per organization, rotation and JWKS export.
package keys

import "time"

// AlgorithmEd25519 is the only supported signing algorithm.
const AlgorithmEd25519 = "Ed25519"

// OrganizationKey is a persisted organization signing key. Keys are never
// deleted; retired keys stay resolvable by kid for verification.
type OrganizationKey struct {
	ID                  string
	OrganizationID      string
	Algorithm           string
	Kid                 string
	PublicKeyJWK        string
	EncryptedPrivateKey string
	IsActive            bool
	CreatedAt           time.Time
	RotatedAt           *time.Time
}
