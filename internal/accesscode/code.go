package accesscode

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"

	"golang.org/x/crypto/hkdf"

	"vecino.app/internal/apperr"
)

const (
	numericDigits     = 6
	alphanumericChars = 8
	qrBytes           = 32

	// 32 symbols without I, O, 0 and 1.
	alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	pepperInfo = "access-code-hash"
)

// Hasher computes the keyed one-way hash stored in place of raw codes.
type Hasher struct {
	pepper []byte
}

// NewHasher derives the hashing pepper from the master secret.
func NewHasher(masterSecret string) (*Hasher, error) {
	if strings.TrimSpace(masterSecret) == "" {
		return nil, fmt.Errorf("%w: master secret is required", apperr.ErrInvalidInput)
	}
	pepper := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(pepperInfo)), pepper); err != nil {
		return nil, fmt.Errorf("accesscode: derive pepper: %w", err)
	}
	return &Hasher{pepper: pepper}, nil
}

// Hash returns the hex HMAC-SHA256 of the normalized code.
func (h *Hasher) Hash(code string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(normalize(code)))
	return hex.EncodeToString(mac.Sum(nil))
}

// normalize trims whitespace. Codes are compared case-sensitively since QR
// codes are base64url.
func normalize(code string) string {
	return strings.TrimSpace(code)
}

func generate(t CodeType) (string, error) {
	switch t {
	case TypeNumeric:
		n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%0*d", numericDigits, n.Int64()), nil
	case TypeAlphanumeric:
		buf := make([]byte, alphanumericChars)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for i, b := range buf {
			buf[i] = alphabet[int(b)%len(alphabet)]
		}
		return string(buf), nil
	case TypeQR:
		buf := make([]byte, qrBytes)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		return base64.RawURLEncoding.EncodeToString(buf), nil
	default:
		return "", fmt.Errorf("%w: access code type %s", apperr.ErrInvalidInput, t)
	}
}
