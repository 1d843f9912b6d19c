// Package qrimage renders credential strings as PNG QR codes.
package qrimage

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"vecino.app/internal/apperr"
)

const (
	MinSize = 128
	MaxSize = 2048
)

// Renderer produces PNG images. Medium error correction keeps a signed
// credential scannable from a phone screen.
type Renderer struct {
	level qrcode.RecoveryLevel
}

func NewRenderer() *Renderer {
	return &Renderer{level: qrcode.Medium}
}

// Render encodes content as a square PNG whose side is min(width, height).
func (r *Renderer) Render(content string, width, height int) ([]byte, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: qr content is empty", apperr.ErrInvalidInput)
	}
	size := width
	if height < size {
		size = height
	}
	if size < MinSize || size > MaxSize {
		return nil, fmt.Errorf("%w: qr size must be between %d and %d", apperr.ErrInvalidInput, MinSize, MaxSize)
	}
	q, err := qrcode.New(content, r.level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	return q.PNG(size)
}
