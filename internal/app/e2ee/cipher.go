package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/dkeye/dmeet/internal/domain"
)

const ivSize = 12

var errShortFrame = errors.New("frame shorter than cipher overhead")

// Bytes left in the clear at the start of each payload so the relay can
// still read codec headers.
var clearPrefix = map[domain.MediaKind]int{
	domain.KindVideo: 10,
	domain.KindAudio: 1,
}

// ImportKey turns raw room key bytes into an AES-GCM AEAD.
func ImportKey(raw []byte) (cipher.AEAD, error) {
	switch len(raw) {
	case 16, 24, 32:
	default:
		return nil, &domain.E2EEKeyError{Reason: fmt.Sprintf("raw key must be 16, 24 or 32 bytes, got %d", len(raw))}
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, &domain.E2EEKeyError{Reason: "import", Err: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &domain.E2EEKeyError{Reason: "import", Err: err}
	}
	return aead, nil
}

// frameCipher lays out an encrypted payload as
// clear prefix || ciphertext+tag || iv.
type frameCipher struct {
	aead cipher.AEAD
	rand io.Reader
}

func newFrameCipher(aead cipher.AEAD) *frameCipher {
	return &frameCipher{aead: aead, rand: rand.Reader}
}

func (c *frameCipher) encrypt(kind domain.MediaKind, payload []byte) ([]byte, error) {
	n := min(clearPrefix[kind], len(payload))
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return nil, fmt.Errorf("iv: %w", err)
	}
	out := make([]byte, n, len(payload)+c.aead.Overhead()+ivSize)
	copy(out, payload[:n])
	out = c.aead.Seal(out, iv, payload[n:], payload[:n])
	return append(out, iv...), nil
}

func (c *frameCipher) decrypt(kind domain.MediaKind, data []byte) ([]byte, error) {
	overhead := c.aead.Overhead() + ivSize
	if len(data) < overhead {
		return nil, errShortFrame
	}
	n := min(clearPrefix[kind], len(data)-overhead)
	iv := data[len(data)-ivSize:]
	out := make([]byte, n, len(data)-overhead)
	copy(out, data[:n])
	return c.aead.Open(out, iv, data[n:len(data)-ivSize], data[:n])
}
