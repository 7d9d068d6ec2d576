// Package invite generates the short codes a buyer types to join a
// seller-created escrow transaction.
//
// Codes are 8 symbols drawn uniformly from the upper-case alphanumerics minus
// the visually ambiguous characters 0, O, I, 1 and L (31 symbols, about 2^39.6
// codes).
package invite

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"strings"
)

// Alphabet is the restricted symbol set codes are drawn from.
const Alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// Length is the number of symbols in a code.
const Length = 8

const rejectAbove = 256 - 256%len(Alphabet)

// DefaultMaxRetries bounds GenerateUnique when no explicit limit is given.
const DefaultMaxRetries = 10

// ErrCodeSpaceExhausted signals that no free code was found within the retry
// budget. With 31^8 codes this points at a broken existence check rather than
// a full code space.
var ErrCodeSpaceExhausted = errors.New("invite: code space exhausted")

// ExistsFunc reports whether a code is already bound to a transaction.
type ExistsFunc func(ctx context.Context, code string) (bool, error)

// Generate draws a fresh code from crypto/rand.
func Generate() (string, error) {
	out := make([]byte, 0, Length)
	var buf [2 * Length]byte
	for len(out) < Length {
		if _, err := crand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("invite: read random: %w", err)
		}
		for _, b := range buf {
			// Bytes at or above the largest multiple of len(Alphabet) would bias the draw.
			if int(b) >= rejectAbove {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
			if len(out) == Length {
				break
			}
		}
	}
	return string(out), nil
}

// GenerateUnique draws codes until exists reports one as free.
func GenerateUnique(ctx context.Context, exists ExistsFunc, maxRetries int) (string, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		code, err := Generate()
		if err != nil {
			return "", err
		}
		taken, err := exists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("invite: check code: %w", err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrCodeSpaceExhausted, maxRetries)
}

// ValidFormat reports whether code has the exact length and only alphabet symbols.
func ValidFormat(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

// Normalize trims whitespace and upper-cases user input before validation.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
