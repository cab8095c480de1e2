// Package pickupcode generates and rotates officers' six-character pickup
// codes used as the prefix of manual credentials.
package pickupcode

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/ahsinil/meal-pass/internal/credential"
	"github.com/ahsinil/meal-pass/internal/redemption"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// maxByte is the largest multiple of len(alphabet) that fits in a byte.
// Bytes at or above it are discarded so every symbol is equally likely.
const maxByte = 256 - (256 % len(alphabet))

// Generate returns a random code of credential.PickupCodeLength symbols
// drawn from [A-Z0-9]. A nil reader means crypto/rand.
func Generate(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	out := make([]byte, 0, credential.PickupCodeLength)
	buf := make([]byte, credential.PickupCodeLength*2)
	for len(out) < credential.PickupCodeLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("read entropy: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxByte {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == credential.PickupCodeLength {
				break
			}
		}
	}
	return string(out), nil
}

// Valid reports whether code has the pickup-code shape.
func Valid(code string) bool {
	if len(code) != credential.PickupCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// Store is the slice of the identity store the rotator needs.
type Store interface {
	ListIdentityIDs(ctx context.Context) ([]int64, error)
	SetPickupCode(ctx context.Context, id int64, code string) error
}

// Rotator assigns fresh pickup codes.
type Rotator struct {
	store Store
	rand  io.Reader
}

// NewRotator builds a rotator; entropy defaults to crypto/rand.
func NewRotator(store Store, entropy io.Reader) *Rotator {
	if entropy == nil {
		entropy = rand.Reader
	}
	return &Rotator{store: store, rand: entropy}
}

// Rotate replaces one identity's code and returns the new value.
func (r *Rotator) Rotate(ctx context.Context, id int64) (string, error) {
	code, err := Generate(r.rand)
	if err != nil {
		return "", err
	}
	if err := r.store.SetPickupCode(ctx, id, code); err != nil {
		return "", fmt.Errorf("set pickup code for %d: %w", id, err)
	}
	return code, nil
}

// RotateAll replaces every identity's code. Identities removed between the
// listing and the update are skipped. It stops at the first other error and
// reports how many codes were rotated before it.
func (r *Rotator) RotateAll(ctx context.Context) (int, error) {
	ids, err := r.store.ListIdentityIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list identities: %w", err)
	}
	rotated := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rotated, err
		}
		if _, err := r.Rotate(ctx, id); err != nil {
			if errors.Is(err, redemption.ErrNotFound) {
				continue
			}
			return rotated, err
		}
		rotated++
	}
	return rotated, nil
}
