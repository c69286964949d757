package id

import (
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// DefaultLength is the number of random characters in an id, not counting
// any prefix.
const DefaultLength = 20

const base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// New generates a random base62 id of DefaultLength with an optional prefix.
// The prefix is joined to the id with an underscore.
func New(optionalPrefix string) (string, error) {
	return NewWithLength(optionalPrefix, DefaultLength)
}

// NewWithLength generates a random base62 id of length n with an optional
// prefix.
func NewWithLength(optionalPrefix string, n int) (string, error) {
	const op = "id.NewWithLength"
	if n <= 0 {
		return "", fmt.Errorf("%s: length must be greater than zero", op)
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		buf, err := uuid.GenerateRandomBytes(n)
		if err != nil {
			return "", fmt.Errorf("%s: unable to generate id: %w", op, err)
		}
		for _, b := range buf {
			// 248 is the largest multiple of 62 below 256
			if b >= 248 {
				continue
			}
			out = append(out, base62[b%62])
			if len(out) == n {
				break
			}
		}
	}
	switch {
	case optionalPrefix != "":
		return fmt.Sprintf("%s_%s", optionalPrefix, out), nil
	default:
		return string(out), nil
	}
}
