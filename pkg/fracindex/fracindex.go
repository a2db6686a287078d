// Package fracindex generates fractional indexes: opaque strings ordered lexicographically, so
// that a new key can always be generated between any two existing keys without renumbering.
//
// Keys are base-62 fractions over the alphabet "0-9A-Za-z" and never end with the zero digit,
// which guarantees that there is always room between two distinct keys.
package fracindex

import (
	"errors"
	"fmt"
	"strings"
)

const digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const zero = '0'

var (
	// ErrInvalidOrder is returned when the lower bound is not smaller than the upper bound.
	ErrInvalidOrder = errors.New("lower bound must be smaller than the upper bound")
	// ErrTrailingZero is returned for a key that ends with the zero digit.
	ErrTrailingZero = errors.New("key must not end with the zero digit")
)

type ErrInvalidKey = error

// NewInvalidKeyError is returned for a key with a character outside the alphabet.
func NewInvalidKeyError(key string) ErrInvalidKey {
	return fmt.Errorf("invalid fractional index %q", key)
}

// Validate checks whether a string is a well-formed key.
func Validate(key string) error {
	if key == "" {
		return NewInvalidKeyError(key)
	}
	for i := 0; i < len(key); i++ {
		if strings.IndexByte(digits, key[i]) < 0 {
			return NewInvalidKeyError(key)
		}
	}
	if key[len(key)-1] == zero {
		return ErrTrailingZero
	}
	return nil
}

// KeyBetween returns a key that sorts strictly between a and b. An empty string means an open
// bound: KeyBetween("", "") returns a key in the middle of the key space.
func KeyBetween(a, b string) (string, error) {
	if a != "" {
		if err := Validate(a); err != nil {
			return "", err
		}
	}
	if b != "" {
		if err := Validate(b); err != nil {
			return "", err
		}
		if a >= b {
			return "", fmt.Errorf("%w: %q >= %q", ErrInvalidOrder, a, b)
		}
	}
	return midpoint(a, b, b != ""), nil
}

// midpoint computes a key between a and b, where hasUpper is false if b is an open bound.
func midpoint(a, b string, hasUpper bool) string {
	if hasUpper {
		// skip the common prefix, padding a with zeros
		n := 0
		for n < len(b) && digitAt(a, n) == b[n] {
			n++
		}
		if n > 0 {
			rest := ""
			if n < len(a) {
				rest = a[n:]
			}
			return b[:n] + midpoint(rest, b[n:], true)
		}
	}

	digitA := 0
	if a != "" {
		digitA = strings.IndexByte(digits, a[0])
	}
	digitB := len(digits)
	if hasUpper {
		digitB = strings.IndexByte(digits, b[0])
	}

	if digitB-digitA > 1 {
		return string(digits[(digitA+digitB+1)/2])
	}

	// the first digits are consecutive
	if hasUpper && len(b) > 1 {
		return b[:1]
	}
	rest := ""
	if a != "" {
		rest = a[1:]
	}
	return string(digits[digitA]) + midpoint(rest, "", false)
}

func digitAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return zero
}

// NKeysBetween returns n keys in ascending order that all sort strictly between a and b. Keys are
// generated by repeated bisection so that key length grows logarithmically in n.
func NKeysBetween(a, b string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	c, err := KeyBetween(a, b)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return []string{c}, nil
	}

	mid := n / 2
	left, err := NKeysBetween(a, c, mid)
	if err != nil {
		return nil, err
	}
	right, err := NKeysBetween(c, b, n-mid-1)
	if err != nil {
		return nil, err
	}

	ret := make([]string, 0, n)
	ret = append(ret, left...)
	ret = append(ret, c)
	return append(ret, right...), nil
}
