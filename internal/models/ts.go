package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTS is returned when a timestamp token is not in the
// digits[.digits] form Slack uses.
var ErrInvalidTS = errors.New("models: invalid timestamp token")

// TS is a provider-native message timestamp such as "1768621161.846209".
// It is an opaque ordering token: it is never converted to a float, and two
// tokens are ordered by Compare rather than by parsing.
//
// Ordering compares the seconds part by length and then lexically, and the
// fractional part lexically. For Slack's fixed-width tokens this matches plain
// string order. Tokens that differ only in leading zeros ("0100.1", "100.1")
// are ordered by their raw text, so Compare is zero only for identical
// tokens. Tokens that fail Valid sort before every valid token and in string
// order among themselves; the empty token is the least of all.
type TS string

// String returns the raw token.
func (t TS) String() string { return string(t) }

// IsZero reports whether the token is empty.
func (t TS) IsZero() bool { return t == "" }

// Valid reports whether t has the digits[.digits] form.
func (t TS) Valid() bool {
	sec, frac, hasDot := strings.Cut(string(t), ".")
	if !allDigits(sec) {
		return false
	}
	if hasDot && !allDigits(frac) {
		return false
	}
	return true
}

// Validate returns ErrInvalidTS when t is not Valid.
func (t TS) Validate() error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTS, string(t))
	}
	return nil
}

// Compare returns -1, 0 or +1 as t sorts before, equal to or after o.
func (t TS) Compare(o TS) int {
	tv, ov := t.Valid(), o.Valid()
	switch {
	case !tv && !ov:
		return strings.Compare(string(t), string(o))
	case !tv:
		return -1
	case !ov:
		return 1
	}
	tsec, tfrac, _ := strings.Cut(string(t), ".")
	osec, ofrac, _ := strings.Cut(string(o), ".")
	tsec, osec = strings.TrimLeft(tsec, "0"), strings.TrimLeft(osec, "0")
	if len(tsec) != len(osec) {
		if len(tsec) < len(osec) {
			return -1
		}
		return 1
	}
	if c := strings.Compare(tsec, osec); c != 0 {
		return c
	}
	if c := strings.Compare(tfrac, ofrac); c != 0 {
		return c
	}
	return strings.Compare(string(t), string(o))
}

// After reports whether t sorts strictly after o.
func (t TS) After(o TS) bool { return t.Compare(o) > 0 }

// MaxTS returns the greatest of the given tokens, or the zero TS.
func MaxTS(tokens ...TS) TS {
	var latest TS
	for _, ts := range tokens {
		if ts.After(latest) {
			latest = ts
		}
	}
	return latest
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
