// Package argstring parses and edits session-argument strings: flat,
// comma-separated key=value lists such as
//
//	label="init -> sheep_counter", ram_quota=128K, cap_quota=50
//
// String values may be double-quoted; numeric values accept a K, M or G
// suffix and 0x-prefixed hexadecimal.
package argstring

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// ErrMalformed is returned for argument strings that cannot be tokenised.
var ErrMalformed = errors.New("malformed argument string")

// Arg is one argument looked up by key. The zero Arg is a missing argument.
type Arg struct {
	raw   string
	found bool
}

// Found reports whether the key was present.
func (a Arg) Found() bool {
	return a.found
}

// Raw returns the value exactly as written.
func (a Arg) Raw() string {
	return a.raw
}

// String returns the value with surrounding quotes removed, or def when the
// argument is missing or its quoting is broken.
func (a Arg) String(def string) string {
	if !a.found {
		return def
	}

	if !strings.HasPrefix(a.raw, `"`) {
		return a.raw
	}

	if len(a.raw) < 2 || !strings.HasSuffix(a.raw, `"`) {
		return def
	}

	return a.raw[1 : len(a.raw)-1]
}

// Uint returns the numeric value, or def when the argument is missing or not
// a number.
func (a Arg) Uint(def uint64) uint64 {
	if !a.found {
		return def
	}

	v, err := ParseUint(a.raw)
	if err != nil {
		return def
	}

	return v
}

// ParseUint parses a number with an optional K, M or G suffix. Values that
// overflow 64 bits once scaled are rejected.
func ParseUint(s string) (uint64, error) {
	s = strings.TrimSpace(s)

	var mult uint64 = 1
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'K', 'k':
			mult = 1 << 10
		case 'M', 'm':
			mult = 1 << 20
		case 'G', 'g':
			mult = 1 << 30
		}

		if mult != 1 {
			s = s[:n-1]
		}
	}

	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", s, err)
	}

	hi, n := bits.Mul64(v, mult)
	if hi != 0 {
		return 0, fmt.Errorf("parse number %q: %w", s, strconv.ErrRange)
	}

	return n, nil
}

type pair struct {
	key   string
	value string
}

// split tokenises args into key=value pairs, honouring double quotes.
func split(args string) ([]pair, error) {
	var pairs []pair

	var tok strings.Builder
	quoted := false

	flush := func() error {
		t := strings.TrimSpace(tok.String())
		tok.Reset()

		if t == "" {
			return nil
		}

		key, value, ok := strings.Cut(t, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("%w: token %q", ErrMalformed, t)
		}

		pairs = append(pairs, pair{key: key, value: strings.TrimSpace(value)})
		return nil
	}

	for _, r := range args {
		switch {
		case r == '"':
			quoted = !quoted
			tok.WriteRune(r)
		case r == ',' && !quoted:
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			tok.WriteRune(r)
		}
	}

	if quoted {
		return nil, fmt.Errorf("%w: unterminated quote", ErrMalformed)
	}

	if err := flush(); err != nil {
		return nil, err
	}

	return pairs, nil
}

// Find looks up key in args. Malformed strings yield a missing argument.
func Find(args, key string) Arg {
	pairs, err := split(args)
	if err != nil {
		return Arg{}
	}

	for _, p := range pairs {
		if p.key == key {
			return Arg{raw: p.value, found: true}
		}
	}

	return Arg{}
}

// Set returns args with key set to the raw value, replacing an existing
// occurrence in place or appending a new one.
func Set(args, key, value string) (string, error) {
	pairs, err := split(args)
	if err != nil {
		return "", err
	}

	replaced := false
	for i := range pairs {
		if pairs[i].key == key {
			pairs[i].value = value
			replaced = true
			break
		}
	}

	if !replaced {
		pairs = append(pairs, pair{key: key, value: value})
	}

	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.key+"="+p.value)
	}

	return strings.Join(parts, ", "), nil
}

// Quote wraps s in double quotes for use as a string value.
func Quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, "") + `"`
}
