// keys.go - Canonical fixed-width identifiers for the banking ledger.
//
// Every identifier that reaches committed or circuit-visible data is first
// normalized to at most Size bytes. Truncation is lossy: two long identifiers
// sharing the same first Size bytes normalize to the same ID.

package keys

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Size is the width of a ledger key in bytes.
const Size = 32

// ErrTooLong is returned by NormalizeStrict for identifiers that would be truncated.
var ErrTooLong = errors.New("keys: identifier exceeds 32 bytes")

// ID is a normalized user identifier. Its UTF-8 encoding is never longer than Size.
type ID string

// Normalize canonicalizes a user-supplied identifier. Identifiers of Size
// bytes or less are returned unchanged; longer ones are cut to the first Size
// bytes, backing off to the previous rune boundary so the result stays valid
// UTF-8.
func Normalize(id string) ID {
	if len(id) <= Size {
		return ID(id)
	}
	cut := Size
	for cut > 0 && !utf8.RuneStart(id[cut]) {
		cut--
	}
	return ID(id[:cut])
}

// NormalizeStrict is Normalize for callers that refuse lossy truncation.
func NormalizeStrict(id string) (ID, error) {
	if len(id) > Size {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLong, len(id))
	}
	return ID(id), nil
}

// Truncates reports whether Normalize would change id.
func Truncates(id string) bool {
	return len(id) > Size
}

// Key returns the zero-padded fixed-width encoding of the identifier.
func (id ID) Key() [Size]byte {
	var k [Size]byte
	copy(k[:], id)
	return k
}

// Hex returns the hex encoding of Key.
func (id ID) Hex() string {
	k := id.Key()
	return hex.EncodeToString(k[:])
}

func (id ID) String() string { return string(id) }

// FromKey recovers an ID from its fixed-width encoding by dropping the zero padding.
func FromKey(k [Size]byte) ID {
	return ID(bytes.TrimRight(k[:], "\x00"))
}

// ParseHex decodes a hex-encoded key produced by Hex.
func ParseHex(s string) (ID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("keys: invalid hex key: %w", err)
	}
	if len(raw) != Size {
		return "", fmt.Errorf("keys: key must be %d bytes, got %d", Size, len(raw))
	}
	var k [Size]byte
	copy(k[:], raw)
	return FromKey(k), nil
}
