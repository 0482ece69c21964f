// Package common holds small value types shared across the reconnect core:
// the 48-byte digest-tagged Hash used on the wire and in every tree view,
// and the canonical null hash that stands in for an absent child.
package common

import (
	"encoding/hex"
	"fmt"
)

// DigestType identifies the hash algorithm a Hash was produced with. The
// core only ever produces SHA3_256Digest today, but the tag travels on
// the wire so a future algorithm migration doesn't require a protocol
// bump.
type DigestType uint8

const (
	// SHA3_256Digest is the only digest type the core currently emits:
	// every hash producer in this module computes sha3.Sum256/
	// sha3.New256, a 32-byte digest, padded into the remaining 47 bytes
	// of a Hash.
	SHA3_256Digest DigestType = 0x58
)

// HashLength is the wire size of a Hash: one digest-type byte followed
// by up to 47 bytes of digest content.
const HashLength = 48

// Hash is a fixed-size, digest-tagged hash value. The zero Hash is not a
// valid digest of anything; NullHash is the canonical stand-in for an
// absent child and is distinguished from the zero value by its digest
// type byte.
type Hash [HashLength]byte

// NullHash is the canonical hash of an absent (nil) child slot. Every
// TreeView implementation must return NullHash, never the zero Hash, for
// an absent or out-of-range child.
var NullHash = Hash{0xff}

// BytesToHash left-pads b with zeros, or truncates it from the left
// keeping its last HashLength bytes, into a Hash. Reconnect code that
// already has a HashLength-sized digest should prefer NewHash.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

// NewHash builds a tagged Hash from a digest type and digest bytes.
func NewHash(typ DigestType, digest []byte) Hash {
	var h Hash
	h[0] = byte(typ)
	copy(h[1:], digest)
	return h
}

// IsNull reports whether h is the canonical null hash.
func (h Hash) IsNull() bool { return h == NullHash }

// DigestType returns the tag byte of h.
func (h Hash) DigestType() DigestType { return DigestType(h[0]) }

// Bytes returns a copy of the full wire representation of h.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashLength)
	copy(b, h[:])
	return b
}

// String renders h as 0x-prefixed hex, the same convention go-ethereum's
// common.Hash uses for log and error output.
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler so Hash can be used
// directly in structured log fields and JSON test fixtures.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// GoString implements fmt.GoStringer for readable test failure output.
func (h Hash) GoString() string {
	return fmt.Sprintf("common.Hash(%s)", h.String())
}
