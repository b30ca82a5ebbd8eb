// Package hash defines the content digest used throughout HermesNet.
// A Digest is a BLAKE3-256 hash of a file's bytes (FileHash) or of a
// directory's canonical serialization (TreeHash). Identity never depends
// on filenames: identical bytes hash identically under any name.
package hash

import (
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"lukechampine.com/blake3"
)

const (
	// Prefix is the prefix of the string form of a digest
	Prefix = "hn"

	// Size is the size of a BLAKE3-256 digest in bytes
	Size = 32
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Digest is a BLAKE3-256 content digest.
type Digest [Size]byte

// Sum computes the digest of data
func Sum(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// SumReader computes the digest of everything readable from r
func SumReader(r io.Reader) (Digest, error) {
	h := blake3.New(Size, nil)
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, fmt.Errorf("failed to hash stream: %w", err)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// FromBytes creates a Digest from raw hash bytes
func FromBytes(b []byte) (Digest, error) {
	if len(b) != Size {
		return Digest{}, fmt.Errorf("invalid digest size: got %d, want %d", len(b), Size)
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

// Parse parses the string form "hn:<base32>" back into a Digest
func Parse(s string) (Digest, error) {
	if s == "" {
		return Digest{}, fmt.Errorf("empty digest string")
	}
	if !strings.HasPrefix(s, Prefix+":") {
		return Digest{}, fmt.Errorf("invalid digest prefix: expected %s:", Prefix)
	}
	raw, err := b32.DecodeString(strings.ToUpper(strings.TrimPrefix(s, Prefix+":")))
	if err != nil {
		return Digest{}, fmt.Errorf("failed to decode digest: %w", err)
	}
	return FromBytes(raw)
}

// String returns the "hn:<base32>" form of the digest
func (d Digest) String() string {
	return fmt.Sprintf("%s:%s", Prefix, strings.ToLower(b32.EncodeToString(d[:])))
}

// HexString returns the digest as a hex string
func (d Digest) HexString() string {
	return hex.EncodeToString(d[:])
}

// Bytes returns a copy of the raw digest bytes
func (d Digest) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, d[:])
	return out
}

// Equal reports whether two digests are identical
func (d Digest) Equal(other Digest) bool {
	return subtle.ConstantTimeCompare(d[:], other[:]) == 1
}

// IsZero reports whether the digest is the zero value
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalCBOR encodes the digest as a CBOR byte string
func (d Digest) MarshalCBOR() ([]byte, error) {
	// 0x58 0x20: byte string of length 32
	out := make([]byte, 0, Size+2)
	out = append(out, 0x58, Size)
	return append(out, d[:]...), nil
}

// UnmarshalCBOR decodes a CBOR byte string into the digest
func (d *Digest) UnmarshalCBOR(data []byte) error {
	if len(data) != Size+2 || data[0] != 0x58 || data[1] != Size {
		return fmt.Errorf("invalid digest encoding: %d bytes", len(data))
	}
	copy(d[:], data[2:])
	return nil
}
