// Package tree implements the virtual filesystem that peers share.
//
// A tree carries no file data, only content identities: every file is
// identified by the BLAKE3-256 digest of its bytes and every directory by
// the digest of its canonical serialization. Names ride alongside as
// display metadata. A directory's own name is excluded from its identity,
// so two peers declaring structurally and bytewise identical hierarchies
// under different root names converge on the same TreeHash.
package tree

import (
	"fmt"
	"sort"

	"github.com/Cutipus/HermesNet/pkg/codec/cborcanon"
	"github.com/Cutipus/HermesNet/pkg/hash"
)

// Entry kinds used in the canonical TreeHash preimage.
const (
	kindFile = "f"
	kindDir  = "d"
)

// ChunkInfo describes one verifiable byte range of a file, the unit of
// fetch and retry.
type ChunkInfo struct {
	Index  uint32      `cbor:"index"`  // 0-based chunk number
	Offset uint64      `cbor:"offset"` // byte offset within the file
	Size   uint32      `cbor:"size"`   // actual bytes (last chunk may be smaller)
	Hash   hash.Digest `cbor:"hash"`   // digest of the chunk bytes
}

// File is a leaf of the shared tree. Its Hash is the digest of the file's
// bytes, independent of Name.
type File struct {
	Name   string      `cbor:"name"`
	Hash   hash.Digest `cbor:"hash"`
	Size   uint64      `cbor:"size"`
	Chunks []ChunkInfo `cbor:"chunks"`
}

// Dir is a directory node holding files and subdirectories.
type Dir struct {
	Name  string  `cbor:"name"`
	Files []*File `cbor:"files"`
	Dirs  []*Dir  `cbor:"dirs"`
}

// Declaration is one peer's offer of a rooted tree of content to the index.
type Declaration struct {
	Owner    string      `cbor:"owner"`
	Addr     string      `cbor:"addr"` // address of the owner's chunk service
	Root     *Dir        `cbor:"root"`
	RootHash hash.Digest `cbor:"root_hash"`
}

// hashEntry is one child in the canonical TreeHash preimage: the sorted
// (name, kind, digest) triples of a directory's immediate children.
type hashEntry struct {
	Name string      `cbor:"name"`
	Kind string      `cbor:"kind"`
	Hash hash.Digest `cbor:"hash"`
}

// Hash computes the directory's TreeHash: the digest of the canonical CBOR
// serialization of its children, sorted by name. The directory's own name
// is not part of the preimage.
func (d *Dir) Hash() hash.Digest {
	entries := make([]hashEntry, 0, len(d.Files)+len(d.Dirs))
	for _, f := range d.Files {
		entries = append(entries, hashEntry{Name: f.Name, Kind: kindFile, Hash: f.Hash})
	}
	for _, sub := range d.Dirs {
		entries = append(entries, hashEntry{Name: sub.Name, Kind: kindDir, Hash: sub.Hash()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return hash.Sum(cborcanon.MarshalToBytes(entries))
}

// Walk visits the directory and every node below it, directories first.
// Returning false from fn stops the walk early.
func (d *Dir) Walk(fn func(parent *Dir, f *File, sub *Dir) bool) bool {
	for _, f := range d.Files {
		if !fn(d, f, nil) {
			return false
		}
	}
	for _, sub := range d.Dirs {
		if !fn(d, nil, sub) {
			return false
		}
		if !sub.Walk(fn) {
			return false
		}
	}
	return true
}

// Prune returns a copy of the directory with every file whose name does
// not satisfy match removed, and empty subdirectories dropped. Returns nil
// if nothing below the directory matches.
func (d *Dir) Prune(match func(name string) bool) *Dir {
	out := &Dir{Name: d.Name}
	for _, f := range d.Files {
		if match(f.Name) {
			out.Files = append(out.Files, f)
		}
	}
	for _, sub := range d.Dirs {
		if pruned := sub.Prune(match); pruned != nil {
			out.Dirs = append(out.Dirs, pruned)
		}
	}
	if len(out.Files) == 0 && len(out.Dirs) == 0 {
		return nil
	}
	return out
}

// TotalSize returns the sum of all file sizes in the subtree.
func (d *Dir) TotalSize() uint64 {
	var total uint64
	d.Walk(func(_ *Dir, f *File, _ *Dir) bool {
		if f != nil {
			total += f.Size
		}
		return true
	})
	return total
}

// FileCount returns the number of files in the subtree.
func (d *Dir) FileCount() int {
	var n int
	d.Walk(func(_ *Dir, f *File, _ *Dir) bool {
		if f != nil {
			n++
		}
		return true
	})
	return n
}

// Validate checks internal consistency of a declaration: the root hash
// matches the tree and every file's chunk table covers its size.
func (d *Declaration) Validate() error {
	if d.Owner == "" {
		return fmt.Errorf("declaration has no owner")
	}
	if d.Root == nil {
		return fmt.Errorf("declaration has no root")
	}
	if got := d.Root.Hash(); !got.Equal(d.RootHash) {
		return fmt.Errorf("root hash mismatch: declared %s, computed %s", d.RootHash, got)
	}
	var fileErr error
	d.Root.Walk(func(_ *Dir, f *File, _ *Dir) bool {
		if f == nil {
			return true
		}
		if err := validateChunks(f); err != nil {
			fileErr = fmt.Errorf("file %q: %w", f.Name, err)
			return false
		}
		return true
	})
	return fileErr
}

func validateChunks(f *File) error {
	var covered uint64
	for i, c := range f.Chunks {
		if c.Index != uint32(i) {
			return fmt.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.Offset != covered {
			return fmt.Errorf("chunk %d has offset %d, want %d", i, c.Offset, covered)
		}
		if c.Size == 0 {
			return fmt.Errorf("chunk %d has zero size", i)
		}
		covered += uint64(c.Size)
	}
	if covered != f.Size {
		return fmt.Errorf("chunk table covers %d bytes, file size is %d", covered, f.Size)
	}
	return nil
}

// Encode serializes the declaration to canonical CBOR.
func (d *Declaration) Encode() ([]byte, error) {
	data, err := cborcanon.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode declaration: %w", err)
	}
	return data, nil
}

// DecodeDeclaration deserializes and validates a declaration.
func DecodeDeclaration(data []byte) (*Declaration, error) {
	var d Declaration
	if err := cborcanon.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode declaration: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid declaration: %w", err)
	}
	return &d, nil
}
