// Package chunkstore implements the on-disk representation of one
// in-progress download: a chunk-addressable container that accepts
// out-of-order writes, tracks per-chunk integrity, and survives restarts.
// The persisted chunk map is the resumability checkpoint: a resumed
// transfer diffs it against the target chunk set and fetches only what is
// missing.
package chunkstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Cutipus/HermesNet/pkg/codec/cborcanon"
	"github.com/Cutipus/HermesNet/pkg/hash"
	"github.com/Cutipus/HermesNet/pkg/tree"
)

// Sentinel errors
var (
	// ErrCorrupt marks an unreadable or inconsistent checkpoint. The
	// transfer must restart from scratch.
	ErrCorrupt = errors.New("chunk store corrupt")

	// ErrIntegrity marks a chunk whose bytes do not hash to the declared
	// value.
	ErrIntegrity = errors.New("chunk integrity mismatch")

	// ErrIncomplete marks a finalize attempt with chunks still missing.
	ErrIncomplete = errors.New("chunks missing")
)

const (
	dataSuffix       = ".data"
	checkpointSuffix = ".hermeschk"
)

// checkpoint is the persisted chunk map, written atomically after every
// batch of chunk writes.
type checkpoint struct {
	Target  hash.Digest      `cbor:"target"`
	Context hash.Digest      `cbor:"context"`
	RelPath string           `cbor:"rel_path"`
	Chunks  []tree.ChunkInfo `cbor:"chunks"`
	Fetched []byte           `cbor:"fetched"` // bitmap, one bit per chunk
}

// Store holds one transfer's bytes. Chunk states live in an arena indexed
// by chunk number, not a map of offsets, for predictable memory use on
// large files.
type Store struct {
	mu sync.Mutex

	id      string
	dir     string
	target  hash.Digest
	context hash.Digest
	relPath string

	chunks  []tree.ChunkInfo
	fetched []bool
	done    int
	data    *os.File
}

// Create initializes a fresh store for the given target file under dir.
// relPath is the file's path inside the declared hierarchy, used by
// Finalize to recreate the folder layout. Any previous state for the same
// id is truncated.
func Create(dir, id string, target, context hash.Digest, relPath string, chunks []tree.ChunkInfo) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &Store{
		id:      id,
		dir:     dir,
		target:  target,
		context: context,
		relPath: relPath,
		chunks:  chunks,
		fetched: make([]bool, len(chunks)),
	}

	data, err := os.OpenFile(s.dataPath(), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create data file: %w", err)
	}
	s.data = data

	if err := s.writeCheckpointLocked(); err != nil {
		data.Close()
		return nil, err
	}
	return s, nil
}

// Open resumes a store from its checkpoint. Returns ErrCorrupt (wrapped)
// if the checkpoint is unreadable or inconsistent with its own chunk
// table; callers must then restart the transfer from scratch.
func Open(dir, id string) (*Store, error) {
	s := &Store{id: id, dir: dir}

	raw, err := os.ReadFile(s.checkpointPath())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read checkpoint: %v", ErrCorrupt, err)
	}
	var cp checkpoint
	if err := cborcanon.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode checkpoint: %v", ErrCorrupt, err)
	}
	if cp.Target.IsZero() || len(cp.Fetched) != bitmapLen(len(cp.Chunks)) {
		return nil, fmt.Errorf("%w: checkpoint inconsistent with chunk table", ErrCorrupt)
	}

	s.target = cp.Target
	s.context = cp.Context
	s.relPath = cp.RelPath
	s.chunks = cp.Chunks
	s.fetched = make([]bool, len(cp.Chunks))
	for i := range s.chunks {
		if cp.Fetched[i/8]&(1<<(i%8)) != 0 {
			s.fetched[i] = true
			s.done++
		}
	}

	data, err := os.OpenFile(s.dataPath(), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open data file: %v", ErrCorrupt, err)
	}
	s.data = data

	// Re-verify fetched chunks against their declared hashes; a truncated
	// or tampered data file demotes chunks back to missing rather than
	// poisoning the final assembly.
	if err := s.reverifyLocked(); err != nil {
		data.Close()
		return nil, err
	}
	return s, nil
}

// reverifyLocked re-checks every chunk marked fetched in the checkpoint.
func (s *Store) reverifyLocked() error {
	buf := make([]byte, maxChunkSize(s.chunks))
	dirty := false
	for i, ok := range s.fetched {
		if !ok {
			continue
		}
		info := s.chunks[i]
		data := buf[:info.Size]
		if _, err := s.data.ReadAt(data, int64(info.Offset)); err != nil {
			s.fetched[i] = false
			s.done--
			dirty = true
			continue
		}
		if !hash.Sum(data).Equal(info.Hash) {
			s.fetched[i] = false
			s.done--
			dirty = true
		}
	}
	if dirty {
		return s.writeCheckpointLocked()
	}
	return nil
}

// Target returns the FileHash this store assembles.
func (s *Store) Target() hash.Digest { return s.target }

// Context returns the chosen TreeHash context.
func (s *Store) Context() hash.Digest { return s.context }

// RelPath returns the file's path inside the declared hierarchy.
func (s *Store) RelPath() string { return s.relPath }

// Chunks returns the target chunk table.
func (s *Store) Chunks() []tree.ChunkInfo { return s.chunks }

// Put stores one chunk's bytes, verifying them against the declared chunk
// hash first. Chunks may arrive in any order; storing an already-fetched
// chunk is a no-op.
func (s *Store) Put(index uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(index) >= len(s.chunks) {
		return fmt.Errorf("chunk index %d out of range (%d chunks)", index, len(s.chunks))
	}
	info := s.chunks[index]
	if uint32(len(data)) != info.Size {
		return fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrIntegrity, index, len(data), info.Size)
	}
	if !hash.Sum(data).Equal(info.Hash) {
		return fmt.Errorf("%w: chunk %d", ErrIntegrity, index)
	}
	if s.fetched[index] {
		return nil
	}

	if _, err := s.data.WriteAt(data, int64(info.Offset)); err != nil {
		return fmt.Errorf("failed to write chunk %d: %w", index, err)
	}
	s.fetched[index] = true
	s.done++
	return s.writeCheckpointLocked()
}

// Has reports whether a chunk is already fetched. O(1).
func (s *Store) Has(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(index) < len(s.fetched) && s.fetched[index]
}

// Missing returns the indices still to fetch, in order.
func (s *Store) Missing() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	missing := make([]uint32, 0, len(s.chunks)-s.done)
	for i, ok := range s.fetched {
		if !ok {
			missing = append(missing, uint32(i))
		}
	}
	return missing
}

// Fetched returns the indices already fetched, in order. A peer serving
// an in-progress download offers exactly these.
func (s *Store) Fetched() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	fetched := make([]uint32, 0, s.done)
	for i, ok := range s.fetched {
		if ok {
			fetched = append(fetched, uint32(i))
		}
	}
	return fetched
}

// ReadChunk returns the bytes of a fetched chunk, for serving partial
// content to other peers.
func (s *Store) ReadChunk(index uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(index) >= len(s.chunks) {
		return nil, fmt.Errorf("chunk index %d out of range (%d chunks)", index, len(s.chunks))
	}
	if !s.fetched[index] {
		return nil, fmt.Errorf("chunk %d not fetched", index)
	}
	info := s.chunks[index]
	buf := make([]byte, info.Size)
	if _, err := s.data.ReadAt(buf, int64(info.Offset)); err != nil {
		return nil, fmt.Errorf("failed to read chunk %d: %w", index, err)
	}
	return buf, nil
}

// Complete reports whether every chunk is fetched.
func (s *Store) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done == len(s.chunks)
}

// BytesDone returns the number of fetched bytes.
func (s *Store) BytesDone() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for i, ok := range s.fetched {
		if ok {
			n += uint64(s.chunks[i].Size)
		}
	}
	return n
}

// BytesTotal returns the full size of the target file.
func (s *Store) BytesTotal() uint64 {
	var n uint64
	for _, c := range s.chunks {
		n += uint64(c.Size)
	}
	return n
}

// Finalize verifies the assembled content and materializes it at
// destDir/RelPath, recreating the declared folder hierarchy. The
// reconstructed bytes must hash to the target FileHash; on success the
// working files are removed and the final path returned.
func (s *Store) Finalize(destDir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != len(s.chunks) {
		return "", fmt.Errorf("%w: %d of %d fetched", ErrIncomplete, s.done, len(s.chunks))
	}

	if _, err := s.data.Seek(0, 0); err != nil {
		return "", fmt.Errorf("failed to rewind data file: %w", err)
	}
	sum, err := hash.SumReader(s.data)
	if err != nil {
		return "", fmt.Errorf("failed to hash assembled file: %w", err)
	}
	if !sum.Equal(s.target) {
		// Every chunk verified individually but the assembly does not, so
		// the declared chunk table was inconsistent with the target. Demote
		// everything; a later resume refetches instead of reassembling the
		// same bytes.
		for i := range s.fetched {
			s.fetched[i] = false
		}
		s.done = 0
		s.writeCheckpointLocked()
		return "", fmt.Errorf("%w: assembled file hashes to %s, want %s", ErrIntegrity, sum, s.target)
	}

	final := filepath.Join(destDir, filepath.FromSlash(s.relPath))
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := s.data.Close(); err != nil {
		return "", fmt.Errorf("failed to close data file: %w", err)
	}
	if err := os.Rename(s.dataPath(), final); err != nil {
		return "", fmt.Errorf("failed to move assembled file: %w", err)
	}
	os.Remove(s.checkpointPath())
	return final, nil
}

// Discard removes all on-disk state, abandoning resumability.
func (s *Store) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data != nil {
		s.data.Close()
	}
	err1 := os.Remove(s.dataPath())
	err2 := os.Remove(s.checkpointPath())
	if err1 != nil && !os.IsNotExist(err1) {
		return err1
	}
	if err2 != nil && !os.IsNotExist(err2) {
		return err2
	}
	return nil
}

// Close releases the data file handle, keeping on-disk state for resume.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil
	}
	err := s.data.Close()
	s.data = nil
	return err
}

// Remove deletes any on-disk state for an id without opening it, for
// cleaning up stores too corrupt to load.
func Remove(dir, id string) error {
	err1 := os.Remove(filepath.Join(dir, id+dataSuffix))
	err2 := os.Remove(filepath.Join(dir, id+checkpointSuffix))
	if err1 != nil && !os.IsNotExist(err1) {
		return err1
	}
	if err2 != nil && !os.IsNotExist(err2) {
		return err2
	}
	return nil
}

// List returns the id of every checkpointed store under dir, for
// re-seeding partial downloads on startup. A missing directory is an
// empty list, not an error.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list store directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasSuffix(name, checkpointSuffix) {
			ids = append(ids, strings.TrimSuffix(name, checkpointSuffix))
		}
	}
	return ids, nil
}

// writeCheckpointLocked persists the chunk map atomically (write to a
// temp file, then rename over the checkpoint).
func (s *Store) writeCheckpointLocked() error {
	bitmap := make([]byte, bitmapLen(len(s.chunks)))
	for i, ok := range s.fetched {
		if ok {
			bitmap[i/8] |= 1 << (i % 8)
		}
	}
	cp := checkpoint{
		Target:  s.target,
		Context: s.context,
		RelPath: s.relPath,
		Chunks:  s.chunks,
		Fetched: bitmap,
	}
	raw, err := cborcanon.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp := s.checkpointPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.checkpointPath()); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

func (s *Store) dataPath() string       { return filepath.Join(s.dir, s.id+dataSuffix) }
func (s *Store) checkpointPath() string { return filepath.Join(s.dir, s.id+checkpointSuffix) }

func bitmapLen(chunks int) int {
	return (chunks + 7) / 8
}

func maxChunkSize(chunks []tree.ChunkInfo) uint32 {
	var max uint32
	for _, c := range chunks {
		if c.Size > max {
			max = c.Size
		}
	}
	return max
}
