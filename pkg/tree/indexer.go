package tree

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Cutipus/HermesNet/pkg/constants"
	"github.com/Cutipus/HermesNet/pkg/hash"
	"lukechampine.com/blake3"
)

// WalkError reports a single unreadable file or subtree encountered while
// indexing. Walk errors are non-fatal: the entry is skipped and flagged,
// the rest of the declaration proceeds.
type WalkError struct {
	Path string
	Err  error
}

// Error implements the error interface
func (e *WalkError) Error() string {
	return fmt.Sprintf("indexing %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *WalkError) Unwrap() error {
	return e.Err
}

// IndexConfig holds indexer configuration.
type IndexConfig struct {
	ChunkSize   uint32 // chunk grid size, default constants.ChunkSize
	HashWorkers int    // concurrent file hashers, default 4
}

// DefaultIndexConfig returns a default indexer configuration
func DefaultIndexConfig() *IndexConfig {
	return &IndexConfig{
		ChunkSize:   constants.ChunkSize,
		HashWorkers: 4,
	}
}

// Index walks the directory at root, hashes every file's content and folds
// child hashes bottom-up into TreeHash values, producing a declaration for
// owner reachable at addr. Re-running on an unchanged tree yields
// byte-identical hashes.
//
// Unreadable entries are skipped and returned as WalkErrors rather than
// aborting the walk; only a failure to read the root itself is fatal.
func Index(ctx context.Context, root, owner, addr string, cfg *IndexConfig) (*Declaration, []*WalkError, error) {
	if cfg == nil {
		cfg = DefaultIndexConfig()
	}
	if cfg.ChunkSize == 0 {
		return nil, nil, fmt.Errorf("chunk size cannot be zero")
	}

	var (
		mu       sync.Mutex
		walkErrs []*WalkError
	)
	flag := func(path string, err error) {
		mu.Lock()
		walkErrs = append(walkErrs, &WalkError{Path: path, Err: err})
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.HashWorkers)

	dir, err := indexDir(ctx, g, root, cfg, flag)
	if err != nil {
		return nil, walkErrs, fmt.Errorf("failed to index root %s: %w", root, err)
	}
	if err := g.Wait(); err != nil {
		return nil, walkErrs, err
	}

	// Unreadable files were flagged with a zero hash; drop them now that
	// all hash workers are done.
	dropFailedFiles(dir)

	decl := &Declaration{
		Owner:    owner,
		Addr:     addr,
		Root:     dir,
		RootHash: dir.Hash(),
	}
	return decl, walkErrs, nil
}

// indexDir builds the directory skeleton synchronously and schedules file
// hashing on the errgroup.
func indexDir(ctx context.Context, g *errgroup.Group, path string, cfg *IndexConfig, flag func(string, error)) (*Dir, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	// ReadDir sorts by name already; keep the tree ordered regardless.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	dir := &Dir{Name: filepath.Base(path)}
	for _, entry := range entries {
		childPath := filepath.Join(path, entry.Name())
		switch {
		case entry.IsDir():
			sub, err := indexDir(ctx, g, childPath, cfg, flag)
			if err != nil {
				flag(childPath, err)
				continue
			}
			dir.Dirs = append(dir.Dirs, sub)
		case entry.Type().IsRegular():
			f := &File{Name: entry.Name()}
			dir.Files = append(dir.Files, f)
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := hashFile(childPath, f, cfg.ChunkSize); err != nil {
					flag(childPath, err)
				}
				return nil
			})
		default:
			// Symlinks, devices and the like are not shareable content.
		}
	}
	return dir, nil
}

// hashFile fills in the file's digest, size and chunk table in a single
// pass over its bytes.
func hashFile(path string, f *File, chunkSize uint32) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()

	whole := blake3.New(hash.Size, nil)
	buf := make([]byte, chunkSize)
	var (
		offset uint64
		index  uint32
		chunks []ChunkInfo
	)
	for {
		n, err := io.ReadFull(fh, buf)
		if n > 0 {
			data := buf[:n]
			whole.Write(data)
			chunks = append(chunks, ChunkInfo{
				Index:  index,
				Offset: offset,
				Size:   uint32(n),
				Hash:   hash.Sum(data),
			})
			offset += uint64(n)
			index++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read at offset %d: %w", offset, err)
		}
	}

	var sum hash.Digest
	copy(sum[:], whole.Sum(nil))
	f.Hash = sum
	f.Size = offset
	f.Chunks = chunks
	return nil
}

// dropFailedFiles removes files whose hashing failed. A hashed file always
// carries a non-zero digest (even for empty input), so a zero digest marks
// an entry that was flagged and never filled in.
func dropFailedFiles(d *Dir) {
	kept := d.Files[:0]
	for _, f := range d.Files {
		if f.Hash.IsZero() {
			continue
		}
		kept = append(kept, f)
	}
	d.Files = kept
	for _, sub := range d.Dirs {
		dropFailedFiles(sub)
	}
}
