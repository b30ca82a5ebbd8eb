// Package peer implements the chunk service every declaring peer runs:
// the serving side that answers availability offers and chunk fetches
// for declared content, and the client side the transfer engine uses to
// talk to it. Refusals are explicit frames, never silent drops, so a
// requester can immediately try another chunk or another peer.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/Cutipus/HermesNet/internal/chunkstore"
	"github.com/Cutipus/HermesNet/pkg/constants"
	"github.com/Cutipus/HermesNet/pkg/hash"
	"github.com/Cutipus/HermesNet/pkg/transport"
	"github.com/Cutipus/HermesNet/pkg/tree"
	"github.com/Cutipus/HermesNet/pkg/wire"
)

// catalogEntry maps one servable FileHash to its local bytes: either a
// complete file on disk or an in-progress chunk store.
type catalogEntry struct {
	path   string // absolute path of the complete file
	chunks []tree.ChunkInfo
	store  *chunkstore.Store // partial content, nil for complete files
}

// Service serves chunks of declared content.
type Service struct {
	owner string

	mu      sync.RWMutex
	catalog map[hash.Digest]*catalogEntry
}

// NewService creates a chunk service identifying itself as owner.
func NewService(owner string) *Service {
	return &Service{
		owner:   owner,
		catalog: make(map[hash.Digest]*catalogEntry),
	}
}

// SetRoot replaces the served catalog with the files of one declared
// tree. base is the local directory the declaration was indexed from;
// file paths inside the tree resolve relative to it.
func (s *Service) SetRoot(base string, decl *tree.Declaration) {
	catalog := make(map[hash.Digest]*catalogEntry)
	addDir(catalog, base, decl.Root)

	s.mu.Lock()
	for target, entry := range s.catalog {
		// Keep partial stores; they are registered independently.
		if entry.store != nil {
			catalog[target] = entry
		}
	}
	s.catalog = catalog
	s.mu.Unlock()
}

func addDir(catalog map[hash.Digest]*catalogEntry, dir string, d *tree.Dir) {
	for _, f := range d.Files {
		catalog[f.Hash] = &catalogEntry{
			path:   filepath.Join(dir, f.Name),
			chunks: f.Chunks,
		}
	}
	for _, sub := range d.Dirs {
		addDir(catalog, filepath.Join(dir, sub.Name), sub)
	}
}

// ShareStore additionally serves the fetched chunks of an in-progress
// download, so partially complete peers contribute to the swarm.
func (s *Service) ShareStore(st *chunkstore.Store) {
	s.mu.Lock()
	s.catalog[st.Target()] = &catalogEntry{chunks: st.Chunks(), store: st}
	s.mu.Unlock()
}

// UnshareStore stops serving a previously shared store.
func (s *Service) UnshareStore(target hash.Digest) {
	s.mu.Lock()
	if entry, ok := s.catalog[target]; ok && entry.store != nil {
		delete(s.catalog, target)
	}
	s.mu.Unlock()
}

// Serve accepts connections until the context is cancelled or the
// listener fails. Each connection gets its own goroutine.
func (s *Service) Serve(ctx context.Context, ln transport.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn processes frames on one connection until FIN, error or
// disconnect.
func (s *Service) handleConn(ctx context.Context, conn transport.Conn) {
	defer conn.Close()

	for ctx.Err() == nil {
		frame, err := transport.ReadFrame(conn)
		if err != nil {
			return
		}
		if err := frame.Validate(); err != nil {
			var werr *wire.Error
			if !errors.As(err, &werr) {
				werr = wire.NewError(constants.ErrorBadFrame, err.Error())
			}
			transport.WriteFrame(conn, wire.ErrorFrame(s.owner, frame.Seq, werr))
			continue
		}

		reply := s.handleFrame(frame)
		if reply == nil {
			return // FIN
		}
		if err := transport.WriteFrame(conn, reply); err != nil {
			return
		}
	}
}

// handleFrame dispatches one request frame. A nil reply closes the
// connection.
func (s *Service) handleFrame(frame *wire.Frame) *wire.Frame {
	switch frame.Kind {
	case constants.KindPing:
		var body wire.PingBody
		if err := frame.DecodeBody(&body); err != nil {
			return s.badFrame(frame, err)
		}
		reply, _ := wire.NewPongFrame(s.owner, frame.Seq, body.Message)
		return reply

	case constants.KindOffer:
		var body wire.OfferBody
		if err := frame.DecodeBody(&body); err != nil {
			return s.badFrame(frame, err)
		}
		return s.handleOffer(frame, body.Hash)

	case constants.KindFetchChunk:
		var body wire.FetchChunkBody
		if err := frame.DecodeBody(&body); err != nil {
			return s.badFrame(frame, err)
		}
		return s.handleFetch(frame, body.Hash, body.Index)

	case constants.KindFin:
		return nil

	default:
		return wire.ErrorFrame(s.owner, frame.Seq,
			wire.NewError(constants.ErrorBadFrame,
				fmt.Sprintf("unexpected %s frame", wire.KindName(frame.Kind))))
	}
}

func (s *Service) badFrame(frame *wire.Frame, err error) *wire.Frame {
	return wire.ErrorFrame(s.owner, frame.Seq, wire.NewError(constants.ErrorBadFrame, err.Error()))
}

// handleOffer answers which chunks of target this peer can serve:
// every chunk for complete files, the fetched subset for shared
// in-progress stores.
func (s *Service) handleOffer(frame *wire.Frame, target hash.Digest) *wire.Frame {
	s.mu.RLock()
	entry, ok := s.catalog[target]
	s.mu.RUnlock()
	if !ok {
		return wire.ErrorFrame(s.owner, frame.Seq, wire.ErrUnknownHash(target.String()))
	}

	var indices []uint32
	if entry.store != nil {
		indices = entry.store.Fetched()
	} else {
		indices = make([]uint32, len(entry.chunks))
		for i := range entry.chunks {
			indices[i] = uint32(i)
		}
	}

	reply, err := wire.NewFrame(constants.KindOfferResult, s.owner, frame.Seq, &wire.OfferResultBody{
		Hash:    target,
		Indices: indices,
		Total:   uint32(len(entry.chunks)),
	})
	if err != nil {
		return wire.ErrorFrame(s.owner, frame.Seq, wire.NewError(constants.ErrorInternal, err.Error()))
	}
	return reply
}

// handleFetch reads and returns one chunk. Any failure to produce the
// bytes becomes an explicit UNAVAILABLE frame; the connection stays
// open.
func (s *Service) handleFetch(frame *wire.Frame, target hash.Digest, index uint32) *wire.Frame {
	data, err := s.readChunk(target, index)
	if err != nil {
		reply, ferr := wire.NewFrame(constants.KindUnavailable, s.owner, frame.Seq, &wire.UnavailableBody{
			Hash:   target,
			Index:  index,
			Reason: err.Error(),
		})
		if ferr != nil {
			return wire.ErrorFrame(s.owner, frame.Seq, wire.NewError(constants.ErrorInternal, ferr.Error()))
		}
		return reply
	}

	reply, err := wire.NewFrame(constants.KindChunkData, s.owner, frame.Seq, &wire.ChunkDataBody{
		Hash:  target,
		Index: index,
		Data:  data,
	})
	if err != nil {
		return wire.ErrorFrame(s.owner, frame.Seq, wire.NewError(constants.ErrorInternal, err.Error()))
	}
	return reply
}

func (s *Service) readChunk(target hash.Digest, index uint32) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.catalog[target]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("not serving %s", target)
	}
	if int(index) >= len(entry.chunks) {
		return nil, fmt.Errorf("chunk index %d out of range (%d chunks)", index, len(entry.chunks))
	}

	if entry.store != nil {
		return entry.store.ReadChunk(index)
	}

	info := entry.chunks[index]
	f, err := os.Open(entry.path)
	if err != nil {
		return nil, fmt.Errorf("content no longer readable: %w", err)
	}
	defer f.Close()
	data := make([]byte, info.Size)
	if _, err := f.ReadAt(data, int64(info.Offset)); err != nil {
		return nil, fmt.Errorf("content no longer readable: %w", err)
	}
	return data, nil
}

// Listen opens the service listener on addr using the named transport
// from the default registry.
func Listen(ctx context.Context, transportName, addr string) (transport.Listener, error) {
	tr, ok := transport.DefaultRegistry.Get(transportName)
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", transportName)
	}
	tlsConfig, err := transport.EphemeralTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}
	ln, err := tr.Listen(ctx, addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// ListenAddr formats the advertised address for a listener bound on host.
func ListenAddr(host string, ln transport.Listener) string {
	if host == "" {
		return ln.Addr().String()
	}
	if _, port, err := net.SplitHostPort(ln.Addr().String()); err == nil {
		return net.JoinHostPort(host, port)
	}
	return ln.Addr().String()
}
