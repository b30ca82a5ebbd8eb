// Package server implements the index server: the accept loop and frame
// dispatch wiring declarations, withdrawals, searches and lookups to the
// consensus registry, plus the client the CLI uses to reach it.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Cutipus/HermesNet/internal/search"
	"github.com/Cutipus/HermesNet/internal/treestore"
	"github.com/Cutipus/HermesNet/pkg/constants"
	"github.com/Cutipus/HermesNet/pkg/transport"
	"github.com/Cutipus/HermesNet/pkg/wire"
)

// serverName identifies the index server in frame envelopes.
const serverName = "index"

// Server is the index server.
type Server struct {
	store  *treestore.Store
	engine *search.Engine
}

// New creates an index server over the given registry.
func New(store *treestore.Store) *Server {
	return &Server{
		store:  store,
		engine: search.New(store),
	}
}

// Store returns the underlying consensus registry.
func (s *Server) Store() *treestore.Store { return s.store }

// Serve accepts connections until the context is cancelled or the
// listener fails.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
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

func (s *Server) handleConn(ctx context.Context, conn transport.Conn) {
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
			transport.WriteFrame(conn, wire.ErrorFrame(serverName, frame.Seq, werr))
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
func (s *Server) handleFrame(frame *wire.Frame) *wire.Frame {
	switch frame.Kind {
	case constants.KindPing:
		var body wire.PingBody
		if err := frame.DecodeBody(&body); err != nil {
			return s.badFrame(frame, err)
		}
		s.store.Touch(frame.From)
		reply, _ := wire.NewPongFrame(serverName, frame.Seq, body.Message)
		return reply

	case constants.KindDeclare:
		return s.handleDeclare(frame)

	case constants.KindWithdraw:
		var body wire.WithdrawBody
		if err := frame.DecodeBody(&body); err != nil {
			return s.badFrame(frame, err)
		}
		s.store.Withdraw(body.Owner)
		return s.reply(frame, constants.KindWithdrawOK, &wire.WithdrawOKBody{Owner: body.Owner})

	case constants.KindSearch:
		return s.handleSearch(frame)

	case constants.KindLookup:
		return s.handleLookup(frame)

	case constants.KindAll:
		return s.handleAll(frame)

	case constants.KindFin:
		return nil

	default:
		return wire.ErrorFrame(serverName, frame.Seq,
			wire.NewError(constants.ErrorBadFrame,
				fmt.Sprintf("unexpected %s frame", wire.KindName(frame.Kind))))
	}
}

func (s *Server) badFrame(frame *wire.Frame, err error) *wire.Frame {
	return wire.ErrorFrame(serverName, frame.Seq, wire.NewError(constants.ErrorBadFrame, err.Error()))
}

func (s *Server) reply(frame *wire.Frame, kind uint16, body interface{}) *wire.Frame {
	reply, err := wire.NewFrame(kind, serverName, frame.Seq, body)
	if err != nil {
		return wire.ErrorFrame(serverName, frame.Seq, wire.NewError(constants.ErrorInternal, err.Error()))
	}
	return reply
}

func (s *Server) handleDeclare(frame *wire.Frame) *wire.Frame {
	var body wire.DeclareBody
	if err := frame.DecodeBody(&body); err != nil {
		return s.badFrame(frame, err)
	}
	if body.Declaration == nil {
		return s.badFrame(frame, errors.New("missing declaration"))
	}
	if err := s.store.Declare(body.Declaration); err != nil {
		return wire.ErrorFrame(serverName, frame.Seq, wire.NewError(constants.ErrorBadFrame, err.Error()))
	}
	return s.reply(frame, constants.KindDeclareOK, &wire.DeclareOKBody{RootHash: body.Declaration.RootHash})
}

func (s *Server) handleSearch(frame *wire.Frame) *wire.Frame {
	var body wire.SearchBody
	if err := frame.DecodeBody(&body); err != nil {
		return s.badFrame(frame, err)
	}

	results, err := s.engine.Search(search.Query{Kind: search.Kind(body.Kind), Term: body.Term})
	if err != nil {
		return wire.ErrorFrame(serverName, frame.Seq, wire.NewError(constants.ErrorBadFrame, err.Error()))
	}
	return s.reply(frame, constants.KindSearchResults, toSearchResults(results))
}

func (s *Server) handleLookup(frame *wire.Frame) *wire.Frame {
	var body wire.LookupBody
	if err := frame.DecodeBody(&body); err != nil {
		return s.badFrame(frame, err)
	}

	refs := s.store.Lookup(body.Hash)
	out := make([]wire.RefResult, 0, len(refs))
	for _, ref := range refs {
		out = append(out, wire.RefResult{
			Owner:   ref.Owner,
			Addr:    ref.Addr,
			Context: ref.Context,
			Name:    ref.Name,
		})
	}
	return s.reply(frame, constants.KindLookupResults, &wire.LookupResultsBody{Refs: out})
}

func (s *Server) handleAll(frame *wire.Frame) *wire.Frame {
	trees := s.store.All()
	addrs := make(map[string]string, len(trees))
	for _, p := range s.store.AllPeers() {
		addrs[p.Owner] = p.Addr
	}
	return s.reply(frame, constants.KindAllResults, &wire.AllResultsBody{Trees: trees, Addrs: addrs})
}

// toSearchResults converts engine results to their wire form, keeping
// the engine's ordering.
func toSearchResults(results []search.Result) *wire.SearchResultsBody {
	body := &wire.SearchResultsBody{}
	for _, r := range results {
		switch m := r.(type) {
		case *search.FileMatch:
			fr := wire.FileResult{
				Hash:   m.Hash,
				Size:   m.Size,
				Chunks: m.Chunks,
				Names:  m.Names,
			}
			for _, c := range m.Candidates {
				fr.Candidates = append(fr.Candidates, wire.CandidateResult{
					Context:     c.Context,
					Replicas:    c.Replicas,
					Names:       c.Names,
					DisplayName: c.DisplayName,
				})
			}
			for _, sib := range m.Siblings {
				fr.Siblings = append(fr.Siblings, wire.Sibling{
					Name:  sib.Name,
					Size:  sib.Size,
					IsDir: sib.IsDir,
				})
			}
			body.Files = append(body.Files, fr)

		case *search.FolderMatch:
			body.Folders = append(body.Folders, wire.FolderResult{
				TreeHash: m.TreeHash,
				Owners:   m.Owners,
				Subtree:  m.Subtree,
			})
		}
	}
	return body
}
