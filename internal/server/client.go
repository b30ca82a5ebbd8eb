package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Cutipus/HermesNet/pkg/constants"
	"github.com/Cutipus/HermesNet/pkg/hash"
	"github.com/Cutipus/HermesNet/pkg/transport"
	"github.com/Cutipus/HermesNet/pkg/tree"
	"github.com/Cutipus/HermesNet/pkg/wire"
)

// Client is a session with the index server.
type Client struct {
	from string
	conn transport.Conn
	seq  atomic.Uint64

	mu sync.Mutex // serializes round trips
}

// Dial connects to the index server at addr over the named transport,
// identifying as owner.
func Dial(ctx context.Context, transportName, addr, owner string) (*Client, error) {
	tr, ok := transport.DefaultRegistry.Get(transportName)
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", transportName)
	}
	conn, err := tr.Dial(ctx, addr, transport.ClientTLSConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to dial index server %s: %w", addr, err)
	}
	return &Client{from: owner, conn: conn}, nil
}

func (c *Client) roundTrip(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(constants.FetchTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	if err := transport.WriteFrame(c.conn, frame); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", wire.KindName(frame.Kind), err)
	}
	reply, err := transport.ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s reply: %w", wire.KindName(frame.Kind), err)
	}
	if wire.IsErrorFrame(reply) {
		werr, err := wire.ExtractError(reply)
		if err != nil {
			return nil, err
		}
		return nil, werr
	}
	return reply, nil
}

// request sends body as a frame of the given kind and decodes the reply
// body when the reply kind matches want.
func (c *Client) request(ctx context.Context, kind, want uint16, body, out interface{}) error {
	frame, err := wire.NewFrame(kind, c.from, c.seq.Add(1), body)
	if err != nil {
		return err
	}
	reply, err := c.roundTrip(ctx, frame)
	if err != nil {
		return err
	}
	if !reply.IsKind(want) {
		return fmt.Errorf("unexpected %s reply to %s", wire.KindName(reply.Kind), wire.KindName(kind))
	}
	return reply.DecodeBody(out)
}

// Ping checks the session and refreshes this owner's liveness.
func (c *Client) Ping(ctx context.Context) error {
	var pong wire.PongBody
	return c.request(ctx, constants.KindPing, constants.KindPong, &wire.PingBody{Message: "ping"}, &pong)
}

// Declare publishes a content tree declaration.
func (c *Client) Declare(ctx context.Context, decl *tree.Declaration) error {
	var ok wire.DeclareOKBody
	if err := c.request(ctx, constants.KindDeclare, constants.KindDeclareOK, &wire.DeclareBody{Declaration: decl}, &ok); err != nil {
		return err
	}
	if !ok.RootHash.Equal(decl.RootHash) {
		return fmt.Errorf("index acknowledged root %s, declared %s", ok.RootHash, decl.RootHash)
	}
	return nil
}

// Withdraw removes every declaration this owner has made.
func (c *Client) Withdraw(ctx context.Context) error {
	var ok wire.WithdrawOKBody
	return c.request(ctx, constants.KindWithdraw, constants.KindWithdrawOK, &wire.WithdrawBody{Owner: c.from}, &ok)
}

// Search runs a classified query.
func (c *Client) Search(ctx context.Context, kind, term string) (*wire.SearchResultsBody, error) {
	var results wire.SearchResultsBody
	if err := c.request(ctx, constants.KindSearch, constants.KindSearchResults, &wire.SearchBody{Kind: kind, Term: term}, &results); err != nil {
		return nil, err
	}
	return &results, nil
}

// Lookup returns every index ref for an exact hash.
func (c *Client) Lookup(ctx context.Context, target hash.Digest) ([]wire.RefResult, error) {
	var results wire.LookupResultsBody
	if err := c.request(ctx, constants.KindLookup, constants.KindLookupResults, &wire.LookupBody{Hash: target}, &results); err != nil {
		return nil, err
	}
	return results.Refs, nil
}

// All returns every owner's declared trees and chunk service addresses.
func (c *Client) All(ctx context.Context) (*wire.AllResultsBody, error) {
	var results wire.AllResultsBody
	if err := c.request(ctx, constants.KindAll, constants.KindAllResults, &wire.AllBody{}, &results); err != nil {
		return nil, err
	}
	return &results, nil
}

// Close sends a best-effort FIN and closes the connection.
func (c *Client) Close() error {
	if frame, err := wire.NewFrame(constants.KindFin, c.from, c.seq.Add(1), &wire.FinBody{}); err == nil {
		c.mu.Lock()
		c.conn.SetDeadline(time.Now().Add(time.Second))
		transport.WriteFrame(c.conn, frame)
		c.mu.Unlock()
	}
	return c.conn.Close()
}
