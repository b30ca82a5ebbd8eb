package peer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Cutipus/HermesNet/internal/transfer"
	"github.com/Cutipus/HermesNet/pkg/constants"
	"github.com/Cutipus/HermesNet/pkg/hash"
	"github.com/Cutipus/HermesNet/pkg/transport"
	"github.com/Cutipus/HermesNet/pkg/wire"
)

// Client is one session with a remote chunk service. Requests are
// strictly request/response, serialized per connection; the transfer
// engine gets concurrency by fanning out across peers.
type Client struct {
	from string
	conn transport.Conn
	seq  atomic.Uint64

	mu sync.Mutex // serializes round trips
}

// NewClient wraps an established connection, identifying as from.
func NewClient(from string, conn transport.Conn) *Client {
	return &Client{from: from, conn: conn}
}

// roundTrip sends one frame and reads its reply, honoring the context
// deadline through connection deadlines.
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

// Ping checks the session is alive.
func (c *Client) Ping(ctx context.Context) error {
	frame, err := wire.NewPingFrame(c.from, c.seq.Add(1), "ping")
	if err != nil {
		return err
	}
	reply, err := c.roundTrip(ctx, frame)
	if err != nil {
		return err
	}
	if !reply.IsKind(constants.KindPong) {
		return fmt.Errorf("unexpected %s reply to PING", wire.KindName(reply.Kind))
	}
	return nil
}

// Offer asks which chunks of target the peer can serve.
func (c *Client) Offer(ctx context.Context, target hash.Digest) (*wire.OfferResultBody, error) {
	frame, err := wire.NewOfferFrame(c.from, c.seq.Add(1), target)
	if err != nil {
		return nil, err
	}
	reply, err := c.roundTrip(ctx, frame)
	if err != nil {
		return nil, err
	}
	if !reply.IsKind(constants.KindOfferResult) {
		return nil, fmt.Errorf("unexpected %s reply to OFFER", wire.KindName(reply.Kind))
	}
	var body wire.OfferResultBody
	if err := reply.DecodeBody(&body); err != nil {
		return nil, err
	}
	return &body, nil
}

// FetchChunk pulls one chunk's bytes. An UNAVAILABLE reply surfaces as a
// *wire.Error with the unavailable code, so the scheduler can
// distinguish a declining peer from a dead one.
func (c *Client) FetchChunk(ctx context.Context, target hash.Digest, index uint32) ([]byte, error) {
	frame, err := wire.NewFetchChunkFrame(c.from, c.seq.Add(1), target, index)
	if err != nil {
		return nil, err
	}
	reply, err := c.roundTrip(ctx, frame)
	if err != nil {
		return nil, err
	}

	switch {
	case reply.IsKind(constants.KindChunkData):
		var body wire.ChunkDataBody
		if err := reply.DecodeBody(&body); err != nil {
			return nil, err
		}
		if !body.Hash.Equal(target) || body.Index != index {
			return nil, fmt.Errorf("chunk reply for %s[%d], want %s[%d]", body.Hash, body.Index, target, index)
		}
		return body.Data, nil

	case reply.IsKind(constants.KindUnavailable):
		var body wire.UnavailableBody
		if err := reply.DecodeBody(&body); err != nil {
			return nil, err
		}
		return nil, wire.ErrUnavailable(body.Reason)

	default:
		return nil, fmt.Errorf("unexpected %s reply to FETCH_CHUNK", wire.KindName(reply.Kind))
	}
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

// Dialer dials chunk services over a registered transport. It satisfies
// the transfer engine's dialer interface.
type Dialer struct {
	From      string
	Transport string
}

// Dial connects to a peer's chunk service at addr.
func (d *Dialer) Dial(ctx context.Context, addr string) (transfer.PeerClient, error) {
	tr, ok := transport.DefaultRegistry.Get(d.Transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", d.Transport)
	}
	conn, err := tr.Dial(ctx, addr, transport.ClientTLSConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return NewClient(d.From, conn), nil
}
