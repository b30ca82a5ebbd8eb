package transfer

import (
	"context"
	"sync"

	"github.com/Cutipus/HermesNet/pkg/hash"
	"github.com/Cutipus/HermesNet/pkg/wire"
)

// PeerClient is one negotiated session with a peer chunk service. The
// coordinator schedules against this interface; the concrete
// implementation speaks length-prefixed frames over a transport, tests
// substitute in-memory fakes.
type PeerClient interface {
	// Offer asks which chunks of target the peer can serve.
	Offer(ctx context.Context, target hash.Digest) (*wire.OfferResultBody, error)

	// FetchChunk pulls one chunk's bytes.
	FetchChunk(ctx context.Context, target hash.Digest, index uint32) ([]byte, error)

	// Close terminates the session.
	Close() error
}

// Dialer establishes peer sessions by address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (PeerClient, error)
}

// connPool shares peer sessions between concurrent transfers. Sessions
// are refcounted: a connection to a peer serving three transfers is
// dialed once and closed when the last transfer releases it.
type connPool struct {
	dialer Dialer

	mu    sync.Mutex
	conns map[string]*pooledConn
}

type pooledConn struct {
	refs   int
	ready  chan struct{} // closed once the dial resolves
	client PeerClient
	err    error
}

func newConnPool(dialer Dialer) *connPool {
	return &connPool{
		dialer: dialer,
		conns:  make(map[string]*pooledConn),
	}
}

// acquire returns a session to addr, dialing one if none is live.
// Concurrent acquirers of the same address share a single dial.
func (p *connPool) acquire(ctx context.Context, addr string) (PeerClient, error) {
	p.mu.Lock()
	if pc, ok := p.conns[addr]; ok {
		pc.refs++
		p.mu.Unlock()
		select {
		case <-pc.ready:
		case <-ctx.Done():
			p.release(addr)
			return nil, ctx.Err()
		}
		if pc.err != nil {
			p.release(addr)
			return nil, pc.err
		}
		return pc.client, nil
	}

	pc := &pooledConn{refs: 1, ready: make(chan struct{})}
	p.conns[addr] = pc
	p.mu.Unlock()

	client, err := p.dialer.Dial(ctx, addr)

	p.mu.Lock()
	pc.client, pc.err = client, err
	close(pc.ready)
	if err != nil && p.conns[addr] == pc {
		delete(p.conns, addr)
	}
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return client, nil
}

// release drops one reference to addr, closing the session when the
// count reaches zero.
func (p *connPool) release(addr string) {
	p.mu.Lock()
	pc, ok := p.conns[addr]
	if !ok {
		p.mu.Unlock()
		return
	}
	pc.refs--
	if pc.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.conns, addr)
	p.mu.Unlock()

	select {
	case <-pc.ready:
		if pc.client != nil {
			pc.client.Close()
		}
	default:
		// Dial still in flight; its error path removes the entry.
	}
}

// closeAll force-closes every pooled session.
func (p *connPool) closeAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()

	for _, pc := range conns {
		select {
		case <-pc.ready:
			if pc.client != nil {
				pc.client.Close()
			}
		default:
		}
	}
}
