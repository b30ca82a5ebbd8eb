package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Cutipus/HermesNet/internal/chunkstore"
	"github.com/Cutipus/HermesNet/pkg/constants"
	"github.com/Cutipus/HermesNet/pkg/wire"
)

// source is one peer session scored for scheduling.
type source struct {
	peer     Peer
	client   PeerClient
	avail    map[uint32]bool // chunk indices the peer offered
	full     bool            // offered every chunk
	inflight int
	failed   bool    // transport-level failure, excluded from scheduling
	score    float64 // EWMA bytes/sec
}

func (s *source) serves(index uint32) bool {
	return s.full || s.avail[index]
}

// recordThroughput folds one fetch into the peer's throughput score.
func (s *source) recordThroughput(n int, dur time.Duration) {
	if dur <= 0 {
		return
	}
	rate := float64(n) / dur.Seconds()
	if s.score == 0 {
		s.score = rate
		return
	}
	s.score = 0.7*s.score + 0.3*rate
}

// negotiate asks every candidate peer which chunks it can serve.
// Unreachable peers and peers whose offer does not match the declared
// chunk table are dropped; negotiation only fails when nobody remains.
func (c *Coordinator) negotiate(ctx context.Context, t *transfer) ([]*source, error) {
	total := uint32(len(t.store.Chunks()))

	var (
		mu      sync.Mutex
		sources []*source
		wg      sync.WaitGroup
	)
	for _, p := range t.peers {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			octx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
			defer cancel()

			client, err := c.pool.acquire(octx, p.Addr)
			if err != nil {
				return
			}
			offer, err := client.Offer(octx, t.target)
			if err != nil || !offer.Hash.Equal(t.target) || offer.Total != total || len(offer.Indices) == 0 {
				c.pool.release(p.Addr)
				return
			}

			src := &source{peer: p, client: client}
			if uint32(len(offer.Indices)) == total {
				src.full = true
			} else {
				src.avail = make(map[uint32]bool, len(offer.Indices))
				for _, idx := range offer.Indices {
					src.avail[idx] = true
				}
			}
			mu.Lock()
			sources = append(sources, src)
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: %d candidates, none offered %s", ErrNoPeers, len(t.peers), t.target)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].peer.Addr < sources[j].peer.Addr })
	return sources, nil
}

// attempt tracks per-chunk scheduling history for the session.
type attempt struct {
	tried     map[string]bool // peer addrs that already served or failed this chunk
	integrity int             // verification rejections
}

// fetchResult is one worker's outcome.
type fetchResult struct {
	src   *source
	index uint32
	n     int
	dur   time.Duration
	err   error
}

// download schedules the missing chunks across the negotiated sources
// until the store is complete or no source can make progress. Dispatch
// spreads in-flight fetches across distinct peers before doubling up,
// and prefers higher-throughput peers among equally loaded ones. A
// chunk rejected by verification is evicted and re-fetched from a
// different peer; it never retries the peer that produced the bad bytes.
func (c *Coordinator) download(ctx context.Context, t *transfer, sources []*source) error {
	missing := t.store.Missing()
	order := make([]uint32, len(missing))
	copy(order, missing)
	pending := make(map[uint32]*attempt, len(missing))
	for _, idx := range missing {
		pending[idx] = &attempt{tried: make(map[string]bool)}
	}

	results := make(chan fetchResult)
	inflight := make(map[uint32]bool)
	active := 0
	var terminal error

	for {
		if terminal == nil {
			for active < c.cfg.Fetchers {
				idx, src, ok := pickFetch(order, pending, inflight, sources)
				if !ok {
					break
				}
				pending[idx].tried[src.peer.Addr] = true
				inflight[idx] = true
				src.inflight++
				active++
				go c.fetch(ctx, t, src, idx, results)
			}
			if active == 0 {
				if len(pending) == 0 {
					return nil
				}
				terminal = exhaustionError(pending)
			}
		}
		if terminal != nil && active == 0 {
			return terminal
		}

		select {
		case res := <-results:
			active--
			res.src.inflight--
			delete(inflight, res.index)
			switch {
			case res.err == nil:
				delete(pending, res.index)
				res.src.recordThroughput(res.n, res.dur)
				t.addBytes(res.n)
			case errors.Is(res.err, chunkstore.ErrIntegrity):
				pending[res.index].integrity++
			case chunkUnavailable(res.err):
				// The peer's offer was stale for this chunk; other
				// chunks it offered stay eligible.
			default:
				res.src.failed = true
				if ctx.Err() != nil {
					terminal = ctx.Err()
				}
			}
		case <-ctx.Done():
			terminal = ctx.Err()
		}
	}
}

// pickFetch chooses the next (chunk, peer) assignment: the first
// missing chunk not in flight that some eligible peer can serve, paired
// with the least-loaded, then fastest, such peer.
func pickFetch(order []uint32, pending map[uint32]*attempt, inflight map[uint32]bool, sources []*source) (uint32, *source, bool) {
	for _, idx := range order {
		a, ok := pending[idx]
		if !ok || inflight[idx] {
			continue
		}
		var best *source
		for _, src := range sources {
			if src.failed || a.tried[src.peer.Addr] || !src.serves(idx) {
				continue
			}
			if best == nil || src.inflight < best.inflight ||
				(src.inflight == best.inflight && src.score > best.score) {
				best = src
			}
		}
		if best != nil {
			return idx, best, true
		}
	}
	return 0, nil, false
}

// fetch runs one chunk fetch end to end: rate admission, the network
// pull, then verified storage. The store rejects corrupt bytes with
// chunkstore.ErrIntegrity, which the scheduler turns into a re-fetch
// from another peer.
func (c *Coordinator) fetch(ctx context.Context, t *transfer, src *source, index uint32, results chan<- fetchResult) {
	info := t.store.Chunks()[index]
	start := time.Now()

	err := func() error {
		if err := t.limiter.Wait(ctx, int(info.Size)); err != nil {
			return err
		}
		if err := c.global.Wait(ctx, int(info.Size)); err != nil {
			return err
		}
		fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()
		data, err := src.client.FetchChunk(fctx, t.target, index)
		if err != nil {
			return err
		}
		return t.store.Put(index, data)
	}()

	results <- fetchResult{
		src:   src,
		index: index,
		n:     int(info.Size),
		dur:   time.Since(start),
		err:   err,
	}
}

// chunkUnavailable reports whether the error is a peer explicitly
// declining the chunk, as opposed to a transport failure.
func chunkUnavailable(err error) bool {
	var werr *wire.Error
	if !errors.As(err, &werr) {
		return false
	}
	return werr.Code == constants.ErrorUnavailable || werr.Code == constants.ErrorUnknownHash
}

// exhaustionError explains why no pending chunk is schedulable.
func exhaustionError(pending map[uint32]*attempt) error {
	remaining := len(pending)
	for _, a := range pending {
		if a.integrity > 0 {
			return fmt.Errorf("%w: %d chunks unfetchable, corrupt bytes from every source", chunkstore.ErrIntegrity, remaining)
		}
	}
	return fmt.Errorf("%w: %d chunks remain", ErrSourcesExhausted, remaining)
}
