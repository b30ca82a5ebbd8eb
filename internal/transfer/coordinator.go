// Package transfer implements the download engine: a coordinator that
// runs each transfer through an explicit lifecycle, schedules chunk
// fetches across the peers that offered them, enforces byte-rate caps,
// and persists enough state for a restart to resume where it stopped.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Cutipus/HermesNet/internal/chunkstore"
	"github.com/Cutipus/HermesNet/pkg/constants"
	"github.com/Cutipus/HermesNet/pkg/hash"
	"github.com/Cutipus/HermesNet/pkg/tree"
)

// State is a transfer lifecycle state. Every transition is explicit;
// there is no implicit "downloading" inferred from goroutine liveness.
type State int

// Transfer states
const (
	StatePending     State = iota // admitted, waiting for a download slot
	StateNegotiating              // querying peers for chunk availability
	StateDownloading              // fetching chunks
	StateVerifying                // whole-file hash check
	StateComplete                 // finalized at its destination path
	StateFailed                   // terminal, cause in Progress.Err
	StateCancelled                // terminal, cancelled by the caller
)

// String returns the state's display name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateNegotiating:
		return "negotiating"
	case StateDownloading:
		return "downloading"
	case StateVerifying:
		return "verifying"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// Terminal failure causes
var (
	// ErrNoPeers means negotiation found no peer able to serve any chunk.
	ErrNoPeers = errors.New("no peers can serve the file")

	// ErrSourcesExhausted means chunks remain but every known peer has
	// been tried and failed for them.
	ErrSourcesExhausted = errors.New("all peer sources exhausted")

	// ErrUnknownTransfer is returned for ids the coordinator is not
	// tracking.
	ErrUnknownTransfer = errors.New("unknown transfer")

	// ErrTransferActive rejects a duplicate Start or Resume for a
	// transfer that is already in flight.
	ErrTransferActive = errors.New("transfer already active")
)

// Peer is one download source, as advertised by the index.
type Peer struct {
	Owner string
	Addr  string
}

// Request describes one file download.
type Request struct {
	Target  hash.Digest      // FileHash to assemble
	Context hash.Digest      // chosen containing TreeHash
	RelPath string           // path inside the declared hierarchy
	Chunks  []tree.ChunkInfo // declared chunk table
	Peers   []Peer           // candidate sources
}

// Progress is a point-in-time snapshot of one transfer.
type Progress struct {
	ID         string
	State      State
	BytesDone  uint64
	BytesTotal uint64
	Rate       float64 // bytes/sec over the current session
	Path       string  // final path, set once complete
	Err        error   // terminal cause, set once failed
}

// Config holds coordinator configuration.
type Config struct {
	// StoreDir holds in-progress chunk stores and their checkpoints.
	StoreDir string

	// DestDir is where finalized files are materialized, under their
	// declared relative paths.
	DestDir string

	// Slots caps simultaneously downloading transfers; excess transfers
	// queue in Pending order.
	Slots int

	// Fetchers caps concurrent chunk fetches within one transfer.
	Fetchers int

	// TransferRate caps one transfer's bytes/sec; 0 means unlimited.
	TransferRate int

	// GlobalRate caps aggregate bytes/sec across transfers; 0 means
	// unlimited.
	GlobalRate int

	// FetchTimeout bounds a single chunk fetch.
	FetchTimeout time.Duration

	// Retention keeps terminal transfers queryable before they are
	// forgotten.
	Retention time.Duration
}

// DefaultConfig returns the default coordinator configuration rooted at
// the given working directory.
func DefaultConfig(workDir string) *Config {
	return &Config{
		StoreDir:     workDir,
		DestDir:      workDir,
		Slots:        constants.TransferSlots,
		Fetchers:     constants.ConcurrentChunkFetch,
		TransferRate: constants.DefaultTransferRate,
		GlobalRate:   constants.DefaultGlobalRate,
		FetchTimeout: constants.FetchTimeout,
		Retention:    constants.CompletedRetention,
	}
}

// transfer is the coordinator-internal record of one download.
type transfer struct {
	id      string
	target  hash.Digest
	context hash.Digest
	peers   []Peer
	store   *chunkstore.Store
	limiter *Limiter
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	state     State
	err       error
	finalPath string
	cleanup   bool // discard on-disk state once cancelled
	fetched   uint64
	started   time.Time // download session start
}

func (t *transfer) setState(s State) {
	t.mu.Lock()
	t.state = s
	if s == StateDownloading && t.started.IsZero() {
		t.started = time.Now()
	}
	t.mu.Unlock()
}

func (t *transfer) addBytes(n int) {
	t.mu.Lock()
	t.fetched += uint64(n)
	t.mu.Unlock()
}

// Coordinator runs transfers. It owns the slot queue, the shared peer
// connection pool and the global rate limiter.
type Coordinator struct {
	cfg    Config
	pool   *connPool
	global *Limiter
	slots  chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	active   map[string]*transfer
	reserved map[string]bool // ids admitted but still opening their store
}

// New creates a coordinator dialing peers through dialer.
func New(dialer Dialer, cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig(".")
	}
	if cfg.Slots <= 0 {
		cfg.Slots = constants.TransferSlots
	}
	if cfg.Fetchers <= 0 {
		cfg.Fetchers = constants.ConcurrentChunkFetch
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = constants.FetchTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = constants.CompletedRetention
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      *cfg,
		pool:     newConnPool(dialer),
		global:   NewLimiter(cfg.GlobalRate),
		slots:    make(chan struct{}, cfg.Slots),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*transfer),
		reserved: make(map[string]bool),
	}
}

// TransferID derives the stable identifier for a (target, context) pair.
// The id doubles as the chunk store name, so a restarted process can
// resume by recomputing it.
func TransferID(target, context hash.Digest) string {
	return target.HexString()[:16] + "-" + context.HexString()[:8]
}

// Start begins a fresh download and returns its id. The transfer queues
// if all download slots are busy. The id is reserved before any disk
// state is touched, so a duplicate Start is rejected without disturbing
// the in-flight transfer's chunk store. Previous on-disk state for an
// inactive (target, context) is truncated; use Resume to continue it
// instead.
func (c *Coordinator) Start(req Request) (string, error) {
	id := TransferID(req.Target, req.Context)
	err := c.launch(id, req.Peers, func() (*chunkstore.Store, error) {
		store, err := chunkstore.Create(c.cfg.StoreDir, id, req.Target, req.Context, req.RelPath, req.Chunks)
		if err != nil {
			return nil, fmt.Errorf("failed to create chunk store: %w", err)
		}
		return store, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Resume continues a checkpointed download with a fresh peer list. The
// persisted chunk map is diffed against the target chunk set; only
// missing chunks are fetched. A corrupt checkpoint fails fast with
// chunkstore.ErrCorrupt so the caller can Start over.
func (c *Coordinator) Resume(id string, peers []Peer) error {
	return c.launch(id, peers, func() (*chunkstore.Store, error) {
		store, err := chunkstore.Open(c.cfg.StoreDir, id)
		if err != nil {
			return nil, fmt.Errorf("failed to resume %s: %w", id, err)
		}
		return store, nil
	})
}

// launch admits one transfer. The id is reserved first and open runs
// outside the lock, so a duplicate is rejected before it can touch the
// disk state of the transfer already holding the id.
func (c *Coordinator) launch(id string, peers []Peer, open func() (*chunkstore.Store, error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("coordinator closed")
	}
	if _, exists := c.active[id]; exists || c.reserved[id] {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransferActive, id)
	}
	c.reserved[id] = true
	c.mu.Unlock()

	store, err := open()

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reserved, id)
	if err != nil {
		return err
	}
	if c.closed {
		store.Close()
		return errors.New("coordinator closed")
	}

	ctx, cancel := context.WithCancel(c.ctx)
	t := &transfer{
		id:      id,
		target:  store.Target(),
		context: store.Context(),
		peers:   peers,
		store:   store,
		limiter: NewLimiter(c.cfg.TransferRate),
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StatePending,
	}
	c.active[id] = t
	c.wg.Add(1)
	go c.run(ctx, t)
	return nil
}

// run drives one transfer to a terminal state.
func (c *Coordinator) run(ctx context.Context, t *transfer) {
	defer c.wg.Done()
	err := c.execute(ctx, t)
	c.finish(t, err)
}

func (c *Coordinator) execute(ctx context.Context, t *transfer) error {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.slots }()

	if !t.store.Complete() {
		t.setState(StateNegotiating)
		sources, err := c.negotiate(ctx, t)
		if err != nil {
			return err
		}
		defer func() {
			for _, src := range sources {
				c.pool.release(src.peer.Addr)
			}
		}()

		t.setState(StateDownloading)
		if err := c.download(ctx, t, sources); err != nil {
			return err
		}
	}

	t.setState(StateVerifying)
	path, err := t.store.Finalize(c.cfg.DestDir)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.finalPath = path
	t.mu.Unlock()
	return nil
}

// finish records the terminal state and schedules the transfer's removal
// from the active table after the retention window.
func (c *Coordinator) finish(t *transfer, err error) {
	t.mu.Lock()
	switch {
	case err == nil:
		t.state = StateComplete
	case errors.Is(err, context.Canceled):
		t.state = StateCancelled
		t.err = err
	default:
		t.state = StateFailed
		t.err = err
	}
	complete := t.state == StateComplete
	cleanup := t.cleanup
	t.mu.Unlock()

	if complete || cleanup {
		t.store.Discard()
	} else {
		t.store.Close()
	}
	close(t.done)

	time.AfterFunc(c.cfg.Retention, func() {
		c.mu.Lock()
		if c.active[t.id] == t {
			delete(c.active, t.id)
		}
		c.mu.Unlock()
	})
}

// Progress reports a snapshot of the transfer's state.
func (c *Coordinator) Progress(id string) (Progress, error) {
	c.mu.Lock()
	t, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		return Progress{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	p := Progress{
		ID:         id,
		State:      t.state,
		BytesDone:  t.store.BytesDone(),
		BytesTotal: t.store.BytesTotal(),
		Path:       t.finalPath,
		Err:        t.err,
	}
	if !t.started.IsZero() {
		if elapsed := time.Since(t.started).Seconds(); elapsed > 0 {
			p.Rate = float64(t.fetched) / elapsed
		}
	}
	return p, nil
}

// Transfers returns a snapshot of every tracked transfer, including
// recently terminal ones still in their retention window.
func (c *Coordinator) Transfers() []Progress {
	c.mu.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	out := make([]Progress, 0, len(ids))
	for _, id := range ids {
		if p, err := c.Progress(id); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// Cancel aborts a transfer. With cleanup the on-disk chunk store is
// discarded; without it the checkpoint is kept so the transfer can be
// resumed later.
func (c *Coordinator) Cancel(id string, cleanup bool) error {
	c.mu.Lock()
	t, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}

	t.mu.Lock()
	terminal := t.state.Terminal()
	t.cleanup = cleanup
	t.mu.Unlock()
	if terminal {
		if cleanup {
			return t.store.Discard()
		}
		return nil
	}
	t.cancel()
	return nil
}

// Wait blocks until the transfer reaches a terminal state and returns
// its cause, nil for completion.
func (c *Coordinator) Wait(id string) error {
	c.mu.Lock()
	t, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close cancels every transfer and waits for their goroutines. Chunk
// stores are checkpointed, not discarded, so transfers resume after a
// restart.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	c.pool.closeAll()
}
