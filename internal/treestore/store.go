// Package treestore implements the server-resident consensus registry: a
// reverse index from content hashes to the owners and tree contexts that
// declared them. It replaces any ambient "declared files" state with an
// explicit store that is created at service start, expires owners that go
// quiet, and is safe for many concurrent declare/withdraw/lookup callers.
package treestore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Cutipus/HermesNet/pkg/constants"
	"github.com/Cutipus/HermesNet/pkg/hash"
	"github.com/Cutipus/HermesNet/pkg/tree"
)

// Ref is one (owner, containing TreeHash, display name) triple referencing
// an indexed hash. A single FileHash may be referenced under many distinct
// contexts; all of them are retained.
type Ref struct {
	Owner   string
	Addr    string // owner's chunk service address
	Context hash.Digest
	Name    string
}

// PeerRecord describes one declaring peer.
type PeerRecord struct {
	Owner    string
	Addr     string
	LastSeen time.Time
	Roots    []hash.Digest
}

// Config holds store configuration.
type Config struct {
	// OwnerTTL expires owners that have not declared within the window.
	OwnerTTL time.Duration

	// TieBreak resolves the display name of a candidate when replica
	// counts and name similarity both tie. The default prefers the query
	// term itself, falling back to the lexicographically first name.
	TieBreak func(term string, names []string) string

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// DefaultConfig returns a default store configuration
func DefaultConfig() *Config {
	return &Config{
		OwnerTTL: constants.OwnerTTL,
		TieBreak: TieBreakQuery,
		Now:      time.Now,
	}
}

// TieBreakQuery is the default tie-break policy: the query term itself is
// the preferred display name when one was supplied.
func TieBreakQuery(term string, names []string) string {
	if term != "" {
		return term
	}
	if len(names) == 0 {
		return ""
	}
	best := names[0]
	for _, n := range names[1:] {
		if n < best {
			best = n
		}
	}
	return best
}

// ownerState tracks one owner's declarations and their index
// contributions, so a withdraw or expiry can unwind them exactly.
type ownerState struct {
	addr     string
	lastSeen time.Time
	roots    map[hash.Digest]*tree.Declaration
	refs     map[hash.Digest][]contribution // root hash -> contributions
}

// contribution is one ref plus the subtree it pinned, recorded at declare
// time for precise removal.
type contribution struct {
	target hash.Digest
	ref    Ref
	pinned bool // true when the target pinned a subtree record
}

// subtreeRecord pins a decoded directory for every indexed TreeHash so
// folder matches can return the full subtree.
type subtreeRecord struct {
	dir  *tree.Dir
	pins int
}

// Store is the consensus registry.
type Store struct {
	mu       sync.RWMutex
	cfg      Config
	owners   map[string]*ownerState
	entries  map[hash.Digest]map[Ref]int
	subtrees map[hash.Digest]*subtreeRecord
}

// New creates an empty store.
func New(cfg *Config) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TieBreak == nil {
		cfg.TieBreak = TieBreakQuery
	}
	if cfg.OwnerTTL <= 0 {
		cfg.OwnerTTL = constants.OwnerTTL
	}
	return &Store{
		cfg:      *cfg,
		owners:   make(map[string]*ownerState),
		entries:  make(map[hash.Digest]map[Ref]int),
		subtrees: make(map[hash.Digest]*subtreeRecord),
	}
}

// Declare inserts or refreshes every FileHash and TreeHash reachable from
// the declared root. The whole declaration becomes visible atomically.
// Re-declaring the same root merges rather than duplicates: the owner's
// previous contributions for that root are replaced.
func (s *Store) Declare(decl *tree.Declaration) error {
	if err := decl.Validate(); err != nil {
		return fmt.Errorf("rejecting declaration: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.Now()
	s.expireLocked(now)

	owner, ok := s.owners[decl.Owner]
	if !ok {
		owner = &ownerState{
			roots: make(map[hash.Digest]*tree.Declaration),
			refs:  make(map[hash.Digest][]contribution),
		}
		s.owners[decl.Owner] = owner
	}
	owner.addr = decl.Addr
	owner.lastSeen = now

	// Refresh semantics: drop the old contributions for this root first.
	if _, declared := owner.roots[decl.RootHash]; declared {
		s.removeRootLocked(owner, decl.RootHash)
	}

	var contribs []contribution
	collect := func(target hash.Digest, context hash.Digest, name string, sub *tree.Dir) {
		ref := Ref{Owner: decl.Owner, Addr: decl.Addr, Context: context, Name: name}
		if s.entries[target] == nil {
			s.entries[target] = make(map[Ref]int)
		}
		s.entries[target][ref]++
		contribs = append(contribs, contribution{target: target, ref: ref, pinned: sub != nil})
		if sub != nil {
			s.pinSubtreeLocked(target, sub)
		}
	}

	indexDir(decl.Root, decl.RootHash, collect)

	owner.roots[decl.RootHash] = decl
	owner.refs[decl.RootHash] = contribs
	return nil
}

// indexDir walks the tree bottom-up, producing one index contribution per
// node. The root's context is its own hash; every other node's context is
// the TreeHash of its containing directory.
func indexDir(d *tree.Dir, context hash.Digest, collect func(target, context hash.Digest, name string, sub *tree.Dir)) hash.Digest {
	self := d.Hash()
	collect(self, context, d.Name, d)
	for _, f := range d.Files {
		collect(f.Hash, self, f.Name, nil)
	}
	for _, sub := range d.Dirs {
		indexDir(sub, self, collect)
	}
	return self
}

// Withdraw removes every contribution the owner made. Entries left with
// zero refs are pruned.
func (s *Store) Withdraw(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdrawLocked(owner)
}

func (s *Store) withdrawLocked(name string) {
	owner, ok := s.owners[name]
	if !ok {
		return
	}
	for root := range owner.roots {
		s.removeRootLocked(owner, root)
	}
	delete(s.owners, name)
}

// removeRootLocked unwinds one root's contributions for an owner.
func (s *Store) removeRootLocked(owner *ownerState, root hash.Digest) {
	for _, c := range owner.refs[root] {
		if refs, ok := s.entries[c.target]; ok {
			refs[c.ref]--
			if refs[c.ref] <= 0 {
				delete(refs, c.ref)
			}
			if len(refs) == 0 {
				delete(s.entries, c.target)
			}
		}
		if c.pinned {
			s.unpinSubtreeLocked(c.target)
		}
	}
	delete(owner.refs, root)
	delete(owner.roots, root)
}

func (s *Store) pinSubtreeLocked(treeHash hash.Digest, dir *tree.Dir) {
	if rec, ok := s.subtrees[treeHash]; ok {
		rec.pins++
		return
	}
	s.subtrees[treeHash] = &subtreeRecord{dir: dir, pins: 1}
}

func (s *Store) unpinSubtreeLocked(target hash.Digest) {
	rec, ok := s.subtrees[target]
	if !ok {
		return
	}
	rec.pins--
	if rec.pins <= 0 {
		delete(s.subtrees, target)
	}
}

// expireLocked removes owners whose last declaration is older than the TTL.
func (s *Store) expireLocked(now time.Time) {
	for name, owner := range s.owners {
		if now.Sub(owner.lastSeen) > s.cfg.OwnerTTL {
			s.withdrawLocked(name)
		}
	}
}

// ExpireStale removes owners that have been quiet past the TTL. Callers
// may run this on a timer; Declare also triggers it opportunistically.
func (s *Store) ExpireStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.cfg.Now())
}

// Touch refreshes an owner's liveness without re-declaring.
func (s *Store) Touch(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.owners[owner]; ok {
		o.lastSeen = s.cfg.Now()
	}
}

// Lookup returns all refs for an exact hash, file or tree. The result is
// sorted for determinism and empty if nothing references the hash.
func (s *Store) Lookup(target hash.Digest) []Ref {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]Ref, 0, len(s.entries[target]))
	for ref := range s.entries[target] {
		refs = append(refs, ref)
	}
	sortRefs(refs)
	return refs
}

// Peers returns the peers able to serve the given hash, deduplicated by
// owner.
func (s *Store) Peers(target hash.Digest) []PeerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var peers []PeerRecord
	for ref := range s.entries[target] {
		if _, dup := seen[ref.Owner]; dup {
			continue
		}
		seen[ref.Owner] = struct{}{}
		if owner, ok := s.owners[ref.Owner]; ok {
			peers = append(peers, peerRecordLocked(ref.Owner, owner))
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Owner < peers[j].Owner })
	return peers
}

// Subtree returns the directory pinned under a TreeHash, or nil if the
// hash is unknown or refers to a file.
func (s *Store) Subtree(treeHash hash.Digest) *tree.Dir {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.subtrees[treeHash]; ok {
		return rec.dir
	}
	return nil
}

// All returns every live owner's declared roots, for the "show everything"
// request.
func (s *Store) All() map[string][]*tree.Dir {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]*tree.Dir, len(s.owners))
	for name, owner := range s.owners {
		roots := make([]*tree.Dir, 0, len(owner.roots))
		for _, decl := range owner.roots {
			roots = append(roots, decl.Root)
		}
		sort.Slice(roots, func(i, j int) bool { return roots[i].Name < roots[j].Name })
		out[name] = roots
	}
	return out
}

// AllPeers returns a record for every live owner.
func (s *Store) AllPeers() []PeerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]PeerRecord, 0, len(s.owners))
	for name, owner := range s.owners {
		peers = append(peers, peerRecordLocked(name, owner))
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Owner < peers[j].Owner })
	return peers
}

func peerRecordLocked(name string, owner *ownerState) PeerRecord {
	roots := make([]hash.Digest, 0, len(owner.roots))
	for root := range owner.roots {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].String() < roots[j].String() })
	return PeerRecord{
		Owner:    name,
		Addr:     owner.addr,
		LastSeen: owner.lastSeen,
		Roots:    roots,
	}
}

func sortRefs(refs []Ref) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Owner != refs[j].Owner {
			return refs[i].Owner < refs[j].Owner
		}
		if refs[i].Name != refs[j].Name {
			return refs[i].Name < refs[j].Name
		}
		return refs[i].Context.String() < refs[j].Context.String()
	})
}
