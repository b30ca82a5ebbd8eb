package server

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/Cutipus/HermesNet/internal/treestore"
	"github.com/Cutipus/HermesNet/pkg/constants"
	"github.com/Cutipus/HermesNet/pkg/hash"
	"github.com/Cutipus/HermesNet/pkg/transport"
	"github.com/Cutipus/HermesNet/pkg/tree"
	"github.com/Cutipus/HermesNet/pkg/wire"

	_ "github.com/Cutipus/HermesNet/pkg/transport/tcp"
)

// buildDir assembles a tree from slash-separated relative paths.
func buildDir(name string, files map[string]string) *tree.Dir {
	d := &tree.Dir{Name: name}
	subs := make(map[string]map[string]string)
	for rel, content := range files {
		if i := strings.IndexByte(rel, '/'); i >= 0 {
			sub := rel[:i]
			if subs[sub] == nil {
				subs[sub] = make(map[string]string)
			}
			subs[sub][rel[i+1:]] = content
			continue
		}
		sum := hash.Sum([]byte(content))
		d.Files = append(d.Files, &tree.File{
			Name:   rel,
			Hash:   sum,
			Size:   uint64(len(content)),
			Chunks: []tree.ChunkInfo{{Index: 0, Offset: 0, Size: uint32(len(content)), Hash: sum}},
		})
	}
	names := make([]string, 0, len(subs))
	for sub := range subs {
		names = append(names, sub)
	}
	sort.Strings(names)
	for _, sub := range names {
		d.Dirs = append(d.Dirs, buildDir(sub, subs[sub]))
	}
	sort.Slice(d.Files, func(i, j int) bool { return d.Files[i].Name < d.Files[j].Name })
	return d
}

func mkDecl(owner, addr, rootName string, files map[string]string) *tree.Declaration {
	root := buildDir(rootName, files)
	return &tree.Declaration{Owner: owner, Addr: addr, Root: root, RootHash: root.Hash()}
}

func newTestServer() *Server {
	return New(treestore.New(nil))
}

func frameOf(t *testing.T, kind uint16, from string, seq uint64, body interface{}) *wire.Frame {
	t.Helper()
	frame, err := wire.NewFrame(kind, from, seq, body)
	if err != nil {
		t.Fatalf("Frame construction failed: %v", err)
	}
	return frame
}

func TestDeclareAcknowledgesRoot(t *testing.T) {
	s := newTestServer()
	decl := mkDecl("alice", "a:1", "music", map[string]string{"song.mp3": "audio"})

	reply := s.handleFrame(frameOf(t, constants.KindDeclare, "alice", 1, &wire.DeclareBody{Declaration: decl}))
	if reply.Kind != constants.KindDeclareOK {
		t.Fatalf("Reply kind = %s, want DECLARE_OK", wire.KindName(reply.Kind))
	}
	var ok wire.DeclareOKBody
	if err := reply.DecodeBody(&ok); err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if !ok.RootHash.Equal(decl.RootHash) {
		t.Error("Ack does not echo the declared root hash")
	}
	if refs := s.store.Lookup(hash.Sum([]byte("audio"))); len(refs) != 1 {
		t.Errorf("Declaration not registered: %d refs", len(refs))
	}
}

func TestDeclareRejectsTamperedRoot(t *testing.T) {
	s := newTestServer()
	decl := mkDecl("alice", "a:1", "music", map[string]string{"f": "x"})
	decl.RootHash = hash.Sum([]byte("tampered"))

	reply := s.handleFrame(frameOf(t, constants.KindDeclare, "alice", 1, &wire.DeclareBody{Declaration: decl}))
	if !wire.IsErrorFrame(reply) {
		t.Fatalf("Tampered declaration got %s, want an error frame", wire.KindName(reply.Kind))
	}
}

func TestWithdrawRemovesOwner(t *testing.T) {
	s := newTestServer()
	s.store.Declare(mkDecl("alice", "a:1", "music", map[string]string{"f": "x"}))

	frame := frameOf(t, constants.KindWithdraw, "alice", 2, &wire.WithdrawBody{Owner: "alice"})
	reply := s.handleFrame(frame)
	if reply.Kind != constants.KindWithdrawOK {
		t.Fatalf("Reply kind = %s, want WITHDRAW_OK", wire.KindName(reply.Kind))
	}
	if refs := s.store.Lookup(hash.Sum([]byte("x"))); len(refs) != 0 {
		t.Error("Withdraw left refs behind")
	}
}

func TestSearchReturnsFilesWithChunks(t *testing.T) {
	s := newTestServer()
	s.store.Declare(mkDecl("alice", "a:1", "music", map[string]string{"song.mp3": "audio"}))

	frame := frameOf(t, constants.KindSearch, "bob", 3, &wire.SearchBody{Kind: "name", Term: "song"})
	reply := s.handleFrame(frame)
	if reply.Kind != constants.KindSearchResults {
		t.Fatalf("Reply kind = %s, want SEARCH_RESULTS", wire.KindName(reply.Kind))
	}
	var results wire.SearchResultsBody
	if err := reply.DecodeBody(&results); err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if len(results.Files) != 1 {
		t.Fatalf("Got %d file results, want 1", len(results.Files))
	}
	f := results.Files[0]
	if len(f.Chunks) != 1 {
		t.Error("Result does not carry the chunk table")
	}
	if len(f.Candidates) != 1 || f.Candidates[0].Replicas != 1 {
		t.Errorf("Candidates wrong: %+v", f.Candidates)
	}
}

func TestSearchMalformedHash(t *testing.T) {
	s := newTestServer()
	frame := frameOf(t, constants.KindSearch, "bob", 4, &wire.SearchBody{Kind: "hash", Term: "hn:nope!"})
	if reply := s.handleFrame(frame); !wire.IsErrorFrame(reply) {
		t.Errorf("Malformed hash query got %s, want an error frame", wire.KindName(reply.Kind))
	}
}

func TestLookupReturnsRefs(t *testing.T) {
	s := newTestServer()
	s.store.Declare(mkDecl("alice", "a:1", "music", map[string]string{"song.mp3": "audio"}))

	target := hash.Sum([]byte("audio"))
	frame := frameOf(t, constants.KindLookup, "bob", 5, &wire.LookupBody{Hash: target})
	reply := s.handleFrame(frame)
	if reply.Kind != constants.KindLookupResults {
		t.Fatalf("Reply kind = %s, want LOOKUP_RESULTS", wire.KindName(reply.Kind))
	}
	var results wire.LookupResultsBody
	if err := reply.DecodeBody(&results); err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if len(results.Refs) != 1 || results.Refs[0].Owner != "alice" || results.Refs[0].Addr != "a:1" {
		t.Errorf("Refs = %+v", results.Refs)
	}
}

func TestAllListsOwners(t *testing.T) {
	s := newTestServer()
	s.store.Declare(mkDecl("alice", "a:1", "music", map[string]string{"f": "x"}))
	s.store.Declare(mkDecl("bob", "b:1", "docs", map[string]string{"g": "y"}))

	reply := s.handleFrame(frameOf(t, constants.KindAll, "carol", 6, &wire.AllBody{}))
	if reply.Kind != constants.KindAllResults {
		t.Fatalf("Reply kind = %s, want ALL_RESULTS", wire.KindName(reply.Kind))
	}
	var results wire.AllResultsBody
	if err := reply.DecodeBody(&results); err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if len(results.Trees) != 2 {
		t.Errorf("Trees for %d owners, want 2", len(results.Trees))
	}
	if results.Addrs["alice"] != "a:1" || results.Addrs["bob"] != "b:1" {
		t.Errorf("Addrs = %+v", results.Addrs)
	}
}

func TestPingTouchesOwner(t *testing.T) {
	s := newTestServer()
	s.store.Declare(mkDecl("alice", "a:1", "music", map[string]string{"f": "x"}))

	reply := s.handleFrame(frameOf(t, constants.KindPing, "alice", 7, &wire.PingBody{Message: "hi"}))
	if reply.Kind != constants.KindPong {
		t.Fatalf("Reply kind = %s, want PONG", wire.KindName(reply.Kind))
	}
}

func TestFinClosesConnection(t *testing.T) {
	s := newTestServer()
	frame := frameOf(t, constants.KindFin, "bob", 8, &wire.FinBody{})
	if reply := s.handleFrame(frame); reply != nil {
		t.Errorf("FIN produced a %s reply, want none", wire.KindName(reply.Kind))
	}
}

func TestUnexpectedKind(t *testing.T) {
	s := newTestServer()
	frame := frameOf(t, constants.KindFetchChunk, "bob", 9, &wire.FetchChunkBody{})
	reply := s.handleFrame(frame)
	if !wire.IsErrorFrame(reply) {
		t.Fatalf("Peer-only kind got %s, want an error frame", wire.KindName(reply.Kind))
	}
}

// TestClientOverTCP drives the full client path against a real listener.
func TestClientOverTCP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newTestServer()
	tr, ok := transport.DefaultRegistry.Get("tcp")
	if !ok {
		t.Fatal("tcp transport not registered")
	}
	tlsConfig, err := transport.EphemeralTLSConfig()
	if err != nil {
		t.Fatalf("EphemeralTLSConfig failed: %v", err)
	}
	ln, err := tr.Listen(ctx, "127.0.0.1:0", tlsConfig)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()
	go srv.Serve(ctx, ln)

	client, err := Dial(ctx, "tcp", ln.Addr().String(), "alice")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
	defer rcancel()

	if err := client.Ping(rctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	decl := mkDecl("alice", "a:1", "music", map[string]string{"song.mp3": "audio"})
	if err := client.Declare(rctx, decl); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	results, err := client.Search(rctx, "name", "song")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results.Files) != 1 {
		t.Fatalf("Search returned %d files, want 1", len(results.Files))
	}

	refs, err := client.Lookup(rctx, hash.Sum([]byte("audio")))
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("Lookup returned %d refs, want 1", len(refs))
	}

	if err := client.Withdraw(rctx); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	refs, err = client.Lookup(rctx, hash.Sum([]byte("audio")))
	if err != nil {
		t.Fatalf("Lookup after withdraw failed: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("Refs survived withdraw: %+v", refs)
	}
}
