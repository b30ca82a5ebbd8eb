package peer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/Cutipus/HermesNet/internal/chunkstore"
	"github.com/Cutipus/HermesNet/pkg/constants"
	"github.com/Cutipus/HermesNet/pkg/hash"
	"github.com/Cutipus/HermesNet/pkg/tree"
	"github.com/Cutipus/HermesNet/pkg/wire"
)

// chunkTable splits content into chunkSize pieces with per-chunk hashes.
func chunkTable(content []byte, chunkSize int) []tree.ChunkInfo {
	var chunks []tree.ChunkInfo
	for off := 0; off < len(content); off += chunkSize {
		end := off + chunkSize
		if end > len(content) {
			end = len(content)
		}
		chunks = append(chunks, tree.ChunkInfo{
			Index:  uint32(len(chunks)),
			Offset: uint64(off),
			Size:   uint32(end - off),
			Hash:   hash.Sum(content[off:end]),
		})
	}
	return chunks
}

// servedFile writes content to base/name and returns a service whose
// catalog holds just that file.
func servedFile(t *testing.T, name string, content []byte, chunkSize int) (*Service, hash.Digest) {
	t.Helper()
	base := t.TempDir()
	if err := os.WriteFile(filepath.Join(base, name), content, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	target := hash.Sum(content)
	root := &tree.Dir{
		Name: "shared",
		Files: []*tree.File{{
			Name:   name,
			Hash:   target,
			Size:   uint64(len(content)),
			Chunks: chunkTable(content, chunkSize),
		}},
	}
	svc := NewService("alice")
	svc.SetRoot(base, &tree.Declaration{Owner: "alice", Root: root, RootHash: root.Hash()})
	return svc, target
}

func frameOf(t *testing.T, kind uint16, from string, seq uint64, body interface{}) *wire.Frame {
	t.Helper()
	frame, err := wire.NewFrame(kind, from, seq, body)
	if err != nil {
		t.Fatalf("Frame construction failed: %v", err)
	}
	return frame
}

func TestHandlePing(t *testing.T) {
	svc := NewService("alice")
	reply := svc.handleFrame(frameOf(t, constants.KindPing, "bob", 7, &wire.PingBody{Message: "hello"}))
	if reply.Kind != constants.KindPong {
		t.Fatalf("Reply kind = %s, want PONG", wire.KindName(reply.Kind))
	}
	if reply.Seq != 7 || reply.From != "alice" {
		t.Errorf("Reply seq/from = %d/%s, want 7/alice", reply.Seq, reply.From)
	}
	var body wire.PongBody
	if err := reply.DecodeBody(&body); err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if body.Message != "hello" {
		t.Errorf("Pong message = %q, want the ping echoed", body.Message)
	}
}

func TestOfferCompleteFile(t *testing.T) {
	content := bytes.Repeat([]byte("offer"), 40)
	svc, target := servedFile(t, "f.bin", content, 64)

	reply := svc.handleFrame(frameOf(t, constants.KindOffer, "bob", 1, &wire.OfferBody{Hash: target}))
	if reply.Kind != constants.KindOfferResult {
		t.Fatalf("Reply kind = %s, want OFFER_RESULT", wire.KindName(reply.Kind))
	}
	var body wire.OfferResultBody
	if err := reply.DecodeBody(&body); err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	wantChunks := (len(content) + 63) / 64
	if int(body.Total) != wantChunks || len(body.Indices) != wantChunks {
		t.Errorf("Offer = %d of %d chunks, want all %d", len(body.Indices), body.Total, wantChunks)
	}
	if !body.Hash.Equal(target) {
		t.Error("Offer echoes the wrong hash")
	}
}

func TestOfferUnknownHash(t *testing.T) {
	svc := NewService("alice")
	reply := svc.handleFrame(frameOf(t, constants.KindOffer, "bob", 1, &wire.OfferBody{Hash: hash.Sum([]byte("ghost"))}))
	if !wire.IsErrorFrame(reply) {
		t.Fatalf("Reply kind = %s, want an error frame", wire.KindName(reply.Kind))
	}
	werr, err := wire.ExtractError(reply)
	if err != nil {
		t.Fatalf("ExtractError failed: %v", err)
	}
	if werr.Code != constants.ErrorUnknownHash {
		t.Errorf("Error code = %d, want unknown hash", werr.Code)
	}
}

func TestFetchChunk(t *testing.T) {
	content := bytes.Repeat([]byte("fetchable"), 30)
	svc, target := servedFile(t, "f.bin", content, 64)

	reply := svc.handleFrame(frameOf(t, constants.KindFetchChunk, "bob", 2, &wire.FetchChunkBody{Hash: target, Index: 1}))
	if reply.Kind != constants.KindChunkData {
		t.Fatalf("Reply kind = %s, want CHUNK_DATA", wire.KindName(reply.Kind))
	}
	var body wire.ChunkDataBody
	if err := reply.DecodeBody(&body); err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if body.Index != 1 || !body.Hash.Equal(target) {
		t.Errorf("Chunk identity wrong: index=%d", body.Index)
	}
	if !bytes.Equal(body.Data, content[64:128]) {
		t.Error("Chunk bytes do not match the file region")
	}
}

func TestFetchOutOfRange(t *testing.T) {
	svc, target := servedFile(t, "f.bin", []byte("short"), 64)

	reply := svc.handleFrame(frameOf(t, constants.KindFetchChunk, "bob", 3, &wire.FetchChunkBody{Hash: target, Index: 99}))
	if reply.Kind != constants.KindUnavailable {
		t.Fatalf("Reply kind = %s, want UNAVAILABLE", wire.KindName(reply.Kind))
	}
	var body wire.UnavailableBody
	if err := reply.DecodeBody(&body); err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if body.Index != 99 || body.Reason == "" {
		t.Errorf("Refusal not self-describing: %+v", body)
	}
}

func TestFetchDeletedFileRefusesPerRequest(t *testing.T) {
	content := []byte("going away")
	base := t.TempDir()
	path := filepath.Join(base, "f.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	target := hash.Sum(content)
	root := &tree.Dir{Name: "shared", Files: []*tree.File{{
		Name: "f.bin", Hash: target, Size: uint64(len(content)), Chunks: chunkTable(content, 64),
	}}}
	svc := NewService("alice")
	svc.SetRoot(base, &tree.Declaration{Owner: "alice", Root: root, RootHash: root.Hash()})
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	reply := svc.handleFrame(frameOf(t, constants.KindFetchChunk, "bob", 4, &wire.FetchChunkBody{Hash: target, Index: 0}))
	if reply.Kind != constants.KindUnavailable {
		t.Errorf("Deleted file got %s, want UNAVAILABLE", wire.KindName(reply.Kind))
	}
}

func TestFinClosesConnection(t *testing.T) {
	svc := NewService("alice")
	frame := frameOf(t, constants.KindFin, "bob", 5, &wire.FinBody{})
	if reply := svc.handleFrame(frame); reply != nil {
		t.Errorf("FIN produced a %s reply, want none", wire.KindName(reply.Kind))
	}
}

func TestUnexpectedKind(t *testing.T) {
	svc := NewService("alice")
	frame := frameOf(t, constants.KindSearch, "bob", 6, &wire.SearchBody{Term: "x"})
	reply := svc.handleFrame(frame)
	if !wire.IsErrorFrame(reply) {
		t.Fatalf("Index-only kind got %s, want an error frame", wire.KindName(reply.Kind))
	}
	werr, _ := wire.ExtractError(reply)
	if werr.Code != constants.ErrorBadFrame {
		t.Errorf("Error code = %d, want bad frame", werr.Code)
	}
}

func TestShareStoreServesPartialContent(t *testing.T) {
	content := bytes.Repeat([]byte("partial!"), 32)
	chunks := chunkTable(content, 64)
	target := hash.Sum(content)

	st, err := chunkstore.Create(t.TempDir(), "dl", target, hash.Digest{}, "f", chunks)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer st.Close()
	if err := st.Put(1, content[64:128]); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	svc := NewService("alice")
	svc.ShareStore(st)

	// The offer advertises only the fetched subset.
	reply := svc.handleFrame(frameOf(t, constants.KindOffer, "bob", 1, &wire.OfferBody{Hash: target}))
	var offer wire.OfferResultBody
	if err := reply.DecodeBody(&offer); err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if len(offer.Indices) != 1 || offer.Indices[0] != 1 {
		t.Errorf("Partial offer indices = %v, want [1]", offer.Indices)
	}
	if int(offer.Total) != len(chunks) {
		t.Errorf("Partial offer total = %d, want %d", offer.Total, len(chunks))
	}

	// Fetched chunks are served, unfetched ones refused.
	reply = svc.handleFrame(frameOf(t, constants.KindFetchChunk, "bob", 2, &wire.FetchChunkBody{Hash: target, Index: 1}))
	if reply.Kind != constants.KindChunkData {
		t.Errorf("Fetched chunk got %s, want CHUNK_DATA", wire.KindName(reply.Kind))
	}
	reply = svc.handleFrame(frameOf(t, constants.KindFetchChunk, "bob", 3, &wire.FetchChunkBody{Hash: target, Index: 0}))
	if reply.Kind != constants.KindUnavailable {
		t.Errorf("Unfetched chunk got %s, want UNAVAILABLE", wire.KindName(reply.Kind))
	}

	svc.UnshareStore(target)
	reply = svc.handleFrame(frameOf(t, constants.KindOffer, "bob", 4, &wire.OfferBody{Hash: target}))
	if !wire.IsErrorFrame(reply) {
		t.Error("Unshared store still offered")
	}
}

func TestSetRootKeepsSharedStores(t *testing.T) {
	content := []byte("keep me around")
	chunks := chunkTable(content, 64)
	target := hash.Sum(content)
	st, err := chunkstore.Create(t.TempDir(), "dl", target, hash.Digest{}, "f", chunks)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer st.Close()

	svc := NewService("alice")
	svc.ShareStore(st)

	root := &tree.Dir{Name: "other"}
	svc.SetRoot(t.TempDir(), &tree.Declaration{Owner: "alice", Root: root, RootHash: root.Hash()})

	reply := svc.handleFrame(frameOf(t, constants.KindOffer, "bob", 1, &wire.OfferBody{Hash: target}))
	if wire.IsErrorFrame(reply) {
		t.Error("Replacing the declared root dropped a shared store")
	}
}
