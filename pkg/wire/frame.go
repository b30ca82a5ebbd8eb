// Package wire implements the HermesNet framing protocol. All index and
// peer messages share a canonical CBOR envelope; bodies are kind-specific
// CBOR payloads carried as raw bytes so a frame can be routed before its
// body is decoded. There is no signature layer: the system deliberately
// carries no trust model.
package wire

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Cutipus/HermesNet/pkg/codec/cborcanon"
	"github.com/Cutipus/HermesNet/pkg/constants"
	"github.com/Cutipus/HermesNet/pkg/hash"
	"github.com/Cutipus/HermesNet/pkg/tree"
)

// Frame is the common envelope for all HermesNet protocol messages.
type Frame struct {
	V    uint16          `cbor:"v"`    // Protocol version
	Kind uint16          `cbor:"kind"` // Message kind (constants.Kind*)
	From string          `cbor:"from"` // Sender identity (owner name or transfer id)
	Seq  uint64          `cbor:"seq"`  // Sequence number, echoed in responses
	TS   uint64          `cbor:"ts"`   // Timestamp (ms since Unix epoch)
	Body cbor.RawMessage `cbor:"body"` // Kind-specific CBOR payload
}

// NewFrame creates a frame of the given kind with the body encoded to
// canonical CBOR and the current timestamp.
func NewFrame(kind uint16, from string, seq uint64, body interface{}) (*Frame, error) {
	raw, err := cborcanon.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", KindName(kind), err)
	}
	return &Frame{
		V:    constants.ProtocolVersion,
		Kind: kind,
		From: from,
		Seq:  seq,
		TS:   uint64(time.Now().UnixMilli()),
		Body: raw,
	}, nil
}

// Marshal encodes the frame to canonical CBOR.
func (f *Frame) Marshal() ([]byte, error) {
	return cborcanon.Marshal(f)
}

// Unmarshal decodes CBOR data into the frame.
func (f *Frame) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, f)
}

// DecodeBody decodes the frame's raw body into v.
func (f *Frame) DecodeBody(v interface{}) error {
	if err := cborcanon.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s body: %w", KindName(f.Kind), err)
	}
	return nil
}

// Validate performs basic validation on the frame.
func (f *Frame) Validate() error {
	if f.V != constants.ProtocolVersion {
		return NewError(constants.ErrorVersionMismatch,
			fmt.Sprintf("unsupported protocol version: %d", f.V))
	}
	if f.From == "" {
		return NewError(constants.ErrorBadFrame, "missing sender identity")
	}

	now := uint64(time.Now().UnixMilli())
	maxSkew := uint64(constants.MaxClockSkew.Milliseconds())
	if f.TS > now+maxSkew {
		return NewError(constants.ErrorBadFrame, "timestamp too far in future")
	}
	if now > f.TS+maxSkew {
		return NewError(constants.ErrorBadFrame, "timestamp too far in past")
	}
	return nil
}

// IsKind checks if the frame is of the specified kind.
func (f *Frame) IsKind(kind uint16) bool {
	return f.Kind == kind
}

// GetTimestamp returns the frame timestamp as a time.Time.
func (f *Frame) GetTimestamp() time.Time {
	return time.UnixMilli(int64(f.TS))
}

// KindName returns the human-readable name of a message kind.
func KindName(kind uint16) string {
	switch kind {
	case 0:
		return "ERROR"
	case constants.KindPing:
		return "PING"
	case constants.KindPong:
		return "PONG"
	case constants.KindDeclare:
		return "DECLARE"
	case constants.KindDeclareOK:
		return "DECLARE_OK"
	case constants.KindWithdraw:
		return "WITHDRAW"
	case constants.KindWithdrawOK:
		return "WITHDRAW_OK"
	case constants.KindSearch:
		return "SEARCH"
	case constants.KindSearchResults:
		return "SEARCH_RESULTS"
	case constants.KindLookup:
		return "LOOKUP"
	case constants.KindLookupResults:
		return "LOOKUP_RESULTS"
	case constants.KindAll:
		return "ALL"
	case constants.KindAllResults:
		return "ALL_RESULTS"
	case constants.KindOffer:
		return "OFFER"
	case constants.KindOfferResult:
		return "OFFER_RESULT"
	case constants.KindFetchChunk:
		return "FETCH_CHUNK"
	case constants.KindChunkData:
		return "CHUNK_DATA"
	case constants.KindUnavailable:
		return "UNAVAILABLE"
	case constants.KindFin:
		return "FIN"
	default:
		return fmt.Sprintf("UNKNOWN_%d", kind)
	}
}

// Index protocol bodies

// PingBody represents the body of a PING message
type PingBody struct {
	Message string `cbor:"message"`
}

// PongBody represents the body of a PONG message
type PongBody struct {
	Message string `cbor:"message"` // Echo of the PING message
}

// DeclareBody carries one peer's declaration of a rooted content tree.
type DeclareBody struct {
	Declaration *tree.Declaration `cbor:"declaration"`
}

// DeclareOKBody acknowledges a declaration.
type DeclareOKBody struct {
	RootHash hash.Digest `cbor:"root_hash"` // Echo of the accepted root
}

// WithdrawBody removes all of an owner's declarations from the index.
type WithdrawBody struct {
	Owner string `cbor:"owner"`
}

// WithdrawOKBody acknowledges a withdrawal.
type WithdrawOKBody struct {
	Owner string `cbor:"owner"`
}

// SearchBody represents a classified query against the index.
type SearchBody struct {
	Kind string `cbor:"kind"` // "hash" | "name" | "extension" | "folder"
	Term string `cbor:"term"`
}

// Sibling summarizes one entry that shares a folder with a file match.
type Sibling struct {
	Name  string `cbor:"name"`
	Size  uint64 `cbor:"size"`
	IsDir bool   `cbor:"is_dir"`
}

// CandidateResult is one tree context containing a matched file, with its
// consensus replica count.
type CandidateResult struct {
	Context     hash.Digest       `cbor:"context"`  // Containing TreeHash
	Replicas    int               `cbor:"replicas"` // Distinct owners declaring this context
	Names       map[string]string `cbor:"names"`    // Owner -> display filename
	DisplayName string            `cbor:"display_name"`
}

// FileResult is a file match: one FileHash with all its competing tree
// contexts, ranked by consensus.
type FileResult struct {
	Hash       hash.Digest       `cbor:"hash"`
	Size       uint64            `cbor:"size"`
	Chunks     []tree.ChunkInfo  `cbor:"chunks"` // Declared chunk table
	Names      map[string]string `cbor:"names"`  // Owner -> display filename
	Candidates []CandidateResult `cbor:"candidates"`
	Siblings   []Sibling         `cbor:"siblings"` // Folder context of the top candidate
}

// FolderResult is a folder match carrying the full subtree for bulk
// download.
type FolderResult struct {
	TreeHash hash.Digest `cbor:"tree_hash"`
	Owners   []string    `cbor:"owners"`
	Subtree  *tree.Dir   `cbor:"subtree"`
}

// SearchResultsBody is the ordered response to a SEARCH message. An empty
// response is a valid outcome, not an error.
type SearchResultsBody struct {
	Files   []FileResult   `cbor:"files"`
	Folders []FolderResult `cbor:"folders"`
}

// LookupBody asks for the index entry of an exact hash.
type LookupBody struct {
	Hash hash.Digest `cbor:"hash"`
}

// RefResult is one (owner, context, filename) triple referencing a hash.
type RefResult struct {
	Owner   string      `cbor:"owner"`
	Addr    string      `cbor:"addr"` // Owner's chunk service address
	Context hash.Digest `cbor:"context"`
	Name    string      `cbor:"name"`
}

// LookupResultsBody is the response to a LOOKUP message.
type LookupResultsBody struct {
	Refs []RefResult `cbor:"refs"`
}

// AllBody requests every declared tree from every owner.
type AllBody struct{}

// AllResultsBody maps each owner to its declared trees.
type AllResultsBody struct {
	Trees map[string][]*tree.Dir `cbor:"trees"`
	Addrs map[string]string      `cbor:"addrs"` // Owner -> chunk service address
}

// FinBody is the final message of a session.
type FinBody struct{}

// Peer chunk protocol bodies

// OfferBody asks a peer which chunks of a file it can serve.
type OfferBody struct {
	Hash hash.Digest `cbor:"hash"` // Target FileHash
}

// OfferResultBody lists the chunk indices the peer can serve.
type OfferResultBody struct {
	Hash    hash.Digest `cbor:"hash"`
	Indices []uint32    `cbor:"indices"`
	Total   uint32      `cbor:"total"` // Chunk count of the full file, 0 if unknown
}

// FetchChunkBody requests one chunk of a file.
type FetchChunkBody struct {
	Hash  hash.Digest `cbor:"hash"`
	Index uint32      `cbor:"index"`
}

// ChunkDataBody carries the bytes of one chunk.
type ChunkDataBody struct {
	Hash  hash.Digest `cbor:"hash"`
	Index uint32      `cbor:"index"`
	Data  []byte      `cbor:"data"`
}

// UnavailableBody is an explicit per-request refusal. The connection stays
// open so the requester can try another chunk or another peer.
type UnavailableBody struct {
	Hash   hash.Digest `cbor:"hash"`
	Index  uint32      `cbor:"index"`
	Reason string      `cbor:"reason"`
}

// Frame constructors for common message types

// NewPingFrame creates a new PING frame
func NewPingFrame(from string, seq uint64, message string) (*Frame, error) {
	return NewFrame(constants.KindPing, from, seq, &PingBody{Message: message})
}

// NewPongFrame creates a new PONG frame echoing the ping message
func NewPongFrame(from string, seq uint64, message string) (*Frame, error) {
	return NewFrame(constants.KindPong, from, seq, &PongBody{Message: message})
}

// NewOfferFrame creates a new OFFER frame
func NewOfferFrame(from string, seq uint64, target hash.Digest) (*Frame, error) {
	return NewFrame(constants.KindOffer, from, seq, &OfferBody{Hash: target})
}

// NewFetchChunkFrame creates a new FETCH_CHUNK frame
func NewFetchChunkFrame(from string, seq uint64, target hash.Digest, index uint32) (*Frame, error) {
	return NewFrame(constants.KindFetchChunk, from, seq, &FetchChunkBody{Hash: target, Index: index})
}
