// Package constants defines cross-cutting defaults shared by the index
// server, the peer chunk service and the transfer engine.
package constants

import "time"

// Data configuration
const (
	// Chunk size 1 MiB, the unit of fetch, retry and verification
	ChunkSize = 1024 * 1024

	// Concurrent chunk fetches per transfer
	ConcurrentChunkFetch = 4

	// Maximum simultaneously downloading transfers; excess is queued
	TransferSlots = 3

	// Maximum wire frame size (chunk payload plus envelope headroom)
	MaxFrameSize = ChunkSize + 64*1024
)

// Rate limiting
const (
	// Per-transfer byte budget in bytes/sec, 0 means unlimited
	DefaultTransferRate = 0

	// Aggregate byte budget across all transfers, 0 means unlimited
	DefaultGlobalRate = 0

	// Token bucket burst as a multiple of the per-second rate
	RateBurstSeconds = 2
)

// Timing configuration
const (
	// Owners that have not re-declared within the TTL are expired
	OwnerTTL = 10 * time.Minute

	// Peer handshake / single chunk fetch deadline
	FetchTimeout = 30 * time.Second

	// Completed transfers are kept around for progress reporting
	CompletedRetention = 1 * time.Minute

	// Max tolerated clock skew on wire frames
	MaxClockSkew = 120 * time.Second
)

// Protocol configuration
const (
	// Protocol version
	ProtocolVersion = 1

	// Default index server port
	DefaultIndexPort = 25000

	// Default peer chunk service port
	DefaultPeerPort = 25001

	// ALPN identifier negotiated on both transports
	ALPNProtocol = "hermesnet/1"

	// Hash algorithm: BLAKE3-256
	HashAlgorithm = "blake3-256"
)

// Message kinds (kind 0 is reserved for error frames)
const (
	KindPing          = 1
	KindPong          = 2
	KindDeclare       = 10
	KindDeclareOK     = 11
	KindWithdraw      = 12
	KindWithdrawOK    = 13
	KindSearch        = 20
	KindSearchResults = 21
	KindLookup        = 22
	KindLookupResults = 23
	KindAll           = 24
	KindAllResults    = 25
	KindOffer         = 30
	KindOfferResult   = 31
	KindFetchChunk    = 32
	KindChunkData     = 33
	KindUnavailable   = 34
	KindFin           = 40
)

// Error codes carried by wire.Error frames
const (
	ErrorUnavailable     = 1 // peer cannot serve the requested chunk
	ErrorUnknownHash     = 2 // no index entry for the requested hash
	ErrorVersionMismatch = 3
	ErrorBadFrame        = 4
	ErrorRateLimit       = 5
	ErrorInternal        = 6
)
