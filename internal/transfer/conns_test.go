package transfer

import (
	"bytes"
	"context"
	"testing"

	"github.com/Cutipus/HermesNet/pkg/hash"
)

func TestPoolSharesConnections(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("p", newFakePeer(nil))
	pool := newConnPool(dialer)

	ctx := context.Background()
	a, err := pool.acquire(ctx, "p")
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	b, err := pool.acquire(ctx, "p")
	if err != nil {
		t.Fatalf("Second acquire failed: %v", err)
	}
	if a != b {
		t.Error("Concurrent acquirers got distinct sessions")
	}
	if dialer.dials["p"] != 1 {
		t.Errorf("Dialed %d times, want 1", dialer.dials["p"])
	}

	pool.release("p")
	if dialer.closes["p"] != 0 {
		t.Error("Session closed while still referenced")
	}
	pool.release("p")
	if dialer.closes["p"] != 1 {
		t.Errorf("Closed %d times after last release, want 1", dialer.closes["p"])
	}
}

func TestPoolRedialsAfterClose(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("p", newFakePeer(nil))
	pool := newConnPool(dialer)

	ctx := context.Background()
	if _, err := pool.acquire(ctx, "p"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	pool.release("p")

	if _, err := pool.acquire(ctx, "p"); err != nil {
		t.Fatalf("Re-acquire failed: %v", err)
	}
	if dialer.dials["p"] != 2 {
		t.Errorf("Dialed %d times across a close boundary, want 2", dialer.dials["p"])
	}
	pool.release("p")
}

func TestPoolDialFailure(t *testing.T) {
	pool := newConnPool(newFakeDialer())
	if _, err := pool.acquire(context.Background(), "ghost"); err == nil {
		t.Fatal("Acquire of an unreachable peer succeeded")
	}
	// The failed entry is removed; a later acquire retries the dial.
	dialer := newFakeDialer()
	dialer.add("ghost", newFakePeer(nil))
	pool.dialer = dialer
	if _, err := pool.acquire(context.Background(), "ghost"); err != nil {
		t.Errorf("Acquire after a failed dial = %v, want success once reachable", err)
	}
}

func TestPoolCloseAll(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("a", newFakePeer(nil))
	dialer.add("b", newFakePeer(nil))
	pool := newConnPool(dialer)

	ctx := context.Background()
	pool.acquire(ctx, "a")
	pool.acquire(ctx, "b")
	pool.closeAll()
	if dialer.closes["a"] != 1 || dialer.closes["b"] != 1 {
		t.Errorf("closeAll closed a=%d b=%d, want 1 each", dialer.closes["a"], dialer.closes["b"])
	}
}

func TestFakeClientServesChunks(t *testing.T) {
	// Sanity check of the in-memory fixture the scheduler tests lean on.
	_, _, pieces := fixture([]byte("fixture-check"), 4)
	dialer := newFakeDialer()
	dialer.add("p", newFakePeer(pieces))

	ctx := context.Background()
	client, err := dialer.Dial(ctx, "p")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	got, err := client.FetchChunk(ctx, hash.Digest{}, 0)
	if err != nil {
		t.Fatalf("FetchChunk failed: %v", err)
	}
	if !bytes.Equal(got, pieces[0]) {
		t.Error("Fake peer served wrong bytes")
	}
}
