package ipc

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPendingTableSingleCompletion(t *testing.T) {
	pt := newPendingTable()
	id, entry := pt.registerSingle()

	resp := &Envelope{ResponseID: id, Type: "pong"}
	if !pt.complete(resp) {
		t.Fatalf("expected complete to match the registered id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := awaitSingle(ctx, entry)
	if err != nil {
		t.Fatalf("awaitSingle: %v", err)
	}
	if got.Type != "pong" {
		t.Fatalf("expected pong, got %q", got.Type)
	}
}

func TestPendingTableUnknownResponseIsDropped(t *testing.T) {
	pt := newPendingTable()
	if pt.complete(&Envelope{ResponseID: "does-not-exist"}) {
		t.Fatalf("complete should return false for an unregistered id")
	}
}

func TestPendingTableSinglePeerGone(t *testing.T) {
	pt := newPendingTable()
	id, entry := pt.registerSingle()
	pt.complete(&Envelope{ResponseID: id, Type: ipcPeerGoneType})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := awaitSingle(ctx, entry)
	if !errors.Is(err, ErrPeerGone) {
		t.Fatalf("expected ErrPeerGone, got %v", err)
	}
}

func TestPendingTableMultiCompletion(t *testing.T) {
	pt := newPendingTable()
	id, entry := pt.registerMulti(3)

	pt.complete(&Envelope{ResponseID: id, Type: "reply", From: "a"})
	pt.complete(&Envelope{ResponseID: id, Type: ipcPeerGoneType})
	pt.complete(&Envelope{ResponseID: id, Type: "reply", From: "c"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := awaitMulti(ctx, entry)
	if err != nil {
		t.Fatalf("awaitMulti: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 real responses (peer-gone excluded), got %d", len(got))
	}
}

func TestPendingTableCancel(t *testing.T) {
	pt := newPendingTable()
	id, entry := pt.registerSingle()
	pt.cancel(id)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := awaitSingle(ctx, entry)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if pt.complete(&Envelope{ResponseID: id}) {
		t.Fatalf("a late response for a cancelled id should be dropped")
	}
}

func TestPendingTableFailAll(t *testing.T) {
	pt := newPendingTable()
	_, e1 := pt.registerSingle()
	_, e2 := pt.registerSingle()
	pt.failAll(ErrDisconnected)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, e := range []*pendingEntry{e1, e2} {
		if _, err := awaitSingle(ctx, e); !errors.Is(err, ErrDisconnected) {
			t.Fatalf("expected ErrDisconnected, got %v", err)
		}
	}
}

func TestPendingTableAwaitRespectsContextCancellation(t *testing.T) {
	pt := newPendingTable()
	_, entry := pt.registerSingle()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := awaitSingle(ctx, entry); err == nil {
		t.Fatalf("expected a timeout error")
	}
}
