package ipc

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// ipcPeerGoneType is a reserved completion marker: a response-shaped
// envelope carrying this Type instead of real data tells the waiting
// pendingEntry that the addressed recipient disappeared rather than
// replied.
const ipcPeerGoneType = "ipc_peer_gone"

type pendingKind int

const (
	kindSingle pendingKind = iota
	kindMulti
)

type pendingResult struct {
	single *Envelope
	multi  []*Envelope
	err    error
}

// pendingEntry correlates one outgoing request ID with the completion
// that will eventually deliver its response(s). It is a tagged variant
// rather than one shape overloaded for both single and multi completion
// (see §9's design note).
type pendingEntry struct {
	kind     pendingKind
	resultCh chan pendingResult

	mu        sync.Mutex
	remaining int
	acc       []*Envelope
}

// pendingTable is the master-or-worker-local table of outstanding
// requests. It is mutated by both the goroutine issuing the request and
// the connection's receive loop, so all access goes through t.mu.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingEntry)}
}

// newRequestID generates a 128-bit random request ID. Request IDs are
// unique across the lifetime of a peer: the table rejects insertion of a
// duplicate by retrying generation, though a UUIDv4 collision against the
// live entry set is astronomically unlikely.
func newRequestID() string {
	return uuid.NewString()
}

// registerSingle creates a single-response entry: the first matching
// inbound envelope resolves it.
func (t *pendingTable) registerSingle() (string, *pendingEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		id := newRequestID()
		if _, exists := t.entries[id]; exists {
			continue
		}
		e := &pendingEntry{kind: kindSingle, resultCh: make(chan pendingResult, 1)}
		t.entries[id] = e
		return id, e
	}
}

// registerMulti creates a multi-response entry expecting exactly n
// completions (responses or peer-gone notifications).
func (t *pendingTable) registerMulti(n int) (string, *pendingEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		id := newRequestID()
		if _, exists := t.entries[id]; exists {
			continue
		}
		e := &pendingEntry{kind: kindMulti, remaining: n, resultCh: make(chan pendingResult, 1)}
		t.entries[id] = e
		return id, e
	}
}

// complete resolves the pending entry addressed by env.ResponseID, if any
// is still outstanding. It returns false if no entry matched (a late
// response for an already-completed or cancelled ID, which callers should
// log and drop rather than treat as an error).
//
// An envelope whose Type is ipcPeerGoneType is a synthetic marker, not
// real response data: it resolves a single entry with ErrPeerGone and
// decrements a multi entry's remaining count without adding to its
// accumulator.
func (t *pendingTable) complete(env *Envelope) bool {
	t.mu.Lock()
	e, ok := t.entries[env.ResponseID]
	t.mu.Unlock()
	if !ok {
		return false
	}

	peerGone := env.Type == ipcPeerGoneType

	if e.kind == kindSingle {
		t.mu.Lock()
		delete(t.entries, env.ResponseID)
		t.mu.Unlock()
		res := pendingResult{single: env}
		if peerGone {
			res = pendingResult{err: ErrPeerGone}
		}
		select {
		case e.resultCh <- res:
		default:
		}
		return true
	}

	e.mu.Lock()
	if !peerGone {
		e.acc = append(e.acc, env)
	}
	e.remaining--
	remaining := e.remaining
	accCopy := append([]*Envelope(nil), e.acc...)
	e.mu.Unlock()

	if remaining <= 0 {
		t.mu.Lock()
		delete(t.entries, env.ResponseID)
		t.mu.Unlock()
		select {
		case e.resultCh <- pendingResult{multi: accCopy}:
		default:
		}
	}
	return true
}

// cancel resolves the entry with ErrCancelled and removes it. A
// late-arriving response for a cancelled ID is then a no-op in complete.
func (t *pendingTable) cancel(id string) {
	t.fail(id, ErrCancelled)
}

// fail resolves a still-outstanding entry with err and removes it.
func (t *pendingTable) fail(id string, err error) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case e.resultCh <- pendingResult{err: err}:
	default:
	}
	return true
}

// failAll resolves every outstanding entry with err; used on link loss and
// shutdown.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.fail(id, err)
	}
}

// awaitSingle blocks until the entry resolves, ctx is done, or deadline
// elapses.
func awaitSingle(ctx context.Context, e *pendingEntry) (*Envelope, error) {
	select {
	case r := <-e.resultCh:
		if r.err != nil {
			return nil, r.err
		}
		return r.single, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func awaitMulti(ctx context.Context, e *pendingEntry) ([]*Envelope, error) {
	select {
	case r := <-e.resultCh:
		if r.err != nil {
			return nil, r.err
		}
		return r.multi, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
