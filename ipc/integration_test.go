package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const testSecret = "integration-test-secret"

// startPeers brings up n peers racing over the same port range and waits
// for every one of them to settle on a role. Exactly one becomes master.
func startPeers(t *testing.T, portStart, portEnd, n int, labelsFor func(i int) []string) []*Peer {
	t.Helper()
	peers := make([]*Peer, n)
	for i := 0; i < n; i++ {
		opts := []Option{
			WithPortRange(portStart, portEnd),
			WithLogger(zap.NewNop()),
		}
		if labelsFor != nil {
			opts = append(opts, WithLabels(labelsFor(i)...))
		}
		peer, err := New(testSecret, opts...)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		peers[i] = peer
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, peer := range peers {
		wg.Add(1)
		go func(i int, peer *Peer) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			errs[i] = peer.Connect(ctx)
		}(i, peer)
		time.Sleep(20 * time.Millisecond) // stagger dials so the first peer reliably wins the bind race
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("peer %d failed to connect: %v", i, err)
		}
	}

	masters := 0
	for _, peer := range peers {
		if peer.Authority() == AuthorityMaster {
			masters++
		}
	}
	if masters != 1 {
		t.Fatalf("expected exactly one master among %d peers, got %d", n, masters)
	}
	return peers
}

func closeAll(peers []*Peer) {
	for _, p := range peers {
		_ = p.Close()
	}
}

func TestDiscoveryElectsOneMaster(t *testing.T) {
	peers := startPeers(t, 47000, 47010, 3, nil)
	defer closeAll(peers)
}

func TestBroadcastReachesEveryWorkerAndMaster(t *testing.T) {
	peers := startPeers(t, 47100, 47110, 3, nil)
	defer closeAll(peers)

	received := make(chan string, len(peers))
	for _, p := range peers {
		p.On("ping", func(ctx *Context, env *Envelope) {
			received <- env.From
		})
	}

	var sender *Peer
	for _, p := range peers {
		if p.Authority() == AuthorityMaster {
			sender = p
			break
		}
	}
	if sender == nil {
		t.Fatalf("no master found")
	}
	if err := sender.SendMessage(context.Background(), "ping", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	for i := 0; i < len(peers); i++ {
		select {
		case <-received:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for broadcast delivery %d/%d", i, len(peers))
		}
	}
}

func TestLabelAddressedSendOnlyReachesMatchingWorker(t *testing.T) {
	peers := startPeers(t, 47200, 47210, 3, func(i int) []string {
		if i == 1 {
			return []string{"dashboard"}
		}
		return nil
	})
	defer closeAll(peers)

	var master, target, other *Peer
	for _, p := range peers {
		switch {
		case p.Authority() == AuthorityMaster:
			master = p
		default:
			if containsLabel(p, "dashboard") {
				target = p
			} else {
				other = p
			}
		}
	}
	if master == nil || target == nil || other == nil {
		t.Fatalf("expected a master, a labeled worker, and an unlabeled worker")
	}

	targetReceived := make(chan struct{}, 1)
	target.On("tick", func(ctx *Context, env *Envelope) { targetReceived <- struct{}{} })
	other.On("tick", func(ctx *Context, env *Envelope) { t.Errorf("unlabeled worker should not receive a label-addressed send") })

	if err := master.SendMessage(context.Background(), "tick", nil, "dashboard"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case <-targetReceived:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for label-addressed delivery")
	}
}

func containsLabel(p *Peer, label string) bool {
	for _, l := range p.currentLabels() {
		if l == label {
			return true
		}
	}
	return false
}

func TestRequestResponseRoundTrip(t *testing.T) {
	peers := startPeers(t, 47300, 47310, 2, func(i int) []string {
		if i == 1 {
			return []string{"responder"}
		}
		return nil
	})
	defer closeAll(peers)

	var requester, responder *Peer
	for _, p := range peers {
		if containsLabel(p, "responder") {
			responder = p
		} else {
			requester = p
		}
	}

	responder.On("add", func(ctx *Context, env *Envelope) {
		var payload struct{ A, B int }
		if err := env.Unmarshal(&payload); err != nil {
			t.Errorf("unmarshal request payload: %v", err)
			return
		}
		if err := ctx.Respond(map[string]int{"sum": payload.A + payload.B}); err != nil {
			t.Errorf("Respond: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := requester.Request(ctx, "add", map[string]int{"A": 2, "B": 3}, "responder")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var result struct{ Sum int }
	if err := resp.Unmarshal(&result); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if result.Sum != 5 {
		t.Fatalf("expected sum=5, got %d", result.Sum)
	}
}

func TestRequestManyGathersEveryResponder(t *testing.T) {
	peers := startPeers(t, 47400, 47410, 3, func(i int) []string {
		if i != 0 {
			return []string{"worker"}
		}
		return nil
	})
	defer closeAll(peers)

	var requester *Peer
	responders := 0
	for _, p := range peers {
		if containsLabel(p, "worker") {
			responders++
			p.On("census", func(ctx *Context, env *Envelope) {
				_ = ctx.Respond(map[string]bool{"present": true})
			})
		} else {
			requester = p
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	results, err := requester.RequestMany(ctx, "census", nil, "worker")
	if err != nil {
		t.Fatalf("RequestMany: %v", err)
	}
	if len(results) != responders {
		t.Fatalf("expected %d responses, got %d", responders, len(results))
	}
}

func TestRequestManyNoSuchLabel(t *testing.T) {
	peers := startPeers(t, 47500, 47510, 2, nil)
	defer closeAll(peers)

	var requester *Peer
	for _, p := range peers {
		requester = p
		break
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := requester.RequestMany(ctx, "census", nil, "nonexistent"); err != ErrNoSuchLabel {
		t.Fatalf("expected ErrNoSuchLabel, got %v", err)
	}
}

func TestRequestFailsWithPeerGoneWhenTargetDisconnects(t *testing.T) {
	peers := startPeers(t, 47600, 47610, 2, func(i int) []string {
		if i == 1 {
			return []string{"flaky"}
		}
		return nil
	})
	defer closeAll(peers)

	var requester, flaky *Peer
	for _, p := range peers {
		if containsLabel(p, "flaky") {
			flaky = p
		} else {
			requester = p
		}
	}

	flaky.On("slow", func(ctx *Context, env *Envelope) {
		_ = flaky.Close() // disappear before responding
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := requester.Request(ctx, "slow", nil, "flaky")
	if err != ErrPeerGone {
		t.Fatalf("expected ErrPeerGone, got %v", err)
	}
}

func TestWorkerConnectFailsOnBadSecret(t *testing.T) {
	master, err := New(testSecret, WithHost("127.0.0.1:47700"), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := master.Connect(ctx); err != nil {
		t.Fatalf("master Connect: %v", err)
	}
	defer master.Close()

	url := fmt.Sprintf("ws://127.0.0.1:%d%s", master.BoundPort(), DefaultPath)
	worker, err := New("wrong-secret", WithURL(url), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	workerCtx, workerCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer workerCancel()
	if err := worker.Connect(workerCtx); !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}

// TestAuthRejectionClosesMasterSideSocket covers literal scenario 7: a
// worker presenting the wrong secret is told ok:false and the master
// closes its side of the socket rather than leaving it dangling.
func TestAuthRejectionClosesMasterSideSocket(t *testing.T) {
	master, err := New(testSecret, WithHost("127.0.0.1:47710"), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := master.Connect(ctx); err != nil {
		t.Fatalf("master Connect: %v", err)
	}
	defer master.Close()

	url := fmt.Sprintf("ws://127.0.0.1:%d%s", master.BoundPort(), DefaultPath)
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(authFrame{Type: ipcAuthType, Data: "wrong-secret"}); err != nil {
		t.Fatalf("write auth frame: %v", err)
	}
	var reply authFrame
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read auth reply: %v", err)
	}
	if reply.OK == nil || *reply.OK {
		t.Fatalf("expected ok:false, got %+v", reply)
	}
	if reply.Message != "Bad token" {
		t.Fatalf("expected rejection message %q, got %q", "Bad token", reply.Message)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the master to have closed its side of the socket after rejecting auth")
	}
}
