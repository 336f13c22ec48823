package ipc

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	coderws "github.com/coder/websocket"
	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// Authority is the role a peer holds after discovery.
type Authority int

const (
	// AuthorityDynamic is the pre-connect state: the peer has not yet run
	// discovery.
	AuthorityDynamic Authority = iota
	AuthorityMaster
	AuthorityWorker
)

func (a Authority) String() string {
	switch a {
	case AuthorityMaster:
		return "master"
	case AuthorityWorker:
		return "worker"
	default:
		return "dynamic"
	}
}

// Peer is one process's handle onto the bus: a single instance per
// process, constructed with New and brought up with Connect.
type Peer struct {
	secret         string
	explicitURL    string
	explicitHost   string
	portRangeStart int
	portRangeEnd   int
	path           string
	logger         *zap.Logger

	listeners *listenerRegistry
	pending   *pendingTable

	mu        sync.RWMutex
	authority Authority
	dialedURL string
	myLabels  mapset.Set[string]

	// worker-only state.
	upstream *Connection

	// master-only state.
	connMu       sync.RWMutex
	conns        map[string]*Connection
	nextConnID   uint64
	labels       *labelRegistry
	forwardMu    sync.Mutex
	forwardTable map[string]*forwardEntry
	listener     interface{ Close() error }
	httpServer   *http.Server
	boundPort    int
}

// forwardEntry tracks, on the master, who is waiting on a request ID and
// which remote connections still owe it a completion (a response, or a
// peer-gone notification once they disconnect).
type forwardEntry struct {
	origin   *Connection // nil: the master's own Request/RequestMany call
	expected mapset.Set[*Connection]
}

// Option configures a Peer at construction time.
type Option func(*Peer) error

// WithURL pins the peer to explicit worker mode: it dials url directly
// instead of probing the port range.
func WithURL(url string) Option {
	return func(p *Peer) error { p.explicitURL = url; return nil }
}

// WithHost pins the peer to explicit master mode: it binds host instead
// of probing the port range.
func WithHost(host string) Option {
	return func(p *Peer) error { p.explicitHost = host; return nil }
}

// WithPortRange overrides the default [46000,46100) discovery range.
func WithPortRange(start, end int) Option {
	return func(p *Peer) error {
		if start >= end {
			return fmt.Errorf("ipc: invalid port range [%d,%d)", start, end)
		}
		p.portRangeStart, p.portRangeEnd = start, end
		return nil
	}
}

// WithPath overrides the fixed websocket path, mainly useful for running
// multiple independent buses in the same test binary.
func WithPath(path string) Option {
	return func(p *Peer) error { p.path = path; return nil }
}

// WithLogger attaches a zap logger; the default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Peer) error { p.logger = logger; return nil }
}

// WithLabels seeds the peer's label set before Connect, so it is carried
// on the initial auth frame rather than requiring a separate SetLabels
// call after connecting.
func WithLabels(labels ...string) Option {
	return func(p *Peer) error { p.myLabels = mapset.NewThreadUnsafeSet(labels...); return nil }
}

// New constructs a Peer. Supplying both WithURL and WithHost is a
// configuration error.
func New(secret string, opts ...Option) (*Peer, error) {
	p := &Peer{
		secret:         secret,
		path:           DefaultPath,
		portRangeStart: DefaultPortRangeStart,
		portRangeEnd:   DefaultPortRangeEnd,
		logger:         zap.NewNop(),
		listeners:      newListenerRegistry(),
		pending:        newPendingTable(),
		myLabels:       mapset.NewThreadUnsafeSet[string](),
		conns:          make(map[string]*Connection),
		labels:         newLabelRegistry(),
		forwardTable:   make(map[string]*forwardEntry),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.explicitURL != "" && p.explicitHost != "" {
		return nil, ErrConfigError
	}
	return p, nil
}

// Authority returns the peer's current role.
func (p *Peer) Authority() Authority {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.authority
}

// BoundPort returns the port a master peer bound, or 0 if the peer is not
// a master.
func (p *Peer) BoundPort() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.boundPort
}

// Connect runs discovery and election (§4.2). It returns once the peer is
// a master or a worker, or fails with ErrNoSlotAvailable.
func (p *Peer) Connect(ctx context.Context) error {
	return p.connect(ctx)
}

// Close tears down the peer: closes every connection, cancels pending
// requests, and stops serving.
func (p *Peer) Close() error {
	p.pending.failAll(ErrCancelled)

	p.mu.RLock()
	authority := p.authority
	upstream := p.upstream
	p.mu.RUnlock()

	if authority == AuthorityWorker && upstream != nil {
		_ = upstream.Close()
	}
	if authority == AuthorityMaster {
		p.connMu.Lock()
		for _, c := range p.conns {
			_ = c.Close()
		}
		p.connMu.Unlock()
		p.mu.RLock()
		srv := p.httpServer
		ln := p.listener
		p.mu.RUnlock()
		if srv != nil {
			_ = srv.Close()
		} else if ln != nil {
			_ = ln.Close()
		}
	}
	return nil
}

// On registers handler for event; the special name "receive" matches
// every user event. It returns an unsubscribe function.
func (p *Peer) On(event string, handler Handler) func() {
	return p.listeners.on(event, handler)
}

func (p *Peer) logHandlerPanic(event string, r interface{}) {
	p.logger.Error("listener panicked", zap.String("event", event), zap.Any("recovered", r))
}

// --- master accept path ---------------------------------------------------

func (p *Peer) handleAccept(w http.ResponseWriter, r *http.Request) {
	wsConn, err := coderws.Accept(w, r, nil)
	if err != nil {
		p.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	conn := &coderConn{c: wsConn}

	labels, err := authenticateInbound(r.Context(), conn, p.secret, p.logger)
	if err != nil {
		p.logger.Info("rejected connection", zap.Error(err))
		_ = conn.Close()
		return
	}

	p.connMu.Lock()
	p.nextConnID++
	id := fmt.Sprintf("c%d", p.nextConnID)
	c := newConnection(id, conn, p.logger)
	p.conns[id] = c
	p.connMu.Unlock()

	if len(labels) > 0 {
		p.labels.setLabels(c, labels)
	}
	p.logger.Info("worker connected", zap.String("connection", id))

	c.readLoop(context.Background(), func(raw []byte) {
		p.handleMasterInbound(c, raw)
	}, func() {
		p.onConnectionClosed(c)
	})
}

func (p *Peer) onConnectionClosed(c *Connection) {
	p.connMu.Lock()
	delete(p.conns, c.ID)
	p.connMu.Unlock()
	p.labels.remove(c)
	p.failForwardsFor(c)
	p.logger.Info("worker disconnected", zap.String("connection", c.ID))
}

// --- worker receive path --------------------------------------------------

func (p *Peer) runWorkerReadLoop(conn *Connection) {
	conn.readLoop(context.Background(), func(raw []byte) {
		p.handleWorkerInbound(raw)
	}, func() {
		p.logger.Warn("lost connection to master")
		p.pending.failAll(ErrDisconnected)
		p.reconnectLoop()
	})
}

// reconnectLoop re-runs discovery with exponential backoff after the
// upstream link drops, per §4.9.
func (p *Peer) reconnectLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry indefinitely; Close() cancels via context
	_ = backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := p.connect(ctx)
		if err != nil {
			p.logger.Warn("reconnect attempt failed", zap.Error(err))
		}
		return err
	}, bo)
}
