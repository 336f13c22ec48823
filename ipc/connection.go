package ipc

import (
	"context"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gammazero/deque"
	"go.uber.org/zap"
)

// Connection wraps a single websocket link to a remote peer together with
// that peer's current label set. On the master it is created after a
// successful handshake and destroyed when the underlying websocket closes.
//
// Every websocket is written by at most one goroutine: outbound frames are
// pushed onto a deque and drained by a dedicated writer goroutine, so
// concurrent senders targeting the same Connection never race on the wire.
type Connection struct {
	ID     string
	conn   wireConn
	logger *zap.Logger

	labelsMu sync.RWMutex
	labels   mapset.Set[string]

	outMu  sync.Mutex
	outQ   deque.Deque[[]byte]
	outSig chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(id string, c wireConn, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn := &Connection{
		ID:     id,
		conn:   c,
		logger: logger,
		labels: mapset.NewThreadUnsafeSet[string](),
		outSig: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go conn.writeLoop()
	return conn
}

// Labels returns a snapshot of the connection's current label set.
func (c *Connection) Labels() []string {
	c.labelsMu.RLock()
	defer c.labelsMu.RUnlock()
	return c.labels.ToSlice()
}

// HasLabel reports whether the connection currently advertises label.
func (c *Connection) HasLabel(label string) bool {
	c.labelsMu.RLock()
	defer c.labelsMu.RUnlock()
	return c.labels.Contains(label)
}

// setLabels replaces the connection's label set wholesale. No
// deduplication beyond set membership is performed, matching §4.7.
func (c *Connection) setLabels(labels []string) {
	next := mapset.NewThreadUnsafeSet[string](labels...)
	c.labelsMu.Lock()
	c.labels = next
	c.labelsMu.Unlock()
}

// Send encodes and enqueues an envelope for delivery on this connection's
// writer goroutine. It returns ErrDisconnected if the connection has
// already closed.
func (c *Connection) Send(e *Envelope) error {
	b, err := encodeEnvelope(e)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrDisconnected
	default:
	}
	c.outMu.Lock()
	c.outQ.PushBack(b)
	c.outMu.Unlock()
	select {
	case c.outSig <- struct{}{}:
	default:
	}
	return nil
}

func (c *Connection) writeLoop() {
	ctx := context.Background()
	for {
		c.outMu.Lock()
		if c.outQ.Len() == 0 {
			c.outMu.Unlock()
			select {
			case <-c.outSig:
				continue
			case <-c.closed:
				return
			}
		}
		b := c.outQ.PopFront()
		c.outMu.Unlock()

		if err := c.conn.WriteText(ctx, b); err != nil {
			c.logger.Debug("connection write failed, closing", zap.String("connection", c.ID), zap.Error(err))
			c.closeInternal()
			return
		}
	}
}

// readLoop pumps inbound frames to onFrame until the link fails, then
// invokes onClose exactly once.
func (c *Connection) readLoop(ctx context.Context, onFrame func([]byte), onClose func()) {
	for {
		b, err := c.conn.ReadText(ctx)
		if err != nil {
			c.closeInternal()
			onClose()
			return
		}
		onFrame(b)
	}
}

func (c *Connection) closeInternal() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// Close closes the underlying websocket and stops the writer goroutine.
func (c *Connection) Close() error {
	c.closeInternal()
	return nil
}

// Done returns a channel closed once the connection has torn down.
func (c *Connection) Done() <-chan struct{} { return c.closed }
