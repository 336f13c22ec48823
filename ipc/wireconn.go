package ipc

import (
	"context"

	coderws "github.com/coder/websocket"
	gorillaws "github.com/gorilla/websocket"
)

// wireConn abstracts the two websocket clients the bus uses: coder/websocket
// on the master's accept path (it has a clean context-based API that fits a
// server handler) and gorilla/websocket on the worker's dial path (it is
// what the discovery prober and the persistent upstream link use, matching
// tools/ws_client's dialer and the rest of the pack's client-side code).
type wireConn interface {
	WriteText(ctx context.Context, b []byte) error
	ReadText(ctx context.Context) ([]byte, error)
	Close() error
}

type coderConn struct {
	c *coderws.Conn
}

func (w *coderConn) WriteText(ctx context.Context, b []byte) error {
	return w.c.Write(ctx, coderws.MessageText, b)
}

func (w *coderConn) ReadText(ctx context.Context) ([]byte, error) {
	_, b, err := w.c.Read(ctx)
	return b, err
}

func (w *coderConn) Close() error {
	return w.c.Close(coderws.StatusNormalClosure, "")
}

type gorillaConn struct {
	c *gorillaws.Conn
}

func (w *gorillaConn) WriteText(_ context.Context, b []byte) error {
	return w.c.WriteMessage(gorillaws.TextMessage, b)
}

func (w *gorillaConn) ReadText(ctx context.Context) ([]byte, error) {
	// A ctx without a deadline yields the zero time, which clears any
	// deadline left by an earlier read.
	dl, _ := ctx.Deadline()
	_ = w.c.SetReadDeadline(dl)
	_, b, err := w.c.ReadMessage()
	return b, err
}

func (w *gorillaConn) Close() error {
	return w.c.Close()
}
