package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultPath is the fixed websocket path every peer listens on and
// dials, per §6.
const DefaultPath = "/nextcord-ipc"

// Default inclusive-exclusive loopback port range probed by dynamic
// discovery, per §3.
const (
	DefaultPortRangeStart = 46000
	DefaultPortRangeEnd   = 46100
)

const dialProbeTimeout = 250 * time.Millisecond

// connect runs the discovery and election algorithm of §4.2. On return
// the peer's authority is either AuthorityMaster or AuthorityWorker.
func (p *Peer) connect(ctx context.Context) error {
	switch {
	case p.explicitURL != "":
		return p.connectAsWorker(ctx, p.explicitURL)
	case p.explicitHost != "":
		return p.bindAsMaster(ctx, p.explicitHost)
	default:
		return p.connectDynamic(ctx)
	}
}

func (p *Peer) connectDynamic(ctx context.Context) error {
	taken := make(map[int]bool)

	for port := p.portRangeStart; port < p.portRangeEnd; port++ {
		url := fmt.Sprintf("ws://localhost:%d%s", port, p.path)
		dialCtx, cancel := context.WithTimeout(ctx, dialProbeTimeout)
		conn, resp, err := gorillaws.DefaultDialer.DialContext(dialCtx, url, nil)
		cancel()
		if err == nil {
			p.logger.Debug("discovered candidate master", zap.Int("port", port))
			return p.becomeWorker(ctx, &gorillaConn{c: conn}, url)
		}
		if resp != nil {
			// TCP accepted the connection but it did not upgrade: some
			// other service occupies this port.
			taken[port] = true
			continue
		}
		if isConnectionRefused(err) {
			continue // port is free; remember nothing
		}
		// Anything else (timeout, DNS hiccup) is inconclusive; treat the
		// port as free rather than risk permanently excluding a bindable
		// port from the election.
	}

	for port := p.portRangeStart; port < p.portRangeEnd; port++ {
		if taken[port] {
			continue
		}
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			continue
		}
		return p.becomeMaster(ctx, ln)
	}
	return ErrNoSlotAvailable
}

func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func (p *Peer) connectAsWorker(ctx context.Context, url string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, _, err := gorillaws.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("ipc: dialing %s: %w", url, err)
	}
	return p.becomeWorker(ctx, &gorillaConn{c: conn}, url)
}

func (p *Peer) bindAsMaster(ctx context.Context, host string) error {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = fmt.Sprintf("%s:%d", host, p.portRangeStart)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ipc: binding %s: %w", addr, err)
	}
	return p.becomeMaster(ctx, ln)
}

// becomeWorker completes the auth handshake over conn, wires up the
// upstream Connection, and spawns the receive loop.
func (p *Peer) becomeWorker(ctx context.Context, conn wireConn, dialedURL string) error {
	initialLabels := p.initialLabels()
	if err := authenticateOutbound(ctx, conn, p.secret, initialLabels); err != nil {
		_ = conn.Close()
		return err
	}

	p.mu.Lock()
	p.authority = AuthorityWorker
	p.dialedURL = dialedURL
	upstream := newConnection("master", conn, p.logger)
	upstream.setLabels(initialLabels)
	p.upstream = upstream
	p.mu.Unlock()

	go p.runWorkerReadLoop(upstream)
	p.logger.Info("connected as worker", zap.String("url", dialedURL))
	return nil
}

// becomeMaster installs the accept handler on ln and starts serving.
func (p *Peer) becomeMaster(ctx context.Context, ln net.Listener) error {
	p.mu.Lock()
	p.authority = AuthorityMaster
	p.listener = ln
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		p.boundPort = tcpAddr.Port
	}
	p.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(p.path, p.handleAccept)
	srv := &http.Server{Handler: mux}
	p.mu.Lock()
	p.httpServer = srv
	p.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("master accept loop exited", zap.Error(err))
		}
	}()
	p.logger.Info("bound as master", zap.Int("port", p.boundPort))
	return nil
}

func (p *Peer) initialLabels() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.myLabels.ToSlice()
}
