package ipc

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// handleMasterInbound classifies a frame arriving on a master-side
// connection per §4.4: a response completion, a reserved internal event,
// or an ordinary event needing target-based routing.
func (p *Peer) handleMasterInbound(c *Connection, raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		p.logger.Warn("bad envelope from connection", zap.String("connection", c.ID), zap.Error(err))
		return
	}
	if env.ResponseID != "" {
		p.handleResponseInbound(c, env)
		return
	}
	if isInternalEvent(env.Type) {
		p.dispatchInternal(c, env)
		return
	}
	if err := p.routeFromOrigin(c, env); err != nil {
		p.logger.Debug("routing inbound envelope failed", zap.String("type", env.Type), zap.Error(err))
	}
}

// handleWorkerInbound classifies a frame arriving on a worker's single
// upstream link per §4.5: the same response/internal/user classification,
// minus any further fan-out (the master already did that).
func (p *Peer) handleWorkerInbound(raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		p.logger.Warn("bad envelope from master", zap.Error(err))
		return
	}
	if env.ResponseID != "" {
		if !p.pending.complete(env) {
			p.logger.Debug("dropping late or unknown response", zap.String("response_id", env.ResponseID))
		}
		return
	}
	if isInternalEvent(env.Type) {
		p.logger.Debug("worker received unexpected internal event", zap.String("type", env.Type))
		return
	}
	p.dispatchToListeners(nil, env)
}

// dispatchInternal handles the two reserved ipc_ events (§4.7, §4.8). Both
// are always master-local: ipc_setlabels mutates the originating
// connection's label set, ipc_query_label answers with the current size
// of a label's connection set.
// dispatchInternal handles the two reserved ipc_ events, both always
// master-local. c is the connection the event arrived on, or nil when the
// master generated the event for itself (RequestMany's label-count query
// issued by a master peer against its own registry).
func (p *Peer) dispatchInternal(c *Connection, env *Envelope) {
	switch env.Type {
	case ipcSetLabels:
		if c == nil {
			return // only a real connection's relabel frame carries this
		}
		var payload setLabelsPayload
		if err := env.Unmarshal(&payload); err != nil {
			p.logger.Warn("bad ipc_setlabels payload", zap.Error(err))
			return
		}
		p.labels.setLabels(c, payload.Labels)

	case ipcQueryLabel:
		var payload queryLabelPayload
		if err := env.Unmarshal(&payload); err != nil {
			p.logger.Warn("bad ipc_query_label payload", zap.Error(err))
			return
		}
		count := p.labels.connectionsByLabel(payload.Label).Cardinality()
		if env.RequestID == "" {
			return
		}
		raw, err := newData(queryLabelResult{Count: count})
		if err != nil {
			p.logger.Warn("failed encoding ipc_query_label result", zap.Error(err))
			return
		}
		resp := &Envelope{ResponseID: env.RequestID, Data: raw}
		if err := p.deliverResponse(c, resp); err != nil {
			p.logger.Debug("failed answering ipc_query_label", zap.Error(err))
		}

	default:
		p.logger.Debug("unknown internal event", zap.String("type", env.Type))
	}
}

// routeFromOrigin is the master's send_raw_message logic (§4.4), shared by
// the master's own public operations (origin == nil) and by frames
// relayed in from a worker (origin == the sending Connection).
func (p *Peer) routeFromOrigin(origin *Connection, env *Envelope) error {
	switch {
	case env.IsBroadcast():
		p.fanOut(origin, env, p.allConnections())
		p.dispatchToListeners(origin, env)
		return nil

	case env.IsMasterOnly():
		p.dispatchToListeners(origin, env)
		return nil

	default:
		label, _ := env.Label()
		conns := p.labels.connectionsByLabel(label)
		if conns.Cardinality() == 0 {
			return ErrNoSuchLabel
		}
		p.fanOut(origin, env, conns.ToSlice())
		return nil
	}
}

// fanOut transmits env to every target connection, recording a
// forwardEntry first if the envelope expects a response so replies (and
// peer-gone notifications) find their way back to origin.
func (p *Peer) fanOut(origin *Connection, env *Envelope, targets []*Connection) {
	if len(targets) == 0 {
		return
	}
	if env.RequestID != "" {
		p.forwardMu.Lock()
		p.forwardTable[env.RequestID] = &forwardEntry{origin: origin, expected: mapset.NewSet(targets...)}
		p.forwardMu.Unlock()
	}
	var wg conc.WaitGroup
	for _, c := range targets {
		c := c
		wg.Go(func() {
			if err := c.Send(env); err != nil {
				p.logger.Debug("fan-out send failed", zap.String("connection", c.ID), zap.Error(err))
			}
		})
	}
	wg.Wait()
}

// handleResponseInbound is called on the master whenever a frame carrying
// a ResponseID arrives on connection c. If a forwardEntry is relaying that
// request ID to a different connection, the response is handed off
// verbatim; otherwise it must belong to the master's own pending table.
func (p *Peer) handleResponseInbound(c *Connection, env *Envelope) {
	p.forwardMu.Lock()
	fe, ok := p.forwardTable[env.ResponseID]
	if ok {
		fe.expected.Remove(c)
		if fe.expected.Cardinality() == 0 {
			delete(p.forwardTable, env.ResponseID)
		}
	}
	p.forwardMu.Unlock()

	if ok && fe.origin != nil {
		if err := fe.origin.Send(env); err != nil {
			p.logger.Debug("failed relaying response to origin", zap.Error(err))
		}
		return
	}
	if !p.pending.complete(env) {
		p.logger.Debug("dropping late or unknown response", zap.String("response_id", env.ResponseID))
	}
}

// failForwardsFor runs when a master-side connection closes: every
// forwardEntry still waiting on it is notified with a synthetic
// ipc_peer_gone completion (§4.9), and any entry the dead connection
// itself owned as origin is discarded since no one is left to deliver to.
func (p *Peer) failForwardsFor(c *Connection) {
	type notify struct {
		id     string
		origin *Connection
	}
	var toNotify []notify

	p.forwardMu.Lock()
	for id, fe := range p.forwardTable {
		if fe.origin == c {
			delete(p.forwardTable, id)
			continue
		}
		if fe.expected.Contains(c) {
			fe.expected.Remove(c)
			toNotify = append(toNotify, notify{id: id, origin: fe.origin})
			if fe.expected.Cardinality() == 0 {
				delete(p.forwardTable, id)
			}
		}
	}
	p.forwardMu.Unlock()

	for _, n := range toNotify {
		marker := &Envelope{ResponseID: n.id, Type: ipcPeerGoneType}
		if n.origin != nil {
			if err := n.origin.Send(marker); err != nil {
				p.logger.Debug("failed relaying peer-gone notification", zap.Error(err))
			}
			continue
		}
		p.pending.complete(marker)
	}
}

func (p *Peer) dispatchToListeners(origin *Connection, env *Envelope) {
	ctx := &Context{Envelope: env, peer: p, origin: origin}
	p.listeners.dispatch(ctx, env, p.logHandlerPanic)
}

func (p *Peer) allConnections() []*Connection {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	out := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// deliverResponse sends resp back toward whoever is waiting on it,
// regardless of which side of the bus this peer is on. origin is the
// Connection a request arrived on (master side) or nil (worker side, or
// the master answering a request it dispatched to itself).
func (p *Peer) deliverResponse(origin *Connection, resp *Envelope) error {
	if origin != nil {
		return origin.Send(resp)
	}
	p.mu.RLock()
	authority, upstream := p.authority, p.upstream
	p.mu.RUnlock()

	switch authority {
	case AuthorityWorker:
		return upstream.Send(resp)
	default:
		if !p.pending.complete(resp) {
			return ErrNoRequest
		}
		return nil
	}
}
