package ipc

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// resolveTarget turns the variadic target argument every public send
// accepts into an envelope target pointer: no argument means broadcast,
// one argument addresses "master" or a label verbatim, and more than one
// is a programming error.
func resolveTarget(target []string) (*string, error) {
	switch len(target) {
	case 0:
		return nil, nil
	case 1:
		t := target[0]
		return &t, nil
	default:
		return nil, fmt.Errorf("ipc: at most one target may be given, got %d", len(target))
	}
}

// SendMessage transmits an event with no expectation of a response. With
// no target it broadcasts; "master" delivers to the master's own
// listeners; anything else addresses every connection advertising that
// label.
func (p *Peer) SendMessage(ctx context.Context, msgType string, data interface{}, target ...string) error {
	tgt, err := resolveTarget(target)
	if err != nil {
		return err
	}
	raw, err := newData(data)
	if err != nil {
		return err
	}
	env := &Envelope{Type: msgType, Data: raw, Target: tgt, From: p.firstLabel()}
	return p.sendEnvelope(env)
}

// Request transmits an event and blocks until exactly one response
// arrives, ctx is cancelled, or the addressed recipient disappears.
func (p *Peer) Request(ctx context.Context, msgType string, data interface{}, target ...string) (*Envelope, error) {
	tgt, err := resolveTarget(target)
	if err != nil {
		return nil, err
	}
	raw, err := newData(data)
	if err != nil {
		return nil, err
	}
	id, entry := p.pending.registerSingle()
	env := &Envelope{Type: msgType, Data: raw, Target: tgt, RequestID: id, From: p.firstLabel()}
	if err := p.sendEnvelope(env); err != nil {
		p.pending.cancel(id)
		return nil, err
	}
	return awaitSingle(ctx, entry)
}

// RequestMany addresses every connection currently advertising label: it
// first asks the master how many there are, then sends the real request
// and waits for that many completions (a response or a peer-gone marker
// per disappeared recipient) before returning.
func (p *Peer) RequestMany(ctx context.Context, msgType string, data interface{}, label string) ([]*Envelope, error) {
	countEnv, err := p.Request(ctx, ipcQueryLabel, queryLabelPayload{Label: label}, targetMaster)
	if err != nil {
		return nil, err
	}
	var count queryLabelResult
	if err := countEnv.Unmarshal(&count); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if count.Count == 0 {
		return nil, ErrNoSuchLabel
	}

	raw, err := newData(data)
	if err != nil {
		return nil, err
	}
	id, entry := p.pending.registerMulti(count.Count)
	env := &Envelope{Type: msgType, Data: raw, Target: TargetLabel(label), RequestID: id, From: p.firstLabel()}
	if err := p.sendEnvelope(env); err != nil {
		p.pending.cancel(id)
		return nil, err
	}
	return awaitMulti(ctx, entry)
}

// SetLabels replaces this peer's own advertised label set. A worker
// relays the change to the master via ipc_setlabels; a master updates its
// local bookkeeping directly since it has no connection of its own to
// register.
func (p *Peer) SetLabels(ctx context.Context, labels []string) error {
	p.mu.Lock()
	p.myLabels = mapset.NewThreadUnsafeSet(labels...)
	p.mu.Unlock()

	p.mu.RLock()
	authority, upstream := p.authority, p.upstream
	p.mu.RUnlock()
	if authority != AuthorityWorker {
		return nil
	}
	raw, err := newData(setLabelsPayload{Labels: labels})
	if err != nil {
		return err
	}
	return upstream.Send(&Envelope{Type: ipcSetLabels, Data: raw, Target: TargetMaster()})
}

// AddLabels prepends new labels ahead of the peer's existing set and
// applies the result via SetLabels, matching §4.7's definition.
func (p *Peer) AddLabels(ctx context.Context, labels ...string) error {
	existing := p.currentLabels()
	return p.SetLabels(ctx, append(append([]string(nil), labels...), existing...))
}

func (p *Peer) currentLabels() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.myLabels.ToSlice()
}

func (p *Peer) firstLabel() string {
	labels := p.currentLabels()
	if len(labels) == 0 {
		return ""
	}
	return labels[0]
}

// sendEnvelope is the single outbound path shared by every public
// operation: a worker always relays verbatim to master (§4.5); a master
// runs its own routing logic as if the envelope arrived from no
// connection at all.
func (p *Peer) sendEnvelope(env *Envelope) error {
	p.mu.RLock()
	authority, upstream := p.authority, p.upstream
	p.mu.RUnlock()

	switch authority {
	case AuthorityWorker:
		if upstream == nil {
			return ErrNotConnected
		}
		return upstream.Send(env)
	case AuthorityMaster:
		if isInternalEvent(env.Type) {
			p.dispatchInternal(nil, env)
			return nil
		}
		return p.routeFromOrigin(nil, env)
	default:
		return ErrNotConnected
	}
}
