package ipc

import "errors"

// ErrNoRequest is returned by Context.Respond when the originating
// envelope carried no RequestID, so there is nothing to complete.
var ErrNoRequest = errors.New("ipc: envelope carries no request_id to respond to")

// Context is the out-of-band value handed to a listener alongside an
// inbound Envelope. It carries the connection the envelope arrived on
// (nil when the peer is a worker receiving from its single upstream
// link, or when the event was self-dispatched locally by the master) and
// the means to reply if the envelope expects a response.
//
// This models the router/connection pairing as a value passed to
// handlers rather than an owning back-pointer on the envelope itself
// (see §9's note on cyclic references).
type Context struct {
	Envelope *Envelope

	peer   *Peer
	origin *Connection // nil: local/master-originated, no remote link to reply on
}

// Respond sends data back to whoever issued the request this envelope
// carries, completing their pending Request/RequestMany call. It returns
// an error if the envelope carried no RequestID.
func (c *Context) Respond(data interface{}) error {
	if c.Envelope.RequestID == "" {
		return ErrNoRequest
	}
	raw, err := newData(data)
	if err != nil {
		return err
	}
	resp := &Envelope{ResponseID: c.Envelope.RequestID, Data: raw}
	return c.peer.deliverResponse(c.origin, resp)
}
