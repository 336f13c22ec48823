// Package ipc implements a single-host inter-process messaging bus.
//
// One process in a cooperating group elects itself the master by binding a
// port in a well-known local range; every other process discovers it and
// connects as a worker over an authenticated websocket. Peers exchange
// broadcasts, label-addressed messages, and request/response exchanges
// through the master.
package ipc
