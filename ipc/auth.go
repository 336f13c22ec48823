package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// authHandshakeTimeout bounds the master's wait for the worker's first
// frame. The protocol does not mandate a timeout on the auth read, but
// §4.3 recommends imposing one.
const authHandshakeTimeout = 10 * time.Second

type authFrame struct {
	Type    string   `json:"type"`
	Data    string   `json:"data,omitempty"`
	OK      *bool    `json:"ok,omitempty"`
	Message string   `json:"message,omitempty"`
	Labels  []string `json:"labels,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

// authenticateInbound runs the master side of the handshake on a freshly
// accepted websocket: read exactly one frame, require it to be a valid
// auth frame, and reply ok/not-ok. On success it returns the labels the
// auth frame optionally seeded the connection with.
func authenticateInbound(ctx context.Context, conn wireConn, secret string, logger *zap.Logger) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, authHandshakeTimeout)
	defer cancel()

	raw, err := conn.ReadText(ctx)
	if err != nil {
		return nil, fmt.Errorf("ipc: reading auth frame: %w", err)
	}
	var frame authFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != ipcAuthType {
		reply := authFrame{Type: ipcAuthType, OK: boolPtr(false), Message: "Sent non-auth packet before authenticating"}
		sendAuthReply(ctx, conn, reply, logger)
		return nil, ErrAuthRejected
	}
	if frame.Data != secret {
		reply := authFrame{Type: ipcAuthType, OK: boolPtr(false), Message: "Bad token"}
		sendAuthReply(ctx, conn, reply, logger)
		return nil, ErrAuthRejected
	}
	reply := authFrame{Type: ipcAuthType, OK: boolPtr(true)}
	if err := sendAuthReply(ctx, conn, reply, logger); err != nil {
		return nil, err
	}
	return frame.Labels, nil
}

func sendAuthReply(ctx context.Context, conn wireConn, frame authFrame, logger *zap.Logger) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := conn.WriteText(ctx, b); err != nil {
		if logger != nil {
			logger.Debug("failed writing auth reply", zap.Error(err))
		}
		return err
	}
	return nil
}

// authenticateOutbound runs the worker side of the handshake: send the
// auth frame with the shared secret and optional initial labels, then
// wait for the master's ok/not-ok reply.
func authenticateOutbound(ctx context.Context, conn wireConn, secret string, labels []string) error {
	ctx, cancel := context.WithTimeout(ctx, authHandshakeTimeout)
	defer cancel()

	frame := authFrame{Type: ipcAuthType, Data: secret, Labels: labels}
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := conn.WriteText(ctx, b); err != nil {
		return err
	}
	raw, err := conn.ReadText(ctx)
	if err != nil {
		return fmt.Errorf("ipc: reading auth reply: %w", err)
	}
	var reply authFrame
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if reply.Type != ipcAuthType || reply.OK == nil || !*reply.OK {
		return ErrAuthRejected
	}
	return nil
}
