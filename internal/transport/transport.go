// Package transport defines the handoff boundary between the puncher
// engine and whatever protocol the two peers actually wanted to speak
// once a lane is selected. No tunnel protocol is implemented here.
package transport

import (
	"context"
	"log/slog"
	"net"
)

// Handoff is given the bound socket and the confirmed remote address once
// the host runner's puncher has selected a lane. It owns the socket from
// that point on.
type Handoff interface {
	Serve(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr) error
}

// LoggingHandoff is a no-op Handoff that logs the handoff and blocks until
// ctx is cancelled. It exists so the host runner's wiring compiles and can
// be exercised end to end without a real tunnel implementation.
type LoggingHandoff struct {
	Log *slog.Logger
}

func (h LoggingHandoff) Serve(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr) error {
	h.Log.Info("handed off punched socket", "local", conn.LocalAddr(), "remote", remote)
	<-ctx.Done()
	return ctx.Err()
}
