// Package hostrunner drives a puncher.Engine against real UDP sockets. The
// engine itself never touches a socket or a clock; this package is the
// thin host loop that feeds it received packets, flushes its outbound
// packets, and wakes it up on schedule.
package hostrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/jonboulle/clockwork"
	"github.com/juanrs/punchtun/internal/metrics"
	"github.com/juanrs/punchtun/internal/puncher"
	"github.com/juanrs/punchtun/internal/transport"
)

// Config seeds a Runner.
type Config struct {
	Engine *puncher.Engine

	// Conns holds one bound UDP socket per lane, in ascending lane-index
	// order; Conns[i]'s local port must equal the engine's MyPortStart+i.
	Conns []*net.UDPConn

	// RemoteAddress is the peer's IP, the same one passed to puncher.Config.
	RemoteAddress net.IP

	Clock   clockwork.Clock
	Log     *slog.Logger
	Handoff transport.Handoff
}

func (c Config) validate() error {
	if c.Engine == nil {
		return errors.New("hostrunner: engine is required")
	}
	if len(c.Conns) == 0 {
		return errors.New("hostrunner: at least one conn is required")
	}
	if c.Clock == nil {
		return errors.New("hostrunner: clock is required")
	}
	if c.Log == nil {
		return errors.New("hostrunner: log is required")
	}
	if c.RemoteAddress == nil {
		return errors.New("hostrunner: remote address is required")
	}
	if c.Handoff == nil {
		return errors.New("hostrunner: handoff is required")
	}
	return nil
}

type incomingPacket struct {
	laneIndex int
	data      []byte
	from      *net.UDPAddr
	err       error
}

// Runner owns the sockets and clock the engine needs and translates its
// Poll outcome into either a tunnel handoff or a terminal error.
type Runner struct {
	cfg Config
	log *slog.Logger

	// blockCounted marks lanes whose block reason has already been
	// reported to metrics.LanesBlocked, since a lane's block is permanent
	// and must only be counted once.
	blockCounted []bool
}

func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg, log: cfg.Log, blockCounted: make([]bool, len(cfg.Conns))}, nil
}

// Run drains the engine's event loop until it reaches a terminal action,
// then hands the winning socket off to cfg.Handoff (for Connect/Listen) or
// returns an error (for Failed/Timeout/ClientServerMismatch).
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	incoming := make(chan incomingPacket, len(r.cfg.Conns)*4)
	for i, conn := range r.cfg.Conns {
		go r.readLoop(ctx, i, conn, incoming)
	}

	buf := make([]byte, puncher.MaxReasonablePayload)

	timer := r.cfg.Clock.NewTimer(0)
	if !timer.Stop() {
		<-timer.Chan()
	}
	r.armTimer(timer)

	for {
		r.flushSends(buf)

		action := r.cfg.Engine.Poll(r.cfg.Clock.Now())
		switch action.Kind {
		case puncher.ActionWait:
			// fall through to waiting on the next event below.
		case puncher.ActionConnect, puncher.ActionListen:
			return r.handOff(ctx, action)
		case puncher.ActionFailed:
			metrics.SessionOutcome.WithLabelValues(metrics.OutcomeFailed).Inc()
			r.closeAllConns()
			return fmt.Errorf("hostrunner: all lanes blocked")
		case puncher.ActionTimeout:
			metrics.SessionOutcome.WithLabelValues(metrics.OutcomeTimeout).Inc()
			r.closeAllConns()
			return fmt.Errorf("hostrunner: timed out before any lane was selected")
		case puncher.ActionClientServerMismatch:
			metrics.SessionOutcome.WithLabelValues(metrics.OutcomeMismatch).Inc()
			r.closeAllConns()
			return fmt.Errorf("hostrunner: both peers resolved to the same role")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case pkt := <-incoming:
			localPort := r.localPort(pkt.laneIndex)
			metrics.PacketsReceived.Inc()
			r.cfg.Engine.ReceivedFrom(pkt.data, pkt.from, pkt.err, localPort)
			metrics.OpenLanes.Set(float64(r.cfg.Engine.OpenLanesCount()))
			r.recordBlockedLanes()

		case <-timer.Chan():
			next, ok := r.cfg.Engine.NextTickInstant()
			if ok && !r.cfg.Clock.Now().Before(next) {
				r.cfg.Engine.Tick()
			}
			r.armTimer(timer)
		}
	}
}

func (r *Runner) armTimer(timer clockwork.Timer) {
	next, ok := r.cfg.Engine.NextTickInstant()
	if !ok {
		return
	}
	d := next.Sub(r.cfg.Clock.Now())
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (r *Runner) flushSends(buf []byte) {
	for {
		info, ok := r.cfg.Engine.SendTo(buf, nil)
		if !ok {
			return
		}
		conn := r.cfg.Conns[r.laneIndexForPort(info.FromPort)]
		_, err := conn.WriteToUDP(buf[:info.Length], info.To)
		if err != nil {
			r.log.Warn("hostrunner: send failed", "port", info.FromPort, "error", err)
			r.cfg.Engine.SendFailed(info.FromPort, err)
			r.recordBlockedLanes()
			continue
		}
		metrics.PacketsSent.Inc()
	}
}

// recordBlockedLanes reports every newly blocked lane's reason to
// metrics.LanesBlocked exactly once.
func (r *Runner) recordBlockedLanes() {
	for _, lane := range r.cfg.Engine.Lanes() {
		if lane.BlockReason == nil || r.blockCounted[lane.Index] {
			continue
		}
		r.blockCounted[lane.Index] = true
		metrics.LanesBlocked.WithLabelValues(lane.BlockReason.Kind.String()).Inc()
	}
}

func (r *Runner) readLoop(ctx context.Context, laneIndex int, conn *net.UDPConn, out chan<- incomingPacket) {
	buf := make([]byte, puncher.MaxReasonablePayload)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			select {
			case out <- incomingPacket{laneIndex: laneIndex, err: err}:
			case <-ctx.Done():
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case out <- incomingPacket{laneIndex: laneIndex, data: data, from: from}:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) handOff(ctx context.Context, action puncher.Action) error {
	laneIndex := r.laneIndexForPort(action.Ports.Local)
	conn := r.cfg.Conns[laneIndex]

	for i, c := range r.cfg.Conns {
		if i != laneIndex {
			c.Close()
		}
	}

	outcome := metrics.OutcomeListen
	if action.Kind == puncher.ActionConnect {
		outcome = metrics.OutcomeConnect
	}
	metrics.SessionOutcome.WithLabelValues(outcome).Inc()

	remote := &net.UDPAddr{
		IP:   r.cfg.RemoteAddress,
		Port: int(action.Ports.Remote),
	}

	r.log.Info("hostrunner: lane selected", "action", action.Kind.String(), "local", conn.LocalAddr(), "remote", remote)
	return r.cfg.Handoff.Serve(ctx, conn, remote)
}

func (r *Runner) localPort(laneIndex int) uint16 {
	return uint16(r.cfg.Conns[laneIndex].LocalAddr().(*net.UDPAddr).Port)
}

func (r *Runner) closeAllConns() {
	for _, c := range r.cfg.Conns {
		c.Close()
	}
}

func (r *Runner) laneIndexForPort(port uint16) int {
	for i, c := range r.cfg.Conns {
		if uint16(c.LocalAddr().(*net.UDPAddr).Port) == port {
			return i
		}
	}
	panic(fmt.Sprintf("hostrunner: no conn bound to port %d", port))
}
