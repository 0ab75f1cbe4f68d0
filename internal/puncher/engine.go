package puncher

import (
	"fmt"
	"net"
	"time"
)

// MaxHostApplicationData is the largest payload a host may pass to SendTo.
// The engine reserves one byte of the wire's application-data budget to
// carry the sender's role, used for ClientServerMismatch detection.
const MaxHostApplicationData = MaxApplicationData - 1

// SendInfo describes one outbound packet the host must emit.
type SendInfo struct {
	FromPort uint16
	To       *net.UDPAddr
	Length   int
}

// Config seeds a new Engine. All fields are immutable after construction.
type Config struct {
	IsServer bool

	MyAddress   net.IP
	MyPortStart uint16

	RemoteAddress   net.IP
	RemotePortStart uint16

	LaneCount uint16

	TickPeriod time.Duration
	Timeout    time.Duration

	// Now is the host's current time at construction. The engine never
	// reads the clock itself after this point.
	Now time.Time
}

// Engine is the sans-I/O NAT hole-punching state machine. It owns no
// sockets and no clock; the host drives it by calling ReceivedFrom, SendTo,
// SendFailed, and Tick, and polls it for what to do next.
//
// Engine is not safe for concurrent use.
type Engine struct {
	isServer bool

	myAddress   net.IP
	myPortStart uint16

	remoteAddress   net.IP
	remotePortStart uint16

	laneCount uint16
	lanes     []lane

	openLanesCount uint16
	selectedLane   int // -1 until a lane is selected

	tickPeriod      time.Duration
	nextTickInstant time.Time
	timeoutInstant  time.Time
}

// New constructs an Engine. It panics if the configuration is invalid: an
// overflowing port range, mismatched IP families, identical addresses, or a
// zero lane count are all programmer errors, not recoverable protocol
// conditions (spec error class 3).
func New(cfg Config) *Engine {
	if cfg.LaneCount == 0 {
		panic("puncher: LaneCount must be non-zero")
	}
	if int(cfg.MyPortStart)+int(cfg.LaneCount) > 65536 {
		panic("puncher: LaneCount would overflow MyPortStart")
	}
	if int(cfg.RemotePortStart)+int(cfg.LaneCount) > 65536 {
		panic("puncher: LaneCount would overflow RemotePortStart")
	}

	myV4, remoteV4 := cfg.MyAddress.To4(), cfg.RemoteAddress.To4()
	if (myV4 == nil) != (remoteV4 == nil) {
		panic("puncher: MyAddress and RemoteAddress are not the same IP family")
	}
	if cfg.MyAddress.Equal(cfg.RemoteAddress) {
		panic("puncher: MyAddress and RemoteAddress must not be the same")
	}

	lanes := make([]lane, cfg.LaneCount)
	for i := range lanes {
		lanes[i] = newLane()
	}

	return &Engine{
		isServer:        cfg.IsServer,
		myAddress:       cfg.MyAddress,
		myPortStart:     cfg.MyPortStart,
		remoteAddress:   cfg.RemoteAddress,
		remotePortStart: cfg.RemotePortStart,
		laneCount:       cfg.LaneCount,
		lanes:           lanes,
		openLanesCount:  cfg.LaneCount,
		selectedLane:    -1,
		tickPeriod:      cfg.TickPeriod,
		nextTickInstant: cfg.Now.Add(cfg.TickPeriod),
		timeoutInstant:  cfg.Now.Add(cfg.Timeout),
	}
}

// IsServer reports the engine's fixed role.
func (e *Engine) IsServer() bool { return e.isServer }

// OpenLanesCount is the number of lanes in {Connecting, Establishing,
// Selected}.
func (e *Engine) OpenLanesCount() uint16 { return e.openLanesCount }

func (e *Engine) myRole() Role {
	if e.isServer {
		return RoleServer
	}
	return RoleClient
}

func (e *Engine) laneIndexForLocalPort(localPort uint16) int {
	if localPort < e.myPortStart {
		panic(fmt.Sprintf("puncher: local port %d is below port range [%d, %d)", localPort, e.myPortStart, int(e.myPortStart)+int(e.laneCount)))
	}
	i := localPort - e.myPortStart
	if int(i) >= len(e.lanes) {
		panic(fmt.Sprintf("puncher: local port %d is above port range [%d, %d)", localPort, e.myPortStart, int(e.myPortStart)+int(e.laneCount)))
	}
	return int(i)
}

// ReceivedFrom hands the engine one received datagram (or receive error)
// for localPort. It returns the host application payload carried by the
// packet, or nil if nothing should be delivered to the host.
//
// recvErr, when non-nil, blocks the lane with ReceiveError and data/from
// are ignored.
func (e *Engine) ReceivedFrom(data []byte, from *net.UDPAddr, recvErr error, localPort uint16) []byte {
	laneIndex := e.laneIndexForLocalPort(localPort)
	l := &e.lanes[laneIndex]

	if !l.isActive() {
		return nil
	}

	if recvErr != nil {
		e.blockLane(laneIndex, BlockReason{Kind: BlockReasonReceiveError, Err: recvErr})
		return nil
	}

	if !from.IP.Equal(e.remoteAddress) ||
		from.Port < int(e.remotePortStart) ||
		from.Port >= int(e.remotePortStart)+int(e.laneCount) {
		e.blockLane(laneIndex, BlockReason{Kind: BlockReasonInterference, Addr: from})
		return nil
	}

	status, wireAppData, err := decodePacket(data)
	if err != nil {
		e.blockLane(laneIndex, BlockReason{Kind: BlockReasonBadPacket, Err: err})
		return nil
	}

	var hostAppData []byte
	if len(wireAppData) >= 1 {
		peerRole := Role(wireAppData[0])
		if peerRole == RoleClient || peerRole == RoleServer {
			l.peerRole = &peerRole
		}
		hostAppData = wireAppData[1:]
	}

	if status == LaneStatusBlocked {
		e.blockLane(laneIndex, BlockReason{Kind: BlockReasonBlockedByRemote})
		return hostAppData
	}

	hasSelected := e.selectedLane >= 0
	transition, blockReason := nextLaneTransition(l.kind, l.sent, e.isServer, hasSelected, status)
	if blockReason != nil {
		e.blockLane(laneIndex, *blockReason)
		return hostAppData
	}

	switch transition {
	case transitionRemain:
	case transitionToEstablishing:
		l.kind = laneEstablishing
		l.sent = false
		l.needsSend = true
	case transitionToSelected:
		l.kind = laneSelected
		l.sent = false
		l.needsSend = e.isServer
		e.setSelectedLane(laneIndex)
	}

	return hostAppData
}

// SendTo scans lanes in index order for the first one needing a send,
// encodes its packet into buf with the given host application data, and
// returns where to send it. It returns ok=false once nothing needs
// sending; the host must loop until ok is false before waiting again.
func (e *Engine) SendTo(buf []byte, hostAppData []byte) (SendInfo, bool) {
	if len(hostAppData) > MaxHostApplicationData {
		panic(fmt.Sprintf("puncher: host application data of %d bytes exceeds max of %d", len(hostAppData), MaxHostApplicationData))
	}

	laneIndex := -1
	for i := range e.lanes {
		if e.lanes[i].needsSend {
			laneIndex = i
			break
		}
	}
	if laneIndex < 0 {
		return SendInfo{}, false
	}

	l := &e.lanes[laneIndex]
	l.needsSend = false
	l.processSent()

	wireAppData := make([]byte, 0, 1+len(hostAppData))
	wireAppData = append(wireAppData, byte(e.myRole()))
	wireAppData = append(wireAppData, hostAppData...)

	n, err := encodePacket(buf, l.status(), wireAppData)
	if err != nil {
		panic(fmt.Sprintf("puncher: %v", err))
	}

	return SendInfo{
		FromPort: e.myPortStart + uint16(laneIndex),
		To:       &net.UDPAddr{IP: e.remoteAddress, Port: int(e.remotePortStart) + laneIndex},
		Length:   n,
	}, true
}

// SendFailed blocks the lane bound to localPort with SendError, if it is
// still active.
func (e *Engine) SendFailed(localPort uint16, sendErr error) {
	laneIndex := e.laneIndexForLocalPort(localPort)
	if e.lanes[laneIndex].isActive() {
		e.blockLane(laneIndex, BlockReason{Kind: BlockReasonSendError, Err: sendErr})
	}
}

// Tick advances the tick deadline by one period and re-arms needsSend on
// every lane that should transmit this round.
func (e *Engine) Tick() {
	e.nextTickInstant = e.nextTickInstant.Add(e.tickPeriod)

	if e.selectedLane >= 0 {
		e.lanes[e.selectedLane].needsSend = e.isServer
		return
	}

	for i := range e.lanes {
		switch e.lanes[i].kind {
		case laneConnecting, laneEstablishing:
			e.lanes[i].needsSend = true
		case laneSelected:
			e.lanes[i].needsSend = e.isServer
		case laneBlocked, laneClosed:
			e.lanes[i].needsSend = false
		}
	}
}

// NextTickInstant returns the soonest time the host should wake the engine
// up, or ok=false if no further timer is needed (every lane blocked, or the
// client has a selected lane).
func (e *Engine) NextTickInstant() (t time.Time, ok bool) {
	if (!e.isServer && e.selectedLane >= 0) || e.openLanesCount == 0 {
		return time.Time{}, false
	}

	next := e.nextTickInstant
	if e.selectedLane < 0 && e.timeoutInstant.Before(next) {
		next = e.timeoutInstant
	}
	return next, true
}

// Poll reports what the host should do next, given the current time.
func (e *Engine) Poll(now time.Time) Action {
	if e.selectedLane >= 0 {
		ports := Ports{
			Local:  e.myPortStart + uint16(e.selectedLane),
			Remote: e.remotePortStart + uint16(e.selectedLane),
		}
		if e.isServer {
			return Action{Kind: ActionListen, Ports: ports}
		}
		return Action{Kind: ActionConnect, Ports: ports}
	}

	if e.roleMismatch() {
		return Action{Kind: ActionClientServerMismatch}
	}

	if e.openLanesCount == 0 {
		return Action{Kind: ActionFailed}
	}

	if !now.Before(e.timeoutInstant) {
		return Action{Kind: ActionTimeout}
	}

	return Action{Kind: ActionWait}
}

// roleMismatch implements the §3 role-byte scheme: true only once at least
// one lane has observed a peer role and every lane that has observed one
// reports the same role we advertise.
func (e *Engine) roleMismatch() bool {
	myRole := e.myRole()
	observed := false
	for i := range e.lanes {
		if e.lanes[i].peerRole == nil {
			continue
		}
		observed = true
		if *e.lanes[i].peerRole != myRole {
			return false
		}
	}
	return observed
}

func (e *Engine) blockLane(laneIndex int, reason BlockReason) {
	l := &e.lanes[laneIndex]
	if !l.isActive() {
		panic(fmt.Sprintf("puncher: attempted to block inactive lane %d with reason %v", laneIndex, reason))
	}
	l.kind = laneBlocked
	l.block = reason
	l.needsSend = false
	e.openLanesCount--
}

func (e *Engine) setSelectedLane(laneIndex int) {
	if e.selectedLane >= 0 {
		panic(fmt.Sprintf("puncher: setSelectedLane(%d) called when lane %d is already selected", laneIndex, e.selectedLane))
	}
	e.selectedLane = laneIndex

	for i := range e.lanes {
		if i == laneIndex {
			continue
		}
		e.lanes[i].needsSend = false
		if e.lanes[i].isActive() {
			e.lanes[i].kind = laneClosed
			e.openLanesCount--
		}
	}
}

// LaneState describes one lane's observable status, for diagnostics.
type LaneState struct {
	Index       int
	Status      LaneStatus
	Kind        string
	BlockReason *BlockReason
}

// Lanes returns a snapshot of every lane's observable state, for logging
// and metrics; it is not used by the engine's own decisions.
func (e *Engine) Lanes() []LaneState {
	out := make([]LaneState, len(e.lanes))
	for i := range e.lanes {
		l := &e.lanes[i]
		st := LaneState{Index: i, Kind: l.kind.String()}
		if l.kind == laneBlocked {
			r := l.block
			st.BlockReason = &r
		} else if l.kind != laneClosed {
			st.Status = l.status()
		}
		out[i] = st
	}
	return out
}
