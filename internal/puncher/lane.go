package puncher

import (
	"fmt"
	"net"
)

// laneKind is the sum type a lane's state belongs to. Closed and Blocked
// are terminal: a lane never leaves either once it reaches them.
type laneKind uint8

const (
	laneConnecting laneKind = iota
	laneEstablishing
	laneSelected
	laneClosed
	laneBlocked
)

func (k laneKind) String() string {
	switch k {
	case laneConnecting:
		return "Connecting"
	case laneEstablishing:
		return "Establishing"
	case laneSelected:
		return "Selected"
	case laneClosed:
		return "Closed"
	case laneBlocked:
		return "Blocked"
	default:
		return fmt.Sprintf("laneKind(%d)", uint8(k))
	}
}

// BlockReasonKind tags why a lane was permanently excluded.
type BlockReasonKind int

const (
	BlockReasonReceiveError BlockReasonKind = iota
	BlockReasonSendError
	BlockReasonBadPacket
	BlockReasonInterference
	BlockReasonBlockedByRemote
	BlockReasonUnexpectedTransition
)

func (k BlockReasonKind) String() string {
	switch k {
	case BlockReasonReceiveError:
		return "ReceiveError"
	case BlockReasonSendError:
		return "SendError"
	case BlockReasonBadPacket:
		return "BadPacket"
	case BlockReasonInterference:
		return "Interference"
	case BlockReasonBlockedByRemote:
		return "BlockedByRemote"
	case BlockReasonUnexpectedTransition:
		return "UnexpectedTransition"
	default:
		return fmt.Sprintf("BlockReasonKind(%d)", int(k))
	}
}

// BlockReason is a permanent, per-lane block cause. Once set on a lane it
// never changes.
type BlockReason struct {
	Kind BlockReasonKind

	// Err carries the underlying error for ReceiveError, SendError, and
	// BadPacket.
	Err error

	// Addr carries the observed source address for Interference.
	Addr *net.UDPAddr
}

func (r BlockReason) Error() string {
	switch r.Kind {
	case BlockReasonReceiveError:
		return fmt.Sprintf("receive error: %v", r.Err)
	case BlockReasonSendError:
		return fmt.Sprintf("send error: %v", r.Err)
	case BlockReasonBadPacket:
		return fmt.Sprintf("bad packet: %v", r.Err)
	case BlockReasonInterference:
		return fmt.Sprintf("interference from %s", r.Addr)
	case BlockReasonBlockedByRemote:
		return "blocked by remote"
	case BlockReasonUnexpectedTransition:
		return "unexpected transition"
	default:
		return r.Kind.String()
	}
}

func (r BlockReason) Unwrap() error { return r.Err }

// Role is the asymmetric role a peer plays in lane selection. Only the
// client may unilaterally promote a lane to Selected.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// lane is one (local port, remote port) hole-punch attempt.
type lane struct {
	kind      laneKind
	sent      bool // whether we've sent since entering kind
	needsSend bool
	block     BlockReason

	// peerRole is the most recently observed role byte from the remote on
	// this lane, or nil if no decoded packet has carried a valid role byte.
	peerRole *Role
}

func newLane() lane {
	return lane{kind: laneConnecting, needsSend: true}
}

func (l *lane) isActive() bool {
	return l.kind == laneConnecting || l.kind == laneEstablishing || l.kind == laneSelected
}

// processSent records that a packet was just emitted from this lane while
// it is in its current state. It is the only place sent is ever set to
// true; it is a no-op for Blocked/Closed lanes.
func (l *lane) processSent() {
	if l.isActive() {
		l.sent = true
	}
}

// laneTransition is the outcome of feeding an incoming status into the
// per-state transition function below.
type laneTransition int

const (
	transitionRemain laneTransition = iota
	transitionToEstablishing
	transitionToSelected
)

// nextLaneTransition implements the transition tables in the lane state
// machine specification for a lane currently in kind, having sent at least
// one packet in that state iff sent, given the engine's role and whether
// any lane has already been selected, and the incoming packet's status.
//
// canSelect is true only for a client that hasn't yet picked a lane: only
// the client may unilaterally promote a lane to Selected, which is what
// makes the handshake converge to exactly one selected lane.
func nextLaneTransition(kind laneKind, sent, isServer, hasSelected bool, incoming LaneStatus) (laneTransition, *BlockReason) {
	canSelect := !isServer && !hasSelected

	switch kind {
	case laneConnecting:
		switch incoming {
		case LaneStatusConnecting:
			return transitionToEstablishing, nil
		case LaneStatusEstablishing:
			if !sent {
				return 0, &BlockReason{Kind: BlockReasonUnexpectedTransition}
			}
			if canSelect {
				return transitionToSelected, nil
			}
			return transitionToEstablishing, nil
		case LaneStatusSelected:
			return 0, &BlockReason{Kind: BlockReasonUnexpectedTransition}
		case LaneStatusBlocked:
			return 0, &BlockReason{Kind: BlockReasonBlockedByRemote}
		}

	case laneEstablishing:
		switch incoming {
		case LaneStatusConnecting, LaneStatusEstablishing:
			if canSelect {
				return transitionToSelected, nil
			}
			return transitionRemain, nil
		case LaneStatusSelected:
			if !sent || canSelect {
				return 0, &BlockReason{Kind: BlockReasonUnexpectedTransition}
			}
			return transitionToSelected, nil
		case LaneStatusBlocked:
			return 0, &BlockReason{Kind: BlockReasonBlockedByRemote}
		}

	case laneSelected:
		switch incoming {
		case LaneStatusConnecting, LaneStatusEstablishing:
			return transitionRemain, nil
		case LaneStatusSelected:
			if isServer && !sent {
				return 0, &BlockReason{Kind: BlockReasonUnexpectedTransition}
			}
			return transitionRemain, nil
		case LaneStatusBlocked:
			return 0, &BlockReason{Kind: BlockReasonBlockedByRemote}
		}
	}

	panic(fmt.Sprintf("puncher: nextLaneTransition called on inactive lane kind %s", kind))
}

// status returns the LaneStatus this lane currently advertises to the peer.
func (l *lane) status() LaneStatus {
	switch l.kind {
	case laneConnecting:
		return LaneStatusConnecting
	case laneEstablishing:
		return LaneStatusEstablishing
	case laneSelected:
		return LaneStatusSelected
	case laneBlocked:
		return LaneStatusBlocked
	default:
		panic(fmt.Sprintf("puncher: status() called on lane kind %s", l.kind))
	}
}
