package puncher

import "fmt"

// Ports names the (local, remote) port pair the selected lane carries.
type Ports struct {
	Local  uint16
	Remote uint16
}

// ActionKind is the set of things the host may be told to do after Poll.
type ActionKind int

const (
	// ActionWait means: wait for new packets or the next timer tick.
	ActionWait ActionKind = iota

	// ActionConnect (client only): dial out from Ports.Local to
	// Ports.Remote. All other sockets may be closed and the engine dropped.
	ActionConnect

	// ActionListen (server only): keep listening on Ports.Local for
	// traffic from Ports.Remote. The engine must be kept running (it must
	// keep sending until the client speaks the next protocol) even though
	// it no longer needs to receive anything.
	ActionListen

	// ActionFailed means every lane has been blocked.
	ActionFailed

	// ActionTimeout means the deadline passed before any lane was
	// selected. Ignored once a lane is selected.
	ActionTimeout

	// ActionClientServerMismatch means every lane that has heard from the
	// remote reports the same role we advertise: both peers think they're
	// the client, or both think they're the server.
	ActionClientServerMismatch
)

func (k ActionKind) String() string {
	switch k {
	case ActionWait:
		return "Wait"
	case ActionConnect:
		return "Connect"
	case ActionListen:
		return "Listen"
	case ActionFailed:
		return "Failed"
	case ActionTimeout:
		return "Timeout"
	case ActionClientServerMismatch:
		return "ClientServerMismatch"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is the result of Engine.Poll.
type Action struct {
	Kind  ActionKind
	Ports Ports // valid only for ActionConnect / ActionListen
}
