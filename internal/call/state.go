package call

// State is the lifecycle state of a call session.
type State int

const (
	// StateIdle means no call: no handle, no session id.
	StateIdle State = iota
	// StateConnecting means a handle is live and a description has been
	// (or is being) exchanged, but no media path has been confirmed.
	StateConnecting
	// StateConnected means the peer transport reported a direct path.
	StateConnected
	// StateClosed is terminal: the Session has been shut down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role records which side initiated the current call.
type Role int

const (
	RoleIdle Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "idle"
	}
}

// Phase is the offer/answer progress of the current attempt.
type Phase int

const (
	PhaseStable Phase = iota
	PhaseHaveLocalOffer
	PhaseHaveRemoteOffer
	// PhaseRollback is entered by the side that loses a glare tie-break while
	// it discards its own offer and handle.
	PhaseRollback
)

func (p Phase) String() string {
	switch p {
	case PhaseStable:
		return "stable"
	case PhaseHaveLocalOffer:
		return "have-local-offer"
	case PhaseHaveRemoteOffer:
		return "have-remote-offer"
	case PhaseRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent copy of the session fields.
type Snapshot struct {
	State                State
	Role                 Role
	Phase                Phase
	SessionID            string
	RemoteDescriptionSet bool
	LocalDescriptionSet  bool
	Buffered             int
	HasHandle            bool
	HasLocalStream       bool
}
