package callsession

// State is the client side lifecycle of one call.
type State int

const (
	StateIdle State = iota
	StateIncomingRinging
	StateAccepted
	StateDeclined
	StateAwaitingLocalMedia
	StateJoiningRoom
	StateActive
	StateEnded
	StateErrored
)

var stateNames = map[State]string{
	StateIdle:               "idle",
	StateIncomingRinging:    "incoming_ringing",
	StateAccepted:           "accepted",
	StateDeclined:           "declined",
	StateAwaitingLocalMedia: "awaiting_local_media",
	StateJoiningRoom:        "joining_room",
	StateActive:             "active",
	StateEnded:              "ended",
	StateErrored:            "errored",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible without a new session.
func (s State) Terminal() bool {
	return s == StateDeclined || s == StateEnded || s == StateErrored
}

// inRoom reports whether signaling for the room should be processed.
func (s State) inRoom() bool {
	return s == StateJoiningRoom || s == StateActive
}
