package session

// State is the connection state of a voice signaling session.
type State int

const (
	Connecting State = iota
	Identifying
	AwaitingReady
	DiscoveringTransport
	AwaitingSessionDescription
	Connected
	Resuming
	Disconnected
)

var stateNames = [...]string{
	Connecting:                 "connecting",
	Identifying:                "identifying",
	AwaitingReady:              "awaiting_ready",
	DiscoveringTransport:       "discovering_transport",
	AwaitingSessionDescription: "awaiting_session_description",
	Connected:                  "connected",
	Resuming:                   "resuming",
	Disconnected:               "disconnected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
