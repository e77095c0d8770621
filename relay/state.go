package relay

// State is the lifecycle state of the backend connection.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Reconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
