package session

// State is the session lifecycle phase. Exactly one live session exists per
// connection; transitions happen only on the run-loop goroutine, driven by
// packets, timers, transport errors, and user close requests.
type State int32

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Streaming
	Closing
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Streaming:
		return "streaming"
	case Closing:
		return "closing"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}
