package moqquic

// Status is the lifecycle state of a connection.
type Status int32

const (
	StatusConnecting Status = iota
	StatusEstablished
	StatusClosing
	StatusClosed
	StatusFailed
)

var statusTexts = map[Status]string{
	StatusConnecting:  "connecting",
	StatusEstablished: "established",
	StatusClosing:     "closing",
	StatusClosed:      "closed",
	StatusFailed:      "failed",
}

func (s Status) String() string {
	if text, ok := statusTexts[s]; ok {
		return text
	}
	return "unknown"
}

// validTransitions lists the edges of the connection state machine.
var validTransitions = map[Status][]Status{
	StatusConnecting:  {StatusEstablished, StatusFailed, StatusClosing},
	StatusEstablished: {StatusClosing, StatusFailed},
	StatusClosing:     {StatusClosed},
	StatusClosed:      nil,
	StatusFailed:      nil,
}

func (s Status) canTransition(to Status) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// acceptsData reports whether send may enqueue bytes in this state.
func (s Status) acceptsData() bool {
	return s == StatusEstablished
}

// removable reports whether the registry entry may be dropped in this state.
func (s Status) removable() bool {
	return s == StatusClosed || s == StatusFailed
}
