package comm

import "github.com/ridgewayio/commcore/pkg/wire"

// EventType tags the variant carried by an Event.
type EventType int

const (
	EventConnectionEstablished EventType = iota
	EventDisconnect
	EventMessage
	EventTimer
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventConnectionEstablished:
		return "CONNECTION_ESTABLISHED"
	case EventDisconnect:
		return "DISCONNECT"
	case EventMessage:
		return "MESSAGE"
	case EventTimer:
		return "TIMER"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is delivered to a DispatchHandler from a reactor thread. Payload
// is owned by the event and safe for the handler to retain only for the
// duration of the callback unless it copies it out.
type Event struct {
	Type      EventType
	Addr      Address
	LocalAddr Address
	Error     ErrorCode
	Header    wire.Header
	Payload   []byte
}
