package core

// Event is a protocol phase transition passed between a Controller and the
// Device owning the active Request.
type Event uint8

const (
	EventExecute Event = iota
	EventTransmitComplete
	EventReceiveComplete
	EventRequestComplete
	EventTimeout
)

func (e Event) String() string {
	switch e {
	case EventExecute:
		return "execute"
	case EventTransmitComplete:
		return "transmit_complete"
	case EventReceiveComplete:
		return "receive_complete"
	case EventRequestComplete:
		return "request_complete"
	case EventTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}
