package process

import "firestige.xyz/dcamera/internal/core"

// CodecEventType is the bus type key of CodecEvent.
const CodecEventType = "CodecEvent"

// CodecAction tells the receiving node what a CodecEvent asks for.
type CodecAction int

const (
	// ActionNone carries codec output to forward downstream.
	ActionNone CodecAction = iota
	// ActionOnceAgain asks the node to retry feeding pending input.
	ActionOnceAgain
)

func (a CodecAction) String() string {
	if a == ActionOnceAgain {
		return "ACTION_ONCE_AGAIN"
	}
	return "NO_ACTION"
}

// CodecPacket is a batch of buffers produced by one codec.
type CodecPacket struct {
	CodecType core.VideoCodecType
	Buffers   []*core.DataBuffer
}

// CodecEvent moves codec work from codec goroutines onto a bus worker.
type CodecEvent struct {
	sender any
	Action CodecAction
	Packet *CodecPacket
}

// NewCodecEvent builds an event posted by sender.
func NewCodecEvent(sender any, action CodecAction, packet *CodecPacket) *CodecEvent {
	return &CodecEvent{sender: sender, Action: action, Packet: packet}
}

func (e *CodecEvent) Type() string { return CodecEventType }
func (e *CodecEvent) Sender() any  { return e.sender }
