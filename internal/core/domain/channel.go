package domain

// ChannelState is the ready state of a data channel.
type ChannelState int

const (
	ChannelStateConnecting ChannelState = iota
	ChannelStateOpen
	ChannelStateClosing
	ChannelStateClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStateConnecting:
		return "connecting"
	case ChannelStateOpen:
		return "open"
	case ChannelStateClosing:
		return "closing"
	case ChannelStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelMessage is a payload received on a data channel.
type ChannelMessage struct {
	Label    string `json:"label"`
	Data     []byte `json:"data"`
	IsString bool   `json:"is_string"`
}
