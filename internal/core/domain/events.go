package domain

// EventType names an event published by a session.
type EventType string

const (
	EventStateChange        EventType = "state_change"
	EventICECandidate       EventType = "ice_candidate"
	EventDataChannelOpen    EventType = "data_channel_open"
	EventDataChannelClose   EventType = "data_channel_close"
	EventDataChannelMessage EventType = "data_channel_message"
	EventReconnecting       EventType = "reconnecting"
	EventReconnectFailed    EventType = "reconnect_failed"
)

// AllEventTypes lists every event type a session can publish.
func AllEventTypes() []EventType {
	return []EventType{
		EventStateChange,
		EventICECandidate,
		EventDataChannelOpen,
		EventDataChannelClose,
		EventDataChannelMessage,
		EventReconnecting,
		EventReconnectFailed,
	}
}
