package domain

// DeviceKind classifies a capture or playback device.
type DeviceKind string

const (
	DeviceKindAudioInput  DeviceKind = "audioinput"
	DeviceKindAudioOutput DeviceKind = "audiooutput"
	DeviceKindVideoInput  DeviceKind = "videoinput"
)

type DeviceInfo struct {
	DeviceID string     `json:"device_id"`
	Kind     DeviceKind `json:"kind"`
	Label    string     `json:"label"`
	GroupID  string     `json:"group_id,omitempty"`
}

type MediaConstraints struct {
	Audio    bool   `json:"audio"`
	Video    bool   `json:"video"`
	DeviceID string `json:"device_id,omitempty"`
}

type MediaTrack struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type MediaStream struct {
	ID     string       `json:"id"`
	Tracks []MediaTrack `json:"tracks"`
}
