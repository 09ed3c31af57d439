package domain

import (
	"fmt"
	"strings"
)

// SDPType is the kind of a session description.
type SDPType string

const (
	SDPTypeOffer    SDPType = "offer"
	SDPTypeAnswer   SDPType = "answer"
	SDPTypePranswer SDPType = "pranswer"
	SDPTypeRollback SDPType = "rollback"
)

// SessionDescription is an opaque offer or answer exchanged through signaling.
// The JSON shape matches RTCSessionDescriptionInit.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Validate checks the descriptor envelope. The SDP body itself is not parsed.
func (d SessionDescription) Validate() error {
	switch d.Type {
	case SDPTypeOffer, SDPTypeAnswer, SDPTypePranswer:
		if strings.TrimSpace(d.SDP) == "" {
			return fmt.Errorf("%w: empty sdp for %s", ErrInvalidDescription, d.Type)
		}
	case SDPTypeRollback:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDescription, d.Type)
	}
	return nil
}

// ICECandidate is a transport candidate. The JSON shape matches RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ICEServer describes a STUN or TURN server handed to the backend.
type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}
