package signal

import (
	"peerlink/internal/core/domain"
	apperrors "peerlink/pkg/errors"
)

type MessageType string

const (
	// relay -> peer
	TypeJoined     MessageType = "joined"
	TypePeerJoined MessageType = "peer_joined"
	TypePeerLeft   MessageType = "peer_left"
	TypeError      MessageType = "error"

	// peer -> peer, forwarded by the relay
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "ice_candidate"
)

// Message is the single envelope used on the signaling socket.
type Message struct {
	Type        MessageType                `json:"type"`
	RoomID      string                     `json:"room_id,omitempty"`
	PeerID      string                     `json:"peer_id,omitempty"`
	From        string                     `json:"from,omitempty"`
	Peers       []string                   `json:"peers,omitempty"`
	Description *domain.SessionDescription `json:"description,omitempty"`
	Candidate   *domain.ICECandidate       `json:"candidate,omitempty"`
	Error       *apperrors.AppError        `json:"error,omitempty"`
}

func (m Message) isRelayed() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeCandidate:
		return true
	}
	return false
}

// validate checks a peer-originated message before it is forwarded.
func (m Message) validate() *apperrors.AppError {
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.Description == nil {
			return apperrors.NewInvalidMessageError(string(m.Type) + " requires a description")
		}
		if err := m.Description.Validate(); err != nil {
			return apperrors.NewInvalidMessageError(err.Error())
		}
		if (m.Type == TypeOffer) != (m.Description.Type == domain.SDPTypeOffer) {
			return apperrors.NewInvalidMessageError("description type does not match message type")
		}
	case TypeCandidate:
		if m.Candidate == nil {
			return apperrors.NewInvalidMessageError("ice_candidate requires a candidate")
		}
	case "":
		return apperrors.NewInvalidMessageError("message type is required")
	default:
		return apperrors.NewInvalidMessageError("unknown message type: " + string(m.Type))
	}
	return nil
}
