package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxChannelLabelBytes is the SCTP limit on a data channel label.
const MaxChannelLabelBytes = 65535

var (
	// RoomIDRegex validates signaling room IDs
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateChannelLabel validates a data channel label
func ValidateChannelLabel(label string) error {
	if strings.TrimSpace(label) == "" {
		return fmt.Errorf("channel label is required")
	}
	if len(label) > MaxChannelLabelBytes {
		return fmt.Errorf("channel label is too long (max %d bytes)", MaxChannelLabelBytes)
	}
	if !utf8.ValidString(label) {
		return fmt.Errorf("channel label is not valid UTF-8")
	}
	return nil
}

// ValidateRoomID validates a signaling room ID
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(roomID) > 100 {
		return fmt.Errorf("room ID is too long (max 100 characters)")
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 100 {
		return fmt.Errorf("peer ID is too long (max 100 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateICEServerURLs checks that every URL uses a stun, stuns, turn or
// turns scheme.
func ValidateICEServerURLs(urls []string) error {
	if len(urls) == 0 {
		return fmt.Errorf("ice server needs at least one URL")
	}
	for _, raw := range urls {
		scheme, _, ok := strings.Cut(raw, ":")
		if !ok {
			return fmt.Errorf("ice server URL %q has no scheme", raw)
		}
		switch strings.ToLower(scheme) {
		case "stun", "stuns", "turn", "turns":
		default:
			return fmt.Errorf("ice server URL %q has unsupported scheme %q", raw, scheme)
		}
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
