package ports

import (
	"time"

	"peerlink/internal/core/domain"
)

// Candidate outcomes passed to SessionMetrics.CandidateProcessed.
const (
	CandidateApplied  = "applied"
	CandidateBuffered = "buffered"
	CandidateFailed   = "failed"
)

// SessionMetrics receives counters from the session core. Implementations
// must be safe for concurrent use.
type SessionMetrics interface {
	StateTransition(sessionID string, from, to domain.State)
	MessageSent(label string, bytes int, ok bool)
	MessageReceived(label string, bytes int)
	CandidateProcessed(outcome string)
	NegotiationStep(op string, elapsed time.Duration, err error)
	ReconnectAttempt(success bool)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) StateTransition(string, domain.State, domain.State) {}
func (NopMetrics) MessageSent(string, int, bool)                      {}
func (NopMetrics) MessageReceived(string, int)                        {}
func (NopMetrics) CandidateProcessed(string)                          {}
func (NopMetrics) NegotiationStep(string, time.Duration, error)       {}
func (NopMetrics) ReconnectAttempt(bool)                              {}
