package services

import (
	"context"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	rlog "peerlink/pkg/logger"

	"go.uber.org/zap"
)

// AttemptFunc rebuilds the connection and returns once it is established,
// failed, or ctx is done.
type AttemptFunc func(ctx context.Context) error

// TeardownFunc retires the current connection if current still reports true
// once the caller holds the connection lock. It reports whether it did.
type TeardownFunc func(current func() bool) bool

// ReconnectionController retries a lost connection with a fixed delay and a
// bounded number of attempts. At most one timer or attempt is outstanding.
type ReconnectionController struct {
	mu               sync.Mutex
	attempts         int
	timer            *time.Timer
	cancel           context.CancelFunc
	inFlight         bool
	lostWhileRunning bool
	epoch            uint64

	enabled        bool
	delay          time.Duration
	maxAttempts    int
	attemptTimeout time.Duration

	attempt   AttemptFunc
	teardown  TeardownFunc
	sm        *StateMachine
	bus       *EventBus
	sessionID string
	metrics   ports.SessionMetrics
	logger    *zap.SugaredLogger
}

func NewReconnectionController(
	sessionID string,
	cfg Config,
	sm *StateMachine,
	bus *EventBus,
	attempt AttemptFunc,
	teardown TeardownFunc,
	metrics ports.SessionMetrics,
	logger *zap.SugaredLogger,
) *ReconnectionController {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &ReconnectionController{
		enabled:        cfg.AutoReconnect,
		delay:          cfg.ReconnectDelay,
		maxAttempts:    cfg.MaxReconnectAttempts,
		attemptTimeout: cfg.ReconnectAttemptTimeout,
		attempt:        attempt,
		teardown:       teardown,
		sm:             sm,
		bus:            bus,
		sessionID:      sessionID,
		metrics:        metrics,
		logger:         rlog.OrNop(logger),
	}
}

// Attempts returns the number of failed attempts since the last success.
func (r *ReconnectionController) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Active reports whether a retry is scheduled or running.
func (r *ReconnectionController) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil || r.inFlight
}

// Epoch identifies the current run of the controller. Cancel and Reset move
// it on, which invalidates everything bound to an older value.
func (r *ReconnectionController) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

func (r *ReconnectionController) live(epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch == epoch
}

// HandleLoss reacts to the backend losing an established connection. It does
// nothing once epoch is stale. current is passed through to the teardown and
// must only be evaluated there.
func (r *ReconnectionController) HandleLoss(epoch uint64, current func() bool) {
	if !r.live(epoch) {
		return
	}
	owned := func() bool {
		return r.live(epoch) && (current == nil || current())
	}

	if !r.enabled {
		if r.sm.Current() != domain.StateConnected {
			return
		}
		if !r.teardown(owned) {
			return
		}
		r.sm.TransitionFrom(domain.StateConnected, domain.StateDisconnected)
		return
	}

	if !r.sm.TransitionFrom(domain.StateConnected, domain.StateReconnecting) {
		return
	}
	r.logger.Warnw("connection lost, reconnecting",
		"session_id", r.sessionID,
		"delay", r.delay,
		"max_attempts", r.maxAttempts,
	)
	if !r.teardown(owned) {
		return
	}
	r.schedule(epoch, true)
}

// schedule arms the next retry. entered is set when the session has just
// moved into RECONNECTING from CONNECTED.
func (r *ReconnectionController) schedule(epoch uint64, entered bool) {
	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		return
	}
	if r.inFlight {
		// The running attempt reached CONNECTED and lost it again before
		// reporting back.
		r.lostWhileRunning = true
		r.mu.Unlock()
		return
	}
	if r.timer != nil {
		r.mu.Unlock()
		return
	}
	if r.attempts >= r.maxAttempts {
		attempts := r.attempts
		r.mu.Unlock()
		if entered {
			r.bus.Publish(ReconnectingEvent{SessionID: r.sessionID, Attempt: 0})
		}
		r.exhausted(epoch, attempts)
		return
	}
	next := r.attempts + 1
	r.timer = time.AfterFunc(r.delay, func() { r.run(epoch) })
	r.mu.Unlock()

	r.bus.Publish(ReconnectingEvent{SessionID: r.sessionID, Attempt: next})
}

func (r *ReconnectionController) exhausted(epoch uint64, attempts int) {
	if !r.live(epoch) {
		return
	}
	r.logger.Errorw("reconnection attempts exhausted",
		"session_id", r.sessionID,
		"attempts", attempts,
	)
	r.bus.Publish(ReconnectFailedEvent{SessionID: r.sessionID, Attempts: attempts})
	r.sm.TransitionFrom(domain.StateReconnecting, domain.StateFailed)
}

func (r *ReconnectionController) run(epoch uint64) {
	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.inFlight = true
	ctx, cancel := context.WithTimeout(context.Background(), r.attemptTimeout)
	r.cancel = cancel
	attemptNo := r.attempts + 1
	r.mu.Unlock()
	defer cancel()

	if !r.sm.TransitionFrom(domain.StateReconnecting, domain.StateConnecting) {
		r.finish(epoch)
		return
	}
	// a state_change handler may have reset the session
	if !r.live(epoch) {
		return
	}

	r.logger.Infow("reconnect attempt started",
		"session_id", r.sessionID,
		"attempt", attemptNo,
	)
	err := r.attempt(ctx)

	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		return
	}
	r.inFlight = false
	r.cancel = nil
	lost := r.lostWhileRunning
	r.lostWhileRunning = false
	if err == nil {
		r.attempts = 0
		r.mu.Unlock()
		r.metrics.ReconnectAttempt(true)
		r.logger.Infow("reconnected",
			"session_id", r.sessionID,
			"attempt", attemptNo,
		)
		if lost {
			r.schedule(epoch, false)
		}
		return
	}
	r.attempts++
	r.mu.Unlock()

	r.metrics.ReconnectAttempt(false)
	r.logger.Warnw("reconnect attempt failed",
		"session_id", r.sessionID,
		"attempt", attemptNo,
		"error", err,
	)

	if !r.teardown(func() bool { return r.live(epoch) }) {
		return
	}
	if !r.sm.TransitionFrom(domain.StateConnecting, domain.StateReconnecting) && !lost {
		return
	}
	r.schedule(epoch, false)
}

func (r *ReconnectionController) finish(epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch == r.epoch {
		r.inFlight = false
		r.cancel = nil
		r.lostWhileRunning = false
	}
}

// Cancel stops any scheduled or running attempt. Results of a cancelled
// attempt are discarded.
func (r *ReconnectionController) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
	r.lostWhileRunning = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.inFlight = false
}

// Reset cancels and clears the attempt counter.
func (r *ReconnectionController) Reset() {
	r.Cancel()
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}
