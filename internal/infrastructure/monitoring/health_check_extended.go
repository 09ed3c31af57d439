package monitoring

import (
	"context"
	"fmt"
	"time"

	"peerlink/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// SessionStater is the slice of a session manager a health check needs.
type SessionStater interface {
	ID() string
	State() domain.State
}

// AddSessionCheck reports the session unhealthy once it has given up
// reconnecting.
func (h *HealthChecker) AddSessionCheck(session SessionStater, interval time.Duration) {
	h.AddCheck("session", func(context.Context) (bool, error) {
		if st := session.State(); st == domain.StateFailed {
			return false, fmt.Errorf("session %s is %s", session.ID(), st)
		}
		return true, nil
	}, interval, 0)
}
