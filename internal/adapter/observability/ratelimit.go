package observability

import (
	"sync"
	"time"
)

// LogLimiter suppresses repeated log lines per key, allowing one through per
// window. It keeps validation failures from flooding the log when a robot
// publishes garbage at sample rate.
type LogLimiter struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

// NewLogLimiter builds a limiter that allows one log per key per window.
func NewLogLimiter(window time.Duration) *LogLimiter {
	return &LogLimiter{window: window, last: make(map[string]time.Time), now: time.Now}
}

// Allow reports whether a log line for key may be emitted now.
func (l *LogLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if t, ok := l.last[key]; ok && now.Sub(t) < l.window {
		return false
	}
	l.last[key] = now
	// Bound the map; stale keys are cheap to re-admit.
	if len(l.last) > 4096 {
		for k, t := range l.last {
			if now.Sub(t) >= l.window {
				delete(l.last, k)
			}
		}
	}
	return true
}
