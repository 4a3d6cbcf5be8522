package sterad

import (
	"log/slog"
	"sync"
	"time"
)

// rateLimitedLogger throttles warnings per event kind so a hostile client
// cannot flood the log with rejected captures or traversal attempts.
type rateLimitedLogger struct {
	logger   *slog.Logger
	interval time.Duration

	mu         sync.Mutex
	lastAt     map[string]time.Time
	suppressed map[string]int
}

func newRateLimitedLogger(logger *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		logger:     logger,
		interval:   interval,
		lastAt:     map[string]time.Time{},
		suppressed: map[string]int{},
	}
}

// Warn logs msg under kind unless the same kind was logged within interval.
// The count of suppressed events is attached to the next emitted line.
func (l *rateLimitedLogger) Warn(kind, msg string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	last, seen := l.lastAt[kind]
	if seen && now.Sub(last) < l.interval {
		l.suppressed[kind]++
		l.mu.Unlock()
		return
	}
	l.lastAt[kind] = now
	dropped := l.suppressed[kind]
	delete(l.suppressed, kind)
	l.mu.Unlock()

	args = append(args, "event", kind)
	if dropped > 0 {
		args = append(args, "suppressed", dropped)
	}
	l.logger.Warn(msg, args...)
}
