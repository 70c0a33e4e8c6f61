package resurrect

import (
	"log/slog"
	"sync"
	"time"
)

// rateLimitedLog suppresses repeats of an ongoing condition. During a long
// host outage every tick fails; one warning a minute is enough.
type rateLimitedLog struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
}

func newRateLimitedLog(interval time.Duration) *rateLimitedLog {
	return &rateLimitedLog{interval: interval}
}

func (l *rateLimitedLog) Warn(logger *slog.Logger, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return
	}
	l.lastAt = now
	logger.Warn(msg, args...)
}
