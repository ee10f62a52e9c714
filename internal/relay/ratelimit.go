package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL  = 10 * time.Minute
	limiterPruneLen = 256
)

type senderEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// SenderLimiter enforces a per-sender message rate so one chatty
// contact cannot starve the responder for everyone else.
type SenderLimiter struct {
	mu      sync.Mutex
	senders map[string]*senderEntry
	limit   rate.Limit
	burst   int
}

func NewSenderLimiter(perMinute, burst int) *SenderLimiter {
	return &SenderLimiter{
		senders: make(map[string]*senderEntry),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
	}
}

// Allow reports whether sender may emit another message now.
func (l *SenderLimiter) Allow(sender string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry, ok := l.senders[sender]
	if !ok {
		if len(l.senders) >= limiterPruneLen {
			l.pruneLocked(now)
		}
		entry = &senderEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.senders[sender] = entry
	}
	entry.lastSeen = now
	return entry.lim.Allow()
}

func (l *SenderLimiter) pruneLocked(now time.Time) {
	for sender, entry := range l.senders {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.senders, sender)
		}
	}
}
