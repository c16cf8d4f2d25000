package signal

import (
	"time"

	"golang.org/x/time/rate"
)

// sendLimiter caps outbound frames per connection so a misbehaving caller
// cannot flood the channel.
type sendLimiter struct {
	l *rate.Limiter
}

func newSendLimiter(perSecond float64, burst int) *sendLimiter {
	if perSecond <= 0 {
		return &sendLimiter{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &sendLimiter{l: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (s *sendLimiter) Allow() bool {
	if s == nil || s.l == nil {
		return true
	}
	return s.l.AllowN(time.Now(), 1)
}
