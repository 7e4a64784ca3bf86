package delivery

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitedMailer bounds the send rate of each owner. A send over the limit
// fails with ErrRateLimited instead of blocking the executor pass.
type RateLimitedMailer struct {
	next  Mailer
	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimitedMailer allows perSecond sends per owner with the given burst.
func NewRateLimitedMailer(next Mailer, perSecond float64, burst int) *RateLimitedMailer {
	if burst < 1 {
		burst = 1
	}

	return &RateLimitedMailer{
		next:     next,
		rate:     rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *RateLimitedMailer) limiter(owner string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	limiter, exists := m.limiters[owner]
	if !exists {
		limiter = rate.NewLimiter(m.rate, m.burst)
		m.limiters[owner] = limiter
	}

	return limiter
}

func (m *RateLimitedMailer) Send(ctx context.Context, msg Message) error {
	if !m.limiter(msg.Owner).Allow() {
		return ErrRateLimited
	}

	return m.next.Send(ctx, msg)
}
