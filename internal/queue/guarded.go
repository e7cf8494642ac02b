package queue

import (
	"context"

	"github.com/allisson/scheduler/internal/breaker"
)

// GuardedPublisher sends through a circuit breaker so a failing queue is not hammered.
// While the breaker is open SendMessage fails fast with an error matching breaker.ErrCircuitOpen.
type GuardedPublisher struct {
	next    Publisher
	breaker *breaker.CircuitBreaker
}

// NewGuardedPublisher wraps next with cb.
func NewGuardedPublisher(next Publisher, cb *breaker.CircuitBreaker) *GuardedPublisher {
	return &GuardedPublisher{next: next, breaker: cb}
}

// SendMessage publishes through the breaker.
func (p *GuardedPublisher) SendMessage(ctx context.Context, payload any, opts SendOptions) error {
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.next.SendMessage(ctx, payload, opts)
	})
}

// Breaker returns the breaker guarding the publisher.
func (p *GuardedPublisher) Breaker() *breaker.CircuitBreaker {
	return p.breaker
}
