package domain

import "context"

// TickConsumer accepts one tick. Implementations must honour ctx: the
// dispatcher bounds every call with a deadline.
type TickConsumer interface {
	Consume(ctx context.Context, tick Tick) error
}

// ConsumerFunc adapts a plain function to TickConsumer.
type ConsumerFunc func(ctx context.Context, tick Tick) error

// Consume calls f(ctx, tick).
func (f ConsumerFunc) Consume(ctx context.Context, tick Tick) error {
	return f(ctx, tick)
}

// TickStore is the durable-store boundary. The pipeline only writes to it.
type TickStore interface {
	SaveTick(ctx context.Context, tick Tick) error
}

// UniverseSource supplies the instrument universe (an instrument catalog or
// options-chain service in production).
type UniverseSource interface {
	InstrumentKeys(ctx context.Context) ([]InstrumentKey, error)
}
