package events

import (
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Sink forwards events to an external consumer (dashboard, monitoring).
type Sink interface {
	Deliver(e Event) error
}

// GuardedSink wraps a Sink with a circuit breaker so a wedged external
// consumer cannot stall the core. Deliveries while the breaker is open are
// dropped; at-least-once only holds for consumers that stay reachable.
type GuardedSink struct {
	sink    Sink
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Entry
}

func NewGuardedSink(sink Sink, logger *logrus.Entry) *GuardedSink {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "event-sink",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warnf("Circuit breaker %q: %s -> %s", name, from, to)
		},
	})
	return &GuardedSink{sink: sink, breaker: cb, logger: logger}
}

// Publish implements Publisher. Failures are logged, never surfaced: the
// sink is fire-and-forget by contract.
func (g *GuardedSink) Publish(e Event) {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.sink.Deliver(e)
	})
	if err != nil {
		g.logger.Warnf("Dropped event %s (%s): %v", e.ID, e.Topic, err)
	}
}

// LogSink writes events to the log. It is the default external consumer when
// no real sink is configured.
type LogSink struct {
	Logger *logrus.Entry
}

func (l LogSink) Deliver(e Event) error {
	l.Logger.WithFields(logrus.Fields{"event_id": e.ID, "topic": e.Topic}).Info("event")
	return nil
}

// Fanout publishes each event to every publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(e Event) {
	for _, p := range f {
		p.Publish(e)
	}
}
