package events_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/stanchev/swarmflow/pkg/events"
)

func TestBus(t *testing.T) {
	t.Run("TopicSubscription", func(t *testing.T) {
		bus := events.NewBus()
		defer bus.Close()

		assigned := bus.Subscribe(events.TopicTaskAssigned, 4)
		bus.Publish(events.New(events.TopicTaskAssigned, map[string]interface{}{"task_id": "t1"}))
		bus.Publish(events.New(events.TopicTaskFailed, map[string]interface{}{"task_id": "t2"}))

		e := <-assigned
		assert.Equal(t, events.TopicTaskAssigned, e.Topic)
		assert.Equal(t, "t1", e.Payload["task_id"])
		assert.Len(t, assigned, 0, "other topics must not be delivered")
	})

	t.Run("SubscribeAll", func(t *testing.T) {
		bus := events.NewBus()
		defer bus.Close()

		all := bus.SubscribeAll(4)
		bus.Publish(events.New(events.TopicTaskAssigned, nil))
		bus.Publish(events.New(events.TopicAgentEscalation, nil))
		assert.Equal(t, events.TopicTaskAssigned, (<-all).Topic)
		assert.Equal(t, events.TopicAgentEscalation, (<-all).Topic)
	})

	t.Run("SlowSubscriberDropsNotBlocks", func(t *testing.T) {
		bus := events.NewBus()
		defer bus.Close()

		ch := bus.Subscribe(events.TopicTaskAssigned, 1)
		// Second publish overflows the buffer; it must return, not block.
		bus.Publish(events.New(events.TopicTaskAssigned, map[string]interface{}{"n": 1}))
		bus.Publish(events.New(events.TopicTaskAssigned, map[string]interface{}{"n": 2}))
		assert.Len(t, ch, 1)
	})

	t.Run("CloseEndsSubscriptions", func(t *testing.T) {
		bus := events.NewBus()
		ch := bus.Subscribe(events.TopicTaskAssigned, 1)
		bus.Close()
		_, open := <-ch
		assert.False(t, open)

		// Publishing and re-closing after Close are harmless.
		bus.Publish(events.New(events.TopicTaskAssigned, nil))
		bus.Close()

		late := bus.Subscribe(events.TopicTaskAssigned, 1)
		_, open = <-late
		assert.False(t, open)
	})
}

// countingSink fails deliveries and counts how often it was asked.
type countingSink struct {
	calls int
}

func (s *countingSink) Deliver(e events.Event) error {
	s.calls++
	return errors.New("sink unreachable")
}

func TestGuardedSink(t *testing.T) {
	entry := logrus.New().WithField("component", "test")

	t.Run("BreakerStopsHammeringDeadSink", func(t *testing.T) {
		sink := &countingSink{}
		guarded := events.NewGuardedSink(sink, entry)
		for i := 0; i < 20; i++ {
			guarded.Publish(events.New(events.TopicTaskAssigned, nil))
		}
		// The breaker opens after 5 consecutive failures; later publishes are
		// dropped without touching the sink.
		assert.Equal(t, 5, sink.calls)
	})

	t.Run("FanoutReachesAllPublishers", func(t *testing.T) {
		bus1 := events.NewBus()
		bus2 := events.NewBus()
		defer bus1.Close()
		defer bus2.Close()
		ch1 := bus1.SubscribeAll(1)
		ch2 := bus2.SubscribeAll(1)

		fan := events.Fanout{bus1, bus2}
		fan.Publish(events.New(events.TopicTaskCompleted, nil))
		assert.Len(t, ch1, 1)
		assert.Len(t, ch2, 1)
	})
}
