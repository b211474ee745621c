package mqtt

import (
	"context"
	"sync/atomic"

	"github.com/corvid-labs/huginn/internal/events"
)

// Counters tallies operational events from the bus so the publisher
// can report them without reaching into other components.
type Counters struct {
	turnsCompleted   atomic.Int64
	inferenceCalls   atomic.Int64
	toolInvocations  atomic.Int64
	repliesDelivered atomic.Int64
	entriesIndexed   atomic.Int64
}

// Watch consumes bus events until ctx is canceled.
func (c *Counters) Watch(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			switch evt.Kind {
			case events.KindTurnComplete:
				c.turnsCompleted.Add(1)
			case events.KindInferenceCall:
				c.inferenceCalls.Add(1)
			case events.KindToolInvoke:
				c.toolInvocations.Add(1)
			case events.KindReplyDelivered:
				c.repliesDelivered.Add(1)
			case events.KindEntryIndexed:
				c.entriesIndexed.Add(1)
			}
		}
	}
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"turns_completed":   c.turnsCompleted.Load(),
		"inference_calls":   c.inferenceCalls.Load(),
		"tool_invocations":  c.toolInvocations.Load(),
		"replies_delivered": c.repliesDelivered.Load(),
		"entries_indexed":   c.entriesIndexed.Load(),
	}
}
