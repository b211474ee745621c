// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (dispatcher, store, tool
// bridge, channel connectors) to subscribers (embedding indexer, MQTT
// telemetry publisher). The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceDispatch identifies events from the agent dispatcher.
	SourceDispatch = "dispatch"
	// SourceStore identifies events from the conversation store.
	SourceStore = "store"
	// SourceBridge identifies events from the tool bridge.
	SourceBridge = "bridge"
	// SourceChannel identifies events from the channel connectors.
	SourceChannel = "channel"
	// SourceRetriever identifies events from the memory retriever/indexer.
	SourceRetriever = "retriever"
	// SourceIngest identifies events from the knowledge ingestion pipeline.
	SourceIngest = "ingest"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a dispatched turn.
	// Data: conversation_id, platform.
	KindTurnStart = "turn_start"
	// KindInferenceCall signals the start of a reasoning engine call.
	// Data: conversation_id, iter, model.
	KindInferenceCall = "inference_call"
	// KindInferenceDone signals completion of a reasoning engine call.
	// Data: conversation_id, iter, model, kind (final|tool_call).
	KindInferenceDone = "inference_done"
	// KindToolInvoke signals the start of a tool invocation over the bridge.
	// Data: conversation_id, tool.
	KindToolInvoke = "tool_invoke"
	// KindToolDone signals completion of a tool invocation.
	// Data: conversation_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindTurnComplete signals the end of a dispatched turn.
	// Data: conversation_id, iterations, elapsed_ms, outcome.
	KindTurnComplete = "turn_complete"

	// KindMessageCommitted signals a message was durably appended.
	// The embedding indexer consumes these to build memory entries.
	// Data: message_id, conversation_id, role, content.
	KindMessageCommitted = "message_committed"

	// KindBridgeConnected signals the tool bridge (re)established its session.
	// Data: tools.
	KindBridgeConnected = "bridge_connected"
	// KindBridgeLost signals the tool bridge session dropped.
	// Data: error.
	KindBridgeLost = "bridge_lost"

	// KindEventReceived signals a normalized inbound event from a connector.
	// Data: platform, conversation_key, content_len.
	KindEventReceived = "event_received"
	// KindReplyDelivered signals an outbound reply reached its connector.
	// Data: platform, conversation_key, ok.
	KindReplyDelivered = "reply_delivered"

	// KindEntryIndexed signals the indexer wrote a memory entry.
	// Data: entry_id, source.
	KindEntryIndexed = "entry_indexed"
	// KindDocumentLoaded signals an ingested knowledge document.
	// Data: source, chunks.
	KindDocumentLoaded = "document_loaded"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full, drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default
// for telemetry consumers, the indexer uses a larger buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
