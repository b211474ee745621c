package dispatch

import "fmt"

// FailureKind classifies why a turn failed. Callers branch on the
// kind: transient failures are worth resubmitting, permanent ones are
// not, and store failures mean the turn left no durable trace.
type FailureKind string

const (
	// FailTransientNetwork covers exhausted retries against a
	// reasoning provider that kept failing transiently.
	FailTransientNetwork FailureKind = "transient_network"
	// FailPermanentRequest covers provider rejections that retrying
	// cannot fix (bad request, auth, oversized payload).
	FailPermanentRequest FailureKind = "permanent_request"
	// FailBridgeDisconnected covers tool execution attempted while the
	// tool peer session is down.
	FailBridgeDisconnected FailureKind = "bridge_disconnected"
	// FailStoreWrite covers a failed durable append. The turn is
	// abandoned: processing a message that was never committed would
	// produce replies with no history behind them.
	FailStoreWrite FailureKind = "store_write_failure"
	// FailToolLoopExceeded covers a model that kept requesting tools
	// past the iteration cap.
	FailToolLoopExceeded FailureKind = "tool_loop_exceeded"
	// FailRetrieval covers memory retrieval problems. Retrieval
	// degrades silently, so this kind only appears in logs.
	FailRetrieval FailureKind = "retrieval_failure"
)

// TurnError wraps a turn failure with its classification.
type TurnError struct {
	Kind FailureKind
	Err  error
}

func (e *TurnError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// turnErr builds a TurnError.
func turnErr(kind FailureKind, err error) *TurnError {
	return &TurnError{Kind: kind, Err: err}
}
