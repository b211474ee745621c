// Package channel holds the thin platform connectors. Each connector
// normalizes its platform's events into dispatch.InboundEvent, hands
// them to the dispatcher, and delivers the reply back out. No
// platform detail crosses into the core.
package channel

import (
	"context"

	"github.com/corvid-labs/huginn/internal/dispatch"
)

// Platform identifiers used in conversation keys and stored rows.
const (
	PlatformGateway = "gateway"
	PlatformCourier = "courier"
	PlatformFeed    = "feed"
	PlatformForge   = "forge"
)

// Submitter is the dispatcher surface connectors depend on.
type Submitter interface {
	Submit(ctx context.Context, evt dispatch.InboundEvent) (*dispatch.OutboundReply, error)
}

// Connector is a long-running platform adapter. Run blocks until ctx
// is canceled.
type Connector interface {
	Name() string
	Run(ctx context.Context) error
}
