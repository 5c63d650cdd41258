// Package core defines the domain types and interfaces shared across the
// margin relay.
package core

import (
	"context"
)

// PositionLister reads open positions. Implemented by the exchange client
// and by the cache composed in front of it.
type PositionLister interface {
	ListPositions(ctx context.Context, query PositionQuery) ([]Position, error)
}

// MarginSetter executes auto-add-margin toggles.
type MarginSetter interface {
	SetAutoAddMargin(ctx context.Context, cmd MarginCommand) (CommandResult, error)
}

// PositionReader is the cached read path plus its invalidation hooks.
type PositionReader interface {
	PositionLister
	Invalidate(query PositionQuery)
	InvalidateAll()
}

// Broadcaster pushes events to live dashboard subscribers.
type Broadcaster interface {
	BroadcastPositions(snapshot PositionsSnapshot)
	BroadcastCommand(event CommandEvent)
}

// Refresher lets other components force an immediate poll cycle.
type Refresher interface {
	RefreshNow()
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
