// Package channelstate defines the thin, read-only capability the stability
// control loop needs from the host Lightning node: a way to read a channel's
// balances and readiness, and to watch its balance-update counter advance.
//
// This package is interface-only: the host process supplies a concrete
// implementation backed by its own node; nothing in this module constructs
// one.
package channelstate

import (
	"context"

	"github.com/toneloc/stable-channels/stability"
)

// ChannelID re-exports stability.ChannelID so callers of this package don't
// need to import stability just to name a channel.
type ChannelID = stability.ChannelID

// Snapshot re-exports stability.Snapshot, the same value-typed, immutable
// channel view the evaluator consumes (spec.md §3 Channel Snapshot,
// Ownership: "Channel Snapshots are value-typed, copied into each tick").
type Snapshot = stability.Snapshot

// ErrUnknownChannel is returned when the channel id is not recognized by the
// host node.
type ErrUnknownChannel struct {
	ID ChannelID
}

func (e ErrUnknownChannel) Error() string {
	return "channelstate: unknown channel " + e.ID.String()
}

// Adapter is the capability the stability loop requires from the host
// Lightning node (spec.md §4.2). All methods must be safe to call
// concurrently; Snapshot and readiness reads never block on a write.
type Adapter interface {
	// Snapshot returns the current channel state. Returns
	// ErrUnknownChannel if id is not a channel the host node knows
	// about.
	Snapshot(ctx context.Context, id ChannelID) (Snapshot, error)

	// IsReady reports whether the channel has completed funding
	// confirmation and is usable for payments.
	IsReady(ctx context.Context, id ChannelID) (bool, error)

	// PeerConnected reports whether the channel's counterparty is
	// currently reachable.
	PeerConnected(ctx context.Context, id ChannelID) (bool, error)
}

// ChannelEvent names one of the host node's channel lifecycle events
// (spec.md §6 External interfaces: "channel-ready, channel-closed,
// peer-connected, peer-disconnected").
type ChannelEvent uint8

const (
	EventChannelReady ChannelEvent = iota
	EventChannelClosed
	EventPeerConnected
	EventPeerDisconnected
)

func (e ChannelEvent) String() string {
	switch e {
	case EventChannelReady:
		return "ChannelReady"
	case EventChannelClosed:
		return "ChannelClosed"
	case EventPeerConnected:
		return "PeerConnected"
	case EventPeerDisconnected:
		return "PeerDisconnected"
	default:
		return "Unknown"
	}
}

// EventSource is the capability the daemon orchestrator uses to learn a
// channel has closed, so it can drive that channel's Loop to Stopped
// (spec.md §4.5, §7: "Channel closed (Adapter event): Loop transitions to
// Stopped") without polling Snapshot for it.
type EventSource interface {
	// Subscribe returns a channel of lifecycle events for id. It is
	// closed when ctx is done.
	Subscribe(ctx context.Context, id ChannelID) (<-chan ChannelEvent, error)
}

// BalanceWatcher is the capability the Settling-state resolver
// (contractcourt.SettlementResolver) uses to learn that a channel's balance
// moved, without polling Snapshot in a tight loop: a single subscription
// multiplexed to many waiters, the same role chain notifiers play for
// block confirmations.
type BalanceWatcher interface {
	// WatchUpdateCounter returns a channel that receives the channel's
	// UpdateCounter every time it advances past since. The channel is
	// closed when ctx is done or the channel closes.
	WatchUpdateCounter(ctx context.Context, id ChannelID, since uint64) (<-chan uint64, error)
}
