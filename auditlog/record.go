// Package auditlog implements the append-only Tick Record log (spec.md
// §4.6): one self-describing, human-readable, round-trippable JSON line per
// tick, rotated by size via jrick/logrotate, the same rotator
// daemon/log.go uses for its text logs, repointed here at a structured
// per-channel data stream instead of free-form diagnostic text.
package auditlog

import (
	"time"

	"github.com/toneloc/stable-channels/stability"
)

// PriceBreakdown is the reference price plus the sources that contributed
// to it, recorded for audit (spec.md §3 Tick Record).
type PriceBreakdown struct {
	USDPerBTC float64  `json:"usd_per_btc"`
	Sources   []string `json:"sources"`
}

// SnapshotView is the subset of a channel snapshot worth persisting per
// tick (spec.md §3 Tick Record / §6 Persisted state layout).
type SnapshotView struct {
	CapacitySat       stability.Sat `json:"capacity_sat"`
	OurSpendableSat   stability.Sat `json:"our_spendable_sat"`
	TheirSpendableSat stability.Sat `json:"their_spendable_sat"`
	OurReserveSat     stability.Sat `json:"our_reserve_sat"`
	TheirReserveSat   stability.Sat `json:"their_reserve_sat"`
	ChannelReady      bool          `json:"channel_ready"`
	PeerConnected     bool          `json:"peer_connected"`
	UpdateCounter     uint64        `json:"update_counter"`
}

// TickRecord is one append-only audit entry (spec.md §3 Tick Record, §4.6,
// §6 Persisted state layout).
type TickRecord struct {
	ChannelID string `json:"channel_id"`
	TickIndex uint64 `json:"tick_index"`

	WallClock     time.Time `json:"wall_clock"`
	MonotonicNote int64     `json:"monotonic_nanos"`

	Price    PriceBreakdown `json:"price"`
	Snapshot SnapshotView   `json:"snapshot"`

	Reason    string `json:"reason"`
	Action    string `json:"action"`
	Direction string `json:"direction,omitempty"`

	AmountUSD stability.MicroUSD `json:"amount_usd,omitempty"`
	AmountSat stability.Sat      `json:"amount_sat,omitempty"`

	Outcome string `json:"outcome,omitempty"`
	FeeSat  stability.Sat `json:"fee_sat,omitempty"`

	// PostSnapshot is the channel snapshot taken right after a payment
	// attempt, when obtainable (spec.md §3: "post-action channel
	// snapshot if obtainable").
	PostSnapshot *SnapshotView `json:"post_snapshot,omitempty"`
}

var processStart = time.Now()

// monotonicNanos returns nanoseconds elapsed since process start, a
// serializable stand-in for Go's internal monotonic clock reading (which
// does not survive a JSON round-trip).
func monotonicNanos() int64 {
	return time.Since(processStart).Nanoseconds()
}
