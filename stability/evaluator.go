package stability

import (
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Role identifies which side of the channel a Stable Agreement plays.
type Role uint8

const (
	// RoleReceiver holds a constant USD-denominated balance.
	RoleReceiver Role = iota
	// RoleProvider absorbs bitcoin price volatility.
	RoleProvider
)

func (r Role) String() string {
	switch r {
	case RoleReceiver:
		return "receiver"
	case RoleProvider:
		return "provider"
	default:
		return "unknown"
	}
}

// ChannelID identifies a channel by its funding outpoint, the standard
// channel-point identifier.
type ChannelID wire.OutPoint

func (c ChannelID) String() string {
	return wire.OutPoint(c).String()
}

// ParseChannelID parses the "hash:index" form produced by String back into
// a ChannelID, the inverse used when reloading a channel id from the
// agreement store.
func ParseChannelID(s string) ChannelID {
	var hash chainhash.Hash
	var index uint32

	sep := strings.LastIndexByte(s, ':')
	if sep < 0 {
		return ChannelID{}
	}
	if h, err := chainhash.NewHashFromStr(s[:sep]); err == nil {
		hash = *h
	}
	if n, err := strconv.ParseUint(s[sep+1:], 10, 32); err == nil {
		index = uint32(n)
	}

	return ChannelID(wire.OutPoint{Hash: hash, Index: index})
}

// Agreement is the per-channel configuration fixed at activation
// (spec.md §3 Stable Agreement). It is created once and never mutated.
type Agreement struct {
	ChannelID ChannelID
	Role      Role

	// PegUSD is the USD value the Receiver's stabilized balance is held
	// to. Strictly positive.
	PegUSD MicroUSD

	// NativeSat is the unpegged satoshi component excluded from the
	// stabilized calculation (spec.md §9 open question: this
	// implementation excludes it, confirmed per-deployment by the
	// operator at activation, see daemon/config.go).
	NativeSat Sat

	// NoOpBandUSD is the absolute USD tolerance within which no payment
	// is issued.
	NoOpBandUSD MicroUSD

	// MaxPaymentUSD is the absolute per-tick payment ceiling.
	MaxPaymentUSD MicroUSD

	// MaxPaymentFraction caps a single tick's payment to this fraction
	// of PegUSD (e.g. 0.2 == 20%). Zero means no fractional cap.
	MaxPaymentFraction float64
}

// maxPayment returns the effective per-tick ceiling: the smaller of the
// absolute cap and the fractional cap of the peg.
func (a Agreement) maxPayment() MicroUSD {
	max := a.MaxPaymentUSD
	if a.MaxPaymentFraction > 0 {
		fractional := MicroUSD(float64(a.PegUSD) * a.MaxPaymentFraction)
		if fractional < max || max == 0 {
			max = fractional
		}
	}
	return max
}

// Snapshot is an immutable view of the channel at an instant (spec.md §3
// Channel Snapshot).
type Snapshot struct {
	ChannelID ChannelID

	CapacitySat Sat

	OurSpendableSat   Sat
	TheirSpendableSat Sat

	OurReserveSat   Sat
	TheirReserveSat Sat

	InFlightSat Sat

	ChannelReady  bool
	PeerConnected bool

	// UpdateCounter increments whenever balances change. Used by the
	// loop to detect whether a payment has materially shifted balances.
	UpdateCounter uint64

	ObservedAt time.Time
}

// Reason names why a Decision was reached, closing the set spec.md's
// classification enumerates so the Audit Log can record it directly.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonNotReady
	ReasonInsolvent
	ReasonStable
	ReasonReceiverPays
	ReasonProviderPays
	ReasonStalePrice
	ReasonTickDeadlineExceeded
)

func (r Reason) String() string {
	switch r {
	case ReasonNotReady:
		return "NotReady"
	case ReasonInsolvent:
		return "Insolvent"
	case ReasonStable:
		return "Stable"
	case ReasonReceiverPays:
		return "ReceiverPays"
	case ReasonProviderPays:
		return "ProviderPays"
	case ReasonStalePrice:
		return "StalePrice"
	case ReasonTickDeadlineExceeded:
		return "TickDeadlineExceeded"
	default:
		return "None"
	}
}

// Action names what the loop must do about a Decision.
type Action uint8

const (
	ActionNone Action = iota
	ActionAbstain
	ActionNoOp
	ActionPay
)

// Direction names which side of the channel must pay.
type Direction uint8

const (
	DirectionNone Direction = iota
	DirectionReceiverToProvider
	DirectionProviderToReceiver
)

// Decision is the evaluator's pure output for one tick.
type Decision struct {
	Action    Action
	Reason    Reason
	Direction Direction

	// AmountUSD and AmountSat are populated only when Action == ActionPay.
	AmountUSD MicroUSD
	AmountSat Sat

	// DeltaUSD is the signed Receiver's-view delta (V - T) that produced
	// this decision, kept for audit even on NoOp/Abstain.
	DeltaUSD MicroUSD
}

// Evaluate implements spec.md §4.3: given an Agreement, a Price, and a
// Snapshot, classify the channel state and compute the required payment
// direction and amount. Pure: identical inputs always yield an identical
// Decision (spec.md property P4).
func Evaluate(a Agreement, price Price, snap Snapshot) Decision {
	// 1. NotReady.
	if !snap.ChannelReady || !snap.PeerConnected {
		return Decision{Action: ActionAbstain, Reason: ReasonNotReady}
	}

	// Receiver's stabilized BTC balance, from whichever side's snapshot
	// we were handed: the Receiver side is what matters for V and T
	// regardless of which role this agreement plays, since both sides
	// observe the same channel from their own vantage point.
	receiverSpendable := snap.OurSpendableSat
	providerSpendable := snap.TheirSpendableSat
	receiverReserve := snap.OurReserveSat
	providerReserve := snap.TheirReserveSat
	if a.Role == RoleProvider {
		receiverSpendable, providerSpendable = providerSpendable, receiverSpendable
		receiverReserve, providerReserve = providerReserve, receiverReserve
	}

	stabilizedSat := receiverSpendable - a.NativeSat
	v := stabilizedSat.ValueAt(price)
	delta := v - a.PegUSD

	eps := a.NoOpBandUSD
	max := a.maxPayment()

	// 2. Insolvent: either side already underwater on its own reserve,
	// checked unconditionally and ahead of Stable so a near-zero delta
	// never masks a channel that cannot carry its own balances.
	if receiverSpendable < receiverReserve || providerSpendable < providerReserve {
		return Decision{Action: ActionAbstain, Reason: ReasonInsolvent, DeltaUSD: delta}
	}

	switch {
	// 3. Stable.
	case delta.Abs() <= eps:
		return Decision{Action: ActionNoOp, Reason: ReasonStable, DeltaUSD: delta}

	case delta > eps:
		// 4. ReceiverPays.
		amountUSD := delta.Min(max)
		amountSat := amountUSD.ToSatFloor(price)

		if insolvent(amountSat, receiverSpendable, receiverReserve) {
			return Decision{Action: ActionAbstain, Reason: ReasonInsolvent, DeltaUSD: delta}
		}

		return Decision{
			Action:    ActionPay,
			Reason:    ReasonReceiverPays,
			Direction: DirectionReceiverToProvider,
			AmountUSD: amountUSD,
			AmountSat: amountSat,
			DeltaUSD:  delta,
		}

	default:
		// 5. ProviderPays. delta < -eps.
		amountUSD := delta.Abs().Min(max)
		amountSat := amountUSD.ToSatFloor(price)

		if insolvent(amountSat, providerSpendable, providerReserve) {
			return Decision{Action: ActionAbstain, Reason: ReasonInsolvent, DeltaUSD: delta}
		}

		return Decision{
			Action:    ActionPay,
			Reason:    ReasonProviderPays,
			Direction: DirectionProviderToReceiver,
			AmountUSD: amountUSD,
			AmountSat: amountSat,
			DeltaUSD:  delta,
		}
	}
}

// insolvent reports whether paying amount would exceed the payer's
// spendable balance minus its reserve, spec.md's hard invariant (P2): the
// evaluator never signals a payment the channel cannot carry.
func insolvent(amount, payerSpendable, payerReserve Sat) bool {
	available := payerSpendable - payerReserve
	return amount > available
}
