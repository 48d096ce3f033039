package payexec

import (
	"github.com/toneloc/stable-channels/stability"
)

// Tag closes the payment outcome taxonomy (spec.md §4.4 Failure taxonomy).
type Tag uint8

const (
	TagSuccess Tag = iota
	TagNoRoute
	TagInsufficientBalance
	TagPeerOffline
	TagTimeout
	TagRejected
)

func (t Tag) String() string {
	switch t {
	case TagSuccess:
		return "Success"
	case TagNoRoute:
		return "NoRoute"
	case TagInsufficientBalance:
		return "InsufficientBalance"
	case TagPeerOffline:
		return "PeerOffline"
	case TagTimeout:
		return "Timeout"
	case TagRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Terminal reports whether this outcome is final: the loop may return to
// Idle and re-evaluate on the next tick. Timeout is the one non-terminal
// tag, the loop must move to Settling instead (spec.md §4.5).
func (t Tag) Terminal() bool {
	return t != TagTimeout
}

// Outcome is the executor's result for one pay() call (spec.md §4.4).
type Outcome struct {
	Tag Tag

	// FeeSat is populated only when Tag == TagSuccess.
	FeeSat stability.Sat
}

func (o Outcome) String() string {
	if o.Tag == TagSuccess {
		return "Success{fee_sat=" + o.FeeSat.String() + "}"
	}
	return o.Tag.String()
}
