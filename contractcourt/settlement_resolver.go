// Package contractcourt resolves the ambiguity left behind by a timed-out
// payment attempt, the same way a contest resolver races two external
// signals (a spend notification and a block-epoch ticker) to decide how a
// contested HTLC ultimately resolves. Here the two signals are a
// balance-update notification and a bounded polling budget, and the
// question being resolved is whether an `Unknown` payment attempt actually
// landed (spec.md §4.5 Settling).
package contractcourt

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/retry"

	"github.com/toneloc/stable-channels/stability"
)

// Verdict is the resolver's answer to "did the ambiguous payment land?"
type Verdict uint8

const (
	// VerdictUnresolved means this call's poll budget expired before
	// either signal fired and the idempotency retention window has not
	// yet elapsed: the caller must keep the loop in Settling and retry
	// resolution on a later tick. This is the common case for a single
	// Resolve call; an ambiguous payment is expected to take many calls
	// to resolve one way or the other.
	VerdictUnresolved Verdict = iota

	// VerdictLanded means a balance delta matching the expected payment
	// was observed: the original attempt succeeded despite the timeout.
	VerdictLanded

	// VerdictNotLanded means the full retention window has elapsed since
	// the ambiguity began with no matching balance delta ever observed:
	// spec.md §4.4/§9 scenario 6 requires this before the original key is
	// safe to treat as dead and the loop may reissue under a new one.
	VerdictNotLanded
)

func (v Verdict) String() string {
	switch v {
	case VerdictLanded:
		return "Landed"
	case VerdictNotLanded:
		return "NotLanded"
	default:
		return "Unresolved"
	}
}

// BalanceUpdate is one observed snapshot update, delivered by a
// chainntnfs.BalanceNotifier subscription.
type BalanceUpdate struct {
	UpdateCounter uint64
	DeltaSat      stability.Sat
}

// SettlementResolver resolves a single ambiguous (`Unknown`) payment
// outcome for one channel.
type SettlementResolver struct {
	ChannelID stability.ChannelID

	// ExpectedDeltaSat is the balance shift the original payment would
	// have produced, signed from our point of view (negative if we were
	// the payer).
	ExpectedDeltaSat stability.Sat

	// Updates delivers balance-update notifications for this channel.
	// The resolver only consumes it, it does not own its lifecycle.
	Updates <-chan BalanceUpdate

	// Since is when this payment's ambiguity first began (the tick that
	// first saw Timeout/Unknown), not when this particular Resolve call
	// started. RetentionWindow is measured from here across every
	// Resolve call the caller makes while the loop stays in Settling.
	Since time.Time

	// RetentionWindow is the idempotency key's retention window (spec.md
	// §4.4, default 24h). Only once this much time has passed since
	// Since with no matching balance delta observed does Resolve return
	// VerdictNotLanded; before that it returns VerdictUnresolved so the
	// caller keeps polling rather than reissuing the payment under a new
	// key while the original might still land.
	RetentionWindow time.Duration

	// PollBudget bounds how long a single Resolve call waits across both
	// signals before returning (spec.md §4.5 keeps the loop in Settling
	// rather than blocking it indefinitely on one tick).
	PollBudget time.Duration

	// PollInterval is the juju/retry backoff between budget checks; it
	// exists so Resolve also returns promptly once the budget is spent
	// rather than only on an update arriving.
	PollInterval time.Duration

	Quit <-chan struct{}
}

// Resolve races the balance-update signal against the polling budget, the
// same two-signals-one-winner shape an HTLC contest resolver's Resolve
// method uses, here driven by juju/retry's bounded-attempt Call instead of
// a raw select-on-block-epochs loop.
func (r *SettlementResolver) Resolve(ctx context.Context) (Verdict, error) {
	if ctx.Err() != nil {
		return VerdictUnresolved, ctx.Err()
	}

	var (
		verdict  = VerdictUnresolved
		resolved bool
	)

	attempts := r.attempts()
	_ = retry.Call(retry.CallArgs{
		Func: func() error {
			select {
			case update, ok := <-r.Updates:
				if !ok {
					return fmt.Errorf("contractcourt: balance updates closed")
				}
				if update.DeltaSat == r.ExpectedDeltaSat {
					verdict = VerdictLanded
					resolved = true
					return nil
				}
				// Some unrelated balance movement; keep polling.
				return fmt.Errorf("contractcourt: no matching delta yet")

			case <-time.After(r.pollInterval()):
				return fmt.Errorf("contractcourt: no update this interval")
			}
		},
		Attempts: attempts,
		Delay:    r.pollInterval(),
		Stop:     r.Quit,
	})

	if resolved {
		return verdict, nil
	}

	// The budget is exhausted with no matching delta observed (retry.Call
	// only returns nil when Func itself does, which only happens on a
	// match). That alone does not prove the payment did not land: only
	// once the full retention window has elapsed since the ambiguity
	// began is the original idempotency key safe to treat as dead
	// (spec.md §4.4/§9 scenario 6). Until then the caller must keep the
	// loop in Settling and call Resolve again on a later tick.
	if r.retentionExpired() {
		return VerdictNotLanded, nil
	}
	return VerdictUnresolved, nil
}

// retentionExpired reports whether the full RetentionWindow has elapsed
// since Since with no resolution. A zero Since or RetentionWindow disables
// the check (Resolve then never auto-expires to NotLanded on its own).
func (r *SettlementResolver) retentionExpired() bool {
	if r.Since.IsZero() || r.RetentionWindow <= 0 {
		return false
	}
	return time.Since(r.Since) >= r.RetentionWindow
}

func (r *SettlementResolver) pollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return time.Second
}

// attempts derives a bounded attempt count from the poll budget so the
// overall Resolve call never runs meaningfully longer than PollBudget. Each
// attempt costs up to two intervals: Func's own wait plus the Delay before
// the next attempt.
func (r *SettlementResolver) attempts() int {
	interval := r.pollInterval()
	if r.PollBudget <= 0 || interval <= 0 {
		return 1
	}
	n := int(r.PollBudget / (2 * interval))
	if n < 1 {
		n = 1
	}
	return n
}
