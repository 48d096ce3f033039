package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rogpeppe/fastuuid"

	"github.com/toneloc/stable-channels/auditlog"
	"github.com/toneloc/stable-channels/chainntnfs"
	"github.com/toneloc/stable-channels/channeldb"
	"github.com/toneloc/stable-channels/channelstate"
	"github.com/toneloc/stable-channels/contractcourt"
	"github.com/toneloc/stable-channels/payexec"
	"github.com/toneloc/stable-channels/priceagg"
	"github.com/toneloc/stable-channels/stability"
)

// State names a loop's position in spec.md §4.5's per-channel state
// machine.
type State uint8

const (
	StateIdle State = iota
	StateEvaluating
	StatePaying
	StateSettling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateEvaluating:
		return "Evaluating"
	case StatePaying:
		return "Paying"
	case StateSettling:
		return "Settling"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// LoopConfig configures one channel's Loop.
type LoopConfig struct {
	CounterpartyID string

	// TickInterval is the normal cadence (spec.md §4.5: default 30s).
	TickInterval time.Duration
	// JitterFraction is applied to TickInterval (default 0.1, +/-10%).
	JitterFraction float64

	// StalenessFactor bounds how old a reference price may be, expressed
	// as a multiple of TickInterval (spec.md §4.5: default 3x).
	StalenessFactor int

	// DegradedInterval is the cadence used once drift has been detected
	// (spec.md §4.5 Drift detection: default 5 minutes).
	DegradedInterval time.Duration

	// DriftThreshold is the number of consecutive unhealthy ticks (an
	// Abstain, a payment error or non-success outcome, or an unresolved
	// settlement) that trips degraded mode (default 2).
	DriftThreshold int

	// LeaseExpiry bounds how long a crashed process can hold a stale
	// single-flight lease (spec.md §4.5 P5).
	LeaseExpiry time.Duration

	// SettlementPollBudget/Interval bound a single Resolve call's wait
	// for a balance update (spec.md §4.5); they are independent of
	// SettlementRetention below, which bounds how long the loop stays in
	// Settling across many such calls before giving up.
	SettlementPollBudget   time.Duration
	SettlementPollInterval time.Duration

	// SettlementRetention is the idempotency key's retention window
	// (spec.md §4.4, default 24h): the loop does not reissue a payment
	// under a new idempotency key until this much time has passed since
	// entering Settling with no matching balance delta observed. Settling
	// ends early only on a matching balance delta; the node is not asked
	// about the payment's fate.
	SettlementRetention time.Duration

	// PaymentDeadline bounds a single pay() call (spec.md §4.4).
	PaymentDeadline time.Duration
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.TickInterval == 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.JitterFraction == 0 {
		c.JitterFraction = 0.1
	}
	if c.StalenessFactor == 0 {
		c.StalenessFactor = 3
	}
	if c.DegradedInterval == 0 {
		c.DegradedInterval = 5 * time.Minute
	}
	if c.DriftThreshold == 0 {
		c.DriftThreshold = 2
	}
	if c.LeaseExpiry == 0 {
		c.LeaseExpiry = 2 * time.Minute
	}
	if c.SettlementPollBudget == 0 {
		c.SettlementPollBudget = 30 * time.Second
	}
	if c.SettlementPollInterval == 0 {
		c.SettlementPollInterval = time.Second
	}
	if c.SettlementRetention == 0 {
		c.SettlementRetention = payexec.DefaultRetention
	}
	if c.PaymentDeadline == 0 {
		c.PaymentDeadline = payexec.DefaultDeadline
	}
	return c
}

// Loop runs spec.md §4.5's control loop for a single channel: on every
// tick, fetch a reference price, read the channel snapshot, evaluate, and
// (if required) pay, recording a Tick Record for every tick regardless of
// outcome.
type Loop struct {
	agreement stability.Agreement
	cfg       LoopConfig

	prices   *priceagg.Aggregator
	channels channelstate.Adapter
	executor *payexec.Executor
	balances *chainntnfs.BalanceNotifier
	store    *channeldb.DB
	audit    *auditlog.Writer
	tick     tickerLike

	mu               sync.Mutex
	state            State
	consecutiveDrift int
	degraded         bool

	leaseID string

	// settlement is non-nil while a payment's outcome is ambiguous and
	// the loop is waiting across ticks for a balance update or the
	// idempotency retention window to elapse (spec.md §4.5 Settling). It
	// is only ever touched from the single per-channel goroutine run()
	// drives, so it needs no lock of its own (same as leaseID above).
	settlement *pendingSettlement

	quit chan struct{}
	done chan struct{}
}

// pendingSettlement carries a Settling-state payment's identity across
// ticks so a later tick resumes resolving the same ambiguity rather than
// starting a fresh one under a new idempotency key (spec.md §4.4/§9
// scenario 6).
type pendingSettlement struct {
	idemKey       string
	expectedDelta stability.Sat
	since         time.Time
}

// leaseGen generates lease identifiers. A package-level generator is fine
// since fastuuid.Generator is safe for concurrent use.
var leaseGen = fastuuid.MustNewGenerator()

func newLeaseID() string {
	id := leaseGen.Next()
	return hex.EncodeToString(id[:])
}

// tickerLike is ticker.Ticker plus SetInterval, the methods the Loop
// depends on (*ticker.DefaultTicker provides all of them), named
// locally to avoid importing the ticker package's concrete type into this
// file's signature (payexec.Store/Transport follow the same pattern).
type tickerLike interface {
	Ticks() <-chan time.Time
	Start()
	Stop()
	Resume()
	Pause()
	SetInterval(time.Duration)
}

// NewLoop constructs a Loop. The ticker is expected to already be
// constructed with cfg.TickInterval/JitterFraction (daemon.go wires this).
func NewLoop(agreement stability.Agreement, cfg LoopConfig, prices *priceagg.Aggregator,
	channels channelstate.Adapter, executor *payexec.Executor,
	balances *chainntnfs.BalanceNotifier, store *channeldb.DB,
	audit *auditlog.Writer, tick tickerLike) *Loop {

	return &Loop{
		agreement: agreement,
		cfg:       cfg.withDefaults(),
		prices:    prices,
		channels:  channels,
		executor:  executor,
		balances:  balances,
		store:     store,
		audit:     audit,
		tick:      tick,
		state:     StateIdle,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// State returns the loop's current state, safe for concurrent callers
// (e.g. Daemon.LoopState).
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Start launches the loop's goroutine.
func (l *Loop) Start() {
	l.tick.Start()
	go l.run()
}

// Stop requests shutdown. It blocks until the tick in progress returns,
// including a pay() call already in flight. It does not wait for a payment
// in Settling to resolve: the settlement poll ends as soon as Stop is
// called, and the ambiguity is left unresolved.
func (l *Loop) Stop() {
	close(l.quit)
	<-l.done
	l.tick.Stop()
}

func (l *Loop) run() {
	defer close(l.done)
	defer l.setState(StateStopped)

	id := l.agreement.ChannelID

	for {
		select {
		case <-l.quit:
			return

		case now := <-l.tick.Ticks():
			l.runTick(id, now)
		}
	}
}

// runTick executes one full Evaluating -> (Paying -> Settling?) -> Idle
// cycle and always appends a Tick Record before returning, win or lose.
func (l *Loop) runTick(id stability.ChannelID, now time.Time) {
	// Single-flight: ticks run one at a time on this goroutine, and a tick
	// that finds the durable lease held (e.g. by another process, or a
	// crashed one whose lease has not expired) is skipped and recorded as
	// Skipped rather than queued (spec.md §4.5 property P5). A tick that
	// arrives while a payment is in Settling is not skipped: it resumes
	// resolving that payment and is recorded with the Settling action.
	leaseID := newLeaseID()
	if err := l.store.AcquireLease(id, leaseID, l.cfg.LeaseExpiry); err != nil {
		stlpLog.Debugf("Loop(%v): tick skipped, single-flight lease held", id)
		l.appendSkipped(id, now)
		return
	}
	l.leaseID = leaseID
	defer func() {
		if err := l.store.ReleaseLease(id); err != nil {
			stlpLog.Warnf("Loop(%v): failed to release lease: %v", id, err)
		}
	}()

	// A previous tick's payment is still ambiguous: resume resolving it
	// instead of starting a fresh evaluation, so the original idempotency
	// key stays live until its retention window or a terminal failure
	// resolves it (spec.md §4.4/§9 scenario 6).
	if l.settlement != nil {
		l.continueSettlement(id, now)
		return
	}

	l.setState(StateEvaluating)

	tickIndex, err := l.store.NextTickIndex(id)
	if err != nil {
		stlpLog.Errorf("Loop(%v): failed to allocate tick index: %v", id, err)
		l.setState(StateIdle)
		return
	}

	ctx, cancel := context.WithDeadline(context.Background(), now.Add(l.cfg.TickInterval))
	defer cancel()

	rec := auditlog.TickRecord{
		ChannelID: id.String(),
		TickIndex: tickIndex,
	}

	_, snap, decision, ok := l.evaluate(ctx, id, &rec)
	if !ok {
		l.registerOutcome(false)
		l.finishTick(id, rec)
		l.setState(StateIdle)
		return
	}

	switch decision.Action {
	case stability.ActionNoOp:
		rec.Reason = decision.Reason.String()
		rec.Action = "NoOp"
		l.registerOutcome(true)
		l.finishTick(id, rec)
		l.setState(StateIdle)
		return

	case stability.ActionAbstain:
		rec.Reason = decision.Reason.String()
		rec.Action = "Abstain"
		l.registerOutcome(false)
		l.finishTick(id, rec)
		l.setState(StateIdle)
		return
	}

	// ActionPay. Both sides of the channel run the identical deterministic
	// Evaluate call and reach the same Decision; only the side the
	// Decision names as payer actually sends anything (spec.md §4.3/§9).
	// The other side must observe the resulting balance delta instead of
	// attempting a payment of its own, otherwise both sides move sats in
	// the same tick.
	rec.Reason = decision.Reason.String()
	rec.Action = "Pay"
	rec.Direction = directionString(decision.Direction)
	rec.AmountUSD = decision.AmountUSD
	rec.AmountSat = decision.AmountSat

	weArePayer := isPayer(l.agreement.Role, decision.Direction)

	if !weArePayer {
		// We never hold an idempotency key on this side, so there is
		// nothing to protect from reissue: each tick's fresh Evaluate
		// call naturally re-observes the latest snapshot and keeps
		// waiting for the counterparty's payment, no cross-tick state
		// needed. RetentionWindow is left at zero so a single poll
		// budget's expiry never escalates to NotLanded here.
		l.setState(StateSettling)
		verdict := l.awaitBalanceDelta(id, expectedOwnDeltaSat(decision.AmountSat, false), now, 0)
		rec.Outcome = "AwaitInbound/" + verdict.String()

		l.registerOutcome(verdict != contractcourt.VerdictUnresolved)
		l.finishTick(id, rec)
		l.setState(StateIdle)
		return
	}

	l.setState(StatePaying)

	idemKey := fmt.Sprintf("%s:%d", id.String(), tickIndex)

	outcome, err := l.executor.Pay(ctx, id, l.cfg.CounterpartyID,
		decision.AmountSat, snap.OurSpendableSat, snap.OurReserveSat, idemKey, l.cfg.PaymentDeadline)
	if err != nil {
		stlpLog.Errorf("Loop(%v): pay() returned a transport error: %v", id, err)
		rec.Outcome = "Error"
		l.registerOutcome(false)
		l.finishTick(id, rec)
		l.setState(StateIdle)
		return
	}

	rec.Outcome = outcome.Tag.String()
	rec.FeeSat = outcome.FeeSat
	if post, err := l.channels.Snapshot(ctx, id); err == nil {
		postView := snapshotView(post)
		rec.PostSnapshot = &postView
	}

	if outcome.Tag.Terminal() {
		l.registerOutcome(outcome.Tag == payexec.TagSuccess)
		l.finishTick(id, rec)
		l.setState(StateIdle)
		return
	}

	// Timeout: move to Settling and race a balance update against a
	// bounded poll budget before deciding whether the payment landed. If
	// this first attempt is inconclusive, the ambiguity (and idemKey) is
	// carried forward across ticks by continueSettlement rather than
	// resolved here and then forgotten: reissuing under a new key before
	// the retention window proves the original did not land risks a
	// genuine double payment (spec.md §4.4/§9 scenario 6).
	since := now
	l.settlement = &pendingSettlement{
		idemKey:       idemKey,
		expectedDelta: expectedOwnDeltaSat(decision.AmountSat, true),
		since:         since,
	}
	stlpLog.Debugf("Loop(%v): payment %s timed out, entering Settling", id, idemKey)
	l.setState(StateSettling)
	verdict := l.awaitBalanceDelta(id, l.settlement.expectedDelta, since, l.cfg.SettlementRetention)
	rec.Outcome = "Timeout/" + verdict.String()

	if verdict == contractcourt.VerdictUnresolved {
		l.registerOutcome(false)
		l.finishTick(id, rec)
		return
	}

	l.settlement = nil
	l.registerOutcome(verdict == contractcourt.VerdictLanded)
	l.finishTick(id, rec)
	l.setState(StateIdle)
}

// continueSettlement resumes polling for a payment whose ambiguity spans
// multiple ticks, reusing the original idempotency key's identity rather
// than starting a fresh Evaluate/Pay cycle (spec.md §4.4/§9 scenario 6).
func (l *Loop) continueSettlement(id stability.ChannelID, now time.Time) {
	l.setState(StateSettling)

	tickIndex, err := l.store.NextTickIndex(id)
	if err != nil {
		stlpLog.Errorf("Loop(%v): failed to allocate tick index: %v", id, err)
		return
	}

	p := l.settlement
	verdict := l.awaitBalanceDelta(id, p.expectedDelta, p.since, l.cfg.SettlementRetention)
	stlpLog.Debugf("Loop(%v): resumed settlement for payment %s: %v", id, p.idemKey, verdict)

	rec := auditlog.TickRecord{
		ChannelID: id.String(),
		TickIndex: tickIndex,
		WallClock: now,
		Action:    "Settling",
		Outcome:   "Continued/" + verdict.String(),
	}

	if verdict == contractcourt.VerdictUnresolved {
		// Still ambiguous: the idempotency key stays live, poll again
		// next tick rather than reissuing the payment.
		l.registerOutcome(false)
		l.finishTick(id, rec)
		return
	}

	// Landed or NotLanded: the ambiguity is resolved one way or the
	// other, so a future Pay decision is free to mint a fresh
	// idempotency key.
	l.settlement = nil
	l.registerOutcome(verdict == contractcourt.VerdictLanded)
	l.finishTick(id, rec)
	l.setState(StateIdle)
}

// evaluate performs the price-fetch, staleness-check, snapshot-read and
// pure-Evaluate steps of one tick, filling in the audit record's price and
// snapshot fields regardless of outcome. ok is false when the tick must
// Abstain before a Decision could even be computed (stale price, deadline
// exceeded, snapshot read failure).
func (l *Loop) evaluate(ctx context.Context, id stability.ChannelID,
	rec *auditlog.TickRecord) (priceagg.ReferencePrice, stability.Snapshot, stability.Decision, bool) {

	rp, err := l.prices.FetchReferencePrice(ctx)
	if err != nil {
		stlpLog.Warnf("Loop(%v): price fetch failed: %v", id, err)
		rec.Reason = stability.ReasonStalePrice.String()
		rec.Action = "Abstain"
		return rp, stability.Snapshot{}, stability.Decision{}, false
	}

	rec.Price = auditlog.PriceBreakdown{
		USDPerBTC: rp.Value.Float64(),
		Sources:   rp.Sources,
	}

	staleness := time.Duration(l.cfg.StalenessFactor) * l.cfg.TickInterval
	if rp.StaleAt(time.Now(), staleness) {
		rec.Reason = stability.ReasonStalePrice.String()
		rec.Action = "Abstain"
		return rp, stability.Snapshot{}, stability.Decision{}, false
	}

	if ctx.Err() != nil {
		rec.Reason = stability.ReasonTickDeadlineExceeded.String()
		rec.Action = "Abstain"
		return rp, stability.Snapshot{}, stability.Decision{}, false
	}

	snap, err := l.channels.Snapshot(ctx, id)
	if err != nil {
		stlpLog.Warnf("Loop(%v): snapshot read failed: %v", id, err)
		rec.Reason = stability.ReasonNotReady.String()
		rec.Action = "Abstain"
		return rp, stability.Snapshot{}, stability.Decision{}, false
	}
	rec.Snapshot = snapshotView(snap)

	decision := stability.Evaluate(l.agreement, rp.Value, snap)
	return rp, snap, decision, true
}

// awaitBalanceDelta constructs a SettlementResolver for one bounded poll
// attempt and returns its verdict. expectedDelta is signed from this node's
// own point of view: negative when this node was the payer (awaiting
// confirmation of its own timed-out send), positive when this node is the
// non-paying side waiting for the counterparty's payment to arrive. since is
// when the ambiguity first began (not when this call started); retention is
// the idempotency retention window measured from since, or zero to disable
// the NotLanded escalation entirely (used on the non-paying side, which
// holds no idempotency key to protect).
func (l *Loop) awaitBalanceDelta(id stability.ChannelID, expectedDelta stability.Sat,
	since time.Time, retention time.Duration) contractcourt.Verdict {

	watcherID, updates, err := l.balances.Register(id, 0)
	if err != nil {
		stlpLog.Errorf("Loop(%v): failed to register balance watcher: %v", id, err)
		return contractcourt.VerdictUnresolved
	}
	defer l.balances.Unregister(id, watcherID)

	adapted := make(chan contractcourt.BalanceUpdate, 10)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case u, ok := <-updates:
				if !ok {
					close(adapted)
					return
				}
				select {
				case adapted <- contractcourt.BalanceUpdate{
					UpdateCounter: u.UpdateCounter,
					DeltaSat:      u.DeltaSat,
				}:
				case <-stop:
					return
				}
			case <-stop:
				return
			}
		}
	}()

	resolver := &contractcourt.SettlementResolver{
		ChannelID:        id,
		ExpectedDeltaSat: expectedDelta,
		Updates:          adapted,
		Since:            since,
		RetentionWindow:  retention,
		PollBudget:       l.cfg.SettlementPollBudget,
		PollInterval:     l.cfg.SettlementPollInterval,
		Quit:             l.quit,
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.SettlementPollBudget)
	defer cancel()

	verdict, err := resolver.Resolve(ctx)
	if err != nil {
		stlpLog.Warnf("Loop(%v): settlement resolution attempt: %v", id, err)
	}
	return verdict
}

// registerOutcome implements spec.md §4.5 Drift detection: DriftThreshold
// consecutive unhealthy ticks trip degraded mode (a slower cadence, and a
// health signal an operator can observe); the loop itself never stops.
func (l *Loop) registerOutcome(healthy bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if healthy {
		l.consecutiveDrift = 0
		if l.degraded {
			l.degraded = false
			l.tick.SetInterval(l.cfg.TickInterval)
			stlpLog.Infof("Loop: exiting degraded mode, resuming normal cadence")
		}
		return
	}

	l.consecutiveDrift++
	if !l.degraded && l.consecutiveDrift >= l.cfg.DriftThreshold {
		l.degraded = true
		l.tick.SetInterval(l.cfg.DegradedInterval)
		stlpLog.Warnf("Loop: %d consecutive unhealthy outcomes, entering "+
			"degraded mode at %v cadence", l.consecutiveDrift, l.cfg.DegradedInterval)
	}
}

// Degraded reports whether the loop is currently in degraded cadence, the
// loop's health signal.
func (l *Loop) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

func (l *Loop) appendSkipped(id stability.ChannelID, now time.Time) {
	tickIndex, err := l.store.NextTickIndex(id)
	if err != nil {
		stlpLog.Errorf("Loop(%v): failed to allocate tick index for skipped tick: %v", id, err)
		return
	}
	rec := auditlog.TickRecord{
		ChannelID: id.String(),
		TickIndex: tickIndex,
		WallClock: now,
		Reason:    "SingleFlightHeld",
		Action:    "Skipped",
	}
	l.finishTick(id, rec)
}

// finishTick appends the Tick Record. spec.md §5 requires this to be
// durable before the loop reports the tick complete, which is why this is
// the last thing runTick does before returning to Idle.
func (l *Loop) finishTick(id stability.ChannelID, rec auditlog.TickRecord) {
	if err := l.audit.Append(rec); err != nil {
		stlpLog.Errorf("Loop(%v): failed to append tick record: %v", id, err)
	}
}

func snapshotView(s stability.Snapshot) auditlog.SnapshotView {
	return auditlog.SnapshotView{
		CapacitySat:       s.CapacitySat,
		OurSpendableSat:   s.OurSpendableSat,
		TheirSpendableSat: s.TheirSpendableSat,
		OurReserveSat:     s.OurReserveSat,
		TheirReserveSat:   s.TheirReserveSat,
		ChannelReady:      s.ChannelReady,
		PeerConnected:     s.PeerConnected,
		UpdateCounter:     s.UpdateCounter,
	}
}

func directionString(d stability.Direction) string {
	switch d {
	case stability.DirectionReceiverToProvider:
		return "ReceiverToProvider"
	case stability.DirectionProviderToReceiver:
		return "ProviderToReceiver"
	default:
		return ""
	}
}

// isPayer reports whether this node is the side a Decision with the given
// direction requires to send the payment. Both Stable Receiver and Stable
// Provider evaluate the same Decision; only the payer acts on it, the other
// side waits for the balance delta it produces (spec.md §4.3/§9).
func isPayer(role stability.Role, dir stability.Direction) bool {
	weAreReceiver := role == stability.RoleReceiver
	return (dir == stability.DirectionReceiverToProvider) == weAreReceiver
}

// expectedOwnDeltaSat is the signed change to this node's own spendable
// balance a Decision of the given amount produces: negative when this node
// pays, positive when it receives.
func expectedOwnDeltaSat(amount stability.Sat, weArePayer bool) stability.Sat {
	if weArePayer {
		return -amount
	}
	return amount
}
