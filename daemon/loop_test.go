package daemon

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/toneloc/stable-channels/auditlog"
	"github.com/toneloc/stable-channels/chainntnfs"
	"github.com/toneloc/stable-channels/channeldb"
	"github.com/toneloc/stable-channels/channelstate"
	"github.com/toneloc/stable-channels/payexec"
	"github.com/toneloc/stable-channels/priceagg"
	"github.com/toneloc/stable-channels/stability"
)

// manualTicker is a deterministic test double for ticker.Ticker, fired by
// the test itself rather than a real clock.
type manualTicker struct {
	ticks chan time.Time
}

func newManualTicker() *manualTicker {
	return &manualTicker{ticks: make(chan time.Time, 1)}
}

func (m *manualTicker) Ticks() <-chan time.Time  { return m.ticks }
func (m *manualTicker) Start()                   {}
func (m *manualTicker) Stop()                    {}
func (m *manualTicker) Resume()                  {}
func (m *manualTicker) Pause()                   {}
func (m *manualTicker) SetInterval(time.Duration) {}
func (m *manualTicker) fire()                    { m.ticks <- time.Now() }

// fakeAdapter is a minimal channelstate.Adapter test double.
type fakeAdapter struct {
	mu   sync.Mutex
	snap stability.Snapshot
}

func (f *fakeAdapter) Snapshot(ctx context.Context, id channelstate.ChannelID) (channelstate.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, nil
}
func (f *fakeAdapter) IsReady(ctx context.Context, id channelstate.ChannelID) (bool, error) {
	return true, nil
}
func (f *fakeAdapter) PeerConnected(ctx context.Context, id channelstate.ChannelID) (bool, error) {
	return true, nil
}

// fakeTransport always reports success.
type fakeTransport struct{}

func (fakeTransport) PayToPeer(ctx context.Context, peerID string, amountSat stability.Sat,
	idempotencyKey string, deadline time.Time) (payexec.Outcome, error) {
	return payexec.Outcome{Tag: payexec.TagSuccess, FeeSat: 1}, nil
}

// countingTimeoutTransport always reports Timeout, so every call moves the
// loop to Settling, and counts how many distinct payment attempts it sees so
// a test can assert the loop never reissues a second attempt while the first
// one's ambiguity is still unresolved.
type countingTimeoutTransport struct {
	mu sync.Mutex
	n  int
}

func (t *countingTimeoutTransport) PayToPeer(ctx context.Context, peerID string, amountSat stability.Sat,
	idempotencyKey string, deadline time.Time) (payexec.Outcome, error) {
	t.mu.Lock()
	t.n++
	t.mu.Unlock()
	return payexec.Outcome{Tag: payexec.TagTimeout}, nil
}

func (t *countingTimeoutTransport) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

func quoteServer(t *testing.T, value float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":{"amount":%f}}`, value)
	}))
}

func testAgreement(id stability.ChannelID) stability.Agreement {
	return stability.Agreement{
		ChannelID:     id,
		Role:          stability.RoleReceiver,
		PegUSD:        stability.USD(100, 0),
		NoOpBandUSD:   stability.USD(1, 0),
		MaxPaymentUSD: stability.USD(1000, 0),
	}
}

func newTestLoop(t *testing.T, snap stability.Snapshot) (*Loop, *manualTicker, func()) {
	t.Helper()

	dir := t.TempDir()
	db, err := channeldb.Open(filepath.Join(dir, "agreements.db"))
	if err != nil {
		t.Fatalf("channeldb.Open: %v", err)
	}

	id := stability.ChannelID{}
	agreement := testAgreement(id)
	if err := db.PutAgreement(agreement); err != nil {
		t.Fatalf("PutAgreement: %v", err)
	}

	srv := quoteServer(t, 50_000)
	agg := priceagg.New([]priceagg.SourceDescriptor{
		{Name: "only", URL: srv.URL, Path: "data.amount"},
	}, priceagg.Config{MinFetchInterval: time.Millisecond})

	audit, err := auditlog.NewWriter(filepath.Join(dir, "audit.log"), 1024, false, 3)
	if err != nil {
		t.Fatalf("auditlog.NewWriter: %v", err)
	}

	executor := payexec.NewExecutor(paymentStore{db: db}, fakeTransport{}, 0)
	executor.Start()

	balances := chainntnfs.NewBalanceNotifier()

	adapter := &fakeAdapter{snap: snap}
	tick := newManualTicker()

	loop := NewLoop(agreement, LoopConfig{CounterpartyID: "peer"},
		agg, adapter, executor, balances, db, audit, tick)

	cleanup := func() {
		srv.Close()
		audit.Close()
		executor.Stop()
		balances.Stop()
		db.Close()
	}

	return loop, tick, cleanup
}

func TestLoopNoOpWhenWithinBand(t *testing.T) {
	snap := stability.Snapshot{
		CapacitySat:       200_000,
		OurSpendableSat:   200_000, // ~$100 at $50k/BTC
		TheirSpendableSat: 0,
		ChannelReady:      true,
		PeerConnected:     true,
	}
	loop, tick, cleanup := newTestLoop(t, snap)
	defer cleanup()

	loop.Start()
	defer loop.Stop()

	tick.fire()

	// Give the loop goroutine time to process the tick and append the
	// record.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if loop.State() == StateIdle {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if loop.State() != StateIdle {
		t.Fatalf("expected loop to return to Idle, got %v", loop.State())
	}
}

func TestLoopSingleFlightSkipsConcurrentTick(t *testing.T) {
	snap := stability.Snapshot{
		CapacitySat:       200_000,
		OurSpendableSat:   200_000,
		TheirSpendableSat: 0,
		ChannelReady:      true,
		PeerConnected:     true,
	}
	loop, _, cleanup := newTestLoop(t, snap)
	defer cleanup()

	id := loop.agreement.ChannelID
	if err := loop.store.AcquireLease(id, "held-by-someone-else", time.Minute); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}

	loop.runTick(id, time.Now())

	if loop.State() != StateIdle {
		t.Fatalf("expected Idle after a skipped tick, got %v", loop.State())
	}
}

// newSettlingTestLoop builds a loop identical in shape to newTestLoop but
// with a transport that always times out and a short settlement poll
// budget/retention, so Settling-state behavior can be exercised without a
// 30s default budget slowing the test down.
func newSettlingTestLoop(t *testing.T, retention time.Duration) (
	*Loop, *countingTimeoutTransport, *chainntnfs.BalanceNotifier, func()) {
	t.Helper()

	dir := t.TempDir()
	db, err := channeldb.Open(filepath.Join(dir, "agreements.db"))
	if err != nil {
		t.Fatalf("channeldb.Open: %v", err)
	}

	id := stability.ChannelID{}
	agreement := testAgreement(id)
	if err := db.PutAgreement(agreement); err != nil {
		t.Fatalf("PutAgreement: %v", err)
	}

	srv := quoteServer(t, 55_000)
	agg := priceagg.New([]priceagg.SourceDescriptor{
		{Name: "only", URL: srv.URL, Path: "data.amount"},
	}, priceagg.Config{MinFetchInterval: time.Millisecond})

	audit, err := auditlog.NewWriter(filepath.Join(dir, "audit.log"), 1024, false, 3)
	if err != nil {
		t.Fatalf("auditlog.NewWriter: %v", err)
	}

	transport := &countingTimeoutTransport{}
	executor := payexec.NewExecutor(paymentStore{db: db}, transport, 0)
	executor.Start()

	balances := chainntnfs.NewBalanceNotifier()

	// Receiver side, spendable above the peg by more than NoOpBandUSD, so
	// every Evaluate call decides ReceiverPays and this node is the payer.
	snap := stability.Snapshot{
		CapacitySat:       10_000_000,
		OurSpendableSat:   200_000,
		TheirSpendableSat: 9_800_000,
		ChannelReady:      true,
		PeerConnected:     true,
	}
	adapter := &fakeAdapter{snap: snap}
	tick := newManualTicker()

	cfg := LoopConfig{
		CounterpartyID:         "peer",
		SettlementPollBudget:   200 * time.Millisecond,
		SettlementPollInterval: 20 * time.Millisecond,
		SettlementRetention:    retention,
	}

	loop := NewLoop(agreement, cfg, agg, adapter, executor, balances, db, audit, tick)

	cleanup := func() {
		srv.Close()
		audit.Close()
		executor.Stop()
		balances.Stop()
		db.Close()
	}

	return loop, transport, balances, cleanup
}

// TestLoopSettlingCarriesIdempotencyKeyAcrossTicks verifies that once a
// payment times out, a later tick arriving while the original key's
// retention window has not elapsed resumes polling the same ambiguity
// instead of reissuing a second payment under a new key (spec.md §4.4/§9
// scenario 6): the one genuine double-payment risk the maintainer review
// flagged. A confirming balance update then resolves the original attempt
// as Landed without ever triggering a second PayToPeer call.
func TestLoopSettlingCarriesIdempotencyKeyAcrossTicks(t *testing.T) {
	loop, transport, balances, cleanup := newSettlingTestLoop(t, 10*time.Second)
	defer cleanup()

	id := loop.agreement.ChannelID

	loop.runTick(id, time.Now())
	if loop.State() != StateSettling {
		t.Fatalf("expected Settling after a Timeout outcome, got %v", loop.State())
	}
	if got := transport.calls(); got != 1 {
		t.Fatalf("expected exactly one payment attempt, got %d", got)
	}

	// A second tick firing while the ambiguity is still live must not mint
	// a new idempotency key or attempt a second payment.
	loop.runTick(id, time.Now())
	if got := transport.calls(); got != 1 {
		t.Fatalf("expected the original idempotency key to still be live, "+
			"got %d payment attempts", got)
	}
	if loop.State() != StateSettling {
		t.Fatalf("expected to remain Settling, got %v", loop.State())
	}

	// The balance update confirming the original payment landed arrives
	// mid-poll on a third tick.
	done := make(chan struct{})
	go func() {
		loop.runTick(id, time.Now())
		close(done)
	}()

	time.Sleep(40 * time.Millisecond)
	balances.ConnectUpdate(id, 1, -18181)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runTick did not return after the confirming balance update")
	}

	if loop.State() != StateIdle {
		t.Fatalf("expected Idle once the balance update confirms landing, got %v", loop.State())
	}
	if got := transport.calls(); got != 1 {
		t.Fatalf("expected no additional payment attempts, got %d", got)
	}
}

// TestLoopSettlingExpiresAfterRetentionWindow verifies that once the full
// retention window elapses with no confirming balance update, the resolver
// reports NotLanded, the loop returns to Idle, and the idempotency key is
// released so a later tick is free to reissue under a new one.
func TestLoopSettlingExpiresAfterRetentionWindow(t *testing.T) {
	// The retention window must outlast one 200ms poll budget, or the very
	// first Resolve call would already report NotLanded.
	loop, transport, _, cleanup := newSettlingTestLoop(t, 300*time.Millisecond)
	defer cleanup()

	id := loop.agreement.ChannelID

	loop.runTick(id, time.Now())
	if loop.State() != StateSettling {
		t.Fatalf("expected Settling after a Timeout outcome, got %v", loop.State())
	}
	if got := transport.calls(); got != 1 {
		t.Fatalf("expected exactly one payment attempt, got %d", got)
	}

	time.Sleep(350 * time.Millisecond)

	loop.runTick(id, time.Now())
	if loop.State() != StateIdle {
		t.Fatalf("expected Idle once the retention window elapses with no "+
			"confirming update, got %v", loop.State())
	}

	// The ambiguity is resolved, so the next tick's decision is free to pay
	// again under a fresh idempotency key.
	loop.runTick(id, time.Now())
	if got := transport.calls(); got != 2 {
		t.Fatalf("expected a fresh payment attempt once NotLanded released "+
			"the original key, got %d", got)
	}
}
