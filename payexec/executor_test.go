package payexec

import (
	"context"
	"testing"
	"time"

	"github.com/toneloc/stable-channels/stability"
)

type fakeStore struct {
	records map[string]PaymentRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]PaymentRecord)}
}

func (f *fakeStore) LookupPayment(key string) (PaymentRecord, bool, error) {
	rec, ok := f.records[key]
	return rec, ok, nil
}

func (f *fakeStore) RecordPayment(rec PaymentRecord) error {
	if _, exists := f.records[rec.Key]; exists {
		return nil
	}
	f.records[rec.Key] = rec
	return nil
}

type fakeTransport struct {
	calls   int
	outcome Outcome
	err     error
	delay   time.Duration
}

func (f *fakeTransport) PayToPeer(ctx context.Context, peerID string, amountSat stability.Sat,
	idempotencyKey string, deadline time.Time) (Outcome, error) {

	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
	return f.outcome, f.err
}

func newTestExecutor(transport Transport) (*Executor, *fakeStore) {
	store := newFakeStore()
	exec := NewExecutor(store, transport, time.Hour)
	exec.Start()
	return exec, store
}

var testChannelID = stability.ChannelID{}

func TestPaySuccess(t *testing.T) {
	transport := &fakeTransport{outcome: Outcome{Tag: TagSuccess, FeeSat: 1}}
	exec, _ := newTestExecutor(transport)
	defer exec.Stop()

	out, err := exec.Pay(context.Background(), testChannelID, "peer1",
		1000, 5000, 1000, "key-1", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Tag != TagSuccess {
		t.Fatalf("expected Success, got %v", out.Tag)
	}
	if transport.calls != 1 {
		t.Fatalf("expected exactly 1 transport call, got %d", transport.calls)
	}
}

// R2: retrying the same idempotency key never results in a second payment
// attempt and returns the original terminal outcome.
func TestPayIdempotent(t *testing.T) {
	transport := &fakeTransport{outcome: Outcome{Tag: TagSuccess, FeeSat: 1}}
	exec, _ := newTestExecutor(transport)
	defer exec.Stop()

	for i := 0; i < 3; i++ {
		out, err := exec.Pay(context.Background(), testChannelID, "peer1",
			1000, 5000, 1000, "key-shared", time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Tag != TagSuccess {
			t.Fatalf("expected Success, got %v", out.Tag)
		}
	}
	if transport.calls != 1 {
		t.Fatalf("expected exactly 1 transport call across retries, got %d", transport.calls)
	}
}

// spec.md §4.4 Fee policy: refuse without calling the transport if amount
// would breach the payer's spendable-minus-reserve.
func TestPayRefusesOnInsufficientBalance(t *testing.T) {
	transport := &fakeTransport{outcome: Outcome{Tag: TagSuccess}}
	exec, _ := newTestExecutor(transport)
	defer exec.Stop()

	out, err := exec.Pay(context.Background(), testChannelID, "peer1",
		5000, 5000, 1000, "key-2", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Tag != TagInsufficientBalance {
		t.Fatalf("expected InsufficientBalance, got %v", out.Tag)
	}
	if transport.calls != 0 {
		t.Fatalf("expected transport not to be called, got %d calls", transport.calls)
	}
}

func TestPayTimeout(t *testing.T) {
	transport := &fakeTransport{delay: 200 * time.Millisecond}
	exec, _ := newTestExecutor(transport)
	defer exec.Stop()

	out, err := exec.Pay(context.Background(), testChannelID, "peer1",
		1000, 5000, 1000, "key-3", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Tag != TagTimeout {
		t.Fatalf("expected Timeout, got %v", out.Tag)
	}
}

// After a Timeout, the idempotency key must remain open so a later retry
// that confirms non-delivery can still resolve to a fresh attempt.
func TestPayTimeoutDoesNotPinIdempotencyKey(t *testing.T) {
	transport := &fakeTransport{delay: 50 * time.Millisecond}
	exec, store := newTestExecutor(transport)
	defer exec.Stop()

	_, err := exec.Pay(context.Background(), testChannelID, "peer1",
		1000, 5000, 1000, "key-4", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, found, _ := store.LookupPayment("key-4"); found {
		t.Fatalf("expected no durable record for a timed-out attempt")
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	transport := &fakeTransport{outcome: Outcome{Tag: TagSuccess, FeeSat: 2}}
	exec, _ := newTestExecutor(transport)
	defer exec.Stop()

	sub := exec.Subscribe()
	defer sub.Cancel()

	if _, err := exec.Pay(context.Background(), testChannelID, "peer1",
		1000, 5000, 1000, "key-5", time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case event := <-sub.Events:
		if event.Key != "key-5" || event.Outcome.Tag != TagSuccess {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscription event")
	}
}
