// Package payexec implements the Payment Executor: issuing a single
// fiat-sized Lightning payment to a channel counterparty, idempotently and
// within a bounded latency budget (spec.md §4.4). Its registry/notifier
// shape is adapted from invoices.InvoiceRegistry: a mutex-guarded map of
// state, a dedicated notifier goroutine, and queue.ConcurrentQueue-backed
// subscriptions so slow observers (the audit log, an operator dashboard)
// never block a payment attempt.
package payexec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/toneloc/stable-channels/queue"
	"github.com/toneloc/stable-channels/stability"
)

// DefaultRetention is how long an idempotency key's recorded outcome is
// honored before a repeat of the same key is treated as a fresh attempt
// (spec.md §4.4: default 24h).
const DefaultRetention = 24 * time.Hour

// DefaultDeadline bounds a single pay() call (spec.md §4.4: default 30s).
const DefaultDeadline = 30 * time.Second

// Transport is the host node capability the executor drives: a direct,
// intra-channel payment to a peer (spec.md §6 pay_to_peer). Implementations
// are expected to map their own RPC failures onto the Tag taxonomy.
type Transport interface {
	PayToPeer(ctx context.Context, peerID string, amountSat stability.Sat,
		idempotencyKey string, deadline time.Time) (Outcome, error)
}

// Store is the durable idempotency ledger the executor consults. The daemon
// satisfies it with paymentStore, an adapter over *channeldb.DB.
type Store interface {
	LookupPayment(key string) (rec PaymentRecord, found bool, err error)
	RecordPayment(rec PaymentRecord) error
}

// PaymentRecord mirrors channeldb.PaymentRecord; kept as its own type here
// so this package does not import channeldb directly, matching the
// capability-interface style of channelstate.Adapter.
type PaymentRecord struct {
	Key        string
	OutcomeTag string
	FeeSat     int64
	RecordedAt time.Time
}

// Event is delivered to subscribers each time a pay() call resolves.
type Event struct {
	ChannelID stability.ChannelID
	Key       string
	Outcome   Outcome
}

// Executor issues payments and fans out their outcomes to subscribers.
type Executor struct {
	store     Store
	transport Transport
	retention time.Duration

	clientMtx    sync.Mutex
	nextClientID uint32
	clients      map[uint32]*subscription

	newSubscriptions    chan *subscription
	subscriptionCancels chan uint32
	events              chan *Event

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewExecutor constructs an Executor. A zero retention uses DefaultRetention.
func NewExecutor(store Store, transport Transport, retention time.Duration) *Executor {
	if retention == 0 {
		retention = DefaultRetention
	}
	return &Executor{
		store:               store,
		transport:           transport,
		retention:           retention,
		clients:             make(map[uint32]*subscription),
		newSubscriptions:    make(chan *subscription),
		subscriptionCancels: make(chan uint32),
		events:              make(chan *Event, 20),
		quit:                make(chan struct{}),
	}
}

// Start launches the executor's notifier goroutine.
func (e *Executor) Start() error {
	e.wg.Add(1)
	go e.eventNotifier()
	return nil
}

// Stop signals a graceful shutdown. Any payment attempt already in flight
// inside Pay is not interrupted; callers are expected to have their own
// deadline on the pay call.
func (e *Executor) Stop() {
	close(e.quit)
	e.wg.Wait()
}

// Pay executes spec.md §4.4's pay() operation: idempotent, fee-policy
// guarded, bounded-latency.
//
// payerSpendable and payerReserve describe the payer's current channel
// balances; Pay refuses to attempt a payment that would breach the
// spendable-minus-reserve floor (spec.md §4.4 Fee policy), returning
// TagInsufficientBalance without ever calling the transport.
func (e *Executor) Pay(ctx context.Context, channelID stability.ChannelID,
	counterpartyID string, amountSat, payerSpendable, payerReserve stability.Sat,
	idempotencyKey string, deadline time.Duration) (Outcome, error) {

	if deadline == 0 {
		deadline = DefaultDeadline
	}

	if rec, found, err := e.store.LookupPayment(idempotencyKey); err != nil {
		return Outcome{}, fmt.Errorf("payexec: idempotency lookup: %w", err)
	} else if found && time.Since(rec.RecordedAt) < e.retention {
		log.Debugf("Payment(%v): idempotency key already resolved, "+
			"returning recorded outcome %v", idempotencyKey, rec.OutcomeTag)
		return outcomeFromRecord(rec), nil
	}

	available := payerSpendable - payerReserve
	if amountSat > available {
		outcome := Outcome{Tag: TagInsufficientBalance}
		e.recordAndNotify(channelID, idempotencyKey, outcome)
		return outcome, nil
	}

	payCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	log.Debugf("Payment(%v): dispatching %v to %v", idempotencyKey,
		amountSat, counterpartyID)

	outcome, err := e.transport.PayToPeer(
		payCtx, counterpartyID, amountSat, idempotencyKey,
		time.Now().Add(deadline),
	)
	if err != nil {
		if payCtx.Err() != nil {
			outcome = Outcome{Tag: TagTimeout}
		} else {
			return Outcome{}, fmt.Errorf("payexec: transport: %w", err)
		}
	}

	log.Debugf("Payment(%v): resolved %v", idempotencyKey,
		newLogClosure(func() string { return spew.Sdump(outcome) }))

	// A Timeout outcome is deliberately NOT recorded durably: spec.md
	// §4.4 requires the loop to reissue under a new key only after
	// confirming via balance delta that the original attempt did not
	// land, which means the original key must remain open for a later,
	// definitive resolution rather than being pinned to Timeout forever.
	if outcome.Tag != TagTimeout {
		e.recordAndNotify(channelID, idempotencyKey, outcome)
	} else {
		e.notify(channelID, idempotencyKey, outcome)
	}

	return outcome, nil
}

func (e *Executor) recordAndNotify(channelID stability.ChannelID, key string, outcome Outcome) {
	rec := PaymentRecord{
		Key:        key,
		OutcomeTag: outcome.Tag.String(),
		FeeSat:     int64(outcome.FeeSat),
		RecordedAt: time.Now(),
	}
	if err := e.store.RecordPayment(rec); err != nil {
		log.Errorf("Payment(%v): failed to record outcome: %v", key, err)
	}
	e.notify(channelID, key, outcome)
}

func (e *Executor) notify(channelID stability.ChannelID, key string, outcome Outcome) {
	select {
	case e.events <- &Event{ChannelID: channelID, Key: key, Outcome: outcome}:
	case <-e.quit:
	}
}

func outcomeFromRecord(rec PaymentRecord) Outcome {
	out := Outcome{FeeSat: stability.Sat(rec.FeeSat)}
	switch rec.OutcomeTag {
	case TagSuccess.String():
		out.Tag = TagSuccess
	case TagNoRoute.String():
		out.Tag = TagNoRoute
	case TagInsufficientBalance.String():
		out.Tag = TagInsufficientBalance
	case TagPeerOffline.String():
		out.Tag = TagPeerOffline
	case TagRejected.String():
		out.Tag = TagRejected
	default:
		out.Tag = TagRejected
	}
	return out
}

// subscription is one observer's queued view of executor events.
type subscription struct {
	id        uint32
	ntfnQueue *queue.ConcurrentQueue

	cancelChan chan struct{}

	// Events is the channel the subscriber reads resolved outcomes from.
	Events chan *Event
}

// eventNotifier is the single goroutine owning subscriber bookkeeping and
// dispatch, mirroring invoices.InvoiceRegistry.invoiceEventNotifier.
func (e *Executor) eventNotifier() {
	defer e.wg.Done()

	for {
		select {
		case client := <-e.newSubscriptions:
			e.clients[client.id] = client

		case clientID := <-e.subscriptionCancels:
			delete(e.clients, clientID)

		case event := <-e.events:
			for _, client := range e.clients {
				select {
				case client.ntfnQueue.ChanIn() <- event:
				case <-e.quit:
					return
				}
			}

		case <-e.quit:
			return
		}
	}
}

// Subscribe returns a subscription delivering every resolved payment event
// from this point forward.
func (e *Executor) Subscribe() *subscription {
	client := &subscription{
		ntfnQueue:  queue.NewConcurrentQueue(20),
		cancelChan: make(chan struct{}),
		Events:     make(chan *Event),
	}
	client.ntfnQueue.Start()

	e.clientMtx.Lock()
	client.id = e.nextClientID
	e.nextClientID++
	e.clientMtx.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case ntfn := <-client.ntfnQueue.ChanOut():
				event := ntfn.(*Event)
				select {
				case client.Events <- event:
				case <-client.cancelChan:
					return
				case <-e.quit:
					return
				}
			case <-client.cancelChan:
				return
			case <-e.quit:
				return
			}
		}
	}()

	select {
	case e.newSubscriptions <- client:
	case <-e.quit:
	}

	return client
}

// Cancel unregisters the subscription, freeing its resources.
func (s *subscription) Cancel() {
	s.ntfnQueue.Stop()
	close(s.cancelChan)
}
