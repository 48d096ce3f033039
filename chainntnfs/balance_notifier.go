// Package chainntnfs notifies watchers when a channel's balance moves, the
// same confirmation-bookkeeping shape a transaction confirmation notifier
// uses to index requests by transaction hash and dispatch them as
// currentHeight advances; BalanceNotifier indexes balance-update watchers by
// channel id and dispatches them as each channel's update counter advances,
// used by contractcourt.SettlementResolver to detect whether a timed-out
// payment actually landed.
package chainntnfs

import (
	"fmt"
	"sync"

	"github.com/toneloc/stable-channels/stability"
)

// ErrBalanceNotifierExiting is returned when registering against a stopped
// notifier.
var ErrBalanceNotifierExiting = fmt.Errorf("chainntnfs: balance notifier is exiting")

// BalanceUpdate is one observed change to a channel's spendable balance.
type BalanceUpdate struct {
	ChannelID     stability.ChannelID
	UpdateCounter uint64
	DeltaSat      stability.Sat
}

// balanceNtfn is one watcher's registration: notify Updates for every
// update to ChannelID with counter strictly greater than Since.
type balanceNtfn struct {
	id       uint64
	since    uint64
	lastSent uint64
	updates  chan BalanceUpdate
}

// BalanceNotifier dispatches BalanceUpdate events to registered watchers as
// a host node reports new channel snapshots, mirroring TxConfNotifier's
// by-key index plus "dispatch everything past the watcher's known point"
// semantics (there: confirmation height; here: update counter).
type BalanceNotifier struct {
	sync.Mutex

	nextID uint64

	// watchersByChannel indexes watchers by the channel they care about.
	watchersByChannel map[stability.ChannelID]map[uint64]*balanceNtfn

	quit chan struct{}
}

// NewBalanceNotifier constructs an empty BalanceNotifier.
func NewBalanceNotifier() *BalanceNotifier {
	return &BalanceNotifier{
		watchersByChannel: make(map[stability.ChannelID]map[uint64]*balanceNtfn),
		quit:              make(chan struct{}),
	}
}

// Stop shuts down the notifier; further Register calls fail.
func (b *BalanceNotifier) Stop() {
	b.Lock()
	defer b.Unlock()

	select {
	case <-b.quit:
		return
	default:
		close(b.quit)
	}
}

// Register subscribes a watcher for updates to channelID with an update
// counter strictly greater than since. The returned channel is buffered so
// a slow consumer cannot stall ConnectUpdate.
func (b *BalanceNotifier) Register(channelID stability.ChannelID, since uint64) (
	id uint64, updates <-chan BalanceUpdate, err error) {

	b.Lock()
	defer b.Unlock()

	select {
	case <-b.quit:
		return 0, nil, ErrBalanceNotifierExiting
	default:
	}

	b.nextID++
	ntfn := &balanceNtfn{
		id:      b.nextID,
		since:   since,
		updates: make(chan BalanceUpdate, 10),
	}

	watchers, ok := b.watchersByChannel[channelID]
	if !ok {
		watchers = make(map[uint64]*balanceNtfn)
		b.watchersByChannel[channelID] = watchers
	}
	watchers[ntfn.id] = ntfn

	return ntfn.id, ntfn.updates, nil
}

// Unregister removes a watcher, freeing its channel.
func (b *BalanceNotifier) Unregister(channelID stability.ChannelID, id uint64) {
	b.Lock()
	defer b.Unlock()

	watchers, ok := b.watchersByChannel[channelID]
	if !ok {
		return
	}
	if ntfn, ok := watchers[id]; ok {
		close(ntfn.updates)
		delete(watchers, id)
	}
	if len(watchers) == 0 {
		delete(b.watchersByChannel, channelID)
	}
}

// ConnectUpdate is called by the channel-state adapter each time it
// observes a new snapshot for channelID. It dispatches the update to every
// watcher whose Since threshold the new counter has passed.
func (b *BalanceNotifier) ConnectUpdate(channelID stability.ChannelID,
	counter uint64, deltaSat stability.Sat) {

	b.Lock()
	defer b.Unlock()

	watchers, ok := b.watchersByChannel[channelID]
	if !ok {
		return
	}

	update := BalanceUpdate{
		ChannelID:     channelID,
		UpdateCounter: counter,
		DeltaSat:      deltaSat,
	}

	for _, ntfn := range watchers {
		if counter <= ntfn.since || counter <= ntfn.lastSent {
			continue
		}
		select {
		case ntfn.updates <- update:
			ntfn.lastSent = counter
		default:
			log.Warnf("BalanceNotifier: watcher %d for channel %v is "+
				"not keeping up, dropping update at counter %d",
				ntfn.id, channelID, counter)
		}
	}
}
