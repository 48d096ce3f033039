package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/toneloc/stable-channels/auditlog"
	"github.com/toneloc/stable-channels/chainntnfs"
	"github.com/toneloc/stable-channels/channeldb"
	"github.com/toneloc/stable-channels/channelstate"
	"github.com/toneloc/stable-channels/payexec"
	"github.com/toneloc/stable-channels/priceagg"
	"github.com/toneloc/stable-channels/stability"
	"github.com/toneloc/stable-channels/ticker"
)

// Daemon orchestrates one independent Loop per active Stable Agreement,
// wiring each to a shared price aggregator, host-node adapter, payment
// executor, and balance notifier, but its own audit log and ticker (spec.md
// §6: "Starting the loop for a channel requires..."; §5 shared-resource
// policy scopes the audit log and tick-index counter to one channel each).
type Daemon struct {
	cfg *Config

	store    *channeldb.DB
	channels channelstate.Adapter
	events   channelstate.EventSource
	prices   *priceagg.Aggregator
	executor *payexec.Executor
	balances *chainntnfs.BalanceNotifier

	mu    sync.Mutex
	loops map[stability.ChannelID]*loopHandle

	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
}

type loopHandle struct {
	loop        *Loop
	audit       *auditlog.Writer
	tick        *ticker.DefaultTicker
	balanceQuit chan struct{}
}

// New constructs a Daemon. channels and transport are the host node
// capabilities spec.md §6 requires the operator to supply; events may be
// nil if the host node has no channel-lifecycle event stream available, in
// which case closed channels are only discovered via a failing Snapshot
// call on the next tick.
func New(cfg *Config, channels channelstate.Adapter, events channelstate.EventSource,
	transport payexec.Transport) (*Daemon, error) {

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "audit"), 0700); err != nil {
		return nil, fmt.Errorf("daemon: creating data directory: %w", err)
	}

	store, err := channeldb.Open(cfg.AgreementDBPath())
	if err != nil {
		return nil, fmt.Errorf("daemon: opening agreement database: %w", err)
	}

	sources, err := cfg.PriceSourceDescriptors()
	if err != nil {
		store.Close()
		return nil, err
	}
	descriptors := make([]priceagg.SourceDescriptor, 0, len(sources))
	for _, s := range sources {
		descriptors = append(descriptors, priceagg.SourceDescriptor{
			Name: s.Name, URL: s.URL, Path: s.Path,
		})
	}

	retention := time.Duration(cfg.IdempotencyRetentionHours) * time.Hour
	executor := payexec.NewExecutor(paymentStore{db: store}, transport, retention)

	d := &Daemon{
		cfg:      cfg,
		store:    store,
		channels: channels,
		events:   events,
		prices: priceagg.New(descriptors, priceagg.Config{
			MinFetchInterval: cfg.loopConfig().TickInterval,
		}),
		executor: executor,
		balances: chainntnfs.NewBalanceNotifier(),
		loops:    make(map[stability.ChannelID]*loopHandle),
		quit:     make(chan struct{}),
	}

	return d, nil
}

// Start activates every agreement named in the config, plus any agreement
// already persisted from a previous run, and launches their loops.
func (d *Daemon) Start() error {
	if err := d.executor.Start(); err != nil {
		return err
	}

	configured, err := d.cfg.AgreementConfigs()
	if err != nil {
		return err
	}
	for _, agreement := range configured {
		if err := d.store.PutAgreement(agreement); err != nil {
			return fmt.Errorf("daemon: persisting agreement for %v: %w",
				agreement.ChannelID, err)
		}
	}

	ids, err := d.store.ListChannels()
	if err != nil {
		return fmt.Errorf("daemon: listing persisted agreements: %w", err)
	}

	for _, id := range ids {
		if err := d.activate(id); err != nil {
			return err
		}
	}

	return nil
}

// activate loads one channel's agreement and starts its Loop.
func (d *Daemon) activate(id stability.ChannelID) error {
	agreement, err := d.store.GetAgreement(id)
	if err != nil {
		return fmt.Errorf("daemon: loading agreement for %v: %w", id, err)
	}

	maxSizeKB := int64(d.cfg.MaxLogFileSize) * 1024
	audit, err := auditlog.NewWriter(d.cfg.AuditLogPath(id), maxSizeKB, false, d.cfg.MaxLogFiles)
	if err != nil {
		return fmt.Errorf("daemon: opening audit log for %v: %w", id, err)
	}

	loopCfg := d.cfg.loopConfig()
	tick := ticker.New(loopCfg.TickInterval, loopCfg.JitterFraction)

	loop := NewLoop(agreement, loopCfg, d.prices, d.channels, d.executor, d.balances, d.store, audit, tick)

	balanceQuit := make(chan struct{})

	d.mu.Lock()
	d.loops[id] = &loopHandle{loop: loop, audit: audit, tick: tick, balanceQuit: balanceQuit}
	d.mu.Unlock()

	loop.Start()

	if d.events != nil {
		d.wg.Add(1)
		go d.watchClose(id)
	}

	d.wg.Add(1)
	go d.watchBalance(id, balanceQuit)

	return nil
}

// watchBalance is the only thing that ever calls BalanceNotifier.ConnectUpdate:
// without it, every Settling resolution would starve waiting for an update
// that never arrives (spec.md §4.5 "Settling -> (balance-confirmed) -> Idle",
// property P7). If the host adapter implements channelstate.BalanceWatcher it
// is used directly, a single push subscription per channel; otherwise this
// falls back to polling Snapshot on a fixed cadence and diffing the update
// counter and spendable balance itself, the same "diff the last known state"
// shape chainntnfs.TxConfNotifier's backend poller uses when the chain
// backend offers no subscription API of its own.
func (d *Daemon) watchBalance(id stability.ChannelID, quit chan struct{}) {
	defer d.wg.Done()

	if watcher, ok := d.channels.(channelstate.BalanceWatcher); ok {
		d.watchBalancePush(id, quit, watcher)
		return
	}
	d.watchBalancePoll(id, quit)
}

// watchBalancePush relays a host-supplied counter subscription straight into
// the BalanceNotifier, fetching the snapshot for each announced counter to
// compute the signed spendable delta ConnectUpdate requires.
func (d *Daemon) watchBalancePush(id stability.ChannelID, quit chan struct{},
	watcher channelstate.BalanceWatcher) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-quit:
			cancel()
		case <-d.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	counters, err := watcher.WatchUpdateCounter(ctx, id, 0)
	if err != nil {
		ctrlLog.Warnf("Daemon: balance watch subscription for %v failed, "+
			"falling back to polling: %v", id, err)
		d.watchBalancePoll(id, quit)
		return
	}

	var (
		lastSpendable stability.Sat
		haveBaseline  bool
	)

	for {
		select {
		case counter, ok := <-counters:
			if !ok {
				return
			}
			snap, err := d.channels.Snapshot(ctx, id)
			if err != nil {
				continue
			}
			if !haveBaseline {
				lastSpendable = snap.OurSpendableSat
				haveBaseline = true
				continue
			}
			delta := snap.OurSpendableSat - lastSpendable
			lastSpendable = snap.OurSpendableSat
			d.balances.ConnectUpdate(id, counter, delta)

		case <-quit:
			return
		case <-d.quit:
			return
		}
	}
}

// watchBalancePoll periodically re-reads the channel snapshot and feeds any
// update-counter advance into the BalanceNotifier, used when the host
// adapter offers no push subscription.
func (d *Daemon) watchBalancePoll(id stability.ChannelID, quit chan struct{}) {
	interval := d.cfg.balancePollInterval()
	t := time.NewTicker(interval)
	defer t.Stop()

	var (
		lastCounter   uint64
		lastSpendable stability.Sat
		haveBaseline  bool
	)

	for {
		select {
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			snap, err := d.channels.Snapshot(ctx, id)
			cancel()
			if err != nil {
				continue
			}

			if !haveBaseline {
				lastCounter = snap.UpdateCounter
				lastSpendable = snap.OurSpendableSat
				haveBaseline = true
				continue
			}
			if snap.UpdateCounter <= lastCounter {
				continue
			}

			delta := snap.OurSpendableSat - lastSpendable
			lastCounter = snap.UpdateCounter
			lastSpendable = snap.OurSpendableSat
			d.balances.ConnectUpdate(id, snap.UpdateCounter, delta)

		case <-quit:
			return
		case <-d.quit:
			return
		}
	}
}

// watchClose stops a channel's loop as soon as a ChannelClosed event
// arrives (spec.md §7: "Channel closed (Adapter event): Loop transitions
// to Stopped").
func (d *Daemon) watchClose(id stability.ChannelID) {
	defer d.wg.Done()

	ctx := context.Background()
	ch, err := d.events.Subscribe(ctx, id)
	if err != nil {
		ctrlLog.Warnf("Daemon: failed to subscribe to events for %v: %v", id, err)
		return
	}

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt == channelstate.EventChannelClosed {
				ctrlLog.Infof("Daemon: channel %v closed, stopping its loop", id)
				d.StopChannel(id)
				return
			}
		case <-d.quit:
			return
		}
	}
}

// StopChannel idempotently stops and deactivates a single channel's loop.
func (d *Daemon) StopChannel(id stability.ChannelID) {
	d.mu.Lock()
	h, ok := d.loops[id]
	if ok {
		delete(d.loops, id)
	}
	d.mu.Unlock()

	if !ok {
		return
	}

	close(h.balanceQuit)
	h.loop.Stop()
	h.audit.Close()
}

// Stop performs an idempotent shutdown of every active loop. Each Loop.Stop
// waits for that channel's tick in progress to return (see Loop.Stop for
// what that does and does not cover), and every channel stops concurrently
// so one slow tick does not delay another channel's shutdown.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		ids := make([]stability.ChannelID, 0, len(d.loops))
		for id := range d.loops {
			ids = append(ids, id)
		}
		d.mu.Unlock()

		var wg sync.WaitGroup
		for _, id := range ids {
			id := id
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.StopChannel(id)
			}()
		}
		wg.Wait()

		close(d.quit)
		d.wg.Wait()
		d.executor.Stop()
		d.balances.Stop()
		d.store.Close()
	})
}

// LoopState returns the current state of one channel's loop, or
// StateStopped and false if the channel has no running loop.
func (d *Daemon) LoopState(id stability.ChannelID) (State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.loops[id]
	if !ok {
		return StateStopped, false
	}
	return h.loop.State(), true
}

// ActiveChannels returns every channel id with a currently running loop.
func (d *Daemon) ActiveChannels() []stability.ChannelID {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]stability.ChannelID, 0, len(d.loops))
	for id := range d.loops {
		ids = append(ids, id)
	}
	return ids
}
