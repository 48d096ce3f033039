package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/go-errors/errors"
	flags "github.com/jessevdk/go-flags"

	"github.com/toneloc/stable-channels/channelstate"
	"github.com/toneloc/stable-channels/daemon"
	"github.com/toneloc/stable-channels/payexec"
	"github.com/toneloc/stable-channels/stability"
)

// unconfiguredHostNode satisfies channelstate.Adapter, channelstate.EventSource
// and payexec.Transport by refusing every call. spec.md §6 names list_channel,
// pay_to_peer, and the lifecycle event stream as capabilities *consumed from
// the host Lightning node*; this binary is the Stable Channels control loop
// alone, so whatever node embeds it (a breez/lnd instance reachable from this
// process) must supply a real implementation in its place before Start will
// do anything useful.
type unconfiguredHostNode struct{}

func (unconfiguredHostNode) Snapshot(ctx context.Context, id channelstate.ChannelID) (channelstate.Snapshot, error) {
	return channelstate.Snapshot{}, fmt.Errorf("stablechannelsd: no host node integration configured")
}

func (unconfiguredHostNode) IsReady(ctx context.Context, id channelstate.ChannelID) (bool, error) {
	return false, fmt.Errorf("stablechannelsd: no host node integration configured")
}

func (unconfiguredHostNode) PeerConnected(ctx context.Context, id channelstate.ChannelID) (bool, error) {
	return false, fmt.Errorf("stablechannelsd: no host node integration configured")
}

func (unconfiguredHostNode) Subscribe(ctx context.Context, id channelstate.ChannelID) (
	<-chan channelstate.ChannelEvent, error) {
	return nil, fmt.Errorf("stablechannelsd: no host node integration configured")
}

func (unconfiguredHostNode) PayToPeer(ctx context.Context, peerID string, amountSat stability.Sat,
	idempotencyKey string, deadline time.Time) (payexec.Outcome, error) {
	return payexec.Outcome{}, fmt.Errorf("stablechannelsd: no host node integration configured")
}

func main() {
	if err := run(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}
		// A fatal startup failure is rare enough that the extra cost
		// of a stack trace is worth it for diagnosing it after the
		// fact from an operator's terminal scrollback.
		if e, ok := err.(*errors.Error); ok {
			fmt.Fprintln(os.Stderr, e.ErrorStack())
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run() error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Println("stablechannelsd")
		return nil
	}

	daemon.InitLogging(cfg)

	host := unconfiguredHostNode{}
	d, err := daemon.New(cfg, host, host, host)
	if err != nil {
		return errors.Wrap(fmt.Errorf("initializing daemon: %w", err), 1)
	}

	if err := d.Start(); err != nil {
		return errors.Wrap(fmt.Errorf("starting daemon: %w", err), 1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh

	d.Stop()
	return nil
}
