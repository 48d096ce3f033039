package daemon

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/toneloc/stable-channels/channelstate"
	"github.com/toneloc/stable-channels/stability"
)

const testZeroOutpoint = "0000000000000000000000000000000000000000000000000000000000000000:0"

type fakeEventSource struct {
	events chan channelstate.ChannelEvent
}

func (f *fakeEventSource) Subscribe(ctx context.Context, id channelstate.ChannelID) (
	<-chan channelstate.ChannelEvent, error) {
	return f.events, nil
}

func TestDaemonStartStop(t *testing.T) {
	dir := t.TempDir()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"amount":50000.0}}`)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.CounterpartyID = "peer-pubkey"
	cfg.Channels = []string{testZeroOutpoint + ",receiver,100,0"}
	cfg.PriceSources = []string{"only," + srv.URL + ",data.amount"}
	cfg.TickIntervalSeconds = 1

	adapter := &fakeAdapter{snap: stability.Snapshot{
		CapacitySat:       200_000,
		OurSpendableSat:   200_000,
		TheirSpendableSat: 0,
		ChannelReady:      true,
		PeerConnected:     true,
	}}

	events := &fakeEventSource{events: make(chan channelstate.ChannelEvent, 1)}

	d, err := New(&cfg, adapter, events, fakeTransport{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	active := d.ActiveChannels()
	if len(active) != 1 {
		t.Fatalf("expected 1 active channel, got %d", len(active))
	}

	if _, ok := d.LoopState(active[0]); !ok {
		t.Fatal("expected a loop state for the active channel")
	}

	d.Stop()

	// A second Stop must be safe (idempotent shutdown, spec.md §6).
	d.Stop()

	if len(d.ActiveChannels()) != 0 {
		t.Fatal("expected no active channels after Stop")
	}
}
