package ticker

import (
	"testing"
	"time"
)

func TestTickerFires(t *testing.T) {
	tk := New(10*time.Millisecond, 0)
	tk.Start()
	defer tk.Stop()

	select {
	case <-tk.Ticks():
	case <-time.After(time.Second):
		t.Fatal("ticker never fired")
	}
}

func TestTickerPauseResume(t *testing.T) {
	tk := New(10*time.Millisecond, 0)
	tk.Start()
	defer tk.Stop()

	<-tk.Ticks()
	tk.Pause()

	select {
	case <-tk.Ticks():
		t.Fatal("ticker fired while paused")
	case <-time.After(50 * time.Millisecond):
	}

	tk.Resume()
	select {
	case <-tk.Ticks():
	case <-time.After(time.Second):
		t.Fatal("ticker never resumed")
	}
}

func TestTickerJitterWithinBounds(t *testing.T) {
	tk := New(100*time.Millisecond, 0.1)
	for i := 0; i < 50; i++ {
		d := tk.next()
		if d < 90*time.Millisecond || d > 110*time.Millisecond {
			t.Fatalf("jittered interval %v out of +/-10%% bounds", d)
		}
	}
}
