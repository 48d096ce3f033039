package priceagg

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func quoteServer(t *testing.T, value float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":{"amount":%f}}`, value)
	}))
}

func errorServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
}

func TestAggregatorMedianOfFive(t *testing.T) {
	values := []float64{49_900, 50_000, 50_100, 50_050, 49_950}
	var sources []SourceDescriptor
	for i, v := range values {
		srv := quoteServer(t, v)
		defer srv.Close()
		sources = append(sources, SourceDescriptor{
			Name: fmt.Sprintf("src%d", i),
			URL:  srv.URL,
			Path: "data.amount",
		})
	}

	agg := New(sources, Config{MinFetchInterval: time.Millisecond})
	rp, err := agg.FetchReferencePrice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rp.Sources) != 5 {
		t.Fatalf("expected all 5 sources to survive, got %d", len(rp.Sources))
	}

	got := rp.Value.Float64()
	if got < 49_999 || got > 50_001 {
		t.Fatalf("expected median ~= 50000, got %v", got)
	}
}

func TestAggregatorInsufficientSources(t *testing.T) {
	var sources []SourceDescriptor
	for i := 0; i < 2; i++ {
		srv := quoteServer(t, 50_000)
		defer srv.Close()
		sources = append(sources, SourceDescriptor{
			Name: fmt.Sprintf("ok%d", i), URL: srv.URL, Path: "data.amount",
		})
	}
	for i := 0; i < 3; i++ {
		srv := errorServer(t)
		defer srv.Close()
		sources = append(sources, SourceDescriptor{
			Name: fmt.Sprintf("bad%d", i), URL: srv.URL, Path: "data.amount",
		})
	}

	agg := New(sources, Config{MinFetchInterval: time.Millisecond})
	_, err := agg.FetchReferencePrice(context.Background())
	if err != ErrInsufficientSources {
		t.Fatalf("expected ErrInsufficientSources, got %v", err)
	}
}

func TestAggregatorOutlierRejected(t *testing.T) {
	values := []float64{50_000, 50_100, 49_900, 50_050, 200_000} // last is a 4x outlier
	var sources []SourceDescriptor
	for i, v := range values {
		srv := quoteServer(t, v)
		defer srv.Close()
		sources = append(sources, SourceDescriptor{
			Name: fmt.Sprintf("src%d", i), URL: srv.URL, Path: "data.amount",
		})
	}

	agg := New(sources, Config{MinFetchInterval: time.Millisecond})
	rp, err := agg.FetchReferencePrice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rp.Sources) != 4 {
		t.Fatalf("expected the 4x outlier dropped, leaving 4 sources, got %d", len(rp.Sources))
	}
}

// R1: replaying the aggregator with the same fixture responses produces the
// same reference price.
func TestAggregatorRoundTripDeterministic(t *testing.T) {
	values := []float64{49_900, 50_000, 50_100, 50_050, 49_950}
	var sources []SourceDescriptor
	for i, v := range values {
		srv := quoteServer(t, v)
		defer srv.Close()
		sources = append(sources, SourceDescriptor{
			Name: fmt.Sprintf("src%d", i), URL: srv.URL, Path: "data.amount",
		})
	}

	agg := New(sources, Config{MinFetchInterval: time.Millisecond})
	first, err := agg.FetchReferencePrice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := agg.FetchReferencePrice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Value != second.Value {
		t.Fatalf("expected identical reference price across rounds, got %v != %v", first.Value, second.Value)
	}
}
