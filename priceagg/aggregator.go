package priceagg

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/toneloc/stable-channels/stability"
)

// Config tunes the aggregator's timeouts and thresholds (spec.md §4.1).
type Config struct {
	// SourceTimeout bounds a single source's fetch. Default 5s.
	SourceTimeout time.Duration

	// RoundTimeout bounds the whole round. Default 10s.
	RoundTimeout time.Duration

	// OutlierFactor is the maximum fractional deviation from the
	// running median before a quote is dropped. Default 0.30 (+/-30%).
	OutlierFactor float64

	// HistorySize bounds the in-memory ring buffer of past reference
	// prices. Default 64.
	HistorySize int

	// MinFetchInterval rate-limits repeated fetches of the same source,
	// guarding a public endpoint against a misconfigured short tick
	// interval. Default equal to the tick interval.
	MinFetchInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SourceTimeout == 0 {
		c.SourceTimeout = 5 * time.Second
	}
	if c.RoundTimeout == 0 {
		c.RoundTimeout = 10 * time.Second
	}
	if c.OutlierFactor == 0 {
		c.OutlierFactor = 0.30
	}
	if c.HistorySize == 0 {
		c.HistorySize = 64
	}
	if c.MinFetchInterval == 0 {
		c.MinFetchInterval = 30 * time.Second
	}
	return c
}

// Failure kinds, all retriable by the caller (spec.md §4.1 Failures).
var (
	ErrInsufficientSources = fmt.Errorf("priceagg: insufficient surviving sources")
	ErrRoundTimeout        = fmt.Errorf("priceagg: round timed out")
	ErrAllSourcesFailed    = fmt.Errorf("priceagg: all sources failed")
)

// Aggregator fetches N exchange price feeds in parallel and combines them
// into a single reference price (spec.md §4.1).
type Aggregator struct {
	cfg     Config
	sources []SourceDescriptor
	client  *http.Client
	history *history

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New constructs an Aggregator over the given source descriptors. At least
// five sources is the design default (spec.md §4.1); the aggregator itself
// is parameterized over N.
func New(sources []SourceDescriptor, cfg Config) *Aggregator {
	cfg = cfg.withDefaults()
	return &Aggregator{
		cfg:     cfg,
		sources: sources,
		client:  &http.Client{},
		history: newHistory(cfg.HistorySize),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (a *Aggregator) limiterFor(name string) *rate.Limiter {
	a.limiterMu.Lock()
	defer a.limiterMu.Unlock()

	l, ok := a.limiters[name]
	if !ok {
		l = rate.NewLimiter(rate.Every(a.cfg.MinFetchInterval), 1)
		a.limiters[name] = l
	}
	return l
}

// FetchReferencePrice triggers one aggregation round (spec.md §4.1
// fetch_reference_price).
func (a *Aggregator) FetchReferencePrice(ctx context.Context) (ReferencePrice, error) {
	roundCtx, cancel := context.WithTimeout(ctx, a.cfg.RoundTimeout)
	defer cancel()

	quotes := a.fetchAll(roundCtx)

	survivors := rejectOutliers(quotes, a.cfg.OutlierFactor)

	n := len(a.sources)
	quorum := (n + 1) / 2 // ceil(n/2)
	if len(survivors) < quorum {
		if roundCtx.Err() == context.DeadlineExceeded {
			return ReferencePrice{}, ErrRoundTimeout
		}
		if allFailed(quotes) {
			return ReferencePrice{}, ErrAllSourcesFailed
		}
		return ReferencePrice{}, ErrInsufficientSources
	}

	value := medianOf(survivors)

	names := make([]string, 0, len(survivors))
	for _, s := range survivors {
		names = append(names, s.name)
	}

	rp := ReferencePrice{
		Value:      value,
		ObservedAt: time.Now(),
		Sources:    names,
		Quotes:     quotes,
	}
	a.history.push(rp)

	return rp, nil
}

// History returns up to n most recent reference prices, newest first.
func (a *Aggregator) History(n int) []ReferencePrice {
	return a.history.Recent(n)
}

type survivor struct {
	name  string
	value stability.Price
}

// fetchAll issues every source's request concurrently, using errgroup to
// fan out and await.
func (a *Aggregator) fetchAll(ctx context.Context) []Quote {
	quotes := make([]Quote, len(a.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range a.sources {
		i, src := i, src
		g.Go(func() error {
			limiter := a.limiterFor(src.Name)
			if err := limiter.Wait(gctx); err != nil {
				quotes[i] = Quote{Source: src.Name, Err: err}
				return nil
			}

			srcCtx, cancel := context.WithTimeout(gctx, a.cfg.SourceTimeout)
			defer cancel()

			val, err := fetchQuote(srcCtx, a.client, src)
			if err != nil {
				quotes[i] = Quote{Source: src.Name, Err: err}
				return nil
			}
			quotes[i] = Quote{Source: src.Name, Value: stability.PriceFromFloat(val)}
			return nil
		})
	}
	// errgroup's member functions never return an error themselves
	// (failures are recorded per-quote instead), so the only error Wait
	// can surface is round-timeout/cancellation; callers distinguish
	// that case via quorum math rather than this return value.
	_ = g.Wait()

	return quotes
}

// rejectOutliers drops sources whose quote deviates from the median of
// every successful quote in the round by more than factor (spec.md §4.1
// step 3). The median is taken over the whole round before any quote is
// judged, so a single mispriced feed cannot anchor it, wherever that feed
// sits in source-descriptor order.
func rejectOutliers(quotes []Quote, factor float64) []survivor {
	var values []stability.Price
	for _, q := range quotes {
		if q.Err == nil {
			values = append(values, q.Value)
		}
	}
	median := medianValues(values)

	var accepted []survivor
	for _, q := range quotes {
		if q.Err != nil {
			continue
		}

		deviation := float64(q.Value-median) / float64(median)
		if deviation < 0 {
			deviation = -deviation
		}
		if deviation > factor {
			continue
		}

		accepted = append(accepted, survivor{q.Source, q.Value})
	}

	return accepted
}

func medianOf(s []survivor) stability.Price {
	vals := make([]stability.Price, len(s))
	for i, x := range s {
		vals[i] = x.value
	}
	return medianValues(vals)
}

// medianValues returns the median (for even counts, the arithmetic mean of
// the two middle values, per spec.md §4.1 step 5).
func medianValues(vals []stability.Price) stability.Price {
	sorted := append([]stability.Price(nil), vals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func allFailed(quotes []Quote) bool {
	for _, q := range quotes {
		if q.Err == nil {
			return false
		}
	}
	return true
}
