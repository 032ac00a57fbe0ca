package quotes

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/advisorly/marketgate/internal/instrument"
	"github.com/advisorly/marketgate/internal/provider"
)

// ErrPremiumUnavailable is returned when no option-chain rung matches the
// requested contract.
var ErrPremiumUnavailable = errors.New("option premium unavailable")

// strikeMatchEpsilon tolerates float drift when matching ladder strikes.
const strikeMatchEpsilon = 1e-3

// Request identifies one instrument in a bulk fetch.
type Request struct {
	Symbol string
	Kind   instrument.Kind
}

// Gateway resolves instruments, fetches quotes from the provider and keeps
// the TTL cache warm. Callers must treat an absent bulk entry as "price
// unknown", not as an error.
type Gateway struct {
	client      provider.Client
	cache       *Cache
	batchSize   int
	maxParallel int
	logger      *logrus.Logger
	now         func() time.Time
}

// NewGateway creates a quote gateway.
func NewGateway(client provider.Client, cache *Cache, batchSize, maxParallel int,
	logger *logrus.Logger) *Gateway {
	if batchSize <= 0 {
		batchSize = 50
	}
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Gateway{
		client:      client,
		cache:       cache,
		batchSize:   batchSize,
		maxParallel: maxParallel,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock overrides the wall clock, for tests.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Cache exposes the underlying cache (status surface, invalidation hook).
func (g *Gateway) Cache() *Cache {
	return g.cache
}

// GetQuote returns the snapshot for one instrument, served from cache while
// fresh. Provider failure surfaces as an error; callers decide whether
// "price unknown" is fatal for them.
func (g *Gateway) GetQuote(ctx context.Context, symbol string, kind instrument.Kind) (*Snapshot, error) {
	if snap, ok := g.cache.Get(symbol, kind); ok {
		return &snap, nil
	}

	res := instrument.Resolve(symbol, kind)
	q, err := g.client.GetQuote(ctx, res.Exchange, res.Segment, res.Symbol)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", res.Key(), err)
	}

	snap := g.snapshotFromQuote(*q)
	g.cache.Put(symbol, kind, snap)
	return &snap, nil
}

// GetBulkQuotes fetches snapshots for many instruments. Requests are grouped
// by resolved segment, batched at the provider ceiling, and each batch issues
// its last-price and OHLC calls in parallel before joining by exchange:symbol
// key. A failed batch contributes no entries rather than failing the call.
func (g *Gateway) GetBulkQuotes(ctx context.Context, reqs []Request) map[string]Snapshot {
	out := make(map[string]Snapshot, len(reqs))

	// Serve what the cache already has; only misses go to the provider.
	type pending struct {
		req Request
		res instrument.Resolved
	}
	bySegment := make(map[string][]pending)
	for _, r := range reqs {
		if snap, ok := g.cache.Get(r.Symbol, r.Kind); ok {
			out[r.Symbol] = snap
			continue
		}
		res := instrument.Resolve(r.Symbol, r.Kind)
		bySegment[res.Segment] = append(bySegment[res.Segment], pending{req: r, res: res})
	}

	type batchResult struct {
		items []pending
		ltp   map[string]float64
		ohlc  map[string]provider.OHLC
	}

	var (
		mu        sync.Mutex
		collected []batchResult
	)
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.maxParallel)

	for segment, items := range bySegment {
		for start := 0; start < len(items); start += g.batchSize {
			end := start + g.batchSize
			if end > len(items) {
				end = len(items)
			}
			batch := items[start:end]
			segment := segment

			grp.Go(func() error {
				keys := make([]string, len(batch))
				for i, p := range batch {
					keys[i] = p.res.Key()
				}

				var (
					ltp  map[string]float64
					ohlc map[string]provider.OHLC
				)
				pair, pctx := errgroup.WithContext(gctx)
				pair.Go(func() error {
					var err error
					ltp, err = g.client.GetBulkLTP(pctx, segment, keys)
					return err
				})
				pair.Go(func() error {
					var err error
					ohlc, err = g.client.GetBulkOHLC(pctx, segment, keys)
					return err
				})
				if err := pair.Wait(); err != nil {
					// Partial failure tolerated: this batch just contributes nothing.
					g.logger.WithError(err).WithField("segment", segment).
						Warn("bulk quote batch failed")
					return nil
				}
				mu.Lock()
				collected = append(collected, batchResult{items: batch, ltp: ltp, ohlc: ohlc})
				mu.Unlock()
				return nil
			})
		}
	}

	_ = grp.Wait() // batch errors are swallowed above

	for _, r := range collected {
		for _, p := range r.items {
			last, ok := r.ltp[p.res.Key()]
			if !ok {
				continue
			}
			snap := g.joinSnapshot(p.res, last, r.ohlc[p.res.Key()])
			g.cache.Put(p.req.Symbol, p.req.Kind, snap)
			out[p.req.Symbol] = snap
		}
	}
	return out
}

// GetBulkOHLC fetches daily reference bars for the commodity/indices path,
// keyed by raw symbol. Failed batches degrade to absent entries.
func (g *Gateway) GetBulkOHLC(ctx context.Context, reqs []Request) map[string]provider.OHLC {
	out := make(map[string]provider.OHLC, len(reqs))

	bySegment := make(map[string][]instrument.Resolved)
	keyToSymbol := make(map[string]string, len(reqs))
	for _, r := range reqs {
		res := instrument.Resolve(r.Symbol, r.Kind)
		bySegment[res.Segment] = append(bySegment[res.Segment], res)
		keyToSymbol[res.Key()] = r.Symbol
	}

	var mu sync.Mutex

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.maxParallel)
	for segment, items := range bySegment {
		for start := 0; start < len(items); start += g.batchSize {
			end := start + g.batchSize
			if end > len(items) {
				end = len(items)
			}
			batch := items[start:end]
			segment := segment

			grp.Go(func() error {
				keys := make([]string, len(batch))
				for i, res := range batch {
					keys[i] = res.Key()
				}
				bars, err := g.client.GetBulkOHLC(gctx, segment, keys)
				if err != nil {
					g.logger.WithError(err).WithField("segment", segment).
						Warn("bulk ohlc batch failed")
					return nil
				}
				mu.Lock()
				for key, bar := range bars {
					if sym, ok := keyToSymbol[key]; ok {
						out[sym] = bar
					}
				}
				mu.Unlock()
				return nil
			})
		}
	}
	_ = grp.Wait()
	return out
}

// OptionPremium resolves the current premium for an exact option contract:
// expiries for the contract's month, then the strike ladder for the matching
// expiry, then the rung with the contract's strike and right.
func (g *Gateway) OptionPremium(ctx context.Context, c instrument.Contract) (float64, error) {
	if !c.IsOption {
		return 0, fmt.Errorf("not an option contract")
	}

	expiries, err := g.client.GetExpiries(ctx, c.Underlying, c.Expiry)
	if err != nil {
		return 0, fmt.Errorf("expiries %s: %w", c.Underlying, err)
	}
	want := c.Expiry.Format("2006-01-02")
	found := false
	for _, e := range expiries {
		if e == want {
			found = true
			break
		}
	}
	if !found {
		return 0, fmt.Errorf("%w: expiry %s not listed for %s", ErrPremiumUnavailable, want, c.Underlying)
	}

	ladder, err := g.client.GetOptionChain(ctx, c.Underlying, want)
	if err != nil {
		return 0, fmt.Errorf("option chain %s %s: %w", c.Underlying, want, err)
	}
	for _, rung := range ladder {
		if rung.Right == string(c.Right) && math.Abs(rung.Strike-c.Strike) <= strikeMatchEpsilon {
			if rung.LastPrice > 0 {
				return rung.LastPrice, nil
			}
			// Thinly traded rungs may have no prints; fall back to mid.
			if rung.Bid > 0 || rung.Ask > 0 {
				return (rung.Bid + rung.Ask) / 2, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: strike %.2f %s", ErrPremiumUnavailable, c.Strike, c.Right)
}

func (g *Gateway) snapshotFromQuote(q provider.Quote) Snapshot {
	return Snapshot{
		Symbol:        q.Symbol,
		Exchange:      q.Exchange,
		LastPrice:     q.LastPrice,
		Change:        q.Change,
		ChangePercent: q.ChangePercent,
		High:          q.High,
		Low:           q.Low,
		Open:          q.Open,
		PrevClose:     q.PrevClose,
		ObservedAtMs:  g.now().UnixMilli(),
	}
}

func (g *Gateway) joinSnapshot(res instrument.Resolved, last float64, bar provider.OHLC) Snapshot {
	snap := Snapshot{
		Symbol:       res.Symbol,
		Exchange:     res.Exchange,
		LastPrice:    last,
		High:         bar.High,
		Low:          bar.Low,
		Open:         bar.Open,
		PrevClose:    bar.Close,
		ObservedAtMs: g.now().UnixMilli(),
	}
	if snap.PrevClose != 0 {
		snap.Change = snap.LastPrice - snap.PrevClose
		snap.ChangePercent = snap.Change / snap.PrevClose * 100
	}
	return snap
}
