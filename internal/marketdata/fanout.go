// Package marketdata aggregates quote streams from one source per exchange and
// fans the latest value out to subscribers. There is no buffering beyond "last
// quote per exchange"; dispatch happens synchronously on the stream callback.
package marketdata

import (
	"context"
	"fmt"
	"log"
	"sync"

	"perpgrid/internal/core"
	"perpgrid/internal/exchange"
)

// Snapshot pairs the quote that triggered dispatch with the latest quote per
// exchange at that moment.
type Snapshot struct {
	Source core.Quote
	Latest map[string]core.Quote
}

type Subscriber struct {
	// Exchanges filters dispatch; empty means all.
	Exchanges []string
	OnQuote   func(Snapshot)
}

type source struct {
	adapter exchange.Adapter
	symbol  string
	unsub   exchange.Unsubscribe
}

// Aggregator is the process-wide fan-out point.
type Aggregator struct {
	mu      sync.Mutex
	latest  map[string]core.Quote
	subs    []Subscriber
	sources []*source
	started bool
}

func NewAggregator() *Aggregator {
	return &Aggregator{latest: make(map[string]core.Quote)}
}

// AddSource registers an adapter's orderbook stream. Must be called before Start.
func (a *Aggregator) AddSource(adapter exchange.Adapter, symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources = append(a.sources, &source{adapter: adapter, symbol: symbol})
}

func (a *Aggregator) Subscribe(sub Subscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs = append(a.subs, sub)
}

func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	sources := a.sources
	a.mu.Unlock()

	for _, src := range sources {
		src := src
		unsub, err := src.adapter.SubscribeOrderbook(ctx, exchange.OrderbookSubscription{
			Symbol: src.symbol,
			OnQuote: func(q core.Quote) {
				a.onQuote(src.adapter.Name(), q)
			},
		})
		if err != nil {
			a.Stop()
			return fmt.Errorf("subscribe orderbook on %s: %w", src.adapter.Name(), err)
		}
		src.unsub = unsub
	}
	return nil
}

func (a *Aggregator) Stop() {
	a.mu.Lock()
	sources := a.sources
	a.mu.Unlock()
	for _, src := range sources {
		if src.unsub != nil {
			src.unsub()
			src.unsub = nil
		}
	}
}

// onQuote caches the quote under its own exchange tag, then dispatches. The
// source-exchange filter is applied at the subscriber boundary, after caching.
func (a *Aggregator) onQuote(sourceExchange string, q core.Quote) {
	if q.Exchange == "" {
		q.Exchange = sourceExchange
	}
	if !q.Valid() {
		log.Printf("level=WARN event=quote_discarded exchange=%s bid=%s ask=%s mark=%s",
			q.Exchange, q.Bid, q.Ask, q.Mark)
		return
	}
	a.mu.Lock()
	a.latest[q.Exchange] = q
	latest := make(map[string]core.Quote, len(a.latest))
	for k, v := range a.latest {
		latest[k] = v
	}
	subs := a.subs
	a.mu.Unlock()

	snap := Snapshot{Source: q, Latest: latest}
	for _, sub := range subs {
		if !subscriberWants(sub, q.Exchange) {
			continue
		}
		sub.OnQuote(snap)
	}
}

func subscriberWants(sub Subscriber, exchangeName string) bool {
	if len(sub.Exchanges) == 0 {
		return true
	}
	for _, e := range sub.Exchanges {
		if e == exchangeName {
			return true
		}
	}
	return false
}

// LatestQuote returns the last quote seen for an exchange.
func (a *Aggregator) LatestQuote(exchangeName string) (core.Quote, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.latest[exchangeName]
	return q, ok
}

// LatestSnapshot copies the whole latest-per-exchange map.
func (a *Aggregator) LatestSnapshot() map[string]core.Quote {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]core.Quote, len(a.latest))
	for k, v := range a.latest {
		out[k] = v
	}
	return out
}
