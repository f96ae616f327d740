package store

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// historyLimit bounds how many points are retained per symbol, enough for
// an hourly refresh job to cover several weeks without unbounded growth.
const historyLimit = 500

// PricePoint is one timestamped observation in a symbol's price history.
type PricePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
}

// PriceCache is a read-mostly in-memory cache of the latest known market
// price per symbol, plus a bounded history used to serve chart data. It is
// written solely by the market-data refresh job; all other callers only
// read. Every write (Set updates one entry, SetAll replaces the whole map)
// happens under the write lock, so readers never see a half-applied update.
type PriceCache struct {
	mu      sync.RWMutex
	prices  map[string]decimal.Decimal
	history map[string][]PricePoint
}

// NewPriceCache returns an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: map[string]decimal.Decimal{}, history: map[string][]PricePoint{}}
}

// Set replaces the cached price for symbol and appends a history point.
func (c *PriceCache) Set(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	norm := NormalizeSymbol(symbol)
	c.prices[norm] = price
	c.appendHistoryLocked(norm, price, time.Now())
}

// SetAll atomically replaces the whole price map, used by the refresh job
// to publish a new consistent snapshot in one step, and records a history
// point per symbol at the same timestamp.
func (c *PriceCache) SetAll(prices map[string]decimal.Decimal) {
	next := make(map[string]decimal.Decimal, len(prices))
	for symbol, price := range prices {
		next[NormalizeSymbol(symbol)] = price
	}
	now := time.Now()
	c.mu.Lock()
	c.prices = next
	for symbol, price := range next {
		c.appendHistoryLocked(symbol, price, now)
	}
	c.mu.Unlock()
}

func (c *PriceCache) appendHistoryLocked(symbol string, price decimal.Decimal, at time.Time) {
	points := append(c.history[symbol], PricePoint{Timestamp: at, Price: price})
	if len(points) > historyLimit {
		points = points[len(points)-historyLimit:]
	}
	c.history[symbol] = points
}

// History returns the retained price points for symbol at or after since,
// oldest first.
func (c *PriceCache) History(symbol string, since time.Time) []PricePoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	points := c.history[NormalizeSymbol(symbol)]
	out := make([]PricePoint, 0, len(points))
	for _, p := range points {
		if !p.Timestamp.Before(since) {
			out = append(out, p)
		}
	}
	return out
}

// Get returns the cached price for symbol and whether it was found.
func (c *PriceCache) Get(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[NormalizeSymbol(symbol)]
	return p, ok
}

// Snapshot returns a copy of the full symbol -> price map.
func (c *PriceCache) Snapshot() map[string]decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(c.prices))
	for k, v := range c.prices {
		out[k] = v
	}
	return out
}
