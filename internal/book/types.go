package book

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies one half of an order book.
type Side uint8

const (
	Bid Side = iota + 1
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// TradeSide is the aggressor side reported on a trade tick.
type TradeSide string

const (
	Buy  TradeSide = "BUY"
	Sell TradeSide = "SELL"
)

// Source records where the current level set came from.
type Source string

const (
	SourceRest   Source = "rest"
	SourceMerged Source = "merged"
)

// Level is a single aggregated price level. Prices and sizes stay decimal so
// that presence decisions (size == 0) are exact.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// ParseLevel converts the exchange's string pair into a Level.
func ParseLevel(price, size string) (Level, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return Level{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	s, err := decimal.NewFromString(size)
	if err != nil {
		return Level{}, fmt.Errorf("parse size %q: %w", size, err)
	}
	return Level{Price: p, Size: s}, nil
}

// MustLevel is ParseLevel for literals known to be valid.
func MustLevel(price, size string) Level {
	l, err := ParseLevel(price, size)
	if err != nil {
		panic(err)
	}
	return l
}

// LastTrade is the most recent trade tick for a token.
type LastTrade struct {
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      TradeSide       `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}

// Meta is exchange metadata carried alongside a book. The store never
// interprets it; it is passed through to readers untouched.
type Meta struct {
	Market       string    `json:"market,omitempty"`
	Hash         string    `json:"hash,omitempty"`
	TickSize     string    `json:"tick_size,omitempty"`
	MinOrderSize string    `json:"min_order_size,omitempty"`
	NegRisk      bool      `json:"neg_risk"`
	Timestamp    time.Time `json:"timestamp"`
}

// mergeFeed overlays the fields a feed book event carries onto m. Tick size,
// min order size and neg risk only come from REST and are kept.
func (m Meta) mergeFeed(feed Meta) Meta {
	if feed.Market != "" {
		m.Market = feed.Market
	}
	if feed.TickSize != "" {
		m.TickSize = feed.TickSize
	}
	if feed.MinOrderSize != "" {
		m.MinOrderSize = feed.MinOrderSize
	}
	m.Hash = feed.Hash
	m.Timestamp = feed.Timestamp
	return m
}

// RestSnapshot is a full point-in-time book as returned by the REST endpoint.
type RestSnapshot struct {
	TokenID string
	Bids    []Level
	Asks    []Level
	Meta    Meta
}

// Quote is the derived top-of-book for a token.
type Quote struct {
	TokenID   string              `json:"token_id"`
	BestBid   decimal.NullDecimal `json:"best_bid"`
	BestAsk   decimal.NullDecimal `json:"best_ask"`
	Spread    decimal.NullDecimal `json:"spread"`
	Timestamp time.Time           `json:"timestamp"`
}

// Midpoint returns (bid+ask)/2 when both sides are quoted.
func (q Quote) Midpoint() decimal.NullDecimal {
	if !q.BestBid.Valid || !q.BestAsk.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(q.BestBid.Decimal.Add(q.BestAsk.Decimal).Div(decimal.NewFromInt(2)))
}

// Crossed reports whether the best bid is at or above the best ask. Crossed
// books are tolerated; callers decide how to surface them.
func (q Quote) Crossed() bool {
	return q.BestBid.Valid && q.BestAsk.Valid && q.BestBid.Decimal.GreaterThanOrEqual(q.BestAsk.Decimal)
}
