package book

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// State is the live book for one token: both sides, the last trade, and the
// derived top-of-book fields, which are recomputed after every mutation.
//
// State is not safe for concurrent use.
type State struct {
	tokenID string
	bids    *PriceLevels
	asks    *PriceLevels

	lastTrade   *LastTrade
	source      Source
	meta        Meta
	lastUpdated time.Time
	stale       bool

	bestBid  decimal.NullDecimal
	bestAsk  decimal.NullDecimal
	spread   decimal.NullDecimal
	totalBid decimal.Decimal
	totalAsk decimal.Decimal
}

// NewState returns an empty book for tokenID.
func NewState(tokenID string) *State {
	return &State{
		tokenID:  tokenID,
		bids:     NewPriceLevels(Bid),
		asks:     NewPriceLevels(Ask),
		source:   SourceMerged,
		totalBid: decimal.Zero,
		totalAsk: decimal.Zero,
	}
}

// TokenID returns the asset this book belongs to.
func (s *State) TokenID() string { return s.tokenID }

// Bids returns the bid side. Callers must not retain it past the lock that
// guards s.
func (s *State) Bids() *PriceLevels { return s.bids }

// Asks returns the ask side.
func (s *State) Asks() *PriceLevels { return s.asks }

// Source reports whether the levels came straight from REST or have been
// touched by the stream since.
func (s *State) Source() Source { return s.source }

// Stale reports whether the book was marked stale and has not been refreshed.
func (s *State) Stale() bool { return s.stale }

// MarkStale flags the book as possibly out of date. The next snapshot or
// delta clears it.
func (s *State) MarkStale() { s.stale = true }

// SetFromRest replaces both sides wholesale. Any state built from earlier
// deltas is discarded: the snapshot is the authority at the moment it lands.
func (s *State) SetFromRest(bids, asks []Level, meta Meta, at time.Time) {
	s.replace(bids, asks, meta, at)
	s.source = SourceRest
}

// Apply mutates the book according to d.
func (s *State) Apply(d Delta, at time.Time) error {
	switch d.Kind {
	case LevelUpdate:
		var side *PriceLevels
		switch d.Side {
		case Bid:
			side = s.bids
		case Ask:
			side = s.asks
		default:
			return fmt.Errorf("%w: side %d", ErrUnknownDelta, d.Side)
		}
		side.Upsert(d.Price, d.Size)
		s.source = SourceMerged
		s.recompute()
	case TradeTick:
		ts := d.Timestamp
		if ts.IsZero() {
			ts = at
		}
		s.lastTrade = &LastTrade{Price: d.Price, Size: d.Size, Side: d.TradeSide, Timestamp: ts}
	case BookReplace:
		s.replace(d.Bids, d.Asks, s.meta.mergeFeed(d.Meta), at)
		s.source = SourceMerged
	default:
		return fmt.Errorf("%w: kind %d", ErrUnknownDelta, d.Kind)
	}
	s.lastUpdated = at
	s.stale = false
	return nil
}

func (s *State) replace(bids, asks []Level, meta Meta, at time.Time) {
	s.bids.Reset(bids)
	s.asks.Reset(asks)
	s.meta = meta
	s.lastUpdated = at
	s.stale = false
	s.recompute()
}

func (s *State) recompute() {
	s.bestBid = decimal.NullDecimal{}
	s.bestAsk = decimal.NullDecimal{}
	s.spread = decimal.NullDecimal{}

	if l, ok := s.bids.Best(); ok {
		s.bestBid = decimal.NewNullDecimal(l.Price)
	}
	if l, ok := s.asks.Best(); ok {
		s.bestAsk = decimal.NewNullDecimal(l.Price)
	}
	if s.bestBid.Valid && s.bestAsk.Valid {
		s.spread = decimal.NewNullDecimal(s.bestAsk.Decimal.Sub(s.bestBid.Decimal))
	}
	s.totalBid = s.bids.TotalSize()
	s.totalAsk = s.asks.TotalSize()
}

// Quote returns the derived top-of-book.
func (s *State) Quote() Quote {
	return Quote{
		TokenID:   s.tokenID,
		BestBid:   s.bestBid,
		BestAsk:   s.bestAsk,
		Spread:    s.spread,
		Timestamp: s.lastUpdated,
	}
}

// Snapshot is an immutable copy of a State for readers outside the lock.
type Snapshot struct {
	TokenID      string              `json:"token_id"`
	Bids         []Level             `json:"bids"`
	Asks         []Level             `json:"asks"`
	BestBid      decimal.NullDecimal `json:"best_bid"`
	BestAsk      decimal.NullDecimal `json:"best_ask"`
	Spread       decimal.NullDecimal `json:"spread"`
	TotalBidSize decimal.Decimal     `json:"total_bid_size"`
	TotalAskSize decimal.Decimal     `json:"total_ask_size"`
	LastTrade    *LastTrade          `json:"last_trade,omitempty"`
	Source       Source              `json:"source"`
	Meta         Meta                `json:"meta"`
	LastUpdated  time.Time           `json:"last_updated"`
	Stale        bool                `json:"stale"`
}

// Quote returns the top-of-book carried in the snapshot.
func (sn Snapshot) Quote() Quote {
	return Quote{
		TokenID:   sn.TokenID,
		BestBid:   sn.BestBid,
		BestAsk:   sn.BestAsk,
		Spread:    sn.Spread,
		Timestamp: sn.LastUpdated,
	}
}

// Snapshot copies the book, keeping up to depth levels per side
// (depth <= 0 keeps all). Totals always cover the full book.
func (s *State) Snapshot(depth int) Snapshot {
	var lt *LastTrade
	if s.lastTrade != nil {
		cp := *s.lastTrade
		lt = &cp
	}
	return Snapshot{
		TokenID:      s.tokenID,
		Bids:         s.bids.Levels(depth),
		Asks:         s.asks.Levels(depth),
		BestBid:      s.bestBid,
		BestAsk:      s.bestAsk,
		Spread:       s.spread,
		TotalBidSize: s.totalBid,
		TotalAskSize: s.totalAsk,
		LastTrade:    lt,
		Source:       s.source,
		Meta:         s.meta,
		LastUpdated:  s.lastUpdated,
		Stale:        s.stale,
	}
}
