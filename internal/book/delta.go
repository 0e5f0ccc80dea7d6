package book

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownDelta is returned by Apply for a Delta whose Kind or Side is not
// recognised.
var ErrUnknownDelta = errors.New("book: unknown delta")

// DeltaKind distinguishes the three incremental message shapes the feed
// delivers.
type DeltaKind uint8

const (
	// LevelUpdate sets the absolute size at one price on one side.
	LevelUpdate DeltaKind = iota + 1
	// TradeTick records a trade. It never touches levels.
	TradeTick
	// BookReplace is a full book pushed by the feed to correct drift.
	BookReplace
)

func (k DeltaKind) String() string {
	switch k {
	case LevelUpdate:
		return "level_update"
	case TradeTick:
		return "trade_tick"
	case BookReplace:
		return "book_replace"
	default:
		return "unknown"
	}
}

// Delta is one incremental update for a single token. Which fields are
// meaningful depends on Kind:
//
//	LevelUpdate: Side, Price, Size
//	TradeTick:   TradeSide, Price, Size
//	BookReplace: Bids, Asks, Meta
type Delta struct {
	Kind      DeltaKind
	TokenID   string
	Side      Side
	TradeSide TradeSide
	Price     decimal.Decimal
	Size      decimal.Decimal
	Bids      []Level
	Asks      []Level
	Meta      Meta
	Timestamp time.Time
}
