package book

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// PriceLevels is one side of a token's book: a set of levels keyed by price
// and kept in display order, so the first item is always the best quote.
// Bids sort descending, asks ascending.
//
// PriceLevels is not safe for concurrent use; the owning State is guarded by
// its store.
type PriceLevels struct {
	side Side
	less func(a, b Level) bool
	tree *btree.BTreeG[Level]
}

// NewPriceLevels returns an empty side ordered for s.
func NewPriceLevels(s Side) *PriceLevels {
	less := func(a, b Level) bool { return a.Price.LessThan(b.Price) }
	if s == Bid {
		less = func(a, b Level) bool { return a.Price.GreaterThan(b.Price) }
	}
	pl := &PriceLevels{side: s, less: less}
	pl.tree = pl.newTree()
	return pl
}

func (pl *PriceLevels) newTree() *btree.BTreeG[Level] {
	return btree.NewBTreeGOptions(pl.less, btree.Options{NoLocks: true})
}

// Side returns which half of the book this is.
func (pl *PriceLevels) Side() Side { return pl.side }

// Upsert sets the absolute size at price. A size of zero (or a negative size
// from a bad feed) removes the level; removing an absent price is a no-op.
func (pl *PriceLevels) Upsert(price, size decimal.Decimal) {
	if size.Sign() <= 0 {
		pl.tree.Delete(Level{Price: price})
		return
	}
	pl.tree.Set(Level{Price: price, Size: size})
}

// Get returns the level at price, if present.
func (pl *PriceLevels) Get(price decimal.Decimal) (Level, bool) {
	return pl.tree.Get(Level{Price: price})
}

// Best returns the top of the side.
func (pl *PriceLevels) Best() (Level, bool) {
	return pl.tree.Min()
}

// Len returns the number of present levels.
func (pl *PriceLevels) Len() int { return pl.tree.Len() }

// TotalSize sums the size of every level.
func (pl *PriceLevels) TotalSize() decimal.Decimal {
	total := decimal.Zero
	pl.tree.Scan(func(l Level) bool {
		total = total.Add(l.Size)
		return true
	})
	return total
}

// Levels returns up to depth levels best-first. depth <= 0 returns all.
func (pl *PriceLevels) Levels(depth int) []Level {
	n := pl.tree.Len()
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]Level, 0, n)
	pl.tree.Scan(func(l Level) bool {
		if len(out) == n {
			return false
		}
		out = append(out, l)
		return true
	})
	return out
}

// Reset discards every level and loads levels in their place. Duplicate
// prices resolve last-wins; zero sizes are skipped.
func (pl *PriceLevels) Reset(levels []Level) {
	pl.tree = pl.newTree()
	for _, l := range levels {
		pl.Upsert(l.Price, l.Size)
	}
}
