package book

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.UnixMilli(1700000000000)

func levelDelta(tok string, side Side, price, size string) Delta {
	return Delta{Kind: LevelUpdate, TokenID: tok, Side: side, Price: dec(price), Size: dec(size)}
}

func TestState_WalkthroughScenario(t *testing.T) {
	st := NewState("tok")
	st.SetFromRest(
		[]Level{MustLevel("0.45", "100")},
		[]Level{MustLevel("0.47", "50")},
		Meta{}, t0,
	)

	q := st.Quote()
	assert.Equal(t, "0.45", q.BestBid.Decimal.String())
	assert.Equal(t, "0.47", q.BestAsk.Decimal.String())
	assert.Equal(t, "0.02", q.Spread.Decimal.String())
	assert.Equal(t, SourceRest, st.Source())

	require.NoError(t, st.Apply(levelDelta("tok", Bid, "0.46", "30"), t0.Add(time.Second)))
	q = st.Quote()
	assert.Equal(t, "0.46", q.BestBid.Decimal.String())
	assert.Equal(t, "0.01", q.Spread.Decimal.String())

	require.NoError(t, st.Apply(levelDelta("tok", Bid, "0.46", "0"), t0.Add(2*time.Second)))
	q = st.Quote()
	assert.Equal(t, "0.45", q.BestBid.Decimal.String())
	assert.Equal(t, "0.02", q.Spread.Decimal.String())
}

func TestState_SnapshotIdempotent(t *testing.T) {
	bids := []Level{MustLevel("0.40", "10"), MustLevel("0.39", "20")}
	asks := []Level{MustLevel("0.42", "5")}

	st := NewState("tok")
	st.SetFromRest(bids, asks, Meta{}, t0)
	first := st.Snapshot(0)

	st.SetFromRest(bids, asks, Meta{}, t0.Add(time.Minute))
	second := st.Snapshot(0)

	assert.Equal(t, first.BestBid, second.BestBid)
	assert.Equal(t, first.BestAsk, second.BestAsk)
	assert.Equal(t, first.Spread, second.Spread)
	assert.Equal(t, first.Bids, second.Bids)
	assert.Equal(t, first.Asks, second.Asks)
}

func TestState_SnapshotSupersedesDeltas(t *testing.T) {
	st := NewState("tok")
	require.NoError(t, st.Apply(levelDelta("tok", Bid, "0.30", "10"), t0))
	require.NoError(t, st.Apply(levelDelta("tok", Ask, "0.70", "10"), t0))
	require.NoError(t, st.Apply(levelDelta("tok", Bid, "0.31", "4"), t0))

	st.SetFromRest(
		[]Level{MustLevel("0.50", "1")},
		[]Level{MustLevel("0.55", "2"), MustLevel("0.56", "3")},
		Meta{}, t0.Add(time.Second),
	)

	sn := st.Snapshot(0)
	require.Len(t, sn.Bids, 1)
	require.Len(t, sn.Asks, 2)
	assert.Equal(t, "0.5", sn.Bids[0].Price.String())
	assert.Equal(t, "0.55", sn.Asks[0].Price.String())
	assert.Equal(t, "0.56", sn.Asks[1].Price.String())
	assert.Equal(t, "1", sn.TotalBidSize.String())
	assert.Equal(t, "5", sn.TotalAskSize.String())
	assert.Equal(t, SourceRest, sn.Source)
}

func TestState_DeltaOnEmptyBook(t *testing.T) {
	st := NewState("fresh")
	require.NoError(t, st.Apply(levelDelta("fresh", Ask, "0.61", "9"), t0))

	sn := st.Snapshot(0)
	assert.Empty(t, sn.Bids)
	require.Len(t, sn.Asks, 1)
	assert.False(t, sn.BestBid.Valid)
	assert.True(t, sn.BestAsk.Valid)
	assert.False(t, sn.Spread.Valid)
	assert.Equal(t, SourceMerged, sn.Source)
}

func TestState_TradeTickLeavesLevels(t *testing.T) {
	st := NewState("tok")
	st.SetFromRest([]Level{MustLevel("0.45", "100")}, nil, Meta{}, t0)

	tick := Delta{
		Kind: TradeTick, TokenID: "tok", TradeSide: Sell,
		Price: dec("0.45"), Size: dec("25"), Timestamp: t0.Add(time.Second),
	}
	require.NoError(t, st.Apply(tick, t0.Add(2*time.Second)))

	sn := st.Snapshot(0)
	require.NotNil(t, sn.LastTrade)
	assert.Equal(t, Sell, sn.LastTrade.Side)
	assert.Equal(t, "25", sn.LastTrade.Size.String())
	assert.Equal(t, t0.Add(time.Second), sn.LastTrade.Timestamp)
	require.Len(t, sn.Bids, 1)
	assert.Equal(t, "100", sn.Bids[0].Size.String())
	assert.Equal(t, SourceRest, sn.Source)
}

func TestState_BookReplaceTagsMerged(t *testing.T) {
	st := NewState("tok")
	st.SetFromRest([]Level{MustLevel("0.45", "100")}, nil, Meta{TickSize: "0.01"}, t0)

	require.NoError(t, st.Apply(Delta{
		Kind: BookReplace, TokenID: "tok",
		Bids: []Level{MustLevel("0.44", "3")},
		Asks: []Level{MustLevel("0.48", "4")},
		Meta: Meta{Hash: "0xabc"},
	}, t0.Add(time.Second)))

	sn := st.Snapshot(0)
	assert.Equal(t, SourceMerged, sn.Source)
	assert.Equal(t, "0.44", sn.BestBid.Decimal.String())
	assert.Equal(t, "0.04", sn.Spread.Decimal.String())
	assert.Equal(t, "0xabc", sn.Meta.Hash)
	assert.Equal(t, "0.01", sn.Meta.TickSize)
}

func TestState_CrossedBookTolerated(t *testing.T) {
	st := NewState("tok")
	st.SetFromRest(
		[]Level{MustLevel("0.60", "1")},
		[]Level{MustLevel("0.55", "1")},
		Meta{}, t0,
	)

	q := st.Quote()
	assert.True(t, q.Crossed())
	assert.Equal(t, "-0.05", q.Spread.Decimal.String())
}

func TestState_StaleClearedByAnyUpdate(t *testing.T) {
	st := NewState("tok")
	st.SetFromRest([]Level{MustLevel("0.45", "100")}, nil, Meta{}, t0)

	st.MarkStale()
	assert.True(t, st.Snapshot(0).Stale)

	require.NoError(t, st.Apply(Delta{Kind: TradeTick, TokenID: "tok", Price: dec("0.45"), Size: dec("1"), TradeSide: Buy}, t0))
	assert.False(t, st.Stale())
}

func TestState_UnknownDelta(t *testing.T) {
	st := NewState("tok")
	err := st.Apply(Delta{Kind: DeltaKind(42)}, t0)
	assert.True(t, errors.Is(err, ErrUnknownDelta))

	err = st.Apply(Delta{Kind: LevelUpdate, Price: dec("0.1"), Size: dec("1")}, t0)
	assert.True(t, errors.Is(err, ErrUnknownDelta))
}

func TestState_SnapshotDepthKeepsTotals(t *testing.T) {
	st := NewState("tok")
	st.SetFromRest(
		[]Level{MustLevel("0.40", "1"), MustLevel("0.39", "2"), MustLevel("0.38", "3")},
		nil, Meta{}, t0,
	)

	sn := st.Snapshot(1)
	require.Len(t, sn.Bids, 1)
	assert.Equal(t, "0.4", sn.Bids[0].Price.String())
	assert.Equal(t, "6", sn.TotalBidSize.String())
}

func TestQuote_Midpoint(t *testing.T) {
	st := NewState("tok")
	st.SetFromRest([]Level{MustLevel("0.45", "1")}, []Level{MustLevel("0.47", "1")}, Meta{}, t0)
	assert.Equal(t, "0.46", st.Quote().Midpoint().Decimal.String())

	empty := NewState("none").Quote()
	assert.False(t, empty.Midpoint().Valid)
}

func TestState_BookReplaceKeepsRestOnlyMeta(t *testing.T) {
	st := NewState("tok")
	st.SetFromRest([]Level{MustLevel("0.45", "100")}, nil,
		Meta{Market: "0xmarket", NegRisk: true, TickSize: "0.01", MinOrderSize: "5"}, t0)

	require.NoError(t, st.Apply(Delta{
		Kind: BookReplace, TokenID: "tok",
		Bids: []Level{MustLevel("0.44", "3")},
		Meta: Meta{Hash: "0xdef", Timestamp: t0.Add(time.Second)},
	}, t0.Add(time.Second)))

	m := st.Snapshot(0).Meta
	assert.True(t, m.NegRisk)
	assert.Equal(t, "0.01", m.TickSize)
	assert.Equal(t, "5", m.MinOrderSize)
	assert.Equal(t, "0xmarket", m.Market)
	assert.Equal(t, "0xdef", m.Hash)
	assert.Equal(t, t0.Add(time.Second), m.Timestamp)
}
