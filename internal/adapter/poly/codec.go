package poly

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/math"

	"github.com/caesar-terminal/booksync/internal/book"
)

var (
	ErrMalformedFrame = errors.New("poly: malformed frame")
	ErrInvalidTokenID = errors.New("poly: invalid token id")
)

// Polymarket market-channel initial subscription. Sent once per connection
// with the full asset set.
type subscribeMsg struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}

// updateMsg adds or removes assets on an open connection.
type updateMsg struct {
	AssetsIDs []string `json:"assets_ids"`
	Operation string   `json:"operation"`
}

// rawEnvelope is used for fast event-type detection before full parsing.
type rawEnvelope struct {
	EventType string `json:"event_type"`
}

// Raw Polymarket book event as received over the wire. Older feeds name the
// sides buys/sells.
type rawBookEvent struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	Bids      []rawPriceLevel `json:"bids"`
	Asks      []rawPriceLevel `json:"asks"`
	Buys      []rawPriceLevel `json:"buys"`
	Sells     []rawPriceLevel `json:"sells"`
	Timestamp wireTime        `json:"timestamp"`
	Hash      string          `json:"hash"`
}

type rawPriceLevel struct {
	Price wireString `json:"price"`
	Size  wireString `json:"size"`
}

type rawPriceChange struct {
	AssetID string     `json:"asset_id"`
	Price   wireString `json:"price"`
	Size    wireString `json:"size"`
	Side    string     `json:"side"`
	Hash    string     `json:"hash"`
}

// rawPriceChangeEvent covers both layouts: the current one carries an asset
// id on every entry of price_changes, the legacy one has a single top-level
// asset_id and a changes array.
type rawPriceChangeEvent struct {
	EventType    string           `json:"event_type"`
	Market       string           `json:"market"`
	AssetID      string           `json:"asset_id"`
	Timestamp    wireTime         `json:"timestamp"`
	PriceChanges []rawPriceChange `json:"price_changes"`
	Changes      []rawPriceChange `json:"changes"`
}

type rawLastTrade struct {
	EventType string     `json:"event_type"`
	AssetID   string     `json:"asset_id"`
	Market    string     `json:"market"`
	Price     wireString `json:"price"`
	Size      wireString `json:"size"`
	Side      string     `json:"side"`
	Timestamp wireTime   `json:"timestamp"`
}

// Codec maps between Polymarket market-channel frames and book deltas.
type Codec struct{}

// NewCodec returns a ready Codec.
func NewCodec() *Codec { return &Codec{} }

// SubscribeFrame builds the initial subscription sent after a handshake.
func (c *Codec) SubscribeFrame(tokenIDs []string) ([]byte, error) {
	return json.Marshal(subscribeMsg{Type: "market", AssetsIDs: nonNil(tokenIDs)})
}

// UpdateFrame builds an incremental subscribe or unsubscribe on an open
// connection.
func (c *Codec) UpdateFrame(tokenIDs []string, subscribe bool) ([]byte, error) {
	op := "unsubscribe"
	if subscribe {
		op = "subscribe"
	}
	return json.Marshal(updateMsg{AssetsIDs: nonNil(tokenIDs), Operation: op})
}

// PingFrame is the application-level keepalive the market channel expects.
func (c *Codec) PingFrame() []byte { return []byte("PING") }

// Decode parses one inbound frame. A frame may be a single event object or
// an array of them. For arrays, events that fail to parse are skipped and
// reported in the returned error alongside the deltas that did parse.
// Keepalive replies and event types that carry no book data yield no deltas.
func (c *Codec) Decode(raw []byte) ([]book.Delta, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || strings.EqualFold(string(raw), "PONG") {
		return nil, nil
	}

	if raw[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		var (
			out  []book.Delta
			errs []error
		)
		for _, ev := range events {
			ds, err := decodeEvent(ev)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, ds...)
		}
		return out, errors.Join(errs...)
	}
	return decodeEvent(raw)
}

func decodeEvent(raw []byte) ([]book.Delta, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.EventType {
	case "book":
		return decodeBook(raw)
	case "price_change":
		return decodePriceChange(raw)
	case "last_trade_price":
		return decodeLastTrade(raw)
	default:
		// tick_size_change, best_bid_ask and anything new carry no level state.
		return nil, nil
	}
}

func decodeBook(raw []byte) ([]book.Delta, error) {
	var ev rawBookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: book: %v", ErrMalformedFrame, err)
	}
	if ev.AssetID == "" {
		return nil, fmt.Errorf("%w: book without asset_id", ErrMalformedFrame)
	}

	bidsRaw, asksRaw := ev.Bids, ev.Asks
	if bidsRaw == nil && asksRaw == nil {
		bidsRaw, asksRaw = ev.Buys, ev.Sells
	}

	bids, err := parseLevels(bidsRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: book %s bids: %v", ErrMalformedFrame, ev.AssetID, err)
	}
	asks, err := parseLevels(asksRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: book %s asks: %v", ErrMalformedFrame, ev.AssetID, err)
	}

	ts := ev.Timestamp.Time()
	return []book.Delta{{
		Kind:      book.BookReplace,
		TokenID:   ev.AssetID,
		Bids:      bids,
		Asks:      asks,
		Meta:      book.Meta{Market: ev.Market, Hash: ev.Hash, Timestamp: ts},
		Timestamp: ts,
	}}, nil
}

func decodePriceChange(raw []byte) ([]book.Delta, error) {
	var ev rawPriceChangeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: price_change: %v", ErrMalformedFrame, err)
	}

	changes := ev.PriceChanges
	if len(changes) == 0 {
		changes = ev.Changes
	}

	ts := ev.Timestamp.Time()
	out := make([]book.Delta, 0, len(changes))
	for i, ch := range changes {
		asset := ch.AssetID
		if asset == "" {
			asset = ev.AssetID
		}
		if asset == "" {
			return nil, fmt.Errorf("%w: price_change entry %d without asset_id", ErrMalformedFrame, i)
		}
		side, err := levelSide(ch.Side)
		if err != nil {
			return nil, fmt.Errorf("%w: price_change entry %d: %v", ErrMalformedFrame, i, err)
		}
		lvl, err := book.ParseLevel(string(ch.Price), string(ch.Size))
		if err != nil {
			return nil, fmt.Errorf("%w: price_change entry %d: %v", ErrMalformedFrame, i, err)
		}
		out = append(out, book.Delta{
			Kind:      book.LevelUpdate,
			TokenID:   asset,
			Side:      side,
			Price:     lvl.Price,
			Size:      lvl.Size,
			Timestamp: ts,
		})
	}
	return out, nil
}

func decodeLastTrade(raw []byte) ([]book.Delta, error) {
	var ev rawLastTrade
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: last_trade_price: %v", ErrMalformedFrame, err)
	}
	if ev.AssetID == "" {
		return nil, fmt.Errorf("%w: last_trade_price without asset_id", ErrMalformedFrame)
	}
	lvl, err := book.ParseLevel(string(ev.Price), string(ev.Size))
	if err != nil {
		return nil, fmt.Errorf("%w: last_trade_price: %v", ErrMalformedFrame, err)
	}
	return []book.Delta{{
		Kind:      book.TradeTick,
		TokenID:   ev.AssetID,
		TradeSide: book.TradeSide(strings.ToUpper(ev.Side)),
		Price:     lvl.Price,
		Size:      lvl.Size,
		Timestamp: ev.Timestamp.Time(),
	}}, nil
}

// parseLevels converts raw string price/size pairs into Levels. Any bad pair
// fails the whole list: a partially applied book is worse than a skipped one.
func parseLevels(raw []rawPriceLevel) ([]book.Level, error) {
	levels := make([]book.Level, 0, len(raw))
	for _, r := range raw {
		l, err := book.ParseLevel(string(r.Price), string(r.Size))
		if err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	return levels, nil
}

func levelSide(s string) (book.Side, error) {
	switch strings.ToUpper(s) {
	case "BUY":
		return book.Bid, nil
	case "SELL":
		return book.Ask, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

// ValidateTokenID checks that id is a CLOB asset id: a non-empty unsigned
// 256-bit integer.
func ValidateTokenID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTokenID)
	}
	v, ok := math.ParseBig256(id)
	if !ok || v.Sign() < 0 {
		return fmt.Errorf("%w: %q", ErrInvalidTokenID, id)
	}
	return nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// wireString accepts a JSON string or a bare number, since the feed is not
// consistent about quoting decimals.
type wireString string

func (w *wireString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*w = wireString(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*w = ""
		return nil
	}
	*w = wireString(b)
	return nil
}

// wireTime is a Unix-millisecond timestamp, quoted or not.
type wireTime string

func (w *wireTime) UnmarshalJSON(b []byte) error {
	var s wireString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	*w = wireTime(s)
	return nil
}

// Time converts the timestamp, returning the zero time when absent or bad.
func (w wireTime) Time() time.Time {
	return parseTimestamp(string(w))
}

// parseTimestamp converts a Unix-millisecond string to time.Time.
func parseTimestamp(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
