package poly

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caesar-terminal/booksync/internal/book"
)

// rawBookResponse is the CLOB REST GET /book payload.
type rawBookResponse struct {
	Market       string          `json:"market"`
	AssetID      string          `json:"asset_id"`
	Timestamp    wireTime        `json:"timestamp"`
	Hash         string          `json:"hash"`
	Bids         []rawPriceLevel `json:"bids"`
	Asks         []rawPriceLevel `json:"asks"`
	MinOrderSize wireString      `json:"min_order_size"`
	TickSize     wireString      `json:"tick_size"`
	NegRisk      bool            `json:"neg_risk"`
}

// StatusError is returned when the REST endpoint answers with a non-2xx
// status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("poly: rest status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// RESTClient fetches order-book snapshots from the CLOB REST API.
type RESTClient struct {
	baseURL string
	http    *http.Client
}

// NewRESTClient creates a client for baseURL (e.g. https://clob.polymarket.com).
func NewRESTClient(baseURL string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchBook retrieves the full book for tokenID.
func (c *RESTClient) FetchBook(ctx context.Context, tokenID string) (book.RestSnapshot, error) {
	if err := ValidateTokenID(tokenID); err != nil {
		return book.RestSnapshot{}, err
	}

	u := c.baseURL + "/book?" + url.Values{"token_id": {tokenID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return book.RestSnapshot{}, fmt.Errorf("poly: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return book.RestSnapshot{}, fmt.Errorf("poly: fetch book %s: %w", tokenID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return book.RestSnapshot{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var raw rawBookResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return book.RestSnapshot{}, fmt.Errorf("%w: decode book %s: %v", ErrMalformedFrame, tokenID, err)
	}

	bids, err := parseLevels(raw.Bids)
	if err != nil {
		return book.RestSnapshot{}, fmt.Errorf("%w: book %s bids: %v", ErrMalformedFrame, tokenID, err)
	}
	asks, err := parseLevels(raw.Asks)
	if err != nil {
		return book.RestSnapshot{}, fmt.Errorf("%w: book %s asks: %v", ErrMalformedFrame, tokenID, err)
	}

	asset := raw.AssetID
	if asset == "" {
		asset = tokenID
	}

	return book.RestSnapshot{
		TokenID: asset,
		Bids:    bids,
		Asks:    asks,
		Meta: book.Meta{
			Market:       raw.Market,
			Hash:         raw.Hash,
			TickSize:     string(raw.TickSize),
			MinOrderSize: string(raw.MinOrderSize),
			NegRisk:      raw.NegRisk,
			Timestamp:    raw.Timestamp.Time(),
		},
	}, nil
}
