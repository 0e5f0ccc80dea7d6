package poly

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTClient_FetchBook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/book", r.URL.Path)
		assert.Equal(t, testToken, r.URL.Query().Get("token_id"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"market": "0xmarket",
			"asset_id": "` + testToken + `",
			"timestamp": "1700000000000",
			"hash": "0xhash",
			"bids": [{"price": "0.44", "size": "10"}, {"price": "0.45", "size": "100"}],
			"asks": [{"price": "0.47", "size": "50"}],
			"min_order_size": "5",
			"tick_size": "0.01",
			"neg_risk": true
		}`))
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL+"/", time.Second)
	snap, err := c.FetchBook(context.Background(), testToken)
	require.NoError(t, err)

	assert.Equal(t, testToken, snap.TokenID)
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, "0.45", snap.Bids[1].Price.String())
	assert.Equal(t, "0xmarket", snap.Meta.Market)
	assert.Equal(t, "0.01", snap.Meta.TickSize)
	assert.Equal(t, "5", snap.Meta.MinOrderSize)
	assert.True(t, snap.Meta.NegRisk)
	assert.Equal(t, time.UnixMilli(1700000000000), snap.Meta.Timestamp)
}

func TestRESTClient_StatusError(t *testing.T) {
	code := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"No orderbook exists for the requested token id"}`, code)
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, time.Second)
	_, err := c.FetchBook(context.Background(), "1")

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.False(t, se.Temporary())

	code = http.StatusBadGateway
	_, err = c.FetchBook(context.Background(), "1")
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Temporary())
}

func TestRESTClient_RejectsBadTokenBeforeRequest(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	defer srv.Close()

	_, err := NewRESTClient(srv.URL, time.Second).FetchBook(context.Background(), "not-a-token")
	assert.True(t, errors.Is(err, ErrInvalidTokenID))
	assert.False(t, hit)
}

func TestRESTClient_MalformedLevel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"asset_id":"1","bids":[{"price":"bad","size":"1"}],"asks":[]}`))
	}))
	defer srv.Close()

	_, err := NewRESTClient(srv.URL, time.Second).FetchBook(context.Background(), "1")
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestRESTClient_UndecodableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	_, err := NewRESTClient(srv.URL, time.Second).FetchBook(context.Background(), "1")
	assert.ErrorIs(t, err, ErrMalformedFrame)
	var se *StatusError
	assert.False(t, errors.As(err, &se))
}
