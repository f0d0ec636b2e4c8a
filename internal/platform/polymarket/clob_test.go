package polymarket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownbot/internal/crypto"
)

func testAuth() *crypto.HMACAuth {
	return &crypto.HMACAuth{
		Key:        "key-123",
		Secret:     "c2VjcmV0", // base64("secret")
		Passphrase: "pass",
	}
}

func TestBuySubmitsAuthenticatedFAKOrder(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/order", r.URL.Path)
		assert.Equal(t, "0xwallet", r.Header.Get("POLY_ADDRESS"))
		assert.Equal(t, "key-123", r.Header.Get("POLY_API_KEY"))
		assert.Equal(t, "pass", r.Header.Get("POLY_PASSPHRASE"))
		assert.NotEmpty(t, r.Header.Get("POLY_TIMESTAMP"))
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"success":true,"orderID":"ord-1","status":"matched"}`))
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, "0xwallet", testAuth())
	res, err := c.Buy(context.Background(), "tok-up", 0.52, 10)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "ord-1", res.OrderID)
	assert.Equal(t, "matched", res.Status)

	assert.Equal(t, "FAK", got["orderType"])
	order := got["order"].(map[string]any)
	assert.Equal(t, "tok-up", order["tokenID"])
	assert.Equal(t, "BUY", order["side"])
	assert.Equal(t, "0.52", order["price"])
	assert.Equal(t, "10", order["size"])
}

func TestPostOrderRejectionIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"errorMsg":"not enough balance"}`))
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, "0xwallet", testAuth())
	res, err := c.Buy(context.Background(), "tok-up", 0.52, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough balance")
	assert.False(t, res.Success)
}

func TestSellSubmitsSellSide(t *testing.T) {
	var side string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got map[string]any
		json.NewDecoder(r.Body).Decode(&got)
		side = got["order"].(map[string]any)["side"].(string)
		w.Write([]byte(`{"success":true,"orderID":"ord-2","status":"matched"}`))
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, "0xwallet", testAuth())
	_, err := c.Sell(context.Background(), "tok-down", 0.48, 5)
	require.NoError(t, err)
	assert.Equal(t, "SELL", side)
}

func TestPaperExecutorAlwaysFills(t *testing.T) {
	p := NewPaperExecutor(feedLogger())

	buy, err := p.Buy(context.Background(), "tok-up", 0.5, 10)
	require.NoError(t, err)
	assert.True(t, buy.Success)
	assert.Equal(t, "matched", buy.Status)
	assert.NotEmpty(t, buy.OrderID)

	sell, err := p.Sell(context.Background(), "tok-up", 0.6, 10)
	require.NoError(t, err)
	assert.True(t, sell.Success)
}
