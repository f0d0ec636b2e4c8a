package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/updownbot/internal/crypto"
	"github.com/alanyoungcy/updownbot/internal/domain"
)

// ClobClient submits marketable limit orders against the CLOB REST API. It
// implements domain.OrderExecutor; order signing happens outside this process
// and only HMAC request credentials are needed here.
type ClobClient struct {
	baseURL    string
	wallet     string
	httpClient *http.Client
	auth       *crypto.HMACAuth
}

// NewClobClient creates a new CLOB order client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
func NewClobClient(baseURL, wallet string, auth *crypto.HMACAuth) *ClobClient {
	return &ClobClient{
		baseURL: baseURL,
		wallet:  wallet,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		auth: auth,
	}
}

// Buy submits a buy order for shares of tokenID at price.
func (c *ClobClient) Buy(ctx context.Context, tokenID string, price, shares float64) (domain.OrderResult, error) {
	return c.postOrder(ctx, tokenID, domain.OrderSideBuy, price, shares)
}

// Sell submits a sell order for shares of tokenID at price.
func (c *ClobClient) Sell(ctx context.Context, tokenID string, price, shares float64) (domain.OrderResult, error) {
	return c.postOrder(ctx, tokenID, domain.OrderSideSell, price, shares)
}

func (c *ClobClient) postOrder(ctx context.Context, tokenID string, side domain.OrderSide, price, shares float64) (domain.OrderResult, error) {
	body := map[string]any{
		"order": map[string]any{
			"tokenID": tokenID,
			"side":    string(side),
			"price":   strconv.FormatFloat(price, 'f', -1, 64),
			"size":    strconv.FormatFloat(shares, 'f', -1, 64),
			"maker":   c.wallet,
		},
		"owner":     c.wallet,
		"orderType": "FAK",
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var apiResult apiOrderResult
	if err := json.Unmarshal(respBody, &apiResult); err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}

	result := domain.OrderResult{
		Success: apiResult.Success,
		OrderID: apiResult.OrderID,
		Status:  apiResult.Status,
		Message: apiResult.ErrorMsg,
	}
	if !result.Success {
		return result, fmt.Errorf("polymarket/clob: order rejected: %s", result.Message)
	}
	return result, nil
}

// doAuthenticatedRequest sends an HMAC-authenticated request and returns the
// response body.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.auth.Headers(c.wallet, method, path, string(payload)) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, respBody)
	}
	return respBody, nil
}

// PaperExecutor simulates fills locally for dry-run mode. Every order
// succeeds at the requested price.
type PaperExecutor struct {
	logger *slog.Logger
}

// NewPaperExecutor creates a paper-trading order executor.
func NewPaperExecutor(logger *slog.Logger) *PaperExecutor {
	return &PaperExecutor{logger: logger.With(slog.String("component", "paper_executor"))}
}

// Buy simulates a filled buy order.
func (p *PaperExecutor) Buy(ctx context.Context, tokenID string, price, shares float64) (domain.OrderResult, error) {
	p.logger.Info("paper buy",
		slog.String("token_id", tokenID),
		slog.Float64("price", price),
		slog.Float64("shares", shares),
	)
	return domain.OrderResult{Success: true, OrderID: fmt.Sprintf("paper-%d", time.Now().UnixNano()), Status: "matched"}, nil
}

// Sell simulates a filled sell order.
func (p *PaperExecutor) Sell(ctx context.Context, tokenID string, price, shares float64) (domain.OrderResult, error) {
	p.logger.Info("paper sell",
		slog.String("token_id", tokenID),
		slog.Float64("price", price),
		slog.Float64("shares", shares),
	)
	return domain.OrderResult{Success: true, OrderID: fmt.Sprintf("paper-%d", time.Now().UnixNano()), Status: "matched"}, nil
}

// Compile-time interface checks.
var (
	_ domain.OrderExecutor = (*ClobClient)(nil)
	_ domain.OrderExecutor = (*PaperExecutor)(nil)
)
