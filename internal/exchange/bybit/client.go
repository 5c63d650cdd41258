// Package bybit implements the signed Bybit v5 REST client used by the
// margin relay: position listing and the auto-add-margin switch.
package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"margin_relay/internal/config"
	"margin_relay/internal/core"
	apperrors "margin_relay/pkg/errors"
	"margin_relay/pkg/telemetry"
)

const (
	positionListPath  = "/v5/position/list"
	autoAddMarginPath = "/v5/position/set-auto-add-margin"
)

// Client is a Bybit v5 REST client scoped to position endpoints. It signs
// every request with the account credentials and maps exchange and transport
// failures onto the shared error taxonomy. Safe for concurrent use.
type Client struct {
	cfg        config.ExchangeConfig
	recvWindow string
	httpClient *http.Client
	logger     core.ILogger
	metrics    *telemetry.MetricsHolder
	now        func() time.Time
}

// NewClient creates a Bybit client from exchange configuration.
func NewClient(cfg config.ExchangeConfig, logger core.ILogger) *Client {
	return &Client{
		cfg:        cfg,
		recvWindow: strconv.Itoa(cfg.RecvWindowMS),
		httpClient: &http.Client{
			Timeout: cfg.Timeout(),
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DisableKeepAlives:   false,
			},
		},
		logger:  logger.WithField("component", "bybit_client"),
		metrics: telemetry.GetGlobalMetrics(),
		now:     time.Now,
	}
}

// envelope is the common v5 response wrapper. retCode 0 means success;
// anything else is an exchange-level rejection even on HTTP 200.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// ListPositions fetches open positions for the query scope. An empty list is
// a valid result, not an error.
func (c *Client) ListPositions(ctx context.Context, query core.PositionQuery) ([]core.Position, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	params := query.Params()
	body, err := c.execute(ctx, http.MethodGet, positionListPath, params, nil)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse position list response: %w", err)
	}
	if env.RetCode != 0 {
		return nil, &apperrors.ExchangeError{Code: env.RetCode, Message: env.RetMsg}
	}

	var result struct {
		List []core.Position `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse position list: %w", err)
	}

	c.logger.Debug("Fetched positions", "query", query.CacheKey(), "count", len(result.List))
	return result.List, nil
}

// autoAddMarginRequest fixes the JSON field order of the command body. The
// marshalled bytes are both signed and sent, so the two must never diverge.
type autoAddMarginRequest struct {
	Category      core.Category `json:"category"`
	Symbol        string        `json:"symbol"`
	Side          core.Side     `json:"side"`
	AutoAddMargin string        `json:"autoAddMargin"`
}

// SetAutoAddMargin toggles automatic margin top-up for one position. The
// returned result carries the exchange's retCode/retMsg and the raw response
// for relaying to the webhook caller.
func (c *Client) SetAutoAddMargin(ctx context.Context, cmd core.MarginCommand) (core.CommandResult, error) {
	reqBody, err := json.Marshal(autoAddMarginRequest{
		Category:      cmd.Category,
		Symbol:        cmd.Symbol,
		Side:          cmd.Side,
		AutoAddMargin: cmd.AutoAddMarginValue(),
	})
	if err != nil {
		return core.CommandResult{}, fmt.Errorf("failed to encode auto-add-margin request: %w", err)
	}

	body, err := c.execute(ctx, http.MethodPost, autoAddMarginPath, nil, reqBody)
	if err != nil {
		return core.CommandResult{}, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return core.CommandResult{}, fmt.Errorf("failed to parse auto-add-margin response: %w", err)
	}
	if env.RetCode != 0 {
		return core.CommandResult{}, &apperrors.ExchangeError{Code: env.RetCode, Message: env.RetMsg}
	}

	c.logger.Info("Auto-add-margin updated",
		"symbol", cmd.Symbol,
		"side", cmd.Side,
		"enabled", cmd.Enable)
	return core.CommandResult{RetCode: env.RetCode, RetMsg: env.RetMsg, Raw: body}, nil
}

// execute performs one signed HTTP round trip and returns the response body.
// The query string is built from the same canonical param string that gets
// signed, so signed bytes and sent bytes are identical. Param values are
// exchange symbols and categories, which never need URL escaping.
func (c *Client) execute(ctx context.Context, method, path string, params map[string]string, body []byte) ([]byte, error) {
	url := c.cfg.BaseURL + path
	if paramString := BuildParamString(params); paramString != "" {
		url += "?" + paramString
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.signRequest(req, params, string(body))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latencyMS := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		c.metrics.RecordExchangeRequest(ctx, path, "transport_error", latencyMS)
		return nil, &apperrors.TransportError{Op: method, URL: path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.RecordExchangeRequest(ctx, path, "transport_error", latencyMS)
		return nil, &apperrors.TransportError{Op: method, URL: path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.RecordExchangeRequest(ctx, path, "http_error", latencyMS)
		c.logger.Warn("Exchange returned non-2xx status",
			"method", method,
			"path", path,
			"status", resp.StatusCode)
		return nil, &apperrors.TransportError{Op: method, URL: path, StatusCode: resp.StatusCode}
	}

	c.metrics.RecordExchangeRequest(ctx, path, "ok", latencyMS)
	return respBody, nil
}

// signRequest attaches the v5 authentication headers. The timestamp string
// used in the signature is the same one sent on the wire.
func (c *Client) signRequest(req *http.Request, params map[string]string, body string) {
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	signature := Sign(string(c.cfg.APISecret), timestamp, c.cfg.APIKey, c.recvWindow, params, body)

	req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)
	req.Header.Set("Content-Type", "application/json")
}
