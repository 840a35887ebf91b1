// Package rfq is a request-for-quote venue: every trade is priced by an
// external market maker over HTTP.
package rfq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/basketbot/internal/crypto"
	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/venue"
	"github.com/shopspring/decimal"
)

const quotePath = "/v1/quote"

// Client is the REST client of one RFQ market maker.
type Client struct {
	name       string
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
}

// NewClient creates an RFQ venue. auth may be nil for unauthenticated makers.
func NewClient(name, baseURL string, auth *crypto.HMACAuth, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		name:       name,
		baseURL:    baseURL,
		auth:       auth,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns the venue name.
func (c *Client) Name() string { return c.name }

type quoteRequest struct {
	Basket      string          `json:"basket"`
	Side        string          `json:"side"`
	AssetIn     string          `json:"asset_in"`
	AssetOut    string          `json:"asset_out"`
	Amount      decimal.Decimal `json:"amount"`
	ExactInput  bool            `json:"exact_input"`
	MinReceived decimal.Decimal `json:"min_received"`
	MaxSent     decimal.Decimal `json:"max_sent"`
}

type quoteResponse struct {
	QuoteID   string          `json:"quote_id"`
	QtyIn     decimal.Decimal `json:"qty_in"`
	QtyOut    decimal.Decimal `json:"qty_out"`
	Price     decimal.Decimal `json:"price"`
	Target    string          `json:"target"`
	Calldata  []byte          `json:"calldata"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// QuoteAndBuildFill requests a firm quote and checks it against the
// request's bounds.
func (c *Client) QuoteAndBuildFill(ctx context.Context, req domain.TradeRequest) (domain.FillDescriptor, error) {
	body, err := c.doSignedRequest(ctx, http.MethodPost, quotePath, quoteRequest{
		Basket:      string(req.BasketID),
		Side:        string(req.Side),
		AssetIn:     string(req.AssetIn),
		AssetOut:    string(req.AssetOut),
		Amount:      req.Amount,
		ExactInput:  req.ExactInput,
		MinReceived: req.MinReceived,
		MaxSent:     req.MaxSent,
	})
	if err != nil {
		return domain.FillDescriptor{}, fmt.Errorf("rfq %s: quote: %w", c.name, err)
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.FillDescriptor{}, fmt.Errorf("rfq %s: decode quote: %v: %w", c.name, err, domain.ErrVenueUnavailable)
	}
	if req.ExactInput && !resp.QtyIn.Equal(req.Amount) || !req.ExactInput && !resp.QtyOut.Equal(req.Amount) {
		return domain.FillDescriptor{}, fmt.Errorf("rfq %s: quote for %s/%s does not honour the exact amount: %w",
			c.name, resp.QtyIn, resp.QtyOut, domain.ErrInvalidFill)
	}
	if err := venue.CheckBounds(req, resp.QtyIn, resp.QtyOut); err != nil {
		return domain.FillDescriptor{}, fmt.Errorf("rfq %s: %w", c.name, err)
	}

	return domain.FillDescriptor{
		QuoteID:     resp.QuoteID,
		Venue:       c.name,
		BasketID:    req.BasketID,
		Side:        req.Side,
		AssetIn:     req.AssetIn,
		AssetOut:    req.AssetOut,
		QtyIn:       resp.QtyIn,
		QtyOut:      resp.QtyOut,
		Price:       resp.Price,
		MinReceived: req.MinReceived,
		MaxSent:     req.MaxSent,
		Target:      resp.Target,
		Calldata:    resp.Calldata,
		ExpiresAt:   resp.ExpiresAt,
	}, nil
}

// doSignedRequest builds, signs (HMAC), sends, and reads an HTTP request
// against the maker's API.
func (c *Client) doSignedRequest(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		for k, v := range c.auth.Headers(method, path, string(payload)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %v: %w", err, domain.ErrVenueUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %v: %w", err, domain.ErrVenueUnavailable)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkStatus maps non-2xx HTTP status codes to engine errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusNotFound, http.StatusUnprocessableEntity:
		return fmt.Errorf("unsupported pair: %s (%s): %w", apiErr.Message, apiErr.Code, domain.ErrInvalidAssetPair)
	case http.StatusConflict:
		return fmt.Errorf("outside bounds: %s (%s): %w", apiErr.Message, apiErr.Code, domain.ErrSlippageExceeded)
	default:
		return fmt.Errorf("HTTP %d: %s (%s): %w", statusCode, apiErr.Message, apiErr.Code, domain.ErrVenueUnavailable)
	}
}
