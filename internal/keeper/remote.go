package keeper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/basketbot/internal/crypto"
	"github.com/alanyoungcy/basketbot/internal/domain"
)

// Remote drives an engine over its HTTP API. Every request is signed with
// the keeper's key; the server recovers the caller from the signature.
type Remote struct {
	baseURL string
	signer  *crypto.Signer
	client  *http.Client
	now     func() time.Time
}

func NewRemote(baseURL string, signer *crypto.Signer, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

type apiError struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Category string `json:"category"`
}

func basketPath(id domain.BasketID, rest string) string {
	return "/api/baskets/" + url.PathEscape(string(id)) + rest
}

func (r *Remote) Baskets(ctx context.Context) ([]domain.Basket, error) {
	var out struct {
		Baskets []domain.Basket `json:"baskets"`
	}
	err := r.do(ctx, http.MethodGet, "/api/baskets", nil, &out)
	return out.Baskets, err
}

func (r *Remote) Basket(ctx context.Context, id domain.BasketID) (domain.Basket, error) {
	var out domain.Basket
	err := r.do(ctx, http.MethodGet, basketPath(id, ""), nil, &out)
	return out, err
}

func (r *Remote) Episode(ctx context.Context, id domain.BasketID) (domain.RebalanceEpisode, error) {
	var out domain.RebalanceEpisode
	err := r.do(ctx, http.MethodGet, basketPath(id, "/rebalance"), nil, &out)
	return out, err
}

func (r *Remote) Components(ctx context.Context, id domain.BasketID) ([]domain.ComponentStatus, error) {
	var out struct {
		Components []domain.ComponentStatus `json:"components"`
	}
	err := r.do(ctx, http.MethodGet, basketPath(id, "/rebalance/components"), nil, &out)
	return out.Components, err
}

func (r *Remote) ExecuteTrade(ctx context.Context, id domain.BasketID, order domain.TradeOrder) (domain.FillReceipt, error) {
	var out domain.FillReceipt
	err := r.do(ctx, http.MethodPost, basketPath(id, "/trades"), order, &out)
	return out, err
}

func (r *Remote) TradeRemainingQuote(ctx context.Context, id domain.BasketID, order domain.TradeOrder) (domain.FillReceipt, error) {
	var out domain.FillReceipt
	err := r.do(ctx, http.MethodPost, basketPath(id, "/trades/remaining-quote"), order, &out)
	return out, err
}

func (r *Remote) RaiseTargets(ctx context.Context, id domain.BasketID) (domain.RebalanceEpisode, error) {
	var out domain.RebalanceEpisode
	err := r.do(ctx, http.MethodPost, basketPath(id, "/rebalance/raise"), nil, &out)
	return out, err
}

// do sends a signed request. Engine errors come back wrapped around the
// matching domain sentinel so callers can use errors.Is across the wire.
func (r *Remote) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("keeper: encode %s %s: %w", method, path, err)
		}
	}

	ts := strconv.FormatInt(r.now().Unix(), 10)
	sig, err := r.signer.SignRequest(method, path, ts, body)
	if err != nil {
		return fmt.Errorf("keeper: sign %s %s: %w", method, path, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("keeper: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller", r.signer.Address().Hex())
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sig)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("keeper: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("keeper: read %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(raw, &apiErr)
		if sentinel, ok := domain.ErrorForCode(apiErr.Code); ok {
			return fmt.Errorf("keeper: %s %s: %s: %w", method, path, apiErr.Error, sentinel)
		}
		msg := apiErr.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("keeper: %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("keeper: decode %s %s: %w", method, path, err)
		}
	}
	return nil
}
