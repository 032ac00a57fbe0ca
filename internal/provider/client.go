package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// APIError represents a provider error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Status, e.Body)
}

// IsForbidden reports whether err is a 403-class provider rejection, which
// means the access credential is no longer honoured.
func IsForbidden(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden
}

// Quote is a normalized single-instrument quote from the provider.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Exchange      string  `json:"exchange"`
	LastPrice     float64 `json:"last_price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	PrevClose     float64 `json:"prev_close"`
}

// OHLC is the daily reference bar for an instrument. Close is the previous
// session close.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// OptionStrike is one rung of an option-chain ladder.
type OptionStrike struct {
	Strike    float64 `json:"strike"`
	Right     string  `json:"right"` // CE | PE
	LastPrice float64 `json:"last_price"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
}

// Client defines the operations the gateway needs from the quote provider.
type Client interface {
	GetQuote(ctx context.Context, exchange, segment, symbol string) (*Quote, error)
	GetBulkLTP(ctx context.Context, segment string, instruments []string) (map[string]float64, error)
	GetBulkOHLC(ctx context.Context, segment string, instruments []string) (map[string]OHLC, error)
	GetExpiries(ctx context.Context, underlying string, month time.Time) ([]string, error)
	GetOptionChain(ctx context.Context, underlying, expiry string) ([]OptionStrike, error)
}

// API is the concrete HTTP client. All requests carry the current access
// token; a 403 invalidates the credential and the request is retried once
// with a freshly acquired token.
type API struct {
	client  *http.Client
	baseURL string
	creds   *CredentialManager
	logger  *logrus.Logger
}

var _ Client = (*API)(nil)

// NewAPI creates a provider API client.
func NewAPI(baseURL string, creds *CredentialManager, timeout time.Duration, logger *logrus.Logger) *API {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &API{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		logger:  logger,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (a *API) WithHTTPClient(c *http.Client) *API {
	if c != nil {
		a.client = c
	}
	return a
}

// GetQuote retrieves the current market quote for one instrument.
func (a *API) GetQuote(ctx context.Context, exchange, segment, symbol string) (*Quote, error) {
	params := url.Values{}
	params.Set("exchange", exchange)
	params.Set("segment", segment)
	params.Set("symbol", symbol)
	endpoint := a.baseURL + "/quote?" + params.Encode()

	var response struct {
		Data quotePayload `json:"data"`
	}
	if err := a.getJSON(ctx, endpoint, &response); err != nil {
		return nil, err
	}
	q := response.Data.normalize()
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	if q.Exchange == "" {
		q.Exchange = exchange
	}
	return &q, nil
}

// GetBulkLTP retrieves last prices for up to the provider's per-call ceiling
// of instruments, keyed by "EXCHANGE:SYMBOL".
func (a *API) GetBulkLTP(ctx context.Context, segment string, instruments []string) (map[string]float64, error) {
	params := url.Values{}
	params.Set("segment", segment)
	params.Set("instruments", strings.Join(instruments, ","))
	endpoint := a.baseURL + "/quote/ltp?" + params.Encode()

	var response struct {
		Data map[string]struct {
			LastPrice float64 `json:"last_price"`
		} `json:"data"`
	}
	if err := a.getJSON(ctx, endpoint, &response); err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(response.Data))
	for key, v := range response.Data {
		out[key] = v.LastPrice
	}
	return out, nil
}

// GetBulkOHLC retrieves daily reference bars keyed by "EXCHANGE:SYMBOL".
func (a *API) GetBulkOHLC(ctx context.Context, segment string, instruments []string) (map[string]OHLC, error) {
	params := url.Values{}
	params.Set("segment", segment)
	params.Set("instruments", strings.Join(instruments, ","))
	endpoint := a.baseURL + "/quote/ohlc?" + params.Encode()

	var response struct {
		Data map[string]struct {
			OHLC json.RawMessage `json:"ohlc"`
		} `json:"data"`
	}
	if err := a.getJSON(ctx, endpoint, &response); err != nil {
		return nil, err
	}

	out := make(map[string]OHLC, len(response.Data))
	for key, v := range response.Data {
		out[key] = RepairOHLC(v.OHLC)
	}
	return out, nil
}

// GetExpiries retrieves option expiry dates for an underlying in a month.
func (a *API) GetExpiries(ctx context.Context, underlying string, month time.Time) ([]string, error) {
	params := url.Values{}
	params.Set("underlying", underlying)
	params.Set("month", month.Format("2006-01"))
	endpoint := a.baseURL + "/options/expiries?" + params.Encode()

	var response struct {
		Data []string `json:"data"`
	}
	if err := a.getJSON(ctx, endpoint, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// GetOptionChain retrieves the strike ladder for an underlying and expiry.
func (a *API) GetOptionChain(ctx context.Context, underlying, expiry string) ([]OptionStrike, error) {
	params := url.Values{}
	params.Set("underlying", underlying)
	params.Set("expiry", expiry)
	endpoint := a.baseURL + "/options/chain?" + params.Encode()

	var response struct {
		Data []OptionStrike `json:"data"`
	}
	if err := a.getJSON(ctx, endpoint, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// quotePayload tolerates the provider's loose single-quote shape: change
// figures may be absent and the OHLC blob may be the malformed
// single-quoted pseudo-JSON variant.
type quotePayload struct {
	Symbol        string          `json:"symbol"`
	Exchange      string          `json:"exchange"`
	LastPrice     float64         `json:"last_price"`
	Change        *float64        `json:"change"`
	ChangePercent *float64        `json:"change_percent"`
	OHLC          json.RawMessage `json:"ohlc"`
}

func (p quotePayload) normalize() Quote {
	bar := RepairOHLC(p.OHLC)
	q := Quote{
		Symbol:    p.Symbol,
		Exchange:  p.Exchange,
		LastPrice: p.LastPrice,
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		PrevClose: bar.Close,
	}
	switch {
	case p.Change != nil && p.ChangePercent != nil:
		q.Change = *p.Change
		q.ChangePercent = *p.ChangePercent
	case q.PrevClose != 0:
		q.Change = q.LastPrice - q.PrevClose
		q.ChangePercent = q.Change / q.PrevClose * 100
	}
	return q
}

// getJSON issues an authenticated GET. On a 403 the credential is cleared and
// the request retried once with a re-acquired token; the retry is not
// repeated within a single call.
func (a *API) getJSON(ctx context.Context, endpoint string, response interface{}) error {
	err := a.doJSON(ctx, endpoint, response)
	if err == nil || !IsForbidden(err) {
		return err
	}

	// doJSON already cleared the credential; one retry re-acquires.
	a.logger.WithField("endpoint", endpoint).Warn("provider rejected credential, re-acquiring once")
	return a.doJSON(ctx, endpoint, response)
}

func (a *API) doJSON(ctx context.Context, endpoint string, response interface{}) error {
	token, err := a.creds.Token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+a.creds.apiKey+":"+token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			a.logger.WithError(cerr).Warn("failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if rerr != nil {
			return &APIError{Status: resp.StatusCode, Body: "failed to read error body"}
		}
		if resp.StatusCode == http.StatusForbidden {
			a.creds.Invalidate()
		}
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
