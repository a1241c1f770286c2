package finance

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultQuoteBaseURL = "https://stooq.com/q/l/"

var ErrSymbolNotFound = errors.New("symbol not found")

// Quote is the latest available snapshot for one symbol.
type Quote struct {
	Symbol string `json:"symbol"`
	Date   string `json:"date"`
	Time   string `json:"time"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// Client fetches quotes from the stooq CSV endpoint.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultQuoteBaseURL
	}
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Price returns the latest quote for symbol. An unknown symbol comes back as
// ErrSymbolNotFound; upstream/network failures wrap the transport error.
func (c *Client) Price(ctx context.Context, symbol string) (Quote, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return Quote{}, errors.New("symbol is required")
	}

	params := url.Values{}
	params.Set("s", symbol)
	params.Set("f", "sd2t2ohlcv")
	params.Set("h", "")
	params.Set("e", "csv")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("create request: %w", err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("price lookup failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Quote{}, fmt.Errorf("price lookup failed: status %d", res.StatusCode)
	}

	reader := csv.NewReader(res.Body)
	header, err := reader.Read()
	if err != nil {
		return Quote{}, fmt.Errorf("read quote header: %w", err)
	}
	row, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Quote{}, ErrSymbolNotFound
		}
		return Quote{}, fmt.Errorf("read quote row: %w", err)
	}

	fields := make(map[string]string, len(header))
	for i, name := range header {
		if i < len(row) {
			fields[strings.TrimSpace(name)] = strings.TrimSpace(row[i])
		}
	}

	// stooq reports unknown symbols as a row of N/A values.
	if fields["Close"] == "" || fields["Close"] == "N/A" {
		return Quote{}, ErrSymbolNotFound
	}

	q := Quote{
		Symbol: fields["Symbol"],
		Date:   fields["Date"],
		Time:   fields["Time"],
		Open:   fields["Open"],
		High:   fields["High"],
		Low:    fields["Low"],
		Close:  fields["Close"],
		Volume: fields["Volume"],
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	return q, nil
}
