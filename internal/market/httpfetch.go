package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paperfund/ledger-engine/internal/model"
)

// HTTPFetcher pulls weekly open/close quotes from a REST quote provider.
//
// Expected endpoint: GET {base}/api/v1/weekly?week={weekID}&symbols=A,B
// returning a JSON object keyed by instrument code:
//
//	{"VTI": {"open": "280.10", "close": "283.45"}, ...}
//
// Return percentages are derived downstream from open/close, so sources
// that report them directly may include "returnPct" as well.
type HTTPFetcher struct {
	SourceName string
	BaseURL    string
	APIKey     string
	Client     *http.Client
}

// NewHTTPFetcher creates a fetcher for one provider.
func NewHTTPFetcher(name, baseURL, apiKey string) *HTTPFetcher {
	return &HTTPFetcher{
		SourceName: name,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *HTTPFetcher) Name() string { return f.SourceName }

func (f *HTTPFetcher) Fetch(ctx context.Context, weekID string, instruments []string) (map[string]model.Quote, error) {
	endpoint := fmt.Sprintf("%s/api/v1/weekly?week=%s&symbols=%s",
		f.BaseURL, url.QueryEscape(weekID), url.QueryEscape(strings.Join(instruments, ",")))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if f.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.APIKey)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch weekly quotes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch weekly quotes: status %d, body: %s", resp.StatusCode, string(body))
	}

	var quotes map[string]model.Quote
	if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		return nil, fmt.Errorf("decode weekly quotes: %w", err)
	}

	// Keep only instruments the week actually trades.
	allowed := make(map[string]struct{}, len(instruments))
	for _, code := range instruments {
		allowed[code] = struct{}{}
	}
	for code := range quotes {
		if _, ok := allowed[code]; !ok {
			delete(quotes, code)
		}
	}
	return quotes, nil
}
