package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ajisaka/mantle/tools/search"
)

var braveBaseURL = "https://api.search.brave.com/res/v1/web/search"

// braveClient implements search.Client against the Brave web search API.
type braveClient struct {
	apiKey     string
	httpClient *http.Client
}

func newBraveClient(apiKey string) *braveClient {
	return &braveClient{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *braveClient) Search(ctx context.Context, query string, limit int) ([]search.Result, error) {
	u := fmt.Sprintf("%s?q=%s&count=%d", braveBaseURL, url.QueryEscape(query), limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("brave search status %d: %s", resp.StatusCode, string(b))
	}

	var parsed struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("brave search decode: %w", err)
	}

	results := make([]search.Result, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		results = append(results, search.Result{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
		})
	}
	return results, nil
}
