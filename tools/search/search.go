// Package search provides a web-search tool over an injected search
// client. The search engine itself lives outside this module.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mantle "github.com/ajisaka/mantle"
)

const (
	defaultMaxResults = 5
	maxQueryRunes     = 500
)

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Client performs the actual search request.
type Client interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// Tool searches the web through a Client.
type Tool struct {
	client     Client
	maxResults int
}

var _ mantle.Tool = (*Tool)(nil)

// Option configures a search Tool.
type Option func(*Tool)

// WithMaxResults sets the number of results requested. Default 5.
func WithMaxResults(n int) Option {
	return func(t *Tool) { t.maxResults = n }
}

// New creates a search tool over the given client.
func New(client Client, opts ...Option) *Tool {
	t := &Tool{client: client, maxResults: defaultMaxResults}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Name() string { return "web_search" }

func (t *Tool) Description() string {
	return "Search the web for current information. Use for recent events, news, prices, or anything that requires up-to-date data."
}

func (t *Tool) SecurityLevel() mantle.SecurityLevel { return mantle.SecuritySafe }

func (t *Tool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search query optimized for search engines", "minLength": 1}
		},
		"required": ["query"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, &mantle.ErrUserInput{Tool: t.Name(), Reason: "invalid args: " + err.Error()}
	}

	query := params.Query
	if runes := []rune(query); len(runes) > maxQueryRunes {
		query = string(runes[:maxQueryRunes])
	}

	results, err := t.client.Search(ctx, query, t.maxResults)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query), nil
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s\n%s\n%s", i+1, r.Title, r.URL, r.Snippet)
	}
	return b.String(), nil
}
