package search

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type fakeClient struct {
	gotQuery string
	gotLimit int
	results  []Result
	err      error
}

func (f *fakeClient) Search(_ context.Context, query string, limit int) ([]Result, error) {
	f.gotQuery = query
	f.gotLimit = limit
	return f.results, f.err
}

func execute(t *testing.T, tool *Tool, query string) (any, error) {
	t.Helper()
	input, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	return tool.Execute(context.Background(), input)
}

func TestSearchFormatsResults(t *testing.T) {
	client := &fakeClient{results: []Result{
		{Title: "Go 1.25 released", URL: "https://go.dev/blog", Snippet: "The latest Go release."},
		{Title: "Release notes", URL: "https://go.dev/doc", Snippet: "What changed."},
	}}
	tool := New(client)

	result, err := execute(t, tool, "latest Go release")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out, ok := result.(string)
	if !ok {
		t.Fatalf("result type = %T, want string", result)
	}
	if !strings.Contains(out, "[1] Go 1.25 released") || !strings.Contains(out, "[2] Release notes") {
		t.Errorf("output missing numbered results:\n%s", out)
	}
	if client.gotLimit != defaultMaxResults {
		t.Errorf("limit = %d, want %d", client.gotLimit, defaultMaxResults)
	}
}

func TestSearchTruncatesLongQueries(t *testing.T) {
	client := &fakeClient{}
	tool := New(client)

	long := strings.Repeat("q", maxQueryRunes+200)
	if _, err := execute(t, tool, long); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := len([]rune(client.gotQuery)); got != maxQueryRunes {
		t.Errorf("forwarded query length = %d runes, want %d", got, maxQueryRunes)
	}
}

func TestSearchNoResults(t *testing.T) {
	tool := New(&fakeClient{})
	result, err := execute(t, tool, "obscure")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(result.(string), "No results found") {
		t.Errorf("result = %q, want no-results message", result)
	}
}

func TestSearchPropagatesClientError(t *testing.T) {
	wantErr := errors.New("engine down")
	tool := New(&fakeClient{err: wantErr})
	if _, err := execute(t, tool, "q"); !errors.Is(err, wantErr) {
		t.Errorf("Execute error = %v, want %v", err, wantErr)
	}
}

func TestWithMaxResults(t *testing.T) {
	client := &fakeClient{}
	tool := New(client, WithMaxResults(10))
	if _, err := execute(t, tool, "q"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if client.gotLimit != 10 {
		t.Errorf("limit = %d, want 10", client.gotLimit)
	}
}
