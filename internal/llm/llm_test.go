package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsdesk/internal/config"
	"newsdesk/internal/core"
)

type payload struct {
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
}

func TestParseJSONDirect(t *testing.T) {
	var p payload
	strategy, err := ParseJSON(`{"title": "hello", "tags": ["a"]}`, &p)
	require.NoError(t, err)
	assert.Equal(t, core.ParseDirect, strategy)
	assert.Equal(t, "hello", p.Title)
}

func TestParseJSONMarkdownBlock(t *testing.T) {
	text := "Here is the summary you asked for:\n```json\n{\"title\": \"fenced\", \"tags\": []}\n```\nLet me know if you need anything else."
	var p payload
	strategy, err := ParseJSON(text, &p)
	require.NoError(t, err)
	assert.Equal(t, core.ParseMarkdownBlock, strategy)
	assert.Equal(t, "fenced", p.Title)
}

func TestParseJSONBraceMatch(t *testing.T) {
	text := `Sure! The result is {"title": "embedded {braces} inside", "tags": ["x"]} as requested.`
	var p payload
	strategy, err := ParseJSON(text, &p)
	require.NoError(t, err)
	assert.Equal(t, core.ParseBraceMatch, strategy)
	assert.Equal(t, "embedded {braces} inside", p.Title)
}

func TestParseJSONRepairTrailingComma(t *testing.T) {
	var p payload
	strategy, err := ParseJSON(`{"title": "x", "tags": ["a", "b",],}`, &p)
	require.NoError(t, err)
	assert.Equal(t, core.ParseRepair, strategy)
	assert.Equal(t, []string{"a", "b"}, p.Tags)
}

func TestParseJSONRepairNewlineInString(t *testing.T) {
	var p payload
	strategy, err := ParseJSON("{\"title\": \"line one\nline two\", \"tags\": []}", &p)
	require.NoError(t, err)
	assert.Equal(t, core.ParseRepair, strategy)
	assert.Equal(t, "line one\nline two", p.Title)
}

func TestParseJSONFailure(t *testing.T) {
	var p payload
	_, err := ParseJSON("the model refused to answer", &p)
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestParseStatsCounting(t *testing.T) {
	c := NewClient(config.LLM{BaseURL: "http://127.0.0.1:1", Model: "m", Timeout: "1s"})

	var p payload
	_, err := c.ParseJSON(`{"title": "a", "tags": []}`, &p)
	require.NoError(t, err)
	_, err = c.ParseJSON("```json\n{\"title\": \"b\", \"tags\": []}\n```", &p)
	require.NoError(t, err)
	_, _ = c.ParseJSON("garbage", &p)

	stats := c.ParseStats()
	assert.Equal(t, 1, stats[core.ParseDirect])
	assert.Equal(t, 1, stats[core.ParseMarkdownBlock])
	assert.Equal(t, 0, stats[core.ParseRepair])
}

func newTestClient(url string) *Client {
	return NewClient(config.LLM{BaseURL: url, Model: "test-model", Timeout: "5s"})
}

func TestCompleteRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"response": "answer", "done": true}`))
	}))
	defer srv.Close()

	text, err := newTestClient(srv.URL).Complete(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "answer", text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompleteModelNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), Request{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCompleteInBodyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": "model 'missing' not found"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), Request{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestCompleteEmptyPrompt(t *testing.T) {
	_, err := newTestClient("http://127.0.0.1:1").Complete(context.Background(), Request{Prompt: "   "})
	assert.ErrorIs(t, err, ErrInvalidPrompt)
}

func TestCompleteRequestModelOverride(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model
		_, _ = w.Write([]byte(`{"response": "ok", "done": true}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Complete(context.Background(), Request{Prompt: "hi", Model: "other-model"})
	require.NoError(t, err)
	assert.Equal(t, "other-model", gotModel)
}

func TestCompleteAppliesConfiguredDefaults(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"response": "ok", "done": true}`))
	}))
	defer srv.Close()

	c := NewClient(config.LLM{
		BaseURL: srv.URL, Model: "test-model", Timeout: "5s",
		Temperature: 0.7, MaxTokens: 2048,
	})

	// Unset request fields fall back to the configured values.
	_, err := c.Complete(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 0.7, got.Options.Temperature)
	assert.Equal(t, 2048, got.Options.NumPredict)

	// Explicit request values win.
	_, err = c.Complete(context.Background(), Request{Prompt: "hi", Temperature: 0.3, MaxTokens: 512})
	require.NoError(t, err)
	assert.Equal(t, 0.3, got.Options.Temperature)
	assert.Equal(t, 512, got.Options.NumPredict)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models": []}`))
	}))
	defer srv.Close()

	assert.NoError(t, newTestClient(srv.URL).Ping(context.Background()))
	assert.ErrorIs(t, newTestClient("http://127.0.0.1:1").Ping(context.Background()), ErrUnavailable)
}
