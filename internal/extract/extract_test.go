package extract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsdesk/internal/config"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
  <title>Gemini 2.0 Released</title>
  <meta property="og:title" content="Gemini 2.0 Released — OG">
  <script>trackEverything();</script>
  <style>body { color: red }</style>
</head>
<body>
  <nav><a href="/">Home</a><a href="/about">About</a></nav>
  <article>
    <h1>Gemini 2.0 Released</h1>
    <p>Google today announced Gemini 2.0, the next generation of its multimodal model family, with substantial gains on reasoning benchmarks.</p>
    <p>The release includes a flash variant aimed at low-latency applications and an updated developer API.</p>
  </article>
  <footer>Copyright 2025. All rights reserved. Subscribe to our newsletter.</footer>
</body>
</html>`

func TestExtractHTML(t *testing.T) {
	e := NewExtractor(config.Fetch{Timeout: "5s"})

	result, err := e.ExtractHTML(samplePage)
	require.NoError(t, err)

	assert.Equal(t, "Gemini 2.0 Released", result.Title)
	assert.Contains(t, result.Text, "Google today announced Gemini 2.0")
	assert.Contains(t, result.Text, "flash variant")

	// Paragraph break preserved as a double newline.
	assert.Contains(t, result.Text, "\n\n")

	// Boilerplate stripped.
	assert.NotContains(t, result.Text, "trackEverything")
	assert.NotContains(t, result.Text, "newsletter")
	assert.NotContains(t, result.Text, "About")
}

func TestExtractHTMLTitleCascade(t *testing.T) {
	e := NewExtractor(config.Fetch{Timeout: "5s"})

	page := `<html><head><meta property="og:title" content="From OG"></head><body><article><p>` +
		strings.Repeat("Body text for the main content area. ", 10) + `</p></article></body></html>`
	result, err := e.ExtractHTML(page)
	require.NoError(t, err)
	assert.Equal(t, "From OG", result.Title)
}

func TestExtractHTMLEmpty(t *testing.T) {
	e := NewExtractor(config.Fetch{Timeout: "5s"})

	_, err := e.ExtractHTML(`<html><body><script>only();</script></body></html>`)
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestExtractFromServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	e := NewExtractor(config.Fetch{Timeout: "5s", UserAgent: "Newsdesk/1.0"})
	result, err := e.Extract(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, result.Text, "Gemini 2.0")
}

func TestExtractNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	e := NewExtractor(config.Fetch{Timeout: "5s"})
	_, err := e.Extract(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestHashContent(t *testing.T) {
	h1 := HashContent("same text")
	h2 := HashContent("same text")
	h3 := HashContent("different text")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}
