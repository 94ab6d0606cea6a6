// Package extract turns article pages into clean plain text for the
// summariser. No scripts are executed; boilerplate is stripped and paragraph
// breaks survive as double newlines.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"newsdesk/internal/config"
	"newsdesk/internal/logger"
)

// ErrExtraction signals that no usable text could be recovered; callers fall
// back to the feed-provided summary.
var ErrExtraction = errors.New("content extraction failed")

// Result is the extractor's product.
type Result struct {
	Title string
	Text  string
}

// Extractor fetches and cleans article pages.
type Extractor struct {
	httpClient *http.Client
	userAgent  string
	log        *slog.Logger
}

// NewExtractor creates an extractor using the fetch configuration's HTTP
// timeout and user agent.
func NewExtractor(cfg config.Fetch) *Extractor {
	timeout := cfg.FeedTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Extractor{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  cfg.UserAgent,
		log:        logger.Get(),
	}
}

// Extract fetches the URL and returns cleaned text plus the detected title.
func (e *Extractor) Extract(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d for %s", ErrExtraction, resp.StatusCode, url)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	return e.extractDocument(doc)
}

// ExtractHTML cleans raw HTML without fetching.
func (e *Extractor) ExtractHTML(html string) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	return e.extractDocument(doc)
}

// boilerplateSelectors are removed before text collection.
var boilerplateSelectors = []string{
	"script", "style", "noscript", "iframe", "form",
	"nav", "header", "footer", "aside",
	".sidebar", ".navigation", ".menu", ".comments", ".related",
	".advertisement", ".ad", ".social-share", ".newsletter-signup",
}

// contentSelectors are tried in order; the first match with enough text wins.
var contentSelectors = []string{
	"article",
	"main",
	"[role='main']",
	".post-content",
	".entry-content",
	".article-content",
	".article-body",
	".story-body",
	"#content",
}

const minContentLength = 100

func (e *Extractor) extractDocument(doc *goquery.Document) (*Result, error) {
	title := detectTitle(doc)

	for _, sel := range boilerplateSelectors {
		doc.Find(sel).Remove()
	}

	var text string
	for _, sel := range contentSelectors {
		if node := doc.Find(sel).First(); node.Length() > 0 {
			if t := collectParagraphs(node); len(t) >= minContentLength {
				text = t
				break
			}
		}
	}
	if text == "" {
		text = collectParagraphs(doc.Find("body"))
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: no text content found", ErrExtraction)
	}

	return &Result{Title: title, Text: text}, nil
}

// collectParagraphs joins block-level text with double newlines so the
// chunker can split on paragraph boundaries later.
func collectParagraphs(sel *goquery.Selection) string {
	var paragraphs []string
	sel.Find("p, h1, h2, h3, h4, li, blockquote").Each(func(_ int, node *goquery.Selection) {
		t := normalizeWhitespace(node.Text())
		if t != "" {
			paragraphs = append(paragraphs, t)
		}
	})
	if len(paragraphs) == 0 {
		if t := normalizeWhitespace(sel.Text()); t != "" {
			return t
		}
	}
	return strings.Join(paragraphs, "\n\n")
}

// detectTitle cascades <title> -> og:title -> first <h1>.
func detectTitle(doc *goquery.Document) string {
	if t := normalizeWhitespace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if og, ok := doc.Find("meta[property='og:title']").First().Attr("content"); ok {
		if t := normalizeWhitespace(og); t != "" {
			return t
		}
	}
	return normalizeWhitespace(doc.Find("h1").First().Text())
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// HashContent returns the hex SHA-256 of extracted text, the cache key for
// summaries.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
