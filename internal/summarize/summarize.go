// Package summarize produces structured summaries for articles: a direct LLM
// call for short content, map-reduce over chunks for long content, with a
// persistent cache keyed by (content_hash, model).
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"newsdesk/internal/config"
	"newsdesk/internal/core"
	"newsdesk/internal/extract"
	"newsdesk/internal/llm"
	"newsdesk/internal/logger"
	"newsdesk/internal/store"
)

// fallbackText is the last-resort fallback summary when an article has no
// text at all.
const fallbackText = "No summary available."

// Summarizer produces StructuredSummary values.
type Summarizer struct {
	store *store.Store
	llm   llm.Completer
	cfg   config.Summarize
	log   *slog.Logger
}

// NewSummarizer wires a summariser over the store and LLM client.
func NewSummarizer(s *store.Store, client llm.Completer, cfg config.Summarize) *Summarizer {
	return &Summarizer{store: s, llm: client, cfg: cfg, log: logger.Get()}
}

// summaryPayload is the strict JSON contract for summarisation prompts.
type summaryPayload struct {
	Bullets      []string `json:"bullets"`
	WhyItMatters string   `json:"why_it_matters"`
	Tags         []string `json:"tags"`
}

const directPromptTemplate = `Summarize this article as strict JSON with exactly these keys:
{"bullets": ["3-5 short bullet points, each under 80 characters"], "why_it_matters": "50-150 words on why this matters", "tags": ["3-6 lowercase-kebab-case tags"]}

Respond with JSON only, no prose before or after.

Title: %s

%s`

const mapPromptTemplate = `Summarize this section of a longer article as strict JSON:
{"bullets": ["2-4 key facts from this section"], "why_it_matters": "one sentence", "tags": ["1-3 lowercase-kebab-case tags"]}

Respond with JSON only.

%s`

const reducePromptTemplate = `These are section summaries of one article. Merge them into a single summary as strict JSON with exactly these keys:
{"bullets": ["3-5 short bullet points, each under 80 characters"], "why_it_matters": "50-150 words on why this matters", "tags": ["3-6 lowercase-kebab-case tags"]}

Respond with JSON only.

Title: %s

Section summaries:
%s`

// Summarize produces and persists a structured summary for the article.
// The cache is consulted first; a hit returns immediately with CacheHit set.
// On total LLM unavailability a fallback summary is written and the error
// returned; the structured summary stays null.
func (s *Summarizer) Summarize(ctx context.Context, article *core.Article) (*core.StructuredSummary, error) {
	model := s.llm.Model()

	text := article.ExtractedText
	if text == "" {
		text = article.Summary
	}
	if strings.TrimSpace(text) == "" {
		if err := s.writeFallback(article); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("article %d has no text to summarise", article.ID)
	}

	contentHash := article.ContentHash
	if contentHash == "" {
		contentHash = extract.HashContent(text)
	}

	cached, err := s.store.GetCachedSummary(contentHash, model)
	if err != nil {
		return nil, fmt.Errorf("summary cache lookup failed: %w", err)
	}
	if cached != nil {
		cached.CacheHit = true
		if article.Structured == nil {
			if err := s.store.SetArticleSummary(article.ID, cached); err != nil {
				return nil, err
			}
		}
		s.log.Debug("summary cache hit", "article", article.ID, "content_hash", contentHash)
		return cached, nil
	}

	totalTokens := EstimateTokens(text)

	var summary *core.StructuredSummary
	if totalTokens >= s.cfg.ChunkingThreshold {
		summary, err = s.mapReduce(ctx, article, text, totalTokens)
	} else {
		summary, err = s.direct(ctx, article, text, totalTokens)
	}
	if err != nil {
		if fbErr := s.writeFallback(article); fbErr != nil {
			s.log.Error("failed to write fallback summary", "error", fbErr, "article", article.ID)
		}
		return nil, err
	}

	summary.ContentHash = contentHash
	summary.Model = model
	summary.GeneratedAt = time.Now().UTC()
	clampPayloadBounds(summary)

	if err := s.store.SetArticleSummary(article.ID, summary); err != nil {
		return nil, fmt.Errorf("failed to store summary: %w", err)
	}
	article.Structured = summary
	return summary, nil
}

// direct is a single LLM call with one retry on parse failure; a second parse
// failure degrades to a summary built from the first two sentences.
func (s *Summarizer) direct(ctx context.Context, article *core.Article, text string, totalTokens int) (*core.StructuredSummary, error) {
	prompt := fmt.Sprintf(directPromptTemplate, article.Title, text)

	var payload summaryPayload
	var parsed bool
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := s.llm.Complete(ctx, llm.Request{Prompt: prompt, Temperature: 0.3})
		if err != nil {
			return nil, fmt.Errorf("summarisation call failed: %w", err)
		}
		if _, err := s.llm.ParseJSON(raw, &payload); err == nil && len(payload.Bullets) > 0 {
			parsed = true
			break
		}
		s.log.Warn("summary parse failed", "article", article.ID, "attempt", attempt+1)
	}

	if !parsed {
		return s.degraded(article, text, totalTokens), nil
	}

	return &core.StructuredSummary{
		Bullets:      payload.Bullets,
		WhyItMatters: payload.WhyItMatters,
		Tags:         payload.Tags,
		Method:       core.MethodDirect,
		TotalTokens:  totalTokens,
	}, nil
}

// mapReduce chunks the text, summarises each chunk, then synthesises the mini
// summaries into the final result. The first chunk carries title context.
func (s *Summarizer) mapReduce(ctx context.Context, article *core.Article, text string, totalTokens int) (*core.StructuredSummary, error) {
	chunks := SplitChunks(text, s.cfg.ChunkSize, s.cfg.MaxChunkSize, s.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return s.degraded(article, text, totalTokens), nil
	}

	s.log.Debug("map-reduce summarisation", "article", article.ID, "chunks", len(chunks), "tokens", totalTokens)

	var minis []string
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i == 0 {
			chunk = fmt.Sprintf("Title: %s\nSource: %s\n\n%s", article.Title, article.URL, chunk)
		}
		raw, err := s.llm.Complete(ctx, llm.Request{
			Prompt:      fmt.Sprintf(mapPromptTemplate, chunk),
			Temperature: 0.3,
		})
		if err != nil {
			return nil, fmt.Errorf("map call failed on chunk %d/%d: %w", i+1, len(chunks), err)
		}
		var mini summaryPayload
		if _, err := s.llm.ParseJSON(raw, &mini); err != nil {
			s.log.Warn("chunk summary parse failed, skipping chunk", "article", article.ID, "chunk", i+1)
			continue
		}
		minis = append(minis, "- "+strings.Join(mini.Bullets, "\n- "))
	}
	if len(minis) == 0 {
		return s.degraded(article, text, totalTokens), nil
	}

	raw, err := s.llm.Complete(ctx, llm.Request{
		Prompt:      fmt.Sprintf(reducePromptTemplate, article.Title, strings.Join(minis, "\n\n")),
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("reduce call failed: %w", err)
	}

	var payload summaryPayload
	if _, err := s.llm.ParseJSON(raw, &payload); err != nil || len(payload.Bullets) == 0 {
		return s.degraded(article, text, totalTokens), nil
	}

	return &core.StructuredSummary{
		Bullets:      payload.Bullets,
		WhyItMatters: payload.WhyItMatters,
		Tags:         payload.Tags,
		Method:       core.MethodMapReduce,
		IsChunked:    true,
		ChunkCount:   len(chunks),
		TotalTokens:  totalTokens,
	}, nil
}

// degraded builds a minimal summary from the first two sentences when parsing
// has exhausted its retries. The LLM was reachable, so this still counts as a
// structured summary.
func (s *Summarizer) degraded(article *core.Article, text string, totalTokens int) *core.StructuredSummary {
	first, second := firstTwoSentences(text)
	if first == "" {
		first = article.Title
	}

	tag := "general"
	if article.Topic != "" {
		tag = string(article.Topic)
	}

	return &core.StructuredSummary{
		Bullets:      []string{first},
		WhyItMatters: second,
		Tags:         []string{tag},
		Method:       core.MethodDirect,
		TotalTokens:  totalTokens,
	}
}

// writeFallback stores a plain-text fallback: first two sentences, else the
// title, else a constant.
func (s *Summarizer) writeFallback(article *core.Article) error {
	first, second := firstTwoSentences(article.ExtractedText)
	text := strings.TrimSpace(first + " " + second)
	if text == "" {
		text = article.Title
	}
	if text == "" {
		text = fallbackText
	}
	article.FallbackSummary = text
	return s.store.SetArticleFallbackSummary(article.ID, text)
}

// clampPayloadBounds enforces the contract bounds on model output.
func clampPayloadBounds(summary *core.StructuredSummary) {
	if len(summary.Bullets) > 5 {
		summary.Bullets = summary.Bullets[:5]
	}
	if len(summary.Tags) > 6 {
		summary.Tags = summary.Tags[:6]
	}
	for i, tag := range summary.Tags {
		summary.Tags[i] = strings.ToLower(strings.TrimSpace(tag))
	}
}
