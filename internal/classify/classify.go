// Package classify assigns one topic tag from a closed vocabulary to each
// article. The LLM path yields confidence 1.0; the keyword fallback scales
// 0.5-0.9 by hit count, defaulting to general.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"newsdesk/internal/core"
	"newsdesk/internal/llm"
	"newsdesk/internal/logger"
	"newsdesk/internal/store"
)

// Classifier labels articles by topic.
type Classifier struct {
	store *store.Store
	llm   llm.Completer
	log   *slog.Logger
}

// NewClassifier wires a classifier over the store and LLM client.
func NewClassifier(s *store.Store, client llm.Completer) *Classifier {
	return &Classifier{store: s, llm: client, log: logger.Get()}
}

const classifyPromptTemplate = `Classify this article into exactly one topic.

Topics: ai-ml, cloud-k8s, security, devtools, chips-hardware, politics, business, science, general

Title: %s
Summary: %s

Respond with only the topic tag, nothing else.`

// Classify labels one article and persists the result. The LLM path is tried
// first; on unavailability or an out-of-vocabulary label it falls back to
// keyword matching. Idempotent; reruns may update the stored topic.
func (c *Classifier) Classify(ctx context.Context, article *core.Article) (core.Topic, float64, error) {
	topic, confidence := c.classifyLLM(ctx, article)
	if topic == "" {
		topic, confidence = classifyKeywords(article)
	}
	if err := c.store.SetArticleTopic(article.ID, topic, confidence); err != nil {
		return topic, confidence, fmt.Errorf("failed to store topic: %w", err)
	}
	article.Topic = topic
	article.TopicConfidence = confidence
	return topic, confidence, nil
}

// classifyLLM returns ("", 0) when the LLM path cannot produce a valid label.
func (c *Classifier) classifyLLM(ctx context.Context, article *core.Article) (core.Topic, float64) {
	prompt := fmt.Sprintf(classifyPromptTemplate, article.Title, excerpt(article))
	text, err := c.llm.Complete(ctx, llm.Request{
		Prompt:      prompt,
		Temperature: 0,
		MaxTokens:   16,
	})
	if err != nil {
		c.log.Debug("llm classification unavailable", "article", article.ID, "error", err.Error())
		return "", 0
	}

	label := core.Topic(strings.ToLower(strings.TrimSpace(text)))
	if core.ValidTopic(label) {
		return label, 1.0
	}
	// Models sometimes wrap the label in prose; accept an embedded exact tag.
	lowered := strings.ToLower(text)
	for _, t := range core.Topics {
		if strings.Contains(lowered, string(t)) {
			return t, 1.0
		}
	}
	c.log.Debug("llm returned out-of-vocabulary topic", "article", article.ID, "label", strings.TrimSpace(text))
	return "", 0
}

// topicKeywords is the fallback vocabulary, matched against title + summary +
// extracted text.
var topicKeywords = map[core.Topic][]string{
	core.TopicAIML: {
		"ai", "artificial intelligence", "machine learning", "llm", "neural",
		"gpt", "gemini", "claude", "openai", "anthropic", "model", "transformer",
		"deep learning", "inference",
	},
	core.TopicCloudK8s: {
		"kubernetes", "k8s", "cloud", "aws", "azure", "gcp", "container",
		"docker", "serverless", "terraform", "devops", "microservice",
	},
	core.TopicSecurity: {
		"security", "vulnerability", "exploit", "breach", "ransomware",
		"malware", "cve", "phishing", "zero-day", "encryption", "attacker",
	},
	core.TopicDevTools: {
		"programming", "compiler", "ide", "github", "git", "rust", "golang",
		"typescript", "framework", "library", "open source", "developer",
	},
	core.TopicChips: {
		"chip", "semiconductor", "gpu", "cpu", "nvidia", "intel", "amd",
		"tsmc", "silicon", "fab", "wafer", "arm",
	},
	core.TopicPolitics: {
		"election", "congress", "senate", "parliament", "regulation",
		"legislation", "government", "policy", "president", "minister",
	},
	core.TopicBusiness: {
		"acquisition", "merger", "ipo", "funding", "revenue", "earnings",
		"startup", "valuation", "layoff", "quarterly", "investor",
	},
	core.TopicScience: {
		"research", "study", "physics", "biology", "astronomy", "climate",
		"quantum", "spacecraft", "genome", "experiment", "telescope",
	},
}

// classifyKeywords scores each topic by vocabulary hits over the article text.
// Confidence is 0.5 for a single hit, +0.1 per extra hit, capped at 0.9.
func classifyKeywords(article *core.Article) (core.Topic, float64) {
	text := strings.ToLower(article.Title + " " + article.Summary + " " + article.ExtractedText)

	best := core.TopicGeneral
	bestHits := 0
	for _, topic := range core.Topics {
		words, ok := topicKeywords[topic]
		if !ok {
			continue
		}
		hits := 0
		for _, w := range words {
			if containsWord(text, w) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = topic, hits
		}
	}

	if bestHits == 0 {
		return core.TopicGeneral, 0.5
	}
	confidence := 0.5 + 0.1*float64(bestHits-1)
	if confidence > 0.9 {
		confidence = 0.9
	}
	return best, confidence
}

// containsWord matches a keyword at word boundaries, so "ai" does not fire
// inside "maintain".
func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

func excerpt(article *core.Article) string {
	s := article.Summary
	if s == "" {
		s = article.ExtractedText
	}
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}

// ReclassifyStale relabels articles whose topic is missing or no longer in
// the vocabulary, a startup migration after vocabulary changes.
func (c *Classifier) ReclassifyStale(ctx context.Context) (int, error) {
	articles, err := c.store.ListArticles(store.ArticleFilter{})
	if err != nil {
		return 0, fmt.Errorf("failed to list articles: %w", err)
	}

	count := 0
	for i := range articles {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		a := &articles[i]
		if a.Topic != "" && core.ValidTopic(a.Topic) {
			continue
		}
		if _, _, err := c.Classify(ctx, a); err != nil {
			c.log.Warn("reclassification failed", "article", a.ID, "error", err.Error())
			continue
		}
		count++
	}
	if count > 0 {
		c.log.Info("reclassified stale articles", "count", count)
	}
	return count, nil
}
