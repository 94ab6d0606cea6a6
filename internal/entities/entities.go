// Package entities extracts bounded entity lists from articles via the LLM
// and provides the overlap metric the clusterer scores with.
package entities

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"newsdesk/internal/core"
	"newsdesk/internal/llm"
	"newsdesk/internal/logger"
	"newsdesk/internal/store"
)

// maxPerKind bounds each entity category.
const maxPerKind = 5

// Role boosts for the overlap weight: primary subjects dominate, quoted
// entities count a little extra, everything else is neutral.
const (
	boostPrimary = 1.5
	boostQuoted  = 1.2
)

// Extractor extracts entities and caches them per (article, model).
type Extractor struct {
	store *store.Store
	llm   llm.Completer
	log   *slog.Logger
}

// NewExtractor wires an entity extractor over the store and LLM client.
func NewExtractor(s *store.Store, client llm.Completer) *Extractor {
	return &Extractor{store: s, llm: client, log: logger.Get()}
}

const extractPromptTemplate = `Extract the entities central to this article. Return strict JSON with exactly these five keys, each an array of at most 5 objects:
{"companies": [{"name": "...", "confidence": 0.0-1.0, "role": "primary_subject|mentioned|quoted", "disambiguation": "optional"}], "products": [], "people": [], "technologies": [], "locations": []}

Only include entities central to the article. Preserve proper capitalisation. Empty arrays are fine.
Respond with JSON only.

Title: %s

%s`

// Extract returns the entity set for an article, consulting the persistent
// cache first. A parse failure yields an empty set, cached so reruns do not
// hammer the model.
func (e *Extractor) Extract(ctx context.Context, article *core.Article) (*core.EntitySet, error) {
	model := e.llm.Model()

	cached, err := e.store.GetCachedEntities(article.ID, model)
	if err != nil {
		return nil, fmt.Errorf("entity cache lookup failed: %w", err)
	}
	if cached != nil {
		e.log.Debug("entity cache hit", "article", article.ID)
		return cached, nil
	}

	text := article.ExtractedText
	if text == "" {
		text = article.Summary
	}
	if len(text) > 6000 {
		text = text[:6000]
	}

	raw, err := e.llm.Complete(ctx, llm.Request{
		Prompt:      fmt.Sprintf(extractPromptTemplate, article.Title, text),
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("entity extraction call failed: %w", err)
	}

	var set core.EntitySet
	if _, err := e.llm.ParseJSON(raw, &set); err != nil {
		e.log.Warn("entity parse failed, storing empty set", "article", article.ID, "error", err.Error())
		set = core.EntitySet{}
	}
	normalizeSet(&set)

	if err := e.store.SetArticleEntities(article.ID, &set, model, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to store entities: %w", err)
	}
	article.Entities = &set
	return &set, nil
}

// normalizeSet clamps bounds and repairs out-of-range metadata from the model.
func normalizeSet(set *core.EntitySet) {
	for _, kind := range []*[]core.Entity{
		&set.Companies, &set.Products, &set.People, &set.Technologies, &set.Locations,
	} {
		cleaned := (*kind)[:0]
		for _, ent := range *kind {
			ent.Name = strings.TrimSpace(ent.Name)
			if ent.Name == "" {
				continue
			}
			if ent.Confidence <= 0 || ent.Confidence > 1 {
				ent.Confidence = 0.8
			}
			switch ent.Role {
			case core.RolePrimary, core.RoleMentioned, core.RoleQuoted:
			default:
				ent.Role = core.RoleMentioned
			}
			cleaned = append(cleaned, ent)
			if len(cleaned) == maxPerKind {
				break
			}
		}
		*kind = cleaned
	}
}

// Overlap is the confidence-weighted Jaccard over the union of all names:
//
//	sum of min(w_a, w_b) over shared names / sum of max(w_a, w_b) over all names
//
// where w = confidence x role boost. Two empty sets overlap 0.
func Overlap(a, b *core.EntitySet) float64 {
	wa := entityWeights(a)
	wb := entityWeights(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 0
	}

	var num, den float64
	for name, w := range wa {
		if w2, ok := wb[name]; ok {
			num += minFloat(w, w2)
			den += maxFloat(w, w2)
		} else {
			den += w
		}
	}
	for name, w := range wb {
		if _, ok := wa[name]; !ok {
			den += w
		}
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// entityWeights maps lowercased names to confidence x role boost. A name
// appearing more than once keeps its highest weight.
func entityWeights(set *core.EntitySet) map[string]float64 {
	weights := make(map[string]float64)
	for _, ent := range set.All() {
		w := ent.Confidence * roleBoost(ent.Role)
		key := strings.ToLower(ent.Name)
		if w > weights[key] {
			weights[key] = w
		}
	}
	return weights
}

func roleBoost(role core.EntityRole) float64 {
	switch role {
	case core.RolePrimary:
		return boostPrimary
	case core.RoleQuoted:
		return boostQuoted
	default:
		return 1.0
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
