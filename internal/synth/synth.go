// Package synth turns article clusters into Story records through a
// four-pass LLM pipeline: type detection, analysis, type-specific synthesis,
// and refinement.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"newsdesk/internal/cluster"
	"newsdesk/internal/config"
	"newsdesk/internal/core"
	"newsdesk/internal/llm"
	"newsdesk/internal/logger"
	"newsdesk/internal/scoring"
	"newsdesk/internal/store"
)

// storyType classifies how a cluster's narrative should be told.
type storyType string

const (
	typeBreaking   storyType = "breaking"
	typeEvolving   storyType = "evolving"
	typeTrend      storyType = "trend"
	typeComparison storyType = "comparison"
)

// Result carries the synthesis counters for one run.
type Result struct {
	StoriesGenerated  int
	DuplicatesSkipped int
	ClustersSkipped   int
}

// Synthesizer writes stories from clusters.
type Synthesizer struct {
	store *store.Store
	llm   llm.Completer
	cfg   config.Stories
	log   *slog.Logger
}

// NewSynthesizer wires a synthesiser over the store and LLM client.
func NewSynthesizer(s *store.Store, client llm.Completer, cfg config.Stories) *Synthesizer {
	return &Synthesizer{store: s, llm: client, cfg: cfg, log: logger.Get()}
}

// WithModel returns a copy of the synthesiser that targets a different model,
// used for per-request overrides.
func (sy *Synthesizer) WithModel(model string) *Synthesizer {
	copied := *sy
	copied.cfg.Model = model
	return &copied
}

// storyPayload is the strict JSON contract of the synthesis passes.
type storyPayload struct {
	Title        string   `json:"title"`
	Synthesis    string   `json:"synthesis"`
	KeyPoints    []string `json:"key_points"`
	WhyItMatters string   `json:"why_it_matters"`
	Topics       []string `json:"topics"`
	Entities     []string `json:"entities"`
}

const typeDetectPrompt = `These are headlines of articles covering one story. Classify the story as exactly one of: breaking, evolving, trend, comparison.

%s

Respond with only the type, nothing else.`

const analysisPrompt = `Analyze these related articles. Return strict JSON:
{"timeline": ["key events in order"], "core_facts": ["facts all sources agree on"], "tensions": ["points where sources disagree"], "key_players": ["people and organisations involved"]}

Respond with JSON only.

%s`

const synthesisPromptTemplate = `Write a %s news story synthesising these sources. %s

Analysis:
%s

Sources:
%s

Return strict JSON with exactly these keys:
{"title": "headline under 100 characters", "synthesis": "2-4 paragraph narrative", "key_points": ["3-8 key points"], "why_it_matters": "why this matters", "topics": ["topic tags"], "entities": ["entity names"]}

Respond with JSON only.`

const refinementPrompt = `Critique and improve this story draft. Tighten the prose, remove repetition, keep all facts. Return the improved story as strict JSON with the same keys.

%s

Respond with JSON only.`

// typeGuidance tunes the synthesis prompt per story type.
var typeGuidance = map[storyType]string{
	typeBreaking:   "Lead with what just happened and what is confirmed versus unconfirmed.",
	typeEvolving:   "Lead with the latest development and trace how the story got here.",
	typeTrend:      "Lead with the pattern across sources and what is driving it.",
	typeComparison: "Lead with what is being compared and the meaningful differences.",
}

// Synthesize writes one story per cluster using a bounded worker pool. LLM
// unavailability skips the cluster for a later run; an already-claimed
// cluster hash counts as a duplicate.
func (sy *Synthesizer) Synthesize(ctx context.Context, clusters []cluster.Cluster) (*Result, error) {
	workers := int64(sy.cfg.Workers)
	if workers <= 0 {
		workers = 3
	}
	sem := semaphore.NewWeighted(workers)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result Result
	)

	for _, cl := range clusters {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		cl := cl
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			err := sy.synthesizeCluster(ctx, cl)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.StoriesGenerated++
			case errors.Is(err, store.ErrAlreadyExists):
				result.DuplicatesSkipped++
			default:
				result.ClustersSkipped++
				sy.log.Warn("cluster synthesis skipped", "hash", cl.Hash, "error", err.Error())
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return &result, ctx.Err()
	}
	return &result, nil
}

// synthesizeCluster runs the four passes and persists the story with links.
func (sy *Synthesizer) synthesizeCluster(ctx context.Context, cl cluster.Cluster) error {
	sources := formatSources(cl.Articles)

	st := sy.detectType(ctx, cl.Articles)
	analysis := sy.analyze(ctx, sources)

	payload, strategy, err := sy.synthesize(ctx, st, analysis, sources)
	if err != nil {
		if errors.Is(err, llm.ErrBadResponse) {
			// The model answered but never produced usable JSON; record a
			// degraded story so progress is observable.
			payload = sy.degradedPayload(cl.Articles)
			strategy = core.ParseRepair
			return sy.persist(ctx, cl, payload, strategy, core.TitleFallback)
		}
		return err
	}

	if refined, refStrategy, err := sy.refine(ctx, payload); err == nil {
		payload, strategy = refined, refStrategy
	}

	return sy.persist(ctx, cl, payload, strategy, core.TitleLLM)
}

// detectType runs pass one; failures default to evolving.
func (sy *Synthesizer) detectType(ctx context.Context, articles []core.Article) storyType {
	var titles []string
	for _, a := range articles {
		titles = append(titles, "- "+a.Title)
	}
	raw, err := sy.llm.Complete(ctx, llm.Request{
		Prompt:      fmt.Sprintf(typeDetectPrompt, strings.Join(titles, "\n")),
		Model:       sy.cfg.Model,
		Temperature: 0,
		MaxTokens:   8,
	})
	if err != nil {
		return typeEvolving
	}
	label := storyType(strings.ToLower(strings.TrimSpace(raw)))
	switch label {
	case typeBreaking, typeEvolving, typeTrend, typeComparison:
		return label
	}
	return typeEvolving
}

// analyze runs pass two; failures yield an empty analysis block.
func (sy *Synthesizer) analyze(ctx context.Context, sources string) string {
	raw, err := sy.llm.Complete(ctx, llm.Request{
		Prompt:      fmt.Sprintf(analysisPrompt, sources),
		Model:       sy.cfg.Model,
		Temperature: 0.3,
	})
	if err != nil {
		return "(no analysis available)"
	}
	var analysis struct {
		Timeline   []string `json:"timeline"`
		CoreFacts  []string `json:"core_facts"`
		Tensions   []string `json:"tensions"`
		KeyPlayers []string `json:"key_players"`
	}
	if _, err := sy.llm.ParseJSON(raw, &analysis); err != nil {
		return "(no analysis available)"
	}

	var b strings.Builder
	writeSection := func(name string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString(name + ":\n")
		for _, it := range items {
			b.WriteString("- " + it + "\n")
		}
	}
	writeSection("Timeline", analysis.Timeline)
	writeSection("Core facts", analysis.CoreFacts)
	writeSection("Tensions", analysis.Tensions)
	writeSection("Key players", analysis.KeyPlayers)
	if b.Len() == 0 {
		return "(no analysis available)"
	}
	return b.String()
}

// synthesize runs pass three. A transport error propagates so the caller can
// skip the cluster; exhausting every parse strategy returns ErrBadResponse.
func (sy *Synthesizer) synthesize(ctx context.Context, st storyType, analysis, sources string) (*storyPayload, core.ParseStrategy, error) {
	raw, err := sy.llm.Complete(ctx, llm.Request{
		Prompt:      fmt.Sprintf(synthesisPromptTemplate, st, typeGuidance[st], analysis, sources),
		Model:       sy.cfg.Model,
		Temperature: 0.5,
	})
	if err != nil {
		return nil, "", fmt.Errorf("synthesis call failed: %w", err)
	}

	var payload storyPayload
	strategy, err := sy.llm.ParseJSON(raw, &payload)
	if err != nil || payload.Title == "" || payload.Synthesis == "" {
		return nil, "", fmt.Errorf("%w: synthesis output unusable", llm.ErrBadResponse)
	}
	return &payload, strategy, nil
}

// refine runs pass four; any failure keeps the unrefined draft.
func (sy *Synthesizer) refine(ctx context.Context, draft *storyPayload) (*storyPayload, core.ParseStrategy, error) {
	raw, err := sy.llm.Complete(ctx, llm.Request{
		Prompt:      fmt.Sprintf(refinementPrompt, formatDraft(draft)),
		Model:       sy.cfg.Model,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, "", err
	}
	var refined storyPayload
	strategy, err := sy.llm.ParseJSON(raw, &refined)
	if err != nil || refined.Title == "" || refined.Synthesis == "" {
		return nil, "", fmt.Errorf("%w: refinement output unusable", llm.ErrBadResponse)
	}
	return &refined, strategy, nil
}

// degradedPayload builds the minimal observable story when every synthesis
// parse failed: fallback title, truncated concatenated summaries, no
// rationale.
func (sy *Synthesizer) degradedPayload(articles []core.Article) *storyPayload {
	entity := firstEntity(articles)
	topic := "general"
	if len(articles) > 0 && articles[0].Topic != "" {
		topic = string(articles[0].Topic)
	}

	title := fmt.Sprintf("Update on %s and %s", entity, topic)
	if entity == "" {
		title = fmt.Sprintf("Update on %s", topic)
	}

	var parts []string
	for _, a := range articles {
		text := a.Summary
		if a.Structured != nil && len(a.Structured.Bullets) > 0 {
			text = strings.Join(a.Structured.Bullets, " ")
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	synthesis := strings.Join(parts, " ")
	if len(synthesis) > 1500 {
		synthesis = synthesis[:1500]
	}

	return &storyPayload{
		Title:     title,
		Synthesis: synthesis,
		Topics:    []string{topic},
		Entities:  entityNames(articles, 10),
	}
}

// persist scores the story and writes it with its article links in one
// transaction. A lost duplicate-hash race surfaces as ErrAlreadyExists.
func (sy *Synthesizer) persist(ctx context.Context, cl cluster.Cluster, payload *storyPayload, strategy core.ParseStrategy, titleSource core.TitleSource) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	topics := validTopics(payload.Topics, cl.Articles)
	entities := payload.Entities
	if len(entities) == 0 {
		entities = entityNames(cl.Articles, 10)
	}

	feedHealth, err := sy.loadFeedHealth()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	scores := scoring.Compute(cl.Articles, feedHealth, len(entities), now)

	story := &core.Story{
		Title:           payload.Title,
		Synthesis:       payload.Synthesis,
		KeyPoints:       payload.KeyPoints,
		WhyItMatters:    payload.WhyItMatters,
		Topics:          topics,
		Entities:        entities,
		ImportanceScore: scores.Importance,
		FreshnessScore:  scores.Freshness,
		QualityScore:    scores.Quality,
		Status:          core.StoryActive,
		GeneratedAt:     now,
		Model:           sy.modelName(),
		ClusterHash:     cl.Hash,
		TitleSource:     titleSource,
		ParseStrategy:   strategy,
	}

	links := buildLinks(cl.Articles, entities)
	if _, err := sy.store.CreateStory(story, links); err != nil {
		return err
	}

	sy.log.Info("story created",
		"title", story.Title,
		"articles", len(links),
		"quality", fmt.Sprintf("%.2f", story.QualityScore),
		"parse_strategy", string(strategy))
	return nil
}

func (sy *Synthesizer) modelName() string {
	if sy.cfg.Model != "" {
		return sy.cfg.Model
	}
	return sy.llm.Model()
}

func (sy *Synthesizer) loadFeedHealth() (map[int64]float64, error) {
	feeds, err := sy.store.ListFeeds()
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	health := make(map[int64]float64, len(feeds))
	for _, f := range feeds {
		health[f.ID] = f.HealthScore
	}
	return health, nil
}

// buildLinks computes per-article relevance as coverage of the story's entity
// list; the best-covered article becomes primary.
func buildLinks(articles []core.Article, storyEntities []string) []core.StoryArticle {
	names := make(map[string]bool, len(storyEntities))
	for _, n := range storyEntities {
		names[strings.ToLower(n)] = true
	}

	links := make([]core.StoryArticle, len(articles))
	bestIdx, bestRelevance := 0, -1.0
	for i, a := range articles {
		relevance := 0.1
		if len(names) > 0 && a.Entities != nil {
			covered := 0
			for _, n := range a.Entities.Names() {
				if names[strings.ToLower(n)] {
					covered++
				}
			}
			relevance = float64(covered) / float64(len(names))
			if relevance < 0.1 {
				relevance = 0.1
			}
		}
		links[i] = core.StoryArticle{ArticleID: a.ID, Relevance: relevance}
		if relevance > bestRelevance {
			bestIdx, bestRelevance = i, relevance
		}
	}
	links[bestIdx].Primary = true
	return links
}

// validTopics keeps in-vocabulary tags from the payload, falling back to the
// articles' own topics.
func validTopics(tags []string, articles []core.Article) []core.Topic {
	var topics []core.Topic
	seen := make(map[core.Topic]bool)
	add := func(t core.Topic) {
		if core.ValidTopic(t) && !seen[t] {
			seen[t] = true
			topics = append(topics, t)
		}
	}
	for _, tag := range tags {
		add(core.Topic(strings.ToLower(strings.TrimSpace(tag))))
	}
	if len(topics) == 0 {
		for _, a := range articles {
			add(a.Topic)
		}
	}
	return topics
}

func entityNames(articles []core.Article, limit int) []string {
	var names []string
	seen := make(map[string]bool)
	for _, a := range articles {
		for _, n := range a.Entities.Names() {
			key := strings.ToLower(n)
			if seen[key] {
				continue
			}
			seen[key] = true
			names = append(names, n)
			if len(names) == limit {
				return names
			}
		}
	}
	return names
}

func firstEntity(articles []core.Article) string {
	for _, a := range articles {
		for _, e := range a.Entities.All() {
			if e.Role == core.RolePrimary {
				return e.Name
			}
		}
	}
	for _, a := range articles {
		if names := a.Entities.Names(); len(names) > 0 {
			return names[0]
		}
	}
	return ""
}

// formatSources renders the cluster's articles for the prompts, preferring
// structured summaries over raw excerpts.
func formatSources(articles []core.Article) string {
	var b strings.Builder
	for i, a := range articles {
		fmt.Fprintf(&b, "Source %d: %s\n", i+1, a.Title)
		switch {
		case a.Structured != nil && len(a.Structured.Bullets) > 0:
			for _, bullet := range a.Structured.Bullets {
				b.WriteString("- " + bullet + "\n")
			}
		case a.FallbackSummary != "":
			b.WriteString(a.FallbackSummary + "\n")
		case a.Summary != "":
			b.WriteString(a.Summary + "\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatDraft(p *storyPayload) string {
	var b strings.Builder
	b.WriteString("Title: " + p.Title + "\n\n")
	b.WriteString(p.Synthesis + "\n\n")
	if len(p.KeyPoints) > 0 {
		b.WriteString("Key points:\n")
		for _, k := range p.KeyPoints {
			b.WriteString("- " + k + "\n")
		}
	}
	if p.WhyItMatters != "" {
		b.WriteString("\nWhy it matters: " + p.WhyItMatters + "\n")
	}
	return b.String()
}
