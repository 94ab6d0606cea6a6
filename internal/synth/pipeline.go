package synth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"newsdesk/internal/cluster"
	"newsdesk/internal/logger"
	"newsdesk/internal/store"
	"newsdesk/internal/summarize"
)

// GenerateResult is the user-facing outcome of one generation run. Message is
// part of the contract: each outcome has a fixed diagnostic phrasing.
type GenerateResult struct {
	Success           bool   `json:"success"`
	StoriesGenerated  int    `json:"stories_generated"`
	ArticlesFound     int    `json:"articles_found"`
	ClustersCreated   int    `json:"clusters_created"`
	DuplicatesSkipped int    `json:"duplicates_skipped"`
	Message           string `json:"message"`
}

// GenerateParams are the per-run knobs for one generation call. Model
// overrides the configured synthesis model when set.
type GenerateParams struct {
	cluster.Params
	Model string
}

// Pipeline runs summarisation, clustering, and synthesis as one generation
// operation, shared by the scheduler, the HTTP surface, and the CLI.
type Pipeline struct {
	store       *store.Store
	clusterer   *cluster.Clusterer
	synthesizer *Synthesizer
	summarizer  *summarize.Summarizer
	windowHours int
	llmWorkers  int
}

// NewPipeline wires the generation pipeline. windowHours is the default
// clustering window used when params leave it unset; llmWorkers bounds
// concurrent summarisation calls.
func NewPipeline(st *store.Store, c *cluster.Clusterer, sy *Synthesizer, sum *summarize.Summarizer, windowHours, llmWorkers int) *Pipeline {
	if llmWorkers < 1 {
		llmWorkers = 2
	}
	return &Pipeline{
		store:       st,
		clusterer:   c,
		synthesizer: sy,
		summarizer:  sum,
		windowHours: windowHours,
		llmWorkers:  llmWorkers,
	}
}

// Generate clusters the recent window and synthesises a story per surviving
// cluster.
func (p *Pipeline) Generate(ctx context.Context, params GenerateParams) (*GenerateResult, error) {
	window := params.TimeWindowHours
	if window <= 0 {
		window = p.windowHours
	}
	params.TimeWindowHours = window

	synthesizer := p.synthesizer
	if params.Model != "" {
		synthesizer = synthesizer.WithModel(params.Model)
	}

	p.summarizeWindow(ctx, window)

	clusterResult, err := p.clusterer.Cluster(ctx, params.Params)
	if err != nil {
		return nil, fmt.Errorf("clustering failed: %w", err)
	}

	result := &GenerateResult{
		Success:           true,
		ArticlesFound:     clusterResult.ArticlesFound,
		ClustersCreated:   clusterResult.ClustersCreated,
		DuplicatesSkipped: clusterResult.DuplicatesSkipped,
	}

	if result.ArticlesFound == 0 {
		result.Message = fmt.Sprintf(
			"No new articles found in the last %d hours. Try fetching feeds or expanding the time window.", window)
		return result, nil
	}

	if len(clusterResult.Clusters) > 0 {
		synthResult, err := synthesizer.Synthesize(ctx, clusterResult.Clusters)
		if synthResult != nil {
			result.StoriesGenerated = synthResult.StoriesGenerated
			result.DuplicatesSkipped += synthResult.DuplicatesSkipped
		}
		if err != nil {
			return result, fmt.Errorf("synthesis failed: %w", err)
		}
	}

	switch {
	case result.ClustersCreated == 0:
		result.Message = fmt.Sprintf(
			"Found %d articles but no clusters formed - try adjusting the similarity threshold or minimum articles.",
			result.ArticlesFound)
	case result.StoriesGenerated == 0 && result.DuplicatesSkipped == result.ClustersCreated:
		result.Message = fmt.Sprintf(
			"All %d story clusters were duplicates of existing stories - already up to date.",
			result.ClustersCreated)
	default:
		result.Message = fmt.Sprintf(
			"Successfully generated %d new stories (%d duplicates skipped).",
			result.StoriesGenerated, result.DuplicatesSkipped)
	}

	p.logCompletion(result)
	return result, nil
}

// summarizeWindow fills structured summaries for window articles that have
// none yet. Failures degrade to fallback summaries inside the summariser and
// never block generation.
func (p *Pipeline) summarizeWindow(ctx context.Context, windowHours int) {
	if p.summarizer == nil {
		return
	}

	articles, err := p.store.ListArticles(store.ArticleFilter{
		PublishedAfter: time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour),
	})
	if err != nil {
		logger.Warn("summary pass skipped, article listing failed", "error", err.Error())
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.llmWorkers)
	for i := range articles {
		a := articles[i]
		if a.Structured != nil || a.FallbackSummary != "" {
			continue
		}
		g.Go(func() error {
			if _, err := p.summarizer.Summarize(ctx, &a); err != nil {
				logger.Warn("summarisation failed", "article", a.ID, "error", err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) logCompletion(result *GenerateResult) {
	logger.Info("story generation complete",
		"articles_found", result.ArticlesFound,
		"clusters_created", result.ClustersCreated,
		"stories_generated", result.StoriesGenerated,
		"duplicates_skipped", result.DuplicatesSkipped)
}
