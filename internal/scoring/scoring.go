// Package scoring computes the three story scores: importance, freshness,
// and the blended quality score. All values are clamped to [0,1].
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"newsdesk/internal/core"
	"newsdesk/internal/logger"
	"newsdesk/internal/store"
)

// freshnessHalfLifeHours drives the exponential decay of freshness.
const freshnessHalfLifeHours = 12.0

// engagementPlaceholder stands in for real engagement signals.
const engagementPlaceholder = 0.5

// Scores bundles the computed components for one story.
type Scores struct {
	Importance    float64
	Freshness     float64
	SourceQuality float64
	Quality       float64
}

// Importance blends capped ratios of article count, unique sources, and
// entity count:
//
//	0.4*min(articles/10, 1) + 0.3*min(sources/5, 1) + 0.3*min(entities/10, 1)
func Importance(articleCount, uniqueSources, entityCount int) float64 {
	return clamp(0.4*cappedRatio(articleCount, 10) +
		0.3*cappedRatio(uniqueSources, 5) +
		0.3*cappedRatio(entityCount, 10))
}

// Freshness is exp(-avg_age_hours / 12), the mean age over article
// publication times. Future publications clamp to zero age; articles without
// a publication time fall back to their created_at.
func Freshness(articles []core.Article, now time.Time) float64 {
	if len(articles) == 0 {
		return 0
	}
	now = now.UTC()

	var totalHours float64
	for _, a := range articles {
		t := a.Published
		if t.IsZero() {
			t = a.CreatedAt
		}
		if t.IsZero() {
			continue
		}
		age := now.Sub(t.UTC()).Hours()
		if age < 0 {
			age = 0
		}
		totalHours += age
	}
	avg := totalHours / float64(len(articles))
	return clamp(math.Exp(-avg / freshnessHalfLifeHours))
}

// SourceQuality is the mean contributing feed health, scaled to [0,1].
func SourceQuality(healthScores []float64) float64 {
	if len(healthScores) == 0 {
		return 0.5
	}
	var sum float64
	for _, h := range healthScores {
		sum += h / 100.0
	}
	return clamp(sum / float64(len(healthScores)))
}

// Quality blends the components with a constant engagement placeholder:
//
//	0.4*importance + 0.3*freshness + 0.2*source_quality + 0.1*0.5
func Quality(importance, freshness, sourceQuality float64) float64 {
	return clamp(0.4*importance + 0.3*freshness + 0.2*sourceQuality + 0.1*engagementPlaceholder)
}

// Compute scores one cluster of articles. entityCount is the size of the
// story's flat entity list; feedHealth maps feed id to health score.
func Compute(articles []core.Article, feedHealth map[int64]float64, entityCount int, now time.Time) Scores {
	sources := make(map[int64]bool)
	var healths []float64
	for _, a := range articles {
		if !sources[a.FeedID] {
			sources[a.FeedID] = true
			if h, ok := feedHealth[a.FeedID]; ok {
				healths = append(healths, h)
			}
		}
	}

	s := Scores{
		Importance:    Importance(len(articles), len(sources), entityCount),
		Freshness:     Freshness(articles, now),
		SourceQuality: SourceQuality(healths),
	}
	s.Quality = Quality(s.Importance, s.Freshness, s.SourceQuality)
	return s
}

func cappedRatio(n, cap int) float64 {
	r := float64(n) / float64(cap)
	if r > 1 {
		return 1
	}
	return r
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Scorer recomputes stored story scores; freshness decays between runs.
type Scorer struct {
	store *store.Store
	log   *slog.Logger
}

// NewScorer wires a scorer over the store.
func NewScorer(s *store.Store) *Scorer {
	return &Scorer{store: s, log: logger.Get()}
}

// RecomputeActive rescores every active story from its current articles.
func (sc *Scorer) RecomputeActive(ctx context.Context) (int, error) {
	stories, err := sc.store.ListStories(store.StoryFilter{Status: core.StoryActive})
	if err != nil {
		return 0, fmt.Errorf("failed to list active stories: %w", err)
	}

	feedHealth, err := sc.feedHealth()
	if err != nil {
		return 0, err
	}

	count := 0
	now := time.Now().UTC()
	for _, story := range stories {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		articles, err := sc.store.ListArticles(store.ArticleFilter{StoryID: story.ID})
		if err != nil {
			return count, fmt.Errorf("failed to load story articles: %w", err)
		}
		s := Compute(articles, feedHealth, len(story.Entities), now)
		if err := sc.store.UpdateStoryScores(story.ID, s.Importance, s.Freshness, s.Quality); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		sc.log.Debug("rescored active stories", "count", count)
	}
	return count, nil
}

func (sc *Scorer) feedHealth() (map[int64]float64, error) {
	feeds, err := sc.store.ListFeeds()
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	health := make(map[int64]float64, len(feeds))
	for _, f := range feeds {
		health[f.ID] = f.HealthScore
	}
	return health, nil
}
