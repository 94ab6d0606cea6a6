// Package fetcher polls enabled feeds, honours HTTP cache validators, and
// inserts new articles under three caps: per feed, global, and elapsed time.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"

	"newsdesk/internal/config"
	"newsdesk/internal/core"
	"newsdesk/internal/extract"
	"newsdesk/internal/logger"
	"newsdesk/internal/store"
)

// Limit names recorded when a refresh stops early.
const (
	LimitGlobal = "max_items_per_refresh"
	LimitTime   = "max_refresh_time"
)

// RefreshStats summarises one refresh run.
type RefreshStats struct {
	FeedsPolled int           `json:"feeds_polled"`
	FeedsFailed int           `json:"feeds_failed"`
	Cached304   int           `json:"cached_304"`
	NewArticles int           `json:"new_articles"`
	LimitHit    string        `json:"limit_hit,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Fetcher polls feeds and writes articles through the store.
type Fetcher struct {
	store     *store.Store
	extractor *extract.Extractor
	cfg       config.Fetch
	client    *http.Client
	log       *slog.Logger
}

// NewFetcher wires a fetcher over the store and extractor.
func NewFetcher(s *store.Store, e *extract.Extractor, cfg config.Fetch) *Fetcher {
	return &Fetcher{
		store:     s,
		extractor: e,
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.FeedTimeout()},
		log:       logger.Get(),
	}
}

// RefreshAll polls every enabled feed once. Per-feed failures are recorded and
// siblings continue; the run stops early when the global article cap or the
// time budget is reached.
func (f *Fetcher) RefreshAll(ctx context.Context) (*RefreshStats, error) {
	start := time.Now()

	refreshCtx, cancel := context.WithTimeout(ctx, f.cfg.RefreshBudget())
	defer cancel()

	feeds, err := f.store.ListActiveFeeds()
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}

	var (
		globalCount atomic.Int64
		mu          sync.Mutex
		stats       = &RefreshStats{}
	)

	workers := f.cfg.Workers
	if workers <= 0 {
		workers = 3
	}

	g, gctx := errgroup.WithContext(refreshCtx)
	g.SetLimit(workers)

	for _, feed := range feeds {
		feed := feed
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			result, err := f.refreshFeed(gctx, feed, &globalCount)

			mu.Lock()
			defer mu.Unlock()
			stats.FeedsPolled++
			if err != nil {
				stats.FeedsFailed++
				f.log.Warn("feed refresh failed", "feed", feed.URL, "error", err.Error())
				if recErr := f.store.RecordFeedError(feed.ID, err.Error()); recErr != nil {
					f.log.Error("failed to record feed error", "error", recErr, "feed", feed.URL)
				}
				return nil
			}
			if result.notModified {
				stats.Cached304++
			}
			stats.NewArticles += result.inserted
			return nil
		})
	}
	_ = g.Wait()

	// The errgroup context is cancelled by Wait itself, so only the refresh
	// deadline counts as the time limit.
	if globalCount.Load() >= int64(f.cfg.MaxItemsPerRefresh) {
		stats.LimitHit = LimitGlobal
	} else if errors.Is(refreshCtx.Err(), context.DeadlineExceeded) {
		stats.LimitHit = LimitTime
	}
	stats.Elapsed = time.Since(start)

	f.log.Info("feed refresh complete",
		"feeds", stats.FeedsPolled,
		"failed", stats.FeedsFailed,
		"cached_304", stats.Cached304,
		"new_articles", stats.NewArticles,
		"limit_hit", stats.LimitHit,
		"elapsed", stats.Elapsed.String())
	return stats, nil
}

type feedResult struct {
	inserted    int
	notModified bool
}

// refreshFeed issues a conditional GET and inserts new entries in
// published-desc order, up to the per-feed cap.
func (f *Fetcher) refreshFeed(ctx context.Context, feed core.Feed, globalCount *atomic.Int64) (feedResult, error) {
	var result feedResult

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return result, fmt.Errorf("failed to create request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	if feed.ETag != "" {
		req.Header.Set("If-None-Match", feed.ETag)
	}
	if feed.LastModified != "" {
		req.Header.Set("If-Modified-Since", feed.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return result, fmt.Errorf("feed request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		result.notModified = true
		return result, f.store.UpdateFeedFetchResult(feed.ID, feed.ETag, feed.LastModified)
	}
	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	parsed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return result, fmt.Errorf("failed to parse feed: %w", err)
	}

	items := parsed.Items
	sort.SliceStable(items, func(i, j int) bool {
		return itemPublished(items[i]).After(itemPublished(items[j]))
	})

	sourceWeight := float64(feed.Priority) / 3.0

	for _, item := range items {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if result.inserted >= f.cfg.MaxItemsPerFeed {
			break
		}
		if item.Link == "" {
			continue
		}

		// Reserve a slot before inserting so racing feeds cannot overshoot
		// the global cap; the slot is released when nothing was inserted.
		if globalCount.Add(1) > int64(f.cfg.MaxItemsPerRefresh) {
			globalCount.Add(-1)
			break
		}

		id, inserted, err := f.store.InsertArticleIfAbsent(feed.ID, item.Link, store.ArticleMeta{
			Title:        item.Title,
			Published:    itemPublished(item),
			Summary:      item.Description,
			SourceWeight: sourceWeight,
		})
		if err != nil {
			globalCount.Add(-1)
			return result, fmt.Errorf("failed to insert article: %w", err)
		}
		if !inserted {
			globalCount.Add(-1)
			continue
		}
		result.inserted++

		f.extractArticle(ctx, id, item)
	}

	if err := f.store.UpdateFeedFetchResult(feed.ID, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified")); err != nil {
		return result, err
	}
	return result, nil
}

// extractArticle fetches the article page for clean text. Extraction failure
// is tolerated; the feed excerpt remains the only text.
func (f *Fetcher) extractArticle(ctx context.Context, articleID int64, item *gofeed.Item) {
	res, err := f.extractor.Extract(ctx, item.Link)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			f.log.Debug("article extraction failed", "url", item.Link, "error", err.Error())
		}
		return
	}
	if err := f.store.SetArticleContent(articleID, res.Text, extract.HashContent(res.Text)); err != nil {
		f.log.Error("failed to store extracted content", "error", err, "article", articleID)
	}
}

func itemPublished(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}
