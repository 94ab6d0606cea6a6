package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsdesk/internal/config"
	"newsdesk/internal/extract"
	"newsdesk/internal/store"
)

func rssBody(itemCount int) string {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Test Feed</title>`
	base := time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	for i := 0; i < itemCount; i++ {
		body += fmt.Sprintf(`<item>
			<title>Item %d</title>
			<link>http://127.0.0.1:1/item-%d</link>
			<description>Summary %d</description>
			<pubDate>%s</pubDate>
		</item>`, i, i, i, base.Add(-time.Duration(i)*time.Hour).Format(time.RFC1123Z))
	}
	return body + `</channel></rss>`
}

func testConfig() config.Fetch {
	return config.Fetch{
		MaxItemsPerRefresh:    150,
		MaxItemsPerFeed:       50,
		MaxRefreshTimeSeconds: 30,
		Workers:               3,
		Timeout:               "5s",
	}
}

func newTestFetcher(t *testing.T, cfg config.Fetch) (*Fetcher, *store.Store) {
	t.Helper()
	s, err := store.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewFetcher(s, extract.NewExtractor(cfg), cfg), s
}

func TestRefreshAllInsertsArticles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(rssBody(5)))
	}))
	defer srv.Close()

	f, s := newTestFetcher(t, testConfig())
	_, err := s.UpsertFeed(srv.URL, store.FeedMeta{Name: "Test"})
	require.NoError(t, err)

	stats, err := f.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.NewArticles)
	assert.Equal(t, 1, stats.FeedsPolled)
	assert.Empty(t, stats.LimitHit)

	// Second run dedups everything.
	stats, err = f.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.NewArticles)

	// Validators were stored.
	feeds, err := s.ListActiveFeeds()
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, feeds[0].ETag)
}

func TestRefreshAllConditionalGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(rssBody(2)))
	}))
	defer srv.Close()

	f, s := newTestFetcher(t, testConfig())
	_, err := s.UpsertFeed(srv.URL, store.FeedMeta{})
	require.NoError(t, err)

	_, err = f.RefreshAll(context.Background())
	require.NoError(t, err)

	stats, err := f.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Cached304)
	assert.Equal(t, 0, stats.NewArticles)
}

func TestRefreshAllPerFeedCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(rssBody(20)))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxItemsPerFeed = 7
	f, s := newTestFetcher(t, cfg)
	_, err := s.UpsertFeed(srv.URL, store.FeedMeta{})
	require.NoError(t, err)

	stats, err := f.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, stats.NewArticles)
}

func TestRefreshAllGlobalCap(t *testing.T) {
	handler := func(prefix string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			body := `<?xml version="1.0"?><rss version="2.0"><channel><title>F</title>`
			for i := 0; i < 10; i++ {
				body += fmt.Sprintf(`<item><title>%s %d</title><link>http://127.0.0.1:1/%s-%d</link></item>`, prefix, i, prefix, i)
			}
			_, _ = w.Write([]byte(body + `</channel></rss>`))
		}
	}
	srv1 := httptest.NewServer(handler("a"))
	defer srv1.Close()
	srv2 := httptest.NewServer(handler("b"))
	defer srv2.Close()

	cfg := testConfig()
	cfg.MaxItemsPerRefresh = 12
	cfg.Workers = 1
	f, s := newTestFetcher(t, cfg)
	_, err := s.UpsertFeed(srv1.URL, store.FeedMeta{})
	require.NoError(t, err)
	_, err = s.UpsertFeed(srv2.URL, store.FeedMeta{})
	require.NoError(t, err)

	stats, err := f.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, stats.NewArticles, 12)
	assert.Equal(t, LimitGlobal, stats.LimitHit)
}

func TestRefreshAllGlobalCapConcurrentFeeds(t *testing.T) {
	handler := func(prefix string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			body := `<?xml version="1.0"?><rss version="2.0"><channel><title>F</title>`
			for i := 0; i < 10; i++ {
				body += fmt.Sprintf(`<item><title>%s %d</title><link>http://127.0.0.1:1/%s-%d</link></item>`, prefix, i, prefix, i)
			}
			_, _ = w.Write([]byte(body + `</channel></rss>`))
		}
	}
	var servers []*httptest.Server
	for _, prefix := range []string{"a", "b", "c"} {
		srv := httptest.NewServer(handler(prefix))
		defer srv.Close()
		servers = append(servers, srv)
	}

	cfg := testConfig()
	cfg.MaxItemsPerRefresh = 5
	cfg.Workers = 3
	f, s := newTestFetcher(t, cfg)
	for _, srv := range servers {
		_, err := s.UpsertFeed(srv.URL, store.FeedMeta{})
		require.NoError(t, err)
	}

	// Slots are reserved before insertion, so racing feeds land on the cap
	// exactly, never past it.
	stats, err := f.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.NewArticles)
	assert.Equal(t, LimitGlobal, stats.LimitHit)

	articles, err := s.ListArticles(store.ArticleFilter{})
	require.NoError(t, err)
	assert.Len(t, articles, 5)
}

func TestRefreshAllFeedFailureRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, s := newTestFetcher(t, testConfig())
	id, err := s.UpsertFeed(srv.URL, store.FeedMeta{})
	require.NoError(t, err)

	stats, err := f.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FeedsFailed)

	feed, err := s.GetFeed(id)
	require.NoError(t, err)
	assert.Equal(t, 1, feed.ConsecutiveFailures)
	assert.Contains(t, feed.LastError, "500")
}
