package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsdesk/internal/classify"
	"newsdesk/internal/cluster"
	"newsdesk/internal/config"
	"newsdesk/internal/core"
	"newsdesk/internal/entities"
	"newsdesk/internal/extract"
	"newsdesk/internal/fetcher"
	"newsdesk/internal/llm"
	"newsdesk/internal/scheduler"
	"newsdesk/internal/scoring"
	"newsdesk/internal/store"
	"newsdesk/internal/summarize"
	"newsdesk/internal/synth"
)

type canned struct {
	sub  string
	resp string
}

type mockClient struct {
	responses []canned
}

func (m *mockClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	for _, c := range m.responses {
		if strings.Contains(req.Prompt, c.sub) {
			return c.resp, nil
		}
	}
	return "no match", nil
}

func (m *mockClient) ParseJSON(text string, v any) (core.ParseStrategy, error) {
	return llm.ParseJSON(text, v)
}

func (m *mockClient) Model() string { return "mock-model" }

const storyJSON = `{"title": "Gemini 2.0 lands across Google products",
	"synthesis": "Google has shipped Gemini 2.0.",
	"key_points": ["Shipped today"],
	"why_it_matters": "Capability jumps change what developers can build.",
	"topics": ["ai-ml"],
	"entities": ["Google", "Gemini"]}`

func generationClient() *mockClient {
	entityJSON := `{"companies": [{"name": "Google", "confidence": 0.95, "role": "primary_subject"}],
		"products": [{"name": "Gemini", "confidence": 0.9, "role": "primary_subject"}],
		"people": [], "technologies": [], "locations": []}`
	summaryJSON := `{"bullets": ["Gemini line advanced"], "why_it_matters": "Model progress compounds.", "tags": ["ai-ml"]}`
	return &mockClient{responses: []canned{
		{"Respond with only the topic tag", "ai-ml"},
		{"Summarize this article", summaryJSON},
		{"Respond with only the type", "evolving"},
		{"timeline", `{"timeline": ["launch"], "core_facts": [], "tensions": [], "key_players": []}`},
		{"Critique and improve", storyJSON},
		{"Return strict JSON with exactly these keys", storyJSON},
		{"Gemini", entityJSON},
	}}
}

func testConfig(dataDir string) *config.Config {
	return &config.Config{
		App: config.App{DataDir: dataDir},
		LLM: config.LLM{BaseURL: "http://127.0.0.1:1", Model: "mock-model", Timeout: "1s", Concurrency: 2},
		Summarize: config.Summarize{
			ChunkingThreshold: 3000, ChunkSize: 1500, MaxChunkSize: 2000, ChunkOverlap: 200,
		},
		Fetch: config.Fetch{
			MaxItemsPerRefresh:    200,
			MaxItemsPerFeed:       25,
			MaxRefreshTimeSeconds: 30,
			Workers:               2,
			Timeout:               "5s",
		},
		Stories: config.Stories{
			TimeWindowHours: 24,
			MinArticles:     2,
			ArchiveDays:     7,
			Workers:         2,
			InterestTopics:  []string{"ai-ml"},
		},
		Similarity: config.Similarity{KeywordWeight: 0.3, EntityWeight: 0.5, TopicWeight: 0.2, Threshold: 0.25},
		Scheduler: config.Scheduler{
			FeedRefreshSchedule:     "30 5 * * *",
			StoryGenerationSchedule: "0 6 * * *",
			Timezone:                "UTC",
		},
	}
}

func newTestServer(t *testing.T, client *mockClient) (*Server, *store.Store, int64) {
	t.Helper()
	s, err := store.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := testConfig(t.TempDir())

	feedID, err := s.UpsertFeed("https://example.com/rss", store.FeedMeta{Name: "Example"})
	require.NoError(t, err)

	f := fetcher.NewFetcher(s, extract.NewExtractor(cfg.Fetch), cfg.Fetch)
	clusterer := cluster.NewClusterer(s, entities.NewExtractor(s, client), classify.NewClassifier(s, client), cfg.Similarity, cfg.Stories)
	summarizer := summarize.NewSummarizer(s, client, cfg.Summarize)
	pipeline := synth.NewPipeline(s, clusterer, synth.NewSynthesizer(s, client, cfg.Stories), summarizer, cfg.Stories.TimeWindowHours, cfg.LLM.Concurrency)
	sched := scheduler.NewScheduler(s, f, pipeline, scoring.NewScorer(s), cfg.Scheduler, cfg.Stories)

	llmClient := llm.NewClient(config.LLM{BaseURL: "http://127.0.0.1:1", Model: "mock-model", Timeout: "1s"})
	return New(s, sched, llmClient, cfg), s, feedID
}

func seedCluster(t *testing.T, s *store.Store, feedID int64, n int) {
	t.Helper()
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		_, _, err := s.InsertArticleIfAbsent(feedID, fmt.Sprintf("https://x/g%d", i), store.ArticleMeta{
			Title:     fmt.Sprintf("Google Gemini development %d", i),
			Summary:   "Google advances the Gemini model line.",
			Published: now.Add(-time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
}

func doJSON(t *testing.T, srv *Server, method, target, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t, generationClient())

	var resp map[string]string
	rec := doJSON(t, srv, http.MethodGet, "/healthz", "", &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp["status"])
}

func TestReadyz(t *testing.T) {
	srv, _, _ := newTestServer(t, generationClient())

	var resp map[string]string
	rec := doJSON(t, srv, http.MethodGet, "/readyz", "", &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp["status"])
}

func TestOllamaz(t *testing.T) {
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"models": []}`))
	}))
	defer ollama.Close()

	srv, _, _ := newTestServer(t, generationClient())
	srv.llm = llm.NewClient(config.LLM{BaseURL: ollama.URL, Model: "llama3", Timeout: "5s"})

	var resp map[string]string
	rec := doJSON(t, srv, http.MethodGet, "/ollamaz", "", &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "llama3", resp["model"])
}

func TestOllamazUnavailable(t *testing.T) {
	srv, _, _ := newTestServer(t, generationClient())

	rec := doJSON(t, srv, http.MethodGet, "/ollamaz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRefreshNoFeedItems(t *testing.T) {
	srv, s, feedID := newTestServer(t, generationClient())
	require.NoError(t, s.SetFeedDisabled(feedID, true))

	var resp refreshResponse
	rec := doJSON(t, srv, http.MethodPost, "/refresh", "", &resp)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, 0, resp.Ingested)
	assert.Equal(t, 0, resp.Stats.Feeds.Polled)
	assert.Equal(t, 200, resp.Stats.Config.MaxItemsPerRefresh)
	assert.Equal(t, 2, resp.Stats.Config.Workers)
}

func TestGenerateEmptyCorpus(t *testing.T) {
	srv, _, _ := newTestServer(t, generationClient())

	var result synth.GenerateResult
	rec := doJSON(t, srv, http.MethodPost, "/stories/generate", "", &result)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.True(t, result.Success)
	assert.Equal(t, 0, result.StoriesGenerated)
	assert.True(t, strings.HasPrefix(result.Message, "No new articles"), result.Message)
}

func TestGenerateAndReadBack(t *testing.T) {
	srv, s, feedID := newTestServer(t, generationClient())
	seedCluster(t, s, feedID, 4)

	var result synth.GenerateResult
	rec := doJSON(t, srv, http.MethodPost, "/stories/generate", "{}", &result)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.True(t, result.Success)
	assert.Equal(t, 4, result.ArticlesFound)
	assert.Equal(t, 1, result.StoriesGenerated)
	assert.Equal(t, "Successfully generated 1 new stories (0 duplicates skipped).", result.Message)

	var list struct {
		Stories []core.Story `json:"stories"`
		Count   int          `json:"count"`
	}
	rec = doJSON(t, srv, http.MethodGet, "/stories", "", &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, list.Count)
	storyID := list.Stories[0].ID
	assert.Equal(t, 4, list.Stories[0].ArticleCount)

	var detail struct {
		Story    core.Story         `json:"story"`
		Articles []storyArticleView `json:"articles"`
	}
	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/stories/%d", storyID), "", &detail)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, storyID, detail.Story.ID)
	require.Len(t, detail.Articles, 4)
	assert.True(t, detail.Articles[0].Primary, "primary article must lead")

	var articles struct {
		Articles []storyArticleView `json:"articles"`
		Count    int                `json:"count"`
	}
	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/stories/%d/articles", storyID), "", &articles)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, articles.Count)

	var items struct {
		Items []core.Article `json:"items"`
		Count int            `json:"count"`
	}
	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/items?story_id=%d", storyID), "", &items)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, items.Count)
}

func TestGetStoryNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, generationClient())

	rec := doJSON(t, srv, http.MethodGet, "/stories/999", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListStoriesRejectsUnknownTopic(t *testing.T) {
	srv, _, _ := newTestServer(t, generationClient())

	rec := doJSON(t, srv, http.MethodGet, "/stories?topic=astrology", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/stories?order_by=shoe_size", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListItemsPublishedWindow(t *testing.T) {
	srv, s, feedID := newTestServer(t, generationClient())

	now := time.Now().UTC()
	_, _, err := s.InsertArticleIfAbsent(feedID, "https://x/recent", store.ArticleMeta{
		Title: "Recent item", Published: now.Add(-1 * time.Hour),
	})
	require.NoError(t, err)
	_, _, err = s.InsertArticleIfAbsent(feedID, "https://x/old", store.ArticleMeta{
		Title: "Old item", Published: now.Add(-72 * time.Hour),
	})
	require.NoError(t, err)

	var items struct {
		Items []core.Article `json:"items"`
		Count int            `json:"count"`
	}
	after := now.Add(-24 * time.Hour).Format(time.RFC3339)
	rec := doJSON(t, srv, http.MethodGet, "/items?published_after="+after, "", &items)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, items.Count)
	assert.Equal(t, "Recent item", items.Items[0].Title)

	rec = doJSON(t, srv, http.MethodGet, "/items?published_after=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, generationClient())

	var resp struct {
		Jobs     []scheduler.JobStatus `json:"jobs"`
		Timezone string                `json:"timezone"`
	}
	rec := doJSON(t, srv, http.MethodGet, "/scheduler/status", "", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, resp.Jobs, 2)
	assert.Equal(t, "UTC", resp.Timezone)
	assert.Equal(t, core.JobFeedRefresh, resp.Jobs[0].Name)
	assert.False(t, resp.Jobs[0].NextRunAt.IsZero())
}

func TestApplyInterestBlend(t *testing.T) {
	stories := []core.Story{
		{ID: 1, QualityScore: 0.7, Topics: []core.Topic{core.TopicSecurity}},
		{ID: 2, QualityScore: 0.65, Topics: []core.Topic{core.TopicAIML}},
		{ID: 3, QualityScore: 0.6, Topics: []core.Topic{core.TopicAIML}},
	}

	applyInterestBlend(stories, []string{"ai-ml"})
	assert.Equal(t, int64(2), stories[0].ID)
	assert.Equal(t, int64(3), stories[1].ID)
	assert.Equal(t, int64(1), stories[2].ID)

	// No interests configured leaves the order untouched.
	unchanged := []core.Story{{ID: 5, QualityScore: 0.1}, {ID: 6, QualityScore: 0.9}}
	applyInterestBlend(unchanged, nil)
	assert.Equal(t, int64(5), unchanged[0].ID)
}
