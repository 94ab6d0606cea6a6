// Package server exposes the aggregation core over HTTP: manual triggers for
// the two jobs, read access to stories and articles, and health probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"newsdesk/internal/cluster"
	"newsdesk/internal/config"
	"newsdesk/internal/core"
	"newsdesk/internal/llm"
	"newsdesk/internal/logger"
	"newsdesk/internal/scheduler"
	"newsdesk/internal/store"
	"newsdesk/internal/synth"
)

// interestBoost is added to a story's quality score when its topics intersect
// the configured interest topics and the caller asked for the blend.
const interestBoost = 0.15

// Server is the HTTP surface. Manual triggers are routed through the
// scheduler so they share the overlap guard with cron firings.
type Server struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
	llm       *llm.Client
	cfg       *config.Config
	log       *slog.Logger
	router    chi.Router
}

// New builds the server and its route table.
func New(st *store.Store, sched *scheduler.Scheduler, client *llm.Client, cfg *config.Config) *Server {
	s := &Server{
		store:     st,
		scheduler: sched,
		llm:       client,
		cfg:       cfg,
		log:       logger.Get(),
	}
	s.router = s.routes()
	return s
}

// Router returns the handler, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	if len(s.cfg.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.Server.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Post("/refresh", s.handleRefresh)
	r.Post("/stories/generate", s.handleGenerate)
	r.Get("/stories", s.handleListStories)
	r.Get("/stories/{id}", s.handleGetStory)
	r.Get("/stories/{id}/articles", s.handleStoryArticles)
	r.Get("/items", s.handleListItems)
	r.Get("/scheduler/status", s.handleSchedulerStatus)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/ollamaz", s.handleOllamaz)
	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  parseDuration(s.cfg.Server.ReadTimeout, 30*time.Second),
		WriteTimeout: parseDuration(s.cfg.Server.WriteTimeout, 5*time.Minute),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("http server listening", "addr", srv.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

type refreshResponse struct {
	Ingested int          `json:"ingested"`
	Stats    refreshStats `json:"stats"`
}

type refreshStats struct {
	Items       int                `json:"items"`
	Feeds       refreshFeeds       `json:"feeds"`
	Performance refreshPerformance `json:"performance"`
	Config      refreshConfig      `json:"config"`
}

type refreshFeeds struct {
	Polled    int `json:"polled"`
	Failed    int `json:"failed"`
	Cached304 int `json:"cached_304"`
}

type refreshPerformance struct {
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	LimitHit       string  `json:"limit_hit,omitempty"`
}

type refreshConfig struct {
	MaxItemsPerRefresh    int `json:"max_items_per_refresh"`
	MaxItemsPerFeed       int `json:"max_items_per_feed"`
	MaxRefreshTimeSeconds int `json:"max_refresh_time_seconds"`
	Workers               int `json:"workers"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	stats, err := s.scheduler.RunFeedRefresh(r.Context())
	if errors.Is(err, scheduler.ErrJobRunning) {
		writeError(w, http.StatusConflict, "feed refresh already in progress")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "feed refresh failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		Ingested: stats.NewArticles,
		Stats: refreshStats{
			Items: stats.NewArticles,
			Feeds: refreshFeeds{
				Polled:    stats.FeedsPolled,
				Failed:    stats.FeedsFailed,
				Cached304: stats.Cached304,
			},
			Performance: refreshPerformance{
				ElapsedSeconds: stats.Elapsed.Seconds(),
				LimitHit:       stats.LimitHit,
			},
			Config: refreshConfig{
				MaxItemsPerRefresh:    s.cfg.Fetch.MaxItemsPerRefresh,
				MaxItemsPerFeed:       s.cfg.Fetch.MaxItemsPerFeed,
				MaxRefreshTimeSeconds: s.cfg.Fetch.MaxRefreshTimeSeconds,
				Workers:               s.cfg.Fetch.Workers,
			},
		},
	})
}

type generateRequest struct {
	TimeWindowHours     int     `json:"time_window_hours"`
	MinArticlesPerStory int     `json:"min_articles_per_story"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	Model               string  `json:"model"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	params := synth.GenerateParams{
		Params: cluster.Params{
			TimeWindowHours: req.TimeWindowHours,
			MinArticles:     req.MinArticlesPerStory,
			Threshold:       req.SimilarityThreshold,
		},
		Model: req.Model,
	}

	result, err := s.scheduler.RunStoryGeneration(r.Context(), params)
	if errors.Is(err, scheduler.ErrJobRunning) {
		writeError(w, http.StatusConflict, "story generation already in progress")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "story generation failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.StoryFilter{
		Status: core.StoryActive,
		Limit:  parseIntParam(q.Get("limit"), 20),
		Offset: parseIntParam(q.Get("offset"), 0),
	}
	if status := q.Get("status"); status != "" {
		if status != string(core.StoryActive) && status != string(core.StoryArchived) {
			writeError(w, http.StatusBadRequest, "invalid status: "+status)
			return
		}
		filter.Status = core.StoryStatus(status)
	}
	if orderBy := q.Get("order_by"); orderBy != "" {
		switch orderBy {
		case "quality", "freshness", "importance", "generated_at":
			filter.OrderBy = orderBy
		default:
			writeError(w, http.StatusBadRequest, "invalid order_by: "+orderBy)
			return
		}
	}
	if topic := q.Get("topic"); topic != "" {
		if !core.ValidTopic(core.Topic(topic)) {
			writeError(w, http.StatusBadRequest, "unknown topic: "+topic)
			return
		}
		filter.Topic = core.Topic(topic)
	}

	stories, err := s.store.ListStories(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list stories: "+err.Error())
		return
	}

	if parseBoolParam(q.Get("apply_interests")) {
		applyInterestBlend(stories, s.cfg.Stories.InterestTopics)
	}

	if stories == nil {
		stories = []core.Story{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stories": stories,
		"count":   len(stories),
	})
}

// applyInterestBlend re-ranks stories by quality plus a flat boost for
// stories touching a configured interest topic. The base order is preserved
// among ties.
func applyInterestBlend(stories []core.Story, interests []string) {
	if len(interests) == 0 {
		return
	}
	set := make(map[core.Topic]bool, len(interests))
	for _, t := range interests {
		set[core.Topic(t)] = true
	}
	blend := func(st core.Story) float64 {
		score := st.QualityScore
		for _, t := range st.Topics {
			if set[t] {
				score += interestBoost
				break
			}
		}
		return score
	}
	sort.SliceStable(stories, func(i, j int) bool {
		return blend(stories[i]) > blend(stories[j])
	})
}

type storyArticleView struct {
	core.Article
	Primary   bool    `json:"primary_article"`
	Relevance float64 `json:"relevance"`
}

func (s *Server) handleGetStory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid story id")
		return
	}

	story, err := s.store.GetStory(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "story not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load story: "+err.Error())
		return
	}

	articles, err := s.storyArticleViews(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load story articles: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"story":    story,
		"articles": articles,
	})
}

func (s *Server) handleStoryArticles(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid story id")
		return
	}
	if _, err := s.store.GetStory(id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "story not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load story: "+err.Error())
		return
	}

	articles, err := s.storyArticleViews(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load story articles: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"articles": articles,
		"count":    len(articles),
	})
}

// storyArticleViews loads the linked articles in link order: primary first,
// then by relevance.
func (s *Server) storyArticleViews(storyID int64) ([]storyArticleView, error) {
	links, err := s.store.ListStoryArticles(storyID)
	if err != nil {
		return nil, err
	}
	views := make([]storyArticleView, 0, len(links))
	for _, link := range links {
		article, err := s.store.GetArticle(link.ArticleID)
		if err != nil {
			return nil, err
		}
		views = append(views, storyArticleView{
			Article:   *article,
			Primary:   link.Primary,
			Relevance: link.Relevance,
		})
	}
	return views, nil
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.ArticleFilter{
		StoryID: int64(parseIntParam(q.Get("story_id"), 0)),
		FeedID:  int64(parseIntParam(q.Get("feed_id"), 0)),
		Limit:   parseIntParam(q.Get("limit"), 50),
		Offset:  parseIntParam(q.Get("offset"), 0),
	}
	if topic := q.Get("topic"); topic != "" {
		if !core.ValidTopic(core.Topic(topic)) {
			writeError(w, http.StatusBadRequest, "unknown topic: "+topic)
			return
		}
		filter.Topic = core.Topic(topic)
	}
	if v := q.Get("published_after"); v != "" {
		t, err := parseTimeParam(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid published_after: "+v)
			return
		}
		filter.PublishedAfter = t
	}
	if v := q.Get("published_before"); v != "" {
		t, err := parseTimeParam(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid published_before: "+v)
			return
		}
		filter.PublishedBefore = t
	}
	if v := q.Get("has_story"); v != "" {
		hasStory := parseBoolParam(v)
		filter.HasStory = &hasStory
	}

	articles, err := s.store.ListArticles(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list articles: "+err.Error())
		return
	}
	if articles == nil {
		articles = []core.Article{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": articles,
		"count": len(articles),
	})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.scheduler.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load scheduler status: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":     statuses,
		"timezone": s.cfg.Scheduler.Timezone,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOllamaz(w http.ResponseWriter, r *http.Request) {
	if err := s.llm.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"model":  s.llm.Model(),
	})
}

// parseTimeParam accepts RFC3339 or the storage layout.
func parseTimeParam(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return store.ParseTime(v)
}

func parseIntParam(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func parseBoolParam(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
