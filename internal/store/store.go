// Package store owns all persistent state: feeds, articles, stories, links,
// and scheduled-job records, backed by SQLite.
//
// Times are stored as UTC-naive text ("2006-01-02 15:04:05") so that textual
// range comparisons are chronologically correct. Callers never bind
// timezone-aware strings.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"newsdesk/internal/core"
)

var (
	// ErrAlreadyExists signals a unique-key conflict (duplicate URL or an
	// active story with the same cluster hash).
	ErrAlreadyExists = errors.New("record already exists")
	// ErrNotFound signals a lookup miss where the caller asked for one row.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable signals a connectivity failure; callers may retry.
	ErrUnavailable = errors.New("store unavailable")
)

// TimeLayout is the storage format for all timestamps: UTC, no zone suffix.
const TimeLayout = "2006-01-02 15:04:05"

// FormatTime normalises t to UTC-naive storage text.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads storage text back into a UTC time.
func ParseTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, s, time.UTC)
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "newsdesk.db")
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; readers share the handle under WAL.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: dbPath}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// withTx runs fn inside a transaction; the transaction is released on every
// exit path.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return wrapDBErr(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// wrapDBErr maps driver errors onto the store taxonomy.
func wrapDBErr(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
		}
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}

// ---- feeds ----

// FeedMeta carries the mutable attributes accepted by UpsertFeed.
type FeedMeta struct {
	Name     string
	Category string
	Priority int
}

// UpsertFeed inserts a feed or updates its metadata, unique by URL.
func (s *Store) UpsertFeed(url string, meta FeedMeta) (int64, error) {
	if meta.Priority < 1 {
		meta.Priority = 3
	}
	if meta.Priority > 5 {
		meta.Priority = 5
	}

	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO feeds (url, name, category, priority, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(url) DO UPDATE SET
				name = excluded.name,
				category = excluded.category,
				priority = excluded.priority`,
			url, meta.Name, meta.Category, meta.Priority, FormatTime(time.Now()))
		if err != nil {
			return wrapDBErr(err)
		}
		if lastID, err := res.LastInsertId(); err == nil && lastID > 0 {
			id = lastID
		}
		// Upsert path reports the existing row id.
		return tx.QueryRow(`SELECT id FROM feeds WHERE url = ?`, url).Scan(&id)
	})
	return id, err
}

const feedColumns = `id, url, name, category, priority, disabled, etag, last_modified,
	health_score, fetch_count, success_count, consecutive_failures, last_error,
	last_fetched, created_at`

func scanFeed(row interface{ Scan(...any) error }) (core.Feed, error) {
	var f core.Feed
	var disabled int
	var lastFetched, createdAt sql.NullString
	err := row.Scan(&f.ID, &f.URL, &f.Name, &f.Category, &f.Priority, &disabled,
		&f.ETag, &f.LastModified, &f.HealthScore, &f.FetchCount, &f.SuccessCount,
		&f.ConsecutiveFailures, &f.LastError, &lastFetched, &createdAt)
	if err != nil {
		return f, err
	}
	f.Disabled = disabled != 0
	if lastFetched.Valid {
		f.LastFetched, _ = ParseTime(lastFetched.String)
	}
	if createdAt.Valid {
		f.CreatedAt, _ = ParseTime(createdAt.String)
	}
	return f, nil
}

// ListActiveFeeds returns enabled feeds ordered by priority desc, then by the
// longest time since last fetch (fairness).
func (s *Store) ListActiveFeeds() ([]core.Feed, error) {
	rows, err := s.db.Query(`SELECT ` + feedColumns + ` FROM feeds
		WHERE disabled = 0
		ORDER BY priority DESC, COALESCE(last_fetched, '') ASC`)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer func() { _ = rows.Close() }()

	var feeds []core.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feed: %w", err)
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// ListFeeds returns every feed, enabled or not.
func (s *Store) ListFeeds() ([]core.Feed, error) {
	rows, err := s.db.Query(`SELECT ` + feedColumns + ` FROM feeds ORDER BY priority DESC, name`)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer func() { _ = rows.Close() }()

	var feeds []core.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feed: %w", err)
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// GetFeed returns one feed by id.
func (s *Store) GetFeed(id int64) (*core.Feed, error) {
	f, err := scanFeed(s.db.QueryRow(`SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return &f, nil
}

// UpdateFeedFetchResult records a successful poll: cache validators, counters,
// and a health score nudge upward.
func (s *Store) UpdateFeedFetchResult(id int64, etag, lastModified string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE feeds SET
			etag = ?, last_modified = ?, last_fetched = ?,
			fetch_count = fetch_count + 1,
			success_count = success_count + 1,
			consecutive_failures = 0,
			last_error = '',
			health_score = MIN(100, health_score + 1)
			WHERE id = ?`,
			etag, lastModified, FormatTime(time.Now()), id)
		return wrapDBErr(err)
	})
}

// autoDisableThreshold is the consecutive-failure count at which a feed is
// taken out of rotation.
const autoDisableThreshold = 10

// RecordFeedError records a failed poll and auto-disables the feed once its
// consecutive failures reach the threshold.
func (s *Store) RecordFeedError(id int64, message string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE feeds SET
			fetch_count = fetch_count + 1,
			consecutive_failures = consecutive_failures + 1,
			last_error = ?,
			last_fetched = ?,
			health_score = MAX(0, health_score - 5)
			WHERE id = ?`,
			message, FormatTime(time.Now()), id)
		if err != nil {
			return wrapDBErr(err)
		}
		_, err = tx.Exec(`UPDATE feeds SET disabled = 1
			WHERE id = ? AND consecutive_failures >= ?`, id, autoDisableThreshold)
		return wrapDBErr(err)
	})
}

// SetFeedDisabled flips a feed in or out of rotation.
func (s *Store) SetFeedDisabled(id int64, disabled bool) error {
	val := 0
	if disabled {
		val = 1
	}
	_, err := s.db.Exec(`UPDATE feeds SET disabled = ? WHERE id = ?`, val, id)
	return wrapDBErr(err)
}

// ---- articles ----

// ArticleMeta carries the attributes known at insert time.
type ArticleMeta struct {
	Title        string
	Published    time.Time
	Summary      string
	SourceWeight float64
}

// InsertArticleIfAbsent inserts an article, deduplicating by URL. It reports
// whether a row was actually inserted.
func (s *Store) InsertArticleIfAbsent(feedID int64, url string, meta ArticleMeta) (int64, bool, error) {
	var id int64
	var inserted bool

	err := s.withTx(func(tx *sql.Tx) error {
		err := tx.QueryRow(`SELECT id FROM articles WHERE url = ?`, url).Scan(&id)
		if err == nil {
			return nil // dedup hit
		}
		if err != sql.ErrNoRows {
			return wrapDBErr(err)
		}

		var published any
		if !meta.Published.IsZero() {
			published = FormatTime(meta.Published)
		}
		weight := meta.SourceWeight
		if weight <= 0 {
			weight = 1
		}
		res, err := tx.Exec(`
			INSERT INTO articles (feed_id, url, title, published, summary, source_weight, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			feedID, url, meta.Title, published, meta.Summary, weight, FormatTime(time.Now()))
		if err != nil {
			return wrapDBErr(err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return id, inserted, err
}

const articleColumns = `id, feed_id, url, title, published, summary, extracted_text,
	content_hash, topic, topic_confidence, source_weight, ranking_score,
	entities_json, summary_json, fallback_summary, created_at`

func scanArticle(row interface{ Scan(...any) error }) (core.Article, error) {
	var a core.Article
	var published, topic, entitiesJSON, summaryJSON, createdAt sql.NullString
	err := row.Scan(&a.ID, &a.FeedID, &a.URL, &a.Title, &published, &a.Summary,
		&a.ExtractedText, &a.ContentHash, &topic, &a.TopicConfidence,
		&a.SourceWeight, &a.RankingScore, &entitiesJSON, &summaryJSON,
		&a.FallbackSummary, &createdAt)
	if err != nil {
		return a, err
	}
	if published.Valid {
		a.Published, _ = ParseTime(published.String)
	}
	if topic.Valid {
		a.Topic = core.Topic(topic.String)
	}
	if createdAt.Valid {
		a.CreatedAt, _ = ParseTime(createdAt.String)
	}
	if entitiesJSON.Valid && entitiesJSON.String != "" {
		a.Entities = decodeEntitySet([]byte(entitiesJSON.String))
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		var ss core.StructuredSummary
		if err := json.Unmarshal([]byte(summaryJSON.String), &ss); err == nil {
			a.Structured = &ss
		}
	}
	return a, nil
}

// ArticleFilter constrains ListArticles.
type ArticleFilter struct {
	StoryID         int64
	FeedID          int64
	Topic           core.Topic
	PublishedAfter  time.Time
	PublishedBefore time.Time
	HasStory        *bool
	Limit           int
	Offset          int
}

// ListArticles returns articles matching the filter, newest first.
func (s *Store) ListArticles(f ArticleFilter) ([]core.Article, error) {
	var (
		conds []string
		args  []any
	)

	query := `SELECT ` + prefixColumns("a", articleColumns) + ` FROM articles a`
	if f.StoryID > 0 {
		query += ` JOIN story_articles sa ON sa.article_id = a.id AND sa.story_id = ?`
		args = append(args, f.StoryID)
	}
	if f.FeedID > 0 {
		conds = append(conds, "a.feed_id = ?")
		args = append(args, f.FeedID)
	}
	if f.Topic != "" {
		conds = append(conds, "a.topic = ?")
		args = append(args, string(f.Topic))
	}
	if !f.PublishedAfter.IsZero() {
		conds = append(conds, "a.published >= ?")
		args = append(args, FormatTime(f.PublishedAfter))
	}
	if !f.PublishedBefore.IsZero() {
		conds = append(conds, "a.published <= ?")
		args = append(args, FormatTime(f.PublishedBefore))
	}
	if f.HasStory != nil {
		if *f.HasStory {
			conds = append(conds, "EXISTS (SELECT 1 FROM story_articles x WHERE x.article_id = a.id)")
		} else {
			conds = append(conds, "NOT EXISTS (SELECT 1 FROM story_articles x WHERE x.article_id = a.id)")
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY a.published DESC, a.id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer func() { _ = rows.Close() }()

	var articles []core.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// GetArticle returns one article by id.
func (s *Store) GetArticle(id int64) (*core.Article, error) {
	a, err := scanArticle(s.db.QueryRow(`SELECT `+articleColumns+` FROM articles WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return &a, nil
}

// SetArticleContent stores the extraction result and its hash.
func (s *Store) SetArticleContent(id int64, extractedText, contentHash string) error {
	_, err := s.db.Exec(`UPDATE articles SET extracted_text = ?, content_hash = ? WHERE id = ?`,
		extractedText, contentHash, id)
	return wrapDBErr(err)
}

// SetArticleSummary stores a structured summary on the article.
func (s *Store) SetArticleSummary(id int64, summary *core.StructuredSummary) error {
	blob, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	_, err = s.db.Exec(`UPDATE articles SET summary_json = ? WHERE id = ?`, string(blob), id)
	return wrapDBErr(err)
}

// SetArticleFallbackSummary stores the degraded summary used when the LLM is
// unavailable; the structured summary stays null.
func (s *Store) SetArticleFallbackSummary(id int64, text string) error {
	_, err := s.db.Exec(`UPDATE articles SET fallback_summary = ? WHERE id = ?`, text, id)
	return wrapDBErr(err)
}

// SetArticleEntities stores an entity set on the article.
func (s *Store) SetArticleEntities(id int64, set *core.EntitySet, model string, generatedAt time.Time) error {
	set.Model = model
	set.GeneratedAt = generatedAt.UTC()
	blob, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode entities: %w", err)
	}
	_, err = s.db.Exec(`UPDATE articles SET entities_json = ?, entities_model = ?, entities_generated_at = ? WHERE id = ?`,
		string(blob), model, FormatTime(generatedAt), id)
	return wrapDBErr(err)
}

// SetArticleTopic stores a topic classification.
func (s *Store) SetArticleTopic(id int64, topic core.Topic, confidence float64) error {
	_, err := s.db.Exec(`UPDATE articles SET topic = ?, topic_confidence = ? WHERE id = ?`,
		string(topic), confidence, id)
	return wrapDBErr(err)
}

// SetArticleRanking stores a ranking score used for cluster seeding.
func (s *Store) SetArticleRanking(id int64, score float64) error {
	_, err := s.db.Exec(`UPDATE articles SET ranking_score = ? WHERE id = ?`, score, id)
	return wrapDBErr(err)
}

// GetCachedSummary returns the structured summary for (content_hash, model),
// or nil on a cache miss. The content_hash index keeps this O(1).
func (s *Store) GetCachedSummary(contentHash, model string) (*core.StructuredSummary, error) {
	if contentHash == "" {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT summary_json FROM articles
		WHERE content_hash = ? AND summary_json IS NOT NULL`, contentHash)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var ss core.StructuredSummary
		if err := json.Unmarshal([]byte(blob), &ss); err != nil {
			continue
		}
		if ss.Model == model {
			return &ss, nil
		}
	}
	return nil, rows.Err()
}

// GetCachedEntities returns the entity set for (article_id, model), or nil on
// a cache miss.
func (s *Store) GetCachedEntities(articleID int64, model string) (*core.EntitySet, error) {
	var blob, storedModel sql.NullString
	err := s.db.QueryRow(`SELECT entities_json, entities_model FROM articles WHERE id = ?`,
		articleID).Scan(&blob, &storedModel)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBErr(err)
	}
	if !blob.Valid || blob.String == "" || storedModel.String != model {
		return nil, nil
	}
	return decodeEntitySet([]byte(blob.String)), nil
}

// decodeEntitySet reads either the current metadata form or the legacy
// plain-string-list form, promoting legacy entries with default metadata
// (confidence 0.8, role mentioned).
func decodeEntitySet(blob []byte) *core.EntitySet {
	var set core.EntitySet
	if err := json.Unmarshal(blob, &set); err == nil {
		return &set
	}

	var legacy struct {
		Companies    []string `json:"companies"`
		Products     []string `json:"products"`
		People       []string `json:"people"`
		Technologies []string `json:"technologies"`
		Locations    []string `json:"locations"`
	}
	if err := json.Unmarshal(blob, &legacy); err != nil {
		return nil
	}
	promote := func(names []string) []core.Entity {
		out := make([]core.Entity, 0, len(names))
		for _, n := range names {
			out = append(out, core.Entity{Name: n, Confidence: 0.8, Role: core.RoleMentioned})
		}
		return out
	}
	return &core.EntitySet{
		Companies:    promote(legacy.Companies),
		Products:     promote(legacy.Products),
		People:       promote(legacy.People),
		Technologies: promote(legacy.Technologies),
		Locations:    promote(legacy.Locations),
	}
}

// ---- stories ----

// CreateStory inserts a story with its article links in one transaction.
// An active story with the same cluster hash causes ErrAlreadyExists; callers
// treat that as an expected duplicate.
func (s *Store) CreateStory(story *core.Story, links []core.StoryArticle) (int64, error) {
	keyPoints, _ := json.Marshal(story.KeyPoints)
	topics, _ := json.Marshal(story.Topics)
	entities, _ := json.Marshal(story.Entities)

	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO stories (title, synthesis, key_points_json, why_it_matters,
				topics_json, entities_json, article_count, importance_score,
				freshness_score, quality_score, status, generated_at, model,
				cluster_hash, title_source, parse_strategy)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			story.Title, story.Synthesis, string(keyPoints), story.WhyItMatters,
			string(topics), string(entities), len(links), story.ImportanceScore,
			story.FreshnessScore, story.QualityScore, string(core.StoryActive),
			FormatTime(story.GeneratedAt), story.Model, story.ClusterHash,
			string(story.TitleSource), string(story.ParseStrategy))
		if err != nil {
			return wrapDBErr(err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for _, link := range links {
			primary := 0
			if link.Primary {
				primary = 1
			}
			if _, err := tx.Exec(`
				INSERT INTO story_articles (story_id, article_id, primary_article, relevance)
				VALUES (?, ?, ?, ?)`,
				id, link.ArticleID, primary, link.Relevance); err != nil {
				return wrapDBErr(err)
			}
		}
		return nil
	})
	return id, err
}

// LinkArticleToStory attaches one more article to an existing story and keeps
// the cached article_count consistent.
func (s *Store) LinkArticleToStory(storyID, articleID int64, primary bool, relevance float64) error {
	p := 0
	if primary {
		p = 1
	}
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO story_articles (story_id, article_id, primary_article, relevance)
			VALUES (?, ?, ?, ?)`, storyID, articleID, p, relevance); err != nil {
			return wrapDBErr(err)
		}
		_, err := tx.Exec(`UPDATE stories SET article_count =
			(SELECT COUNT(*) FROM story_articles WHERE story_id = ?) WHERE id = ?`,
			storyID, storyID)
		return wrapDBErr(err)
	})
}

const storyColumns = `id, title, synthesis, key_points_json, why_it_matters,
	topics_json, entities_json, article_count, importance_score, freshness_score,
	quality_score, status, generated_at, model, cluster_hash, title_source, parse_strategy`

func scanStory(row interface{ Scan(...any) error }) (core.Story, error) {
	var st core.Story
	var keyPoints, topics, entities, generatedAt string
	err := row.Scan(&st.ID, &st.Title, &st.Synthesis, &keyPoints, &st.WhyItMatters,
		&topics, &entities, &st.ArticleCount, &st.ImportanceScore, &st.FreshnessScore,
		&st.QualityScore, &st.Status, &generatedAt, &st.Model, &st.ClusterHash,
		&st.TitleSource, &st.ParseStrategy)
	if err != nil {
		return st, err
	}
	_ = json.Unmarshal([]byte(keyPoints), &st.KeyPoints)
	_ = json.Unmarshal([]byte(topics), &st.Topics)
	_ = json.Unmarshal([]byte(entities), &st.Entities)
	st.GeneratedAt, _ = ParseTime(generatedAt)
	return st, nil
}

// GetStory returns one story by id.
func (s *Store) GetStory(id int64) (*core.Story, error) {
	st, err := scanStory(s.db.QueryRow(`SELECT `+storyColumns+` FROM stories WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return &st, nil
}

// StoryFilter constrains ListStories.
type StoryFilter struct {
	Status  core.StoryStatus
	Topic   core.Topic
	OrderBy string // "quality" (default), "freshness", "generated_at"
	Limit   int
	Offset  int
}

// ListStories returns stories matching the filter, highest quality first by
// default.
func (s *Store) ListStories(f StoryFilter) ([]core.Story, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Topic != "" {
		conds = append(conds, "topics_json LIKE ?")
		args = append(args, `%"`+string(f.Topic)+`"%`)
	}

	order := "quality_score DESC"
	switch f.OrderBy {
	case "freshness":
		order = "freshness_score DESC"
	case "generated_at":
		order = "generated_at DESC"
	case "importance":
		order = "importance_score DESC"
	}

	query := `SELECT ` + storyColumns + ` FROM stories`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY " + order + ", id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer func() { _ = rows.Close() }()

	var stories []core.Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan story: %w", err)
		}
		stories = append(stories, st)
	}
	return stories, rows.Err()
}

// ListStoryArticles returns a story's links ordered primary first, then by
// relevance.
func (s *Store) ListStoryArticles(storyID int64) ([]core.StoryArticle, error) {
	rows, err := s.db.Query(`SELECT story_id, article_id, primary_article, relevance
		FROM story_articles WHERE story_id = ?
		ORDER BY primary_article DESC, relevance DESC`, storyID)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer func() { _ = rows.Close() }()

	var links []core.StoryArticle
	for rows.Next() {
		var link core.StoryArticle
		var primary int
		if err := rows.Scan(&link.StoryID, &link.ArticleID, &primary, &link.Relevance); err != nil {
			return nil, err
		}
		link.Primary = primary != 0
		links = append(links, link)
	}
	return links, rows.Err()
}

// ListActiveClusterHashes returns the cluster hashes of active stories
// generated since the given time.
func (s *Store) ListActiveClusterHashes(since time.Time) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT cluster_hash FROM stories
		WHERE status = ? AND generated_at >= ?`,
		string(core.StoryActive), FormatTime(since))
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer func() { _ = rows.Close() }()

	hashes := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes[h] = true
	}
	return hashes, rows.Err()
}

// UpdateStoryScores writes recomputed scores.
func (s *Store) UpdateStoryScores(id int64, importance, freshness, quality float64) error {
	_, err := s.db.Exec(`UPDATE stories SET importance_score = ?, freshness_score = ?, quality_score = ?
		WHERE id = ?`, importance, freshness, quality, id)
	return wrapDBErr(err)
}

// ArchiveStoriesOlderThan flips stories past the age threshold to archived.
// Rows are retained; archival never deletes.
func (s *Store) ArchiveStoriesOlderThan(days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.Exec(`UPDATE stories SET status = ?
		WHERE status = ? AND generated_at < ?`,
		string(core.StoryArchived), string(core.StoryActive), FormatTime(cutoff))
	if err != nil {
		return 0, wrapDBErr(err)
	}
	return res.RowsAffected()
}

// ---- scheduled jobs ----

// RecordJob persists the outcome of a job run.
func (s *Store) RecordJob(name string, started, finished time.Time, status core.JobStatus, nextRun time.Time) error {
	var next any
	if !nextRun.IsZero() {
		next = FormatTime(nextRun)
	}
	var fin any
	if !finished.IsZero() {
		fin = FormatTime(finished)
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_jobs (name, last_started_at, last_finished_at, last_status, next_run_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_started_at = excluded.last_started_at,
			last_finished_at = excluded.last_finished_at,
			last_status = excluded.last_status,
			next_run_at = excluded.next_run_at`,
		name, FormatTime(started), fin, string(status), next)
	return wrapDBErr(err)
}

// GetJob returns the persisted record for a named job, or nil if it never ran.
func (s *Store) GetJob(name string) (*core.ScheduledJob, error) {
	var job core.ScheduledJob
	var started, finished, next sql.NullString
	var status string
	err := s.db.QueryRow(`SELECT name, last_started_at, last_finished_at, last_status, next_run_at
		FROM scheduled_jobs WHERE name = ?`, name).
		Scan(&job.Name, &started, &finished, &status, &next)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBErr(err)
	}
	job.LastStatus = core.JobStatus(status)
	if started.Valid {
		job.LastStartedAt, _ = ParseTime(started.String)
	}
	if finished.Valid {
		job.LastFinishedAt, _ = ParseTime(finished.String)
	}
	if next.Valid {
		job.NextRunAt, _ = ParseTime(next.String)
	}
	return &job, nil
}

// ---- stats ----

// Stats summarises the corpus for the CLI and status endpoints.
type Stats struct {
	FeedCount     int `json:"feed_count"`
	ActiveFeeds   int `json:"active_feeds"`
	ArticleCount  int `json:"article_count"`
	StoryCount    int `json:"story_count"`
	ActiveStories int `json:"active_stories"`
}

// GetStats returns corpus counts.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{}
	queries := map[string]*int{
		"SELECT COUNT(*) FROM feeds":                           &stats.FeedCount,
		"SELECT COUNT(*) FROM feeds WHERE disabled = 0":        &stats.ActiveFeeds,
		"SELECT COUNT(*) FROM articles":                        &stats.ArticleCount,
		"SELECT COUNT(*) FROM stories":                         &stats.StoryCount,
		"SELECT COUNT(*) FROM stories WHERE status = 'active'": &stats.ActiveStories,
	}
	for query, target := range queries {
		if err := s.db.QueryRow(query).Scan(target); err != nil {
			return nil, fmt.Errorf("failed to get count: %w", err)
		}
	}
	return stats, nil
}
