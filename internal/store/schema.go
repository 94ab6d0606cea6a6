package store

// Schema is created at startup; CREATE TABLE IF NOT EXISTS keeps restarts cheap.
// Summaries and entities live as JSON blobs on articles, with content_hash
// indexed for the summary cache.
const schema = `
CREATE TABLE IF NOT EXISTS feeds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 3,
	disabled INTEGER NOT NULL DEFAULT 0,
	etag TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	health_score REAL NOT NULL DEFAULT 100,
	fetch_count INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	last_fetched TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS articles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	feed_id INTEGER NOT NULL REFERENCES feeds(id),
	url TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL DEFAULT '',
	published TEXT,
	summary TEXT NOT NULL DEFAULT '',
	extracted_text TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	topic TEXT,
	topic_confidence REAL NOT NULL DEFAULT 0,
	source_weight REAL NOT NULL DEFAULT 1,
	ranking_score REAL NOT NULL DEFAULT 0,
	entities_json TEXT,
	entities_model TEXT NOT NULL DEFAULT '',
	entities_generated_at TEXT,
	summary_json TEXT,
	fallback_summary TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	synthesis TEXT NOT NULL DEFAULT '',
	key_points_json TEXT NOT NULL DEFAULT '[]',
	why_it_matters TEXT NOT NULL DEFAULT '',
	topics_json TEXT NOT NULL DEFAULT '[]',
	entities_json TEXT NOT NULL DEFAULT '[]',
	article_count INTEGER NOT NULL DEFAULT 0,
	importance_score REAL NOT NULL DEFAULT 0,
	freshness_score REAL NOT NULL DEFAULT 0,
	quality_score REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	generated_at TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	cluster_hash TEXT NOT NULL,
	title_source TEXT NOT NULL DEFAULT 'llm',
	parse_strategy TEXT NOT NULL DEFAULT 'direct'
);

CREATE TABLE IF NOT EXISTS story_articles (
	story_id INTEGER NOT NULL REFERENCES stories(id),
	article_id INTEGER NOT NULL REFERENCES articles(id),
	primary_article INTEGER NOT NULL DEFAULT 0,
	relevance REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (story_id, article_id)
);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	name TEXT PRIMARY KEY,
	last_started_at TEXT,
	last_finished_at TEXT,
	last_status TEXT NOT NULL DEFAULT '',
	next_run_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_articles_published ON articles(published);
CREATE INDEX IF NOT EXISTS idx_articles_content_hash ON articles(content_hash);
CREATE INDEX IF NOT EXISTS idx_articles_feed ON articles(feed_id);
CREATE INDEX IF NOT EXISTS idx_articles_topic ON articles(topic);
CREATE INDEX IF NOT EXISTS idx_stories_status ON stories(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_stories_active_cluster
	ON stories(cluster_hash) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_story_articles_article ON story_articles(article_id);
`
