// Package core defines the shared value types passed between newsdesk components.
// The store owns the persistent records; everything else operates on these values.
package core

import "time"

// Topic is the closed vocabulary for article classification.
type Topic string

const (
	TopicAIML     Topic = "ai-ml"
	TopicCloudK8s Topic = "cloud-k8s"
	TopicSecurity Topic = "security"
	TopicDevTools Topic = "devtools"
	TopicChips    Topic = "chips-hardware"
	TopicPolitics Topic = "politics"
	TopicBusiness Topic = "business"
	TopicScience  Topic = "science"
	TopicGeneral  Topic = "general"
)

// Topics lists every valid topic tag.
var Topics = []Topic{
	TopicAIML, TopicCloudK8s, TopicSecurity, TopicDevTools, TopicChips,
	TopicPolitics, TopicBusiness, TopicScience, TopicGeneral,
}

// ValidTopic reports whether t is in the closed vocabulary.
func ValidTopic(t Topic) bool {
	for _, v := range Topics {
		if v == t {
			return true
		}
	}
	return false
}

// Feed represents an RSS/Atom subscription source.
type Feed struct {
	ID                  int64     `json:"id"`
	URL                 string    `json:"url"`
	Name                string    `json:"name"`
	Category            string    `json:"category"`
	Priority            int       `json:"priority"` // 1..5
	Disabled            bool      `json:"disabled"`
	ETag                string    `json:"etag"`
	LastModified        string    `json:"last_modified"`
	HealthScore         float64   `json:"health_score"` // 0..100
	FetchCount          int       `json:"fetch_count"`
	SuccessCount        int       `json:"success_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error"`
	LastFetched         time.Time `json:"last_fetched"`
	CreatedAt           time.Time `json:"created_at"`
}

// Article is a single fetched story source.
type Article struct {
	ID              int64              `json:"id"`
	FeedID          int64              `json:"feed_id"`
	URL             string             `json:"url"`
	Title           string             `json:"title"`
	Published       time.Time          `json:"published"` // zero value means unknown
	Summary         string             `json:"summary"`   // raw feed excerpt
	ExtractedText   string             `json:"extracted_text"`
	ContentHash     string             `json:"content_hash"` // SHA-256 of extracted_text
	Topic           Topic              `json:"topic"`
	TopicConfidence float64            `json:"topic_confidence"`
	SourceWeight    float64            `json:"source_weight"`
	RankingScore    float64            `json:"ranking_score"`
	Entities        *EntitySet         `json:"entities,omitempty"`
	Structured      *StructuredSummary `json:"structured_summary,omitempty"`
	FallbackSummary string             `json:"fallback_summary"`
	CreatedAt       time.Time          `json:"created_at"`
}

// ProcessingMethod identifies which summarisation path produced a summary.
type ProcessingMethod string

const (
	MethodDirect    ProcessingMethod = "direct"
	MethodMapReduce ProcessingMethod = "map-reduce"
)

// StructuredSummary is the summariser's JSON product, embedded in an Article.
type StructuredSummary struct {
	Bullets      []string         `json:"bullets"`        // 3-5 short strings
	WhyItMatters string           `json:"why_it_matters"` // 50-150 word prose
	Tags         []string         `json:"tags"`           // 3-6 kebab strings
	Method       ProcessingMethod `json:"processing_method"`
	IsChunked    bool             `json:"is_chunked"`
	ChunkCount   int              `json:"chunk_count,omitempty"`
	TotalTokens  int              `json:"total_tokens,omitempty"`
	ContentHash  string           `json:"content_hash"`
	Model        string           `json:"model"`
	GeneratedAt  time.Time        `json:"generated_at"`
	CacheHit     bool             `json:"-"` // set on lookup, never persisted
}

// EntityRole describes how an entity figures in an article.
type EntityRole string

const (
	RolePrimary   EntityRole = "primary_subject"
	RoleMentioned EntityRole = "mentioned"
	RoleQuoted    EntityRole = "quoted"
)

// Entity is an extracted name with metadata.
type Entity struct {
	Name           string     `json:"name"`
	Confidence     float64    `json:"confidence"` // 0..1
	Role           EntityRole `json:"role"`
	Disambiguation string     `json:"disambiguation,omitempty"`
}

// EntitySet holds bounded entity lists per kind, at most 5 per kind.
type EntitySet struct {
	Companies    []Entity  `json:"companies"`
	Products     []Entity  `json:"products"`
	People       []Entity  `json:"people"`
	Technologies []Entity  `json:"technologies"`
	Locations    []Entity  `json:"locations"`
	Model        string    `json:"model,omitempty"`
	GeneratedAt  time.Time `json:"generated_at,omitempty"`
}

// All returns every entity in the set, across kinds.
func (s *EntitySet) All() []Entity {
	if s == nil {
		return nil
	}
	out := make([]Entity, 0, len(s.Companies)+len(s.Products)+len(s.People)+len(s.Technologies)+len(s.Locations))
	out = append(out, s.Companies...)
	out = append(out, s.Products...)
	out = append(out, s.People...)
	out = append(out, s.Technologies...)
	out = append(out, s.Locations...)
	return out
}

// Names returns the distinct entity names in the set.
func (s *EntitySet) Names() []string {
	seen := make(map[string]bool)
	var names []string
	for _, e := range s.All() {
		if !seen[e.Name] {
			seen[e.Name] = true
			names = append(names, e.Name)
		}
	}
	return names
}

// Empty reports whether the set contains no entities.
func (s *EntitySet) Empty() bool {
	return s == nil || len(s.All()) == 0
}

// StoryStatus is the lifecycle state of a story. Transitions are monotone:
// active -> archived.
type StoryStatus string

const (
	StoryActive   StoryStatus = "active"
	StoryArchived StoryStatus = "archived"
)

// TitleSource records whether a story title came from the LLM or a fallback.
type TitleSource string

const (
	TitleLLM      TitleSource = "llm"
	TitleFallback TitleSource = "fallback"
)

// ParseStrategy is the technique by which a JSON value was recovered from
// LLM output.
type ParseStrategy string

const (
	ParseDirect        ParseStrategy = "direct"
	ParseMarkdownBlock ParseStrategy = "markdown_block"
	ParseBraceMatch    ParseStrategy = "brace_match"
	ParseRepair        ParseStrategy = "repair"
)

// Story is a synthesised multi-article narrative.
type Story struct {
	ID              int64         `json:"id"`
	Title           string        `json:"title"`
	Synthesis       string        `json:"synthesis"`
	KeyPoints       []string      `json:"key_points"`
	WhyItMatters    string        `json:"why_it_matters"`
	Topics          []Topic       `json:"topics"`
	Entities        []string      `json:"entities"`
	ArticleCount    int           `json:"article_count"`
	ImportanceScore float64       `json:"importance_score"`
	FreshnessScore  float64       `json:"freshness_score"`
	QualityScore    float64       `json:"quality_score"`
	Status          StoryStatus   `json:"status"`
	GeneratedAt     time.Time     `json:"generated_at"`
	Model           string        `json:"model"`
	ClusterHash     string        `json:"cluster_hash"`
	TitleSource     TitleSource   `json:"title_source"`
	ParseStrategy   ParseStrategy `json:"parse_strategy"`
}

// StoryArticle is the m:n link between a story and its supporting articles.
type StoryArticle struct {
	StoryID   int64   `json:"story_id"`
	ArticleID int64   `json:"article_id"`
	Primary   bool    `json:"primary_article"`
	Relevance float64 `json:"relevance"` // 0..1
}

// JobStatus is the terminal outcome of a scheduled job run.
type JobStatus string

const (
	JobOK        JobStatus = "ok"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job names for the two scheduled jobs.
const (
	JobFeedRefresh     = "feed_refresh"
	JobStoryGeneration = "story_generation"
)

// ScheduledJob is the persistent record of the last run of a named job.
type ScheduledJob struct {
	Name           string    `json:"name"`
	LastStartedAt  time.Time `json:"last_started_at"`
	LastFinishedAt time.Time `json:"last_finished_at"`
	LastStatus     JobStatus `json:"last_status"`
	NextRunAt      time.Time `json:"next_run_at"`
}
