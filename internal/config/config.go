// Package config assembles newsdesk configuration from defaults, an optional
// YAML file, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        App        `mapstructure:"app"`
	LLM        LLM        `mapstructure:"llm"`
	Fetch      Fetch      `mapstructure:"fetch"`
	Summarize  Summarize  `mapstructure:"summarize"`
	Stories    Stories    `mapstructure:"stories"`
	Similarity Similarity `mapstructure:"similarity"`
	Scheduler  Scheduler  `mapstructure:"scheduler"`
	Server     Server     `mapstructure:"server"`
}

// App holds general application configuration
type App struct {
	Debug   bool   `mapstructure:"debug"`
	DataDir string `mapstructure:"data_dir"`
}

// LLM holds the local text-generation service configuration
type LLM struct {
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Timeout     string  `mapstructure:"timeout"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Concurrency int     `mapstructure:"concurrency"`
}

// Fetch holds feed refresh configuration
type Fetch struct {
	MaxItemsPerRefresh    int    `mapstructure:"max_items_per_refresh"`
	MaxItemsPerFeed       int    `mapstructure:"max_items_per_feed"`
	MaxRefreshTimeSeconds int    `mapstructure:"max_refresh_time_seconds"`
	Workers               int    `mapstructure:"workers"`
	UserAgent             string `mapstructure:"user_agent"`
	Timeout               string `mapstructure:"timeout"`
}

// Summarize holds summariser and chunker configuration
type Summarize struct {
	ChunkingThreshold int `mapstructure:"chunking_threshold"`
	ChunkSize         int `mapstructure:"chunk_size"`
	MaxChunkSize      int `mapstructure:"max_chunk_size"`
	ChunkOverlap      int `mapstructure:"chunk_overlap"`
}

// Stories holds clustering and synthesis configuration
type Stories struct {
	TimeWindowHours int      `mapstructure:"time_window_hours"`
	MinArticles     int      `mapstructure:"min_articles"`
	ArchiveDays     int      `mapstructure:"archive_days"`
	Model           string   `mapstructure:"model"`
	Workers         int      `mapstructure:"workers"`
	InterestTopics  []string `mapstructure:"interest_topics"`
}

// Similarity holds the cluster similarity weights
type Similarity struct {
	KeywordWeight float64 `mapstructure:"keyword_weight"`
	EntityWeight  float64 `mapstructure:"entity_weight"`
	TopicWeight   float64 `mapstructure:"topic_weight"`
	Threshold     float64 `mapstructure:"threshold"`
}

// Scheduler holds cron configuration for the two daily jobs
type Scheduler struct {
	FeedRefreshSchedule     string `mapstructure:"feed_refresh_schedule"`
	StoryGenerationSchedule string `mapstructure:"story_generation_schedule"`
	Timezone                string `mapstructure:"timezone"`
}

// Server holds HTTP server configuration
type Server struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
}

var globalConfig *Config

// Load loads the configuration from various sources
func Load(configFile string) (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(".newsdesk")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	bindEnvironmentVariables()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := postProcessConfig(config); err != nil {
		return nil, fmt.Errorf("error post-processing config: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, err
	}

	globalConfig = config
	return config, nil
}

// Get returns the global configuration, loading it if necessary
func Get() *Config {
	if globalConfig == nil {
		config, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("Failed to load configuration: %v", err))
		}
		return config
	}
	return globalConfig
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("app.debug", false)
	viper.SetDefault("app.data_dir", ".newsdesk-data")

	viper.SetDefault("llm.base_url", "http://localhost:11434")
	viper.SetDefault("llm.model", "llama3.1:8b")
	viper.SetDefault("llm.timeout", "120s")
	viper.SetDefault("llm.temperature", 0.7)
	viper.SetDefault("llm.max_tokens", 2048)
	viper.SetDefault("llm.concurrency", 2)

	viper.SetDefault("fetch.max_items_per_refresh", 150)
	viper.SetDefault("fetch.max_items_per_feed", 50)
	viper.SetDefault("fetch.max_refresh_time_seconds", 300)
	viper.SetDefault("fetch.workers", 3)
	viper.SetDefault("fetch.user_agent", "Newsdesk/1.0")
	viper.SetDefault("fetch.timeout", "30s")

	viper.SetDefault("summarize.chunking_threshold", 3000)
	viper.SetDefault("summarize.chunk_size", 1500)
	viper.SetDefault("summarize.max_chunk_size", 2000)
	viper.SetDefault("summarize.chunk_overlap", 200)

	viper.SetDefault("stories.time_window_hours", 24)
	viper.SetDefault("stories.min_articles", 2)
	viper.SetDefault("stories.archive_days", 7)
	viper.SetDefault("stories.model", "")
	viper.SetDefault("stories.workers", 3)
	viper.SetDefault("stories.interest_topics", []string{})

	viper.SetDefault("similarity.keyword_weight", 0.3)
	viper.SetDefault("similarity.entity_weight", 0.5)
	viper.SetDefault("similarity.topic_weight", 0.2)
	viper.SetDefault("similarity.threshold", 0.25)

	viper.SetDefault("scheduler.feed_refresh_schedule", "30 5 * * *")
	viper.SetDefault("scheduler.story_generation_schedule", "0 6 * * *")
	viper.SetDefault("scheduler.timezone", "Local")

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "10m")
}

// bindEnvironmentVariables sets up flexible environment variable binding
func bindEnvironmentVariables() {
	bindEnvKeys("llm.base_url", []string{
		"LLM_BASE_URL",
		"OLLAMA_BASE_URL",
		"OLLAMA_HOST",
	})

	bindEnvKeys("llm.model", []string{
		"LLM_MODEL",
		"OLLAMA_MODEL",
	})

	bindEnvKeys("stories.model", []string{
		"STORY_MODEL",
	})

	bindEnvKeys("scheduler.timezone", []string{
		"SCHEDULER_TIMEZONE",
		"TZ",
	})

	bindEnvKeys("app.debug", []string{
		"DEBUG",
		"NEWSDESK_DEBUG",
	})

	bindEnvKeys("fetch.max_items_per_refresh", []string{"MAX_ITEMS_PER_REFRESH"})
	bindEnvKeys("fetch.max_items_per_feed", []string{"MAX_ITEMS_PER_FEED"})
	bindEnvKeys("fetch.max_refresh_time_seconds", []string{"MAX_REFRESH_TIME_SECONDS"})
	bindEnvKeys("summarize.chunking_threshold", []string{"CHUNKING_THRESHOLD"})
	bindEnvKeys("summarize.chunk_size", []string{"CHUNK_SIZE"})
	bindEnvKeys("summarize.max_chunk_size", []string{"MAX_CHUNK_SIZE"})
	bindEnvKeys("summarize.chunk_overlap", []string{"CHUNK_OVERLAP"})
	bindEnvKeys("similarity.keyword_weight", []string{"SIMILARITY_KEYWORD_WEIGHT"})
	bindEnvKeys("similarity.entity_weight", []string{"SIMILARITY_ENTITY_WEIGHT"})
	bindEnvKeys("similarity.topic_weight", []string{"SIMILARITY_TOPIC_WEIGHT"})
	bindEnvKeys("stories.time_window_hours", []string{"STORY_TIME_WINDOW_HOURS"})
	bindEnvKeys("stories.min_articles", []string{"STORY_MIN_ARTICLES"})
	bindEnvKeys("stories.archive_days", []string{"STORY_ARCHIVE_DAYS"})
	bindEnvKeys("scheduler.feed_refresh_schedule", []string{"FEED_REFRESH_SCHEDULE"})
	bindEnvKeys("scheduler.story_generation_schedule", []string{"STORY_GENERATION_SCHEDULE"})
}

// bindEnvKeys binds the first found environment variable to a viper key
func bindEnvKeys(viperKey string, envKeys []string) {
	for _, envKey := range envKeys {
		if value := os.Getenv(envKey); value != "" {
			viper.Set(viperKey, value)
			return
		}
	}
}

// postProcessConfig applies post-processing to configuration values
func postProcessConfig(config *Config) error {
	if config.App.DataDir != "" {
		config.App.DataDir = expandPath(config.App.DataDir)
	}

	durations := map[string]string{
		"llm.timeout":          config.LLM.Timeout,
		"fetch.timeout":        config.Fetch.Timeout,
		"server.read_timeout":  config.Server.ReadTimeout,
		"server.write_timeout": config.Server.WriteTimeout,
	}

	for key, duration := range durations {
		if duration != "" {
			if _, err := time.ParseDuration(duration); err != nil {
				return fmt.Errorf("invalid duration for %s: %s", key, duration)
			}
		}
	}

	// Synthesis model defaults to the general LLM model.
	if config.Stories.Model == "" {
		config.Stories.Model = config.LLM.Model
	}

	return nil
}

// expandPath expands ~ and environment variables in paths
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

// Validate ensures the configuration is usable. Scheduling must not begin with
// an invalid cron expression or a broken similarity weight sum, so these
// fail at startup.
func Validate(config *Config) error {
	var errors []string

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(config.Scheduler.FeedRefreshSchedule); err != nil {
		errors = append(errors, fmt.Sprintf("invalid feed_refresh_schedule %q: %v", config.Scheduler.FeedRefreshSchedule, err))
	}
	if _, err := parser.Parse(config.Scheduler.StoryGenerationSchedule); err != nil {
		errors = append(errors, fmt.Sprintf("invalid story_generation_schedule %q: %v", config.Scheduler.StoryGenerationSchedule, err))
	}

	if config.Scheduler.Timezone != "" && config.Scheduler.Timezone != "Local" {
		if _, err := time.LoadLocation(config.Scheduler.Timezone); err != nil {
			errors = append(errors, fmt.Sprintf("invalid scheduler timezone %q", config.Scheduler.Timezone))
		}
	}

	sum := config.Similarity.KeywordWeight + config.Similarity.EntityWeight + config.Similarity.TopicWeight
	if sum < 0.99 || sum > 1.01 {
		errors = append(errors, fmt.Sprintf("similarity weights must sum to 1.0, got %.2f", sum))
	}
	if config.Similarity.Threshold < 0 || config.Similarity.Threshold > 1 {
		errors = append(errors, fmt.Sprintf("similarity threshold must be in [0,1], got %.2f", config.Similarity.Threshold))
	}

	if config.Fetch.MaxItemsPerFeed <= 0 || config.Fetch.MaxItemsPerRefresh <= 0 {
		errors = append(errors, "fetch caps must be positive")
	}
	if config.Summarize.ChunkSize > config.Summarize.MaxChunkSize {
		errors = append(errors, "chunk_size must not exceed max_chunk_size")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// Reset clears the global configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viper.Reset()
}

// Convenience getters for commonly used configuration values
func GetLLM() LLM             { return Get().LLM }
func GetFetch() Fetch         { return Get().Fetch }
func GetStories() Stories     { return Get().Stories }
func GetScheduler() Scheduler { return Get().Scheduler }
func IsDebugMode() bool       { return Get().App.Debug }

// RequestTimeout returns the parsed LLM request timeout.
func (l LLM) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(l.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// RefreshBudget returns the time budget for one feed refresh.
func (f Fetch) RefreshBudget() time.Duration {
	if f.MaxRefreshTimeSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(f.MaxRefreshTimeSeconds) * time.Second
}

// FeedTimeout returns the per-feed HTTP timeout.
func (f Fetch) FeedTimeout() time.Duration {
	d, err := time.ParseDuration(f.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
