package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Fetch: Fetch{MaxItemsPerRefresh: 150, MaxItemsPerFeed: 50},
		Summarize: Summarize{
			ChunkingThreshold: 3000, ChunkSize: 1500, MaxChunkSize: 2000, ChunkOverlap: 200,
		},
		Similarity: Similarity{KeywordWeight: 0.3, EntityWeight: 0.5, TopicWeight: 0.2, Threshold: 0.25},
		Scheduler: Scheduler{
			FeedRefreshSchedule:     "30 5 * * *",
			StoryGenerationSchedule: "0 6 * * *",
			Timezone:                "UTC",
		},
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidateRejectsBadCron(t *testing.T) {
	cfg := validConfig()
	cfg.Scheduler.FeedRefreshSchedule = "every day at dawn"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed_refresh_schedule")
}

func TestValidateRejectsBadTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Scheduler.Timezone = "Mars/Olympus_Mons"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timezone")
}

func TestValidateRejectsBadWeightSum(t *testing.T) {
	cfg := validConfig()
	cfg.Similarity.EntityWeight = 0.9
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1.0")
}

func TestValidateRejectsThresholdOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Similarity.Threshold = 1.5
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsChunkSizeAboveMax(t *testing.T) {
	cfg := validConfig()
	cfg.Summarize.ChunkSize = 4000
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_size")
}

func TestValidateCollectsMultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Fetch.MaxItemsPerFeed = 0
	cfg.Similarity.Threshold = -1
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch caps")
	assert.Contains(t, err.Error(), "threshold")
}

func TestPostProcessDefaultsStoryModel(t *testing.T) {
	cfg := validConfig()
	cfg.LLM.Model = "llama3.1:8b"
	require.NoError(t, postProcessConfig(cfg))
	assert.Equal(t, "llama3.1:8b", cfg.Stories.Model)

	cfg.Stories.Model = "qwen2.5:14b"
	require.NoError(t, postProcessConfig(cfg))
	assert.Equal(t, "qwen2.5:14b", cfg.Stories.Model)
}

func TestPostProcessRejectsBadDuration(t *testing.T) {
	cfg := validConfig()
	cfg.LLM.Timeout = "two minutes"
	assert.Error(t, postProcessConfig(cfg))
}

func TestDurationHelpers(t *testing.T) {
	assert.Equal(t, 90*time.Second, LLM{Timeout: "90s"}.RequestTimeout())
	assert.Equal(t, 120*time.Second, LLM{Timeout: ""}.RequestTimeout())
	assert.Equal(t, 120*time.Second, LLM{Timeout: "bogus"}.RequestTimeout())

	assert.Equal(t, 45*time.Second, Fetch{MaxRefreshTimeSeconds: 45}.RefreshBudget())
	assert.Equal(t, 300*time.Second, Fetch{}.RefreshBudget())

	assert.Equal(t, 10*time.Second, Fetch{Timeout: "10s"}.FeedTimeout())
	assert.Equal(t, 30*time.Second, Fetch{}.FeedTimeout())
}
