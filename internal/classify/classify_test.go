package classify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsdesk/internal/core"
	"newsdesk/internal/llm"
	"newsdesk/internal/store"
)

// mockClient returns canned responses and can simulate an unavailable service.
type mockClient struct {
	response string
	err      error
	calls    int
}

func (m *mockClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func (m *mockClient) ParseJSON(text string, v any) (core.ParseStrategy, error) {
	return llm.ParseJSON(text, v)
}

func (m *mockClient) Model() string { return "mock-model" }

func newTestClassifier(t *testing.T, client llm.Completer) (*Classifier, *store.Store, int64) {
	t.Helper()
	s, err := store.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	feedID, err := s.UpsertFeed("https://example.com/rss", store.FeedMeta{})
	require.NoError(t, err)
	return NewClassifier(s, client), s, feedID
}

func TestClassifyLLMLabel(t *testing.T) {
	client := &mockClient{response: "ai-ml"}
	c, s, feedID := newTestClassifier(t, client)

	id, _, err := s.InsertArticleIfAbsent(feedID, "https://x/1", store.ArticleMeta{Title: "Some launch"})
	require.NoError(t, err)
	article, err := s.GetArticle(id)
	require.NoError(t, err)

	topic, confidence, err := c.Classify(context.Background(), article)
	require.NoError(t, err)
	assert.Equal(t, core.TopicAIML, topic)
	assert.Equal(t, 1.0, confidence)

	// Persisted.
	stored, err := s.GetArticle(id)
	require.NoError(t, err)
	assert.Equal(t, core.TopicAIML, stored.Topic)
}

func TestClassifyLLMWrappedLabel(t *testing.T) {
	client := &mockClient{response: "The topic is: security."}
	c, s, feedID := newTestClassifier(t, client)

	id, _, err := s.InsertArticleIfAbsent(feedID, "https://x/1", store.ArticleMeta{Title: "Breach report"})
	require.NoError(t, err)
	article, err := s.GetArticle(id)
	require.NoError(t, err)

	topic, confidence, err := c.Classify(context.Background(), article)
	require.NoError(t, err)
	assert.Equal(t, core.TopicSecurity, topic)
	assert.Equal(t, 1.0, confidence)
}

func TestClassifyKeywordFallback(t *testing.T) {
	client := &mockClient{err: llm.ErrUnavailable}
	c, s, feedID := newTestClassifier(t, client)

	id, _, err := s.InsertArticleIfAbsent(feedID, "https://x/1", store.ArticleMeta{
		Title:   "Kubernetes operators on AWS",
		Summary: "Running containers in the cloud with terraform.",
	})
	require.NoError(t, err)
	article, err := s.GetArticle(id)
	require.NoError(t, err)

	topic, confidence, err := c.Classify(context.Background(), article)
	require.NoError(t, err)
	assert.Equal(t, core.TopicCloudK8s, topic)
	assert.GreaterOrEqual(t, confidence, 0.5)
	assert.LessOrEqual(t, confidence, 0.9)
}

func TestClassifyDefaultsToGeneral(t *testing.T) {
	client := &mockClient{err: llm.ErrUnavailable}
	c, s, feedID := newTestClassifier(t, client)

	id, _, err := s.InsertArticleIfAbsent(feedID, "https://x/1", store.ArticleMeta{
		Title:   "Local bakery wins award",
		Summary: "The croissants were excellent.",
	})
	require.NoError(t, err)
	article, err := s.GetArticle(id)
	require.NoError(t, err)

	topic, confidence, err := c.Classify(context.Background(), article)
	require.NoError(t, err)
	assert.Equal(t, core.TopicGeneral, topic)
	assert.Equal(t, 0.5, confidence)
}

func TestKeywordConfidenceScalesWithHits(t *testing.T) {
	one := &core.Article{Title: "A ransomware incident"}
	_, confOne := classifyKeywords(one)

	many := &core.Article{
		Title:   "Ransomware breach: attackers exploit zero-day vulnerability",
		Summary: "The malware spread after a phishing campaign; a CVE was assigned.",
	}
	topic, confMany := classifyKeywords(many)

	assert.Equal(t, core.TopicSecurity, topic)
	assert.Greater(t, confMany, confOne)
	assert.LessOrEqual(t, confMany, 0.9)
}

func TestContainsWordBoundaries(t *testing.T) {
	assert.True(t, containsWord("the ai boom", "ai"))
	assert.False(t, containsWord("maintained systems", "ai"))
	assert.True(t, containsWord("ai at the start", "ai"))
	assert.True(t, containsWord("ends with ai", "ai"))
}

func TestReclassifyStale(t *testing.T) {
	client := &mockClient{response: "devtools"}
	c, s, feedID := newTestClassifier(t, client)

	unlabelled, _, err := s.InsertArticleIfAbsent(feedID, "https://x/1", store.ArticleMeta{Title: "New compiler"})
	require.NoError(t, err)
	labelled, _, err := s.InsertArticleIfAbsent(feedID, "https://x/2", store.ArticleMeta{Title: "Already done"})
	require.NoError(t, err)
	require.NoError(t, s.SetArticleTopic(labelled, core.TopicScience, 1.0))

	count, err := c.ReclassifyStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	a, err := s.GetArticle(unlabelled)
	require.NoError(t, err)
	assert.Equal(t, core.TopicDevTools, a.Topic)

	b, err := s.GetArticle(labelled)
	require.NoError(t, err)
	assert.Equal(t, core.TopicScience, b.Topic)
}
