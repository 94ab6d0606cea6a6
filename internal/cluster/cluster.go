// Package cluster groups recent articles into candidate story clusters using
// a topic gate plus weighted keyword, entity, and topic similarity.
package cluster

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"newsdesk/internal/classify"
	"newsdesk/internal/config"
	"newsdesk/internal/core"
	"newsdesk/internal/entities"
	"newsdesk/internal/logger"
	"newsdesk/internal/store"
)

// Params are the per-run clustering knobs; zero values take configured
// defaults.
type Params struct {
	TimeWindowHours int
	MinArticles     int
	Threshold       float64
}

// Cluster is one candidate story: its articles and the membership hash.
type Cluster struct {
	Articles []core.Article
	Hash     string
}

// Result carries surviving clusters plus the counters surfaced to the user.
type Result struct {
	ArticlesFound     int
	ClustersCreated   int
	DuplicatesSkipped int
	Clusters          []Cluster
}

// Clusterer forms clusters from the recent-article window.
type Clusterer struct {
	store      *store.Store
	entities   *entities.Extractor
	classifier *classify.Classifier
	simCfg     config.Similarity
	storyCfg   config.Stories
	log        *slog.Logger
}

// NewClusterer wires a clusterer over the store and the enrichment components.
func NewClusterer(s *store.Store, e *entities.Extractor, c *classify.Classifier, simCfg config.Similarity, storyCfg config.Stories) *Clusterer {
	return &Clusterer{
		store:      s,
		entities:   e,
		classifier: c,
		simCfg:     simCfg,
		storyCfg:   storyCfg,
		log:        logger.Get(),
	}
}

// Cluster loads the window, ensures enrichment, and returns the surviving
// clusters after duplicate suppression. Membership is deterministic for a
// given input set.
func (c *Clusterer) Cluster(ctx context.Context, params Params) (*Result, error) {
	window := params.TimeWindowHours
	if window <= 0 {
		window = c.storyCfg.TimeWindowHours
	}
	minArticles := params.MinArticles
	if minArticles <= 0 {
		minArticles = c.storyCfg.MinArticles
	}
	threshold := params.Threshold
	if threshold <= 0 {
		threshold = c.simCfg.Threshold
	}

	since := time.Now().UTC().Add(-time.Duration(window) * time.Hour)
	articles, err := c.store.ListArticles(store.ArticleFilter{PublishedAfter: since})
	if err != nil {
		return nil, fmt.Errorf("failed to load article window: %w", err)
	}

	result := &Result{ArticlesFound: len(articles)}
	if len(articles) == 0 {
		return result, nil
	}

	features, err := c.buildFeatures(ctx, articles)
	if err != nil {
		return nil, err
	}

	groups := c.formClusters(features, threshold)

	activeHashes, err := c.store.ListActiveClusterHashes(since)
	if err != nil {
		return nil, fmt.Errorf("failed to load active cluster hashes: %w", err)
	}

	for _, group := range groups {
		if len(group) < minArticles {
			continue
		}
		result.ClustersCreated++

		hash := HashCluster(articleIDs(group))
		if activeHashes[hash] {
			result.DuplicatesSkipped++
			continue
		}
		result.Clusters = append(result.Clusters, Cluster{Articles: group, Hash: hash})
	}

	c.log.Info("clustering complete",
		"articles_found", result.ArticlesFound,
		"clusters_created", result.ClustersCreated,
		"duplicates_skipped", result.DuplicatesSkipped)
	return result, nil
}

// articleFeatures caches per-article inputs to the similarity function.
type articleFeatures struct {
	article  core.Article
	keywords map[string]bool
	entities *core.EntitySet
}

// buildFeatures ensures topic and entities exist for each article, then
// extracts keywords. Enrichment failures degrade to empty features; the
// article still participates via keywords.
func (c *Clusterer) buildFeatures(ctx context.Context, articles []core.Article) ([]articleFeatures, error) {
	features := make([]articleFeatures, 0, len(articles))
	for i := range articles {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a := &articles[i]

		if a.Topic == "" {
			if _, _, err := c.classifier.Classify(ctx, a); err != nil {
				c.log.Warn("classification failed during clustering", "article", a.ID, "error", err.Error())
			}
		}
		if a.Entities == nil {
			set, err := c.entities.Extract(ctx, a)
			if err != nil {
				c.log.Warn("entity extraction failed during clustering", "article", a.ID, "error", err.Error())
				set = &core.EntitySet{}
			}
			a.Entities = set
		}

		features = append(features, articleFeatures{
			article:  *a,
			keywords: ExtractKeywords(a.Title, a.Summary),
			entities: a.Entities,
		})
	}
	return features, nil
}

// formClusters runs greedy single-link clustering: seed with the highest
// ranked ungrouped article, then repeatedly attach any article whose maximum
// similarity to a member clears the threshold. Only same-topic pairs are
// scored.
func (c *Clusterer) formClusters(features []articleFeatures, threshold float64) [][]core.Article {
	order := make([]int, len(features))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		a, b := features[order[x]].article, features[order[y]].article
		if a.RankingScore != b.RankingScore {
			return a.RankingScore > b.RankingScore
		}
		return a.Published.After(b.Published)
	})

	used := make([]bool, len(features))
	var groups [][]core.Article

	for _, seed := range order {
		if used[seed] {
			continue
		}
		used[seed] = true
		members := []int{seed}

		for {
			grew := false
			for _, cand := range order {
				if used[cand] {
					continue
				}
				if features[cand].article.Topic != features[seed].article.Topic {
					continue
				}
				for _, m := range members {
					if c.Similarity(&features[m], &features[cand]) >= threshold {
						used[cand] = true
						members = append(members, cand)
						grew = true
						break
					}
				}
			}
			if !grew {
				break
			}
		}

		group := make([]core.Article, 0, len(members))
		for _, m := range members {
			group = append(group, features[m].article)
		}
		groups = append(groups, group)
	}
	return groups
}

// Similarity scores one pair: weighted keyword Jaccard, entity overlap, and a
// topic bonus. When both entity sets are empty the entity weight is
// redistributed to keywords (0.8 keywords + 0.2 topic).
func (c *Clusterer) Similarity(a, b *articleFeatures) float64 {
	kw := Jaccard(a.keywords, b.keywords)

	topicBonus := 0.0
	if a.article.Topic != "" && a.article.Topic == b.article.Topic {
		topicBonus = 1.0
	}

	if a.entities.Empty() && b.entities.Empty() {
		return 0.8*kw + 0.2*topicBonus
	}

	ent := entities.Overlap(a.entities, b.entities)
	return c.simCfg.KeywordWeight*kw + c.simCfg.EntityWeight*ent + c.simCfg.TopicWeight*topicBonus
}

// HashCluster returns the md5 of the sorted article ids, so any permutation
// of the same membership hashes identically.
func HashCluster(ids []int64) string {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatInt(id, 10)
	}
	sum := md5.Sum([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:])
}

func articleIDs(articles []core.Article) []int64 {
	ids := make([]int64, len(articles))
	for i, a := range articles {
		ids[i] = a.ID
	}
	return ids
}
