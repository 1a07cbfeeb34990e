// Package discovery implements the semantic discovery engine (§4.5):
// embedding-backed nearest-neighbor search combined with trust and
// usefulness weighting, cached for 5 minutes per normalized query.
package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/config"
	"github.com/ainp-network/broker/internal/observability/metrics"
	"github.com/ainp-network/broker/internal/store"
)

const resultCacheTTL = 5 * time.Minute

// Embedder produces a query embedding, or accepts a pre-provided one.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, *apperr.Error)
}

// Cache is the subset of the cache adapter discovery needs for result caching.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool, degraded bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) bool
}

// Repo is the vector-search collaborator.
type Repo interface {
	SearchByEmbedding(ctx context.Context, query []float32, minSimilarity float64, limit int) ([]store.CandidateRow, error)
}

// Engine is the discovery engine.
type Engine struct {
	embedder Embedder
	cache    Cache
	repo     Repo
	weights  config.DiscoveryWeights
	candidateCount int
	minSimilarity  float64
	metrics        *metrics.Registry
}

// New constructs a discovery Engine. metricsReg may be nil (tests).
func New(embedder Embedder, cache Cache, repo Repo, weights config.DiscoveryWeights, candidateCount int, metricsReg *metrics.Registry) *Engine {
	if candidateCount <= 0 {
		candidateCount = 50
	}
	return &Engine{embedder: embedder, cache: cache, repo: repo, weights: weights, candidateCount: candidateCount, minSimilarity: 0.7, metrics: metricsReg}
}

// Query is a discovery request (§6 POST /api/discovery/search).
type Query struct {
	Description   string
	Embedding     []float32 // optional pre-provided embedding, bypasses Embed
	Tags          []string
	MinTrust      *float64
	MaxLatencyMS  *float64
	MaxCost       *float64
	CombinedRank  bool // "when enabled" per §4.5 step 4; false (the zero value) ranks by similarity alone
}

// Result is one ranked discovery hit.
type Result struct {
	AgentDID    string
	Description string
	Tags        []string
	Similarity  float64
	Trust       float64
	Usefulness  float64
	Score       float64
	LastUpdated time.Time
}

// Search runs the discovery procedure from §4.5.
func (e *Engine) Search(ctx context.Context, q Query) ([]Result, *apperr.Error) {
	if strings.TrimSpace(q.Description) == "" && len(q.Embedding) == 0 {
		return nil, apperr.ErrInvalidQuery
	}

	start := time.Now()
	cacheHit := "false"
	defer func() {
		if e.metrics != nil {
			e.metrics.DiscoveryLatency.WithLabelValues(cacheHit).Observe(time.Since(start).Seconds())
		}
	}()

	cacheKey := "discovery:" + normalizedQueryHash(q)
	if cached, ok, _ := e.cache.Get(ctx, cacheKey); ok {
		var results []Result
		if err := json.Unmarshal([]byte(cached), &results); err == nil {
			cacheHit = "true"
			return results, nil
		}
	}

	embedding := q.Embedding
	if len(embedding) == 0 {
		vec, err := e.embedder.Embed(ctx, q.Description)
		if err != nil {
			return nil, err
		}
		embedding = vec
	}

	rows, err := e.repo.SearchByEmbedding(ctx, embedding, e.minSimilarity, e.candidateCount)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		if q.MinTrust != nil && row.TrustScore < *q.MinTrust {
			continue
		}
		if len(q.Tags) > 0 && !tagsOverlap(row.TagsList(), q.Tags) {
			continue
		}
		results = append(results, Result{
			AgentDID:    row.AgentDID,
			Description: row.Description,
			Tags:        row.TagsList(),
			Similarity:  row.Similarity,
			Trust:       row.TrustScore,
			Usefulness:  row.Usefulness,
			LastUpdated: row.TrustUpdatedAt,
		})
	}

	combined := q.CombinedRank
	e.rank(results, combined)

	if payload, merr := json.Marshal(results); merr == nil {
		e.cache.Set(ctx, cacheKey, string(payload), resultCacheTTL)
	}
	return results, nil
}

// rank applies the combined-ranking formula from §4.5 step 4 in place,
// sorting results by descending score with ties broken by most-recent
// last_updated.
func (e *Engine) rank(results []Result, combined bool) {
	wSim, wTrust, wUse := e.weights.Similarity, e.weights.Trust, e.weights.Usefulness
	for i := range results {
		if combined {
			results[i].Score = results[i].Similarity*wSim + results[i].Trust*wTrust + (results[i].Usefulness/100)*wUse
		} else {
			results[i].Score = results[i].Similarity
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].LastUpdated.After(results[j].LastUpdated)
	})
}

func tagsOverlap(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

func normalizedQueryHash(q Query) string {
	normalized := strings.ToLower(strings.TrimSpace(q.Description))
	tags := append([]string(nil), q.Tags...)
	sort.Strings(tags)
	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte(strings.Join(tags, ",")))
	if q.MinTrust != nil {
		h.Write([]byte{byte(*q.MinTrust * 100)})
	}
	return hex.EncodeToString(h.Sum(nil))
}
