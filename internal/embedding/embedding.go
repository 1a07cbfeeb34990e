// Package embedding adapts a remote text embedding provider (§4.4): plain
// HTTP request/response, cached by content hash in the cache adapter, and a
// per-process concurrency cap, a semaphore built on a buffered channel of
// tokens. It never fabricates a vector on
// upstream failure.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/ainp-network/broker/internal/apperr"
)

const Dimensions = 1536

// Cache is the subset of the cache adapter the embedding adapter needs.
type Cache interface {
	CacheEmbedding(ctx context.Context, textHash string, vector []float32) bool
	LookupEmbedding(ctx context.Context, textHash string) ([]float32, bool, bool)
}

// Adapter calls the embedding HTTP API and caches results by content hash.
type Adapter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	cache      Cache
	sem        chan struct{}
}

// Config configures the embedding adapter.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	Concurrency int // default 32 per §5
}

// New constructs an Adapter.
func New(cfg Config, cache Cache) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 32
	}
	return &Adapter{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		cache:      cache,
		sem:        make(chan struct{}, concurrency),
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedDatum struct {
	Embedding []float32 `json:"embedding"`
}

type embedResponse struct {
	Data []embedDatum `json:"data"`
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the 1536-dim embedding for text, using the cache first.
func (a *Adapter) Embed(ctx context.Context, text string) ([]float32, *apperr.Error) {
	vecs, err := a.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds multiple texts, reusing the cache per-text and only
// calling upstream for the cache misses.
func (a *Adapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, *apperr.Error) {
	out := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		hash := hashText(text)
		if vec, ok, _ := a.cache.LookupEmbedding(ctx, hash); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	select {
	case a.sem <- struct{}{}:
		defer func() { <-a.sem }()
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.CodeEmbeddingUnavail, 503, ctx.Err(), "embedding request cancelled")
	}

	vecs, aerr := a.callProvider(ctx, missTexts)
	if aerr != nil {
		return nil, aerr
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		a.cache.CacheEmbedding(ctx, hashText(missTexts[j]), vecs[j])
	}
	return out, nil
}

func (a *Adapter) callProvider(ctx context.Context, texts []string) ([][]float32, *apperr.Error) {
	body, err := json.Marshal(embedRequest{Model: a.model, Input: texts})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeEmbeddingUnavail, 503, err, "embedding provider unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperr.New(apperr.CodeEmbeddingUnavail, 503, "embedding provider returned %d: %s", resp.StatusCode, raw)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.Wrap(apperr.CodeEmbeddingUnavail, 503, err, "embedding provider returned malformed response")
	}
	if len(parsed.Data) != len(texts) {
		return nil, apperr.New(apperr.CodeEmbeddingUnavail, 503, "embedding provider returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}
	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		if len(d.Embedding) != Dimensions {
			return nil, apperr.New(apperr.CodeEmbeddingUnavail, 503, "embedding provider returned %d dimensions, want %d", len(d.Embedding), Dimensions)
		}
		out[i] = d.Embedding
	}
	return out, nil
}
