// Package vectorstore provides a per-session, per-collection vector store
// with nearest-neighbor query, bulk read, metadata update, and delete,
// backed by modernc.org/sqlite. The embedding function is process-wide,
// lazily initialized on first use, and read-only thereafter (per the
// system's shared-state rules).
//
// The remote-embedder-with-disk-cache shape is adapted from
// haasonsaas-nexus's internal/tools/memorysearch/embeddings.go, trading its
// []float64 vectors for []float32 (the precision sqlite storage actually
// needs) and its arbitrary cache directory for one rooted under the vector
// store directory.
package vectorstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Embedder turns text into vectors. Implementations must be safe for
// concurrent use; the process-wide instance is shared across sessions.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// EmbeddingConfig configures the lazily-constructed process-wide embedder.
type EmbeddingConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	CacheDir string
	CacheTTL time.Duration
	Timeout  time.Duration
}

var (
	defaultOnce     sync.Once
	defaultEmbedder Embedder
	defaultErr      error
	defaultCfg      EmbeddingConfig
)

// Configure sets the configuration used the first time Default() is called.
// Calling it after Default() has already constructed the singleton has no
// effect, matching the "initialized lazily and shared" rule — there is
// exactly one process-wide embedding function.
func Configure(cfg EmbeddingConfig) {
	defaultCfg = cfg
}

// Default returns the process-wide embedder, constructing it on first call.
func Default() (Embedder, error) {
	defaultOnce.Do(func() {
		defaultEmbedder, defaultErr = newRemoteEmbedder(defaultCfg)
	})
	return defaultEmbedder, defaultErr
}

type remoteEmbedder struct {
	cfg    EmbeddingConfig
	client *http.Client
	cache  *embeddingCache
	url    string
}

func newRemoteEmbedder(cfg EmbeddingConfig) (*remoteEmbedder, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	var cache *embeddingCache
	if cfg.CacheDir != "" {
		cache = newEmbeddingCache(cfg.CacheDir, cfg.CacheTTL)
	}
	return &remoteEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
		url:    resolveEmbeddingsURL(cfg.BaseURL),
	}, nil
}

func (e *remoteEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(e.cfg.Model) == "" || strings.TrimSpace(e.cfg.BaseURL) == "" {
		// No embedding backend configured: fall back to a deterministic
		// hash-based pseudo-embedding so local development and tests can
		// exercise similarity search without a live provider.
		return hashEmbed(inputs), nil
	}

	results := make([][]float32, len(inputs))
	var missingInputs []string
	var missingIndexes []int

	for i, input := range inputs {
		trimmed := strings.TrimSpace(input)
		if trimmed == "" {
			continue
		}
		key := cacheKey(e.cfg.Model, trimmed)
		if e.cache != nil {
			if cached, ok := e.cache.Get(key); ok {
				results[i] = cached
				continue
			}
		}
		missingInputs = append(missingInputs, trimmed)
		missingIndexes = append(missingIndexes, i)
	}

	if len(missingInputs) > 0 {
		vectors, err := e.embedRemote(ctx, missingInputs)
		if err != nil {
			return nil, err
		}
		for i, idx := range missingIndexes {
			results[idx] = vectors[i]
			if e.cache != nil {
				_ = e.cache.Set(cacheKey(e.cfg.Model, missingInputs[i]), vectors[i])
			}
		}
	}

	for i := range results {
		if results[i] == nil {
			results[i] = []float32{}
		}
	}
	return results, nil
}

func (e *remoteEmbedder) embedRemote(ctx context.Context, inputs []string) ([][]float32, error) {
	payload := struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: e.cfg.Model, Input: inputs}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embeddings request build failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("embeddings request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embeddings response decode failed: %w", err)
	}

	vectors := make([][]float32, len(inputs))
	for i, entry := range parsed.Data {
		idx := entry.Index
		if idx < 0 || idx >= len(inputs) {
			idx = i
		}
		vectors[idx] = entry.Embedding
	}
	return vectors, nil
}

// hashEmbed produces a small, stable, content-sensitive vector from text
// without calling out to any service — used only when no embedding backend
// is configured.
func hashEmbed(inputs []string) [][]float32 {
	const dims = 32
	out := make([][]float32, len(inputs))
	for i, text := range inputs {
		sum := sha256.Sum256([]byte(text))
		vec := make([]float32, dims)
		for d := 0; d < dims; d++ {
			vec[d] = float32(sum[d%len(sum)]) / 255.0
		}
		out[i] = vec
	}
	return out
}

type embeddingCache struct {
	dir string
	ttl time.Duration
}

func newEmbeddingCache(dir string, ttl time.Duration) *embeddingCache {
	if ttl < 0 {
		ttl = 0
	}
	return &embeddingCache{dir: dir, ttl: ttl}
}

func (c *embeddingCache) Get(key string) ([]float32, bool) {
	path := filepath.Join(c.dir, key+".json")
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if c.ttl > 0 && time.Since(info.ModTime()) > c.ttl {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var entry struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	if len(entry.Embedding) == 0 {
		return nil, false
	}
	return entry.Embedding, true
}

func (c *embeddingCache) Set(key string, embedding []float32) error {
	if len(embedding) == 0 {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(c.dir, key+".json")
	payload, err := json.Marshal(struct {
		Embedding []float32 `json:"embedding"`
	}{Embedding: embedding})
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func cacheKey(model, text string) string {
	hash := sha256.Sum256([]byte(strings.TrimSpace(model) + "\n" + strings.TrimSpace(text)))
	return hex.EncodeToString(hash[:])
}

func resolveEmbeddingsURL(base string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	if trimmed == "" {
		return ""
	}
	lower := strings.ToLower(trimmed)
	if strings.HasSuffix(lower, "/embeddings") {
		return trimmed
	}
	if strings.HasSuffix(lower, "/v1") {
		return trimmed + "/embeddings"
	}
	return trimmed + "/v1/embeddings"
}
