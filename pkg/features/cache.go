package features

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
)

// Cache stores embedding vectors by key.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32) error
}

// RedisCache keeps embeddings in Redis with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	vec, err := decodeVector(data)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, vec []float32) error {
	return c.client.Set(ctx, key, encodeVector(vec), c.ttl).Err()
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("corrupt cached vector of %d bytes", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return vec, nil
}

// CachedEmbedder serves embeddings from a cache and only sends misses to the
// wrapped embedder. Cache failures degrade to a pass-through.
type CachedEmbedder struct {
	inner Embedder
	cache Cache
}

func NewCachedEmbedder(inner Embedder, cache Cache) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache}
}

func (c *CachedEmbedder) Key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("embeddings:%s:%s", c.inner.Name(), hex.EncodeToString(sum[:]))
}

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		vec, ok, err := c.cache.Get(ctx, c.Key(text))
		if err != nil {
			logger.Log.WithError(err).Warn("Embedding cache read failed")
		}
		if ok && len(vec) == c.inner.Dimensions() {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	logger.Log.WithFields(map[string]interface{}{
		logger.ComponentKey: "embedding_cache",
		"hits":              len(texts) - len(missTexts),
		"misses":            len(missTexts),
	}).Debug("Embedding cache lookup")

	if len(missTexts) == 0 {
		return out, nil
	}
	vectors, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		out[idx] = vectors[j]
		if err := c.cache.Set(ctx, c.Key(missTexts[j]), vectors[j]); err != nil {
			logger.Log.WithError(err).Warn("Embedding cache write failed")
		}
	}
	return out, nil
}

func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

func (c *CachedEmbedder) Name() string {
	return c.inner.Name()
}
