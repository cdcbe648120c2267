package features

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/synaptica-ai/diagnosis/pkg/common/config"
	"github.com/synaptica-ai/diagnosis/pkg/common/httpclient"
)

// Embedder turns texts into fixed-width vectors. Implementations are frozen:
// the same text always yields the same vector.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// NewEmbedder builds the embedder selected by EMBEDDER_PROVIDER.
func NewEmbedder(ctx context.Context, cfg *config.Config) (Embedder, error) {
	switch cfg.EmbedderProvider {
	case "hashing", "":
		return NewHashingEmbedder(cfg.EmbedderDimensions), nil
	case "genai":
		return NewGenAIEmbedder(ctx, cfg.EmbedderAPIKey, cfg.EmbedderModel, cfg.EmbedderDimensions)
	case "ollama":
		return NewOllamaEmbedder(cfg.EmbedderEndpoint, cfg.EmbedderModel, cfg.EmbedderDimensions, httpclient.New(cfg.HTTPTimeout))
	case "openai":
		return NewOpenAIEmbedder(ctx, cfg.EmbedderEndpoint, cfg.EmbedderAPIKey, cfg.EmbedderModel, cfg.EmbedderDimensions, httpclient.New(cfg.HTTPTimeout))
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", cfg.EmbedderProvider)
	}
}

// HashingEmbedder is an offline embedder based on the hashing trick over word
// unigrams and bigrams. Vectors are L2 normalised.
type HashingEmbedder struct {
	dims int
}

func NewHashingEmbedder(dims int) *HashingEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &HashingEmbedder{dims: dims}
}

func (h *HashingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embed(text)
	}
	return out, nil
}

func (h *HashingEmbedder) embed(text string) []float32 {
	vec := make([]float64, h.dims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	add := func(token string) {
		hasher := fnv.New64a()
		hasher.Write([]byte(token))
		sum := hasher.Sum64()
		sign := 1.0
		if sum>>63 == 1 {
			sign = -1
		}
		vec[sum%uint64(h.dims)] += sign
	}
	for i, tok := range tokens {
		add(tok)
		if i > 0 {
			add(tokens[i-1] + " " + tok)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, h.dims)
	if norm == 0 {
		return out
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

func (h *HashingEmbedder) Dimensions() int {
	return h.dims
}

func (h *HashingEmbedder) Name() string {
	return fmt.Sprintf("hashing:%d", h.dims)
}

func checkDims(name string, dims int, vectors [][]float32) error {
	for i, v := range vectors {
		if len(v) != dims {
			return fmt.Errorf("%s returned %d dimensions for text %d, expected %d", name, len(v), i, dims)
		}
	}
	return nil
}
