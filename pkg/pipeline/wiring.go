package pipeline

import (
	"context"

	"github.com/synaptica-ai/diagnosis/pkg/common/config"
	"github.com/synaptica-ai/diagnosis/pkg/common/database"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
	"github.com/synaptica-ai/diagnosis/pkg/dlp"
	"github.com/synaptica-ai/diagnosis/pkg/features"
)

// EmbedderFromConfig builds the configured embedder. Remote embedders are
// wrapped in the Redis cache when Redis is enabled.
func EmbedderFromConfig(ctx context.Context, cfg *config.Config) (features.Embedder, error) {
	embedder, err := features.NewEmbedder(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, local := embedder.(*features.HashingEmbedder); local || !cfg.RedisEnabled {
		return embedder, nil
	}
	cache := features.NewRedisCache(database.GetRedis(cfg), cfg.EmbeddingCacheTTL)
	logger.Log.WithField("embedder", embedder.Name()).Info("Embedding cache enabled")
	return features.NewCachedEmbedder(embedder, cache), nil
}

// ScrubberFromConfig loads PHI rules from PHI_RULES_PATH, falling back to the
// built-in rules.
func ScrubberFromConfig(cfg *config.Config) (*dlp.Detector, error) {
	rules := dlp.DefaultRules()
	if cfg.PHIRulesPath != "" {
		loaded, err := dlp.LoadRules(cfg.PHIRulesPath)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	return dlp.NewDetector(rules)
}
