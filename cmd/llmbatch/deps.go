package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/pario-ai/llmbatch/pkg/cache"
	"github.com/pario-ai/llmbatch/pkg/cache/jsonfile"
	"github.com/pario-ai/llmbatch/pkg/cache/redis"
	"github.com/pario-ai/llmbatch/pkg/cache/sqlite"
	"github.com/pario-ai/llmbatch/pkg/config"
	"github.com/pario-ai/llmbatch/pkg/llm"
)

// openCache opens the configured cache backend. Failures wrap
// cache.ErrUnavailable.
func openCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case config.BackendJSONFile:
		return jsonfile.Open(cfg.CachePath(), cfg.Cache.TTL,
			jsonfile.WithLogger(logger),
			jsonfile.WithFlushEvery(cfg.Cache.FlushEvery),
		), nil
	case config.BackendRedis:
		s, err := redis.New(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL, redis.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := sqlite.New(cfg.CachePath(), cfg.Cache.TTL, sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func newTransport(cfg *config.Config) (llm.Transport, error) {
	p := cfg.Provider
	switch p.Type {
	case config.ProviderAnthropic:
		t, err := llm.NewAnthropicTransport(llm.AnthropicConfig{
			APIKey:      p.APIKey,
			BaseURL:     p.URL,
			Model:       cfg.Model(),
			Temperature: p.Temperature,
			MaxTokens:   p.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("init transport: %w", err)
		}
		return t, nil
	default:
		key := p.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		t, err := llm.NewOpenAITransport(llm.OpenAIConfig{
			URL:         p.URL,
			APIKey:      key,
			Model:       cfg.Model(),
			Temperature: p.Temperature,
			MaxTokens:   p.MaxTokens,
			Headers:     p.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("init transport: %w", err)
		}
		return t, nil
	}
}
