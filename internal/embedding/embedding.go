// Package embedding defines the narrow text->vector capability set (C2) and
// a factory that selects a concrete provider from configuration. Per the
// design notes, provider variants are plugged behind one polymorphic
// interface rather than modeled with an inheritance hierarchy.
package embedding

import (
	"context"
	"fmt"
	"os"

	"github.com/selfreflect/engine/internal/domain"
)

// Kind distinguishes document-side from query-side embedding requests; some
// providers tune their request shape based on it.
type Kind string

const (
	KindDocument Kind = "document"
	KindQuery    Kind = "query"
)

// Provider is the capability set every embedding backend implements:
// Embed, Dimension, Tag. Implementations never see variant-specific
// operations — callers code only against this interface.
type Provider interface {
	Embed(ctx context.Context, kind Kind, texts []string) ([][]float32, error)
	Dimension() int
	Tag() string
}

// Config carries the environment-derived settings the factory needs.
type Config struct {
	Provider       string // explicit EMBEDDING_PROVIDER, "" to auto-select
	DashscopeKey   string
	DashscopeEndpoint string
	VoyageKey      string
}

// ConfigFromEnv reads the environment variables named in the external
// interfaces section: EMBEDDING_PROVIDER, DASHSCOPE_API_KEY,
// DASHSCOPE_ENDPOINT, VOYAGE_KEY.
func ConfigFromEnv() Config {
	return Config{
		Provider:          os.Getenv("EMBEDDING_PROVIDER"),
		DashscopeKey:      os.Getenv("DASHSCOPE_API_KEY"),
		DashscopeEndpoint: envOr("DASHSCOPE_ENDPOINT", "https://dashscope.aliyuncs.com/compatible-mode/v1"),
		VoyageKey:         os.Getenv("VOYAGE_KEY"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// New selects a Provider per the factory rule: an explicit provider name
// wins; otherwise the first provider with a configured API key wins, qwen
// preferred over voyage for new installs. Returns ErrConfig if nothing is
// configured or an explicit name names neither provider.
func New(cfg Config, deps ClientDeps) (Provider, error) {
	switch cfg.Provider {
	case "qwen":
		if cfg.DashscopeKey == "" {
			return nil, domain.Wrap("embedding.New", "qwen", domain.ErrConfig)
		}
		return newQwen(cfg, deps), nil
	case "voyage":
		if cfg.VoyageKey == "" {
			return nil, domain.Wrap("embedding.New", "voyage", domain.ErrConfig)
		}
		return newVoyage(cfg, deps), nil
	case "":
		if cfg.DashscopeKey != "" {
			return newQwen(cfg, deps), nil
		}
		if cfg.VoyageKey != "" {
			return newVoyage(cfg, deps), nil
		}
		return nil, domain.Wrap("embedding.New", "no provider configured", domain.ErrConfig)
	default:
		return nil, domain.Wrap("embedding.New", fmt.Sprintf("unknown provider %q", cfg.Provider), domain.ErrConfig)
	}
}

// Validate checks returned vectors against the guarantees in §4.2: the
// count must match the input count, every vector must have the provider's
// declared dimension, and no vector may be degenerate (zero-variance).
func Validate(vectors [][]float32, wantLen, dim int) error {
	if len(vectors) != wantLen {
		return domain.Wrap("embedding.Validate", fmt.Sprintf("got %d vectors, want %d", len(vectors), wantLen), domain.ErrProviderFatal)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return domain.Wrap("embedding.Validate", fmt.Sprintf("vector[%d] dim %d, want %d", i, len(v), dim), domain.ErrProviderFatal)
		}
		if isDegenerate(v) {
			return domain.Wrap("embedding.Validate", fmt.Sprintf("vector[%d] is degenerate", i), domain.ErrProviderFatal)
		}
	}
	return nil
}

func isDegenerate(v []float32) bool {
	if len(v) == 0 {
		return true
	}
	var mean float64
	for _, x := range v {
		mean += float64(x)
	}
	mean /= float64(len(v))
	var variance float64
	for _, x := range v {
		d := float64(x) - mean
		variance += d * d
	}
	variance /= float64(len(v))
	return variance <= 1e-10
}
