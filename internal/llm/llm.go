// Package llm selects and builds the provider client backing a single
// call. Open Notebook's credentials are scoped per request by
// internal/credctx, which patches the provider's API-key environment
// variable for the span of one call rather than holding a single
// long-lived client — so, unlike the teacher's cmd/at, which builds one
// provider client at startup from a fixed config key, this package builds
// a fresh client per call from whatever internal/credctx has patched into
// the environment at that moment (spec §4.2).
package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/rakunlabs/opennotebook/internal/credctx"
	"github.com/rakunlabs/opennotebook/internal/domain"
	"github.com/rakunlabs/opennotebook/internal/llm/anthropic"
	"github.com/rakunlabs/opennotebook/internal/llm/openai"
)

// Config names the built-in default provider and model used when a caller
// has no UserProviderSecret of their own for the session's provider
// (config.ProviderDefault, spec §6).
type Config struct {
	Provider string
	Model    string
	BaseURL  string
}

// Dynamic implements domain.LLMProvider, domain.LLMStreamProvider, and
// pipeline.Embedder by resolving the current API key from the environment
// and constructing the matching teacher-style provider client on every
// call.
type Dynamic struct {
	cfg Config
}

func New(cfg Config) *Dynamic {
	return &Dynamic{cfg: cfg}
}

func (d *Dynamic) apiKey() string {
	envVar, ok := credctx.ProviderEnvVar[d.cfg.Provider]
	if !ok {
		return ""
	}
	return os.Getenv(envVar)
}

func (d *Dynamic) Chat(ctx context.Context, model string, messages []domain.Message) (*domain.LLMResponse, error) {
	if model == "" {
		model = d.cfg.Model
	}

	switch d.cfg.Provider {
	case "anthropic":
		p, err := anthropic.New(d.apiKey(), model, d.cfg.BaseURL, "", false)
		if err != nil {
			return nil, fmt.Errorf("build anthropic client: %w", err)
		}
		return p.Chat(ctx, model, messages)
	default:
		p, err := openai.New(d.apiKey(), model, d.cfg.BaseURL, "", false, nil)
		if err != nil {
			return nil, fmt.Errorf("build openai client: %w", err)
		}
		return p.Chat(ctx, model, messages)
	}
}

func (d *Dynamic) ChatStream(ctx context.Context, model string, messages []domain.Message) (<-chan domain.StreamChunk, error) {
	if model == "" {
		model = d.cfg.Model
	}

	switch d.cfg.Provider {
	case "anthropic":
		p, err := anthropic.New(d.apiKey(), model, d.cfg.BaseURL, "", false)
		if err != nil {
			return nil, fmt.Errorf("build anthropic client: %w", err)
		}
		return p.ChatStream(ctx, model, messages)
	default:
		p, err := openai.New(d.apiKey(), model, d.cfg.BaseURL, "", false, nil)
		if err != nil {
			return nil, fmt.Errorf("build openai client: %w", err)
		}
		return p.ChatStream(ctx, model, messages)
	}
}

// Embed backs pipeline.Embedder. Only the OpenAI-compatible provider
// exposes an embeddings endpoint in this codebase (spec §9, Open
// Question); a non-OpenAI chat provider still embeds against OpenAI's
// endpoint using the same OPENAI_API_KEY environment variable. The
// configured Model, when set, is the embedding model requested.
func (d *Dynamic) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	envVar := credctx.ProviderEnvVar["openai"]
	p, err := openai.New(os.Getenv(envVar), d.cfg.Model, "", "", false, nil)
	if err != nil {
		return nil, fmt.Errorf("build openai client: %w", err)
	}
	if d.cfg.Model != "" {
		p.EmbeddingModel = d.cfg.Model
	}
	return p.Embed(ctx, texts)
}

var (
	_ domain.LLMProvider       = (*Dynamic)(nil)
	_ domain.LLMStreamProvider = (*Dynamic)(nil)
)
