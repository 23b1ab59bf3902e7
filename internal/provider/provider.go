package provider

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mkamali/deepscout/internal/config"
	"github.com/mkamali/deepscout/internal/telemetry"
)

// Registry maps short model keys to a configured chat-completion backend.
// It is built once at process start from config and injected wherever model
// access is needed; there is no package-level state.
type Registry struct {
	logger     *log.Logger
	telemetry  *telemetry.Telemetry
	defaultKey string
	models     map[string]boundModel
}

type boundModel struct {
	client *openAIClient
	model  config.LLMModel
}

// NewRegistry builds the registry from configuration.
func NewRegistry(cfg config.LLMConfig, tele *telemetry.Telemetry, logger *log.Logger) (*Registry, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[LLM] ", log.LstdFlags)
	}
	r := &Registry{
		logger:     logger,
		telemetry:  tele,
		defaultKey: cfg.Routing.Default,
		models:     make(map[string]boundModel),
	}

	for name, provider := range cfg.Providers {
		switch provider.Type {
		case "", "openai":
			client := newOpenAIClient(provider)
			for key, model := range provider.Models {
				if _, dup := r.models[key]; dup {
					return nil, fmt.Errorf("model key %q configured by more than one provider", key)
				}
				r.models[key] = boundModel{client: client, model: model}
			}
		default:
			return nil, fmt.Errorf("unsupported LLM provider type %q for provider %q", provider.Type, name)
		}
	}

	if len(r.models) == 0 {
		return nil, fmt.Errorf("no LLM models configured")
	}
	if r.defaultKey == "" {
		return nil, fmt.Errorf("llm.routing.default must name a model key")
	}
	if _, ok := r.models[r.defaultKey]; !ok {
		return nil, fmt.Errorf("default model key %q not configured", r.defaultKey)
	}

	return r, nil
}

// Resolve returns key if it names a configured model, otherwise the default
// key. Unknown keys from clients degrade rather than fail the run.
func (r *Registry) Resolve(key string) string {
	if _, ok := r.models[key]; ok {
		return key
	}
	if key != "" {
		r.logger.Printf("unknown model key %q, using %q", key, r.defaultKey)
	}
	return r.defaultKey
}

// SupportsStreaming reports whether the model behind key can stream tokens.
func (r *Registry) SupportsStreaming(key string) bool {
	bm, ok := r.models[r.Resolve(key)]
	return ok && bm.model.Streaming
}

// Completion runs a single chat completion and returns the full text.
func (r *Registry) Completion(ctx context.Context, key, prompt string) (string, error) {
	resolved := r.Resolve(key)
	bm := r.models[resolved]
	start := time.Now()
	out, err := bm.client.completion(ctx, bm.model, prompt)
	r.telemetry.RecordLLMRequest(resolved, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("completion with %s: %w", resolved, err)
	}
	return out, nil
}

// StreamCompletion runs a streaming chat completion, invoking fn for every
// content delta, and returns the accumulated text. If fn returns an error
// the stream is aborted and that error is returned.
func (r *Registry) StreamCompletion(ctx context.Context, key, prompt string, fn func(chunk string) error) (string, error) {
	resolved := r.Resolve(key)
	bm := r.models[resolved]
	if !bm.model.Streaming {
		out, err := r.Completion(ctx, key, prompt)
		if err != nil {
			return "", err
		}
		if fn != nil {
			if err := fn(out); err != nil {
				return "", err
			}
		}
		return out, nil
	}
	start := time.Now()
	out, err := bm.client.streamCompletion(ctx, bm.model, prompt, fn)
	r.telemetry.RecordLLMRequest(resolved, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("stream completion with %s: %w", resolved, err)
	}
	return out, nil
}
