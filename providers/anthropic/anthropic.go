// Package anthropic implements provider.Provider against the Anthropic
// Messages API directly, as an alternative to the Bedrock-hosted adapter.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"autopilot/core/provider"
)

// knownModels holds static pricing metadata, matching the table published on
// anthropic.com/pricing at the time of writing.
var knownModels = map[string]provider.ModelInfo{
	"claude-3-5-haiku-20241022": {
		ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku",
		ContextWindow: 200_000, InputCostPer1M: 1.0, OutputCostPer1M: 5.0,
	},
	"claude-3-5-sonnet-20241022": {
		ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet",
		ContextWindow: 200_000, InputCostPer1M: 3.0, OutputCostPer1M: 15.0,
	},
	"claude-sonnet-4-20250514": {
		ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4",
		ContextWindow: 200_000, InputCostPer1M: 3.0, OutputCostPer1M: 15.0,
	},
	"claude-opus-4-20250514": {
		ID: "claude-opus-4-20250514", Name: "Claude Opus 4",
		ContextWindow: 200_000, InputCostPer1M: 15.0, OutputCostPer1M: 75.0,
	},
}

// aliases maps the short names the rest of the system uses (spec's
// model-alias resolution) to full Anthropic API model ids.
var aliases = map[string]string{
	"haiku":  "claude-3-5-haiku-20241022",
	"sonnet": "claude-sonnet-4-20250514",
	"opus":   "claude-opus-4-20250514",
}

// ResolveModel maps a short alias to a full model id, passing full ids
// through unchanged.
func ResolveModel(model string) string {
	if full, ok := aliases[model]; ok {
		return full
	}
	return model
}

// Anthropic implements provider.Provider against the direct Messages API.
type Anthropic struct {
	client *anthropic.Client
}

// New creates an Anthropic provider. apiKey may be empty to fall back to the
// ANTHROPIC_API_KEY environment variable, matching the SDK's own default.
func New(apiKey string) *Anthropic {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Anthropic{client: &client}
}

// Send starts a streaming conversation with the model specified in req.
func (a *Anthropic) Send(ctx context.Context, req provider.Request) (provider.StreamIterator, error) {
	params, err := buildMessageParams(req)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	return &anthropicIterator{stream: stream}, nil
}

// ListModels returns the statically known Anthropic models. The Messages API
// does not expose a pricing endpoint, so metadata here is the canonical
// source (mirrors the Bedrock adapter's knownModels fallback tier).
func (a *Anthropic) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	models := make([]provider.ModelInfo, 0, len(knownModels))
	for _, m := range knownModels {
		models = append(models, m)
	}
	return models, nil
}

// classifyErr wraps SDK errors into provider-level sentinels.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return fmt.Errorf("%w: %s", provider.ErrThrottled, apiErr.Error())
		case 403:
			return fmt.Errorf("%w: %s", provider.ErrAccessDenied, apiErr.Error())
		case 404:
			return fmt.Errorf("%w: %s", provider.ErrModelNotFound, apiErr.Error())
		case 529:
			return fmt.Errorf("%w: %s", provider.ErrModelNotReady, apiErr.Error())
		}
	}
	return fmt.Errorf("anthropic: %w", err)
}

var _ provider.Provider = (*Anthropic)(nil)
