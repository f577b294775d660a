package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"discoursego/internal/config"
	"discoursego/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const deepseekDefaultBaseURL = "https://api.deepseek.com/v1"

// Params are the sampling knobs applied to one generation call. Extra holds
// the persona's provider_parameters mapping; recognized keys are applied to
// the adapter, unknown keys are ignored.
type Params struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
	Extra       map[string]any
}

// DefaultParams frames turns generated without a persona.
var DefaultParams = Params{Temperature: 0.7, MaxTokens: 500, TopP: 1.0}

// Generator produces a response from assembled context.
type Generator interface {
	Generate(ctx context.Context, instructions string, history []models.Exchange, query string) (string, error)
}

type chatClient struct {
	chatModel model.BaseChatModel
	provider  string
}

// NewGenerator builds a provider-backed generator for one model and
// parameter set. Credentials and base URLs come from the process-wide
// provider configuration.
func NewGenerator(ctx context.Context, providers map[string]config.ProviderConfig, provider, modelID string, params Params) (Generator, error) {
	provCfg, ok := providers[provider]
	if !ok {
		return nil, &models.ProviderError{Provider: provider, Retryable: false, Err: fmt.Errorf("provider %s not configured", provider)}
	}
	if modelID == "" {
		modelID = provCfg.Model
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case models.ProviderOpenAI, models.ProviderDeepSeek:
		baseURL := provCfg.BaseURL
		if baseURL == "" && provider == models.ProviderDeepSeek {
			baseURL = deepseekDefaultBaseURL
		}
		cfg := &openai.ChatModelConfig{
			BaseURL:     baseURL,
			Model:       modelID,
			APIKey:      provCfg.APIKey,
			Temperature: floatPtr32(params.Temperature),
			TopP:        floatPtr32(params.TopP),
			MaxTokens:   intPtr(params.MaxTokens),
		}
		if stop := stringSlice(params.Extra, "stop"); len(stop) > 0 {
			cfg.Stop = stop
		}
		if v, ok := float32Value(params.Extra, "presence_penalty"); ok {
			cfg.PresencePenalty = &v
		}
		if v, ok := float32Value(params.Extra, "frequency_penalty"); ok {
			cfg.FrequencyPenalty = &v
		}
		chatModel, err = openai.NewChatModel(ctx, cfg)
	case models.ProviderAnthropic:
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		cfg := &claude.Config{
			APIKey:      provCfg.APIKey,
			Model:       modelID,
			BaseURL:     baseURLPtr,
			MaxTokens:   params.MaxTokens,
			Temperature: floatPtr32(params.Temperature),
			TopP:        floatPtr32(params.TopP),
		}
		if v, ok := int32Value(params.Extra, "top_k"); ok {
			cfg.TopK = &v
		}
		if stop := stringSlice(params.Extra, "stop_sequences"); len(stop) > 0 {
			cfg.StopSequences = stop
		}
		chatModel, err = claude.NewChatModel(ctx, cfg)
	case models.ProviderGemini:
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: provCfg.APIKey})
		if err != nil {
			break
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelID,
			ThinkingConfig: &genai.ThinkingConfig{
				IncludeThoughts: false,
				ThinkingBudget:  nil,
			},
		})
	default:
		return nil, &models.ProviderError{Provider: provider, Retryable: false, Err: fmt.Errorf("invalid provider: %s", provider)}
	}
	if err != nil {
		return nil, &models.ProviderError{Provider: provider, Retryable: false, Err: fmt.Errorf("init chat model: %w", err)}
	}
	return &chatClient{chatModel: chatModel, provider: provider}, nil
}

// Generate assembles the message sequence and invokes the chat model once.
func (c *chatClient) Generate(ctx context.Context, instructions string, history []models.Exchange, query string) (string, error) {
	messages := make([]*schema.Message, 0, 2*len(history)+2)
	if instructions != "" {
		messages = append(messages, &schema.Message{Role: schema.System, Content: instructions})
	}
	for _, ex := range history {
		messages = append(messages, &schema.Message{Role: schema.User, Content: ex.Query})
		messages = append(messages, &schema.Message{Role: schema.Assistant, Content: ex.Response})
	}
	messages = append(messages, &schema.Message{Role: schema.User, Content: query})

	resp, err := c.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", &models.ProviderError{Provider: c.provider, Retryable: retryable(err), Err: err}
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", &models.ProviderError{Provider: c.provider, Retryable: true, Err: errors.New("empty response from model")}
	}
	return resp.Content, nil
}

// retryable classifies a provider failure. Credential and request-shape
// failures are permanent; everything else (timeouts, rate limits, upstream
// errors, network faults) is worth retrying.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanent := []string{
		"401", "403", "unauthorized", "forbidden",
		"invalid api key", "incorrect api key", "authentication",
		"invalid request", "invalid_request", "unsupported",
	}
	for _, marker := range permanent {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	return true
}

func floatPtr32(v float64) *float32 {
	f := float32(v)
	return &f
}

func intPtr(v int) *int {
	return &v
}

func float32Value(extra map[string]any, key string) (float32, bool) {
	raw, ok := extra[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return float32(v), true
	case int:
		return float32(v), true
	}
	return 0, false
}

func int32Value(extra map[string]any, key string) (int32, bool) {
	raw, ok := extra[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int32(v), true
	case int:
		return int32(v), true
	}
	return 0, false
}

func stringSlice(extra map[string]any, key string) []string {
	raw, ok := extra[key]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
