// Package llm creates chat models from provider configuration. The rest of
// the platform depends only on eino's ToolCallingChatModel, so providers
// are swappable without touching the agent loop.
//
// Retries are deliberately absent here: transient LLM failures are the
// agent recovery policy's job, and a second retry layer underneath it
// would multiply delays.
package llm

import (
	"context"
	"encoding/json"

	"github.com/cloudwego/eino-ext/components/model/claude"
	einogemini "github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"browserpilot/internal/config"
	"browserpilot/internal/errs"
)

// NewChatModel creates a ToolCallingChatModel for the configured provider.
func NewChatModel(ctx context.Context, cfg config.LLM) (model.ToolCallingChatModel, error) {
	switch cfg.Provider.Type {
	case "openai", "":
		return newOpenAIChatModel(ctx, cfg, false)
	case "azure":
		return newOpenAIChatModel(ctx, cfg, true)
	case "anthropic":
		return newClaudeChatModel(ctx, cfg)
	case "gemini":
		return newGeminiChatModel(ctx, cfg)
	case "ollama":
		return newOllamaChatModel(ctx, cfg)
	case "qwen":
		return newQwenChatModel(ctx, cfg)
	default:
		return nil, errs.Newf(errs.CodeInvalidParameter, "unsupported provider type: %s", cfg.Provider.Type)
	}
}

func applyOpenAIModelParams(mc *openai.ChatModelConfig, cfg config.LLM) {
	if cfg.Temperature != nil {
		temp := float32(*cfg.Temperature)
		mc.Temperature = &temp
	}
	if cfg.TopP != nil {
		topP := float32(*cfg.TopP)
		mc.TopP = &topP
	}
	if cfg.MaxTokens != nil {
		mc.MaxTokens = cfg.MaxTokens
	}
}

func newOpenAIChatModel(ctx context.Context, cfg config.LLM, byAzure bool) (model.ToolCallingChatModel, error) {
	mc := &openai.ChatModelConfig{
		APIKey:  cfg.Provider.APIKey,
		Model:   cfg.ModelID,
		BaseURL: cfg.Provider.APIEndpoint,
	}
	if byAzure {
		var extraConfig struct {
			APIVersion string `json:"api_version"`
		}
		if cfg.Provider.ExtraConfig != "" {
			if err := json.Unmarshal([]byte(cfg.Provider.ExtraConfig), &extraConfig); err != nil {
				return nil, errs.Wrap(errs.CodeInvalidParameter, "invalid azure extra config", err)
			}
		}
		mc.ByAzure = true
		mc.APIVersion = extraConfig.APIVersion
	}
	applyOpenAIModelParams(mc, cfg)

	return openai.NewChatModel(ctx, mc)
}

func newClaudeChatModel(ctx context.Context, cfg config.LLM) (model.ToolCallingChatModel, error) {
	var baseURL *string
	if cfg.Provider.APIEndpoint != "" {
		baseURL = &cfg.Provider.APIEndpoint
	}

	mc := &claude.Config{
		APIKey:  cfg.Provider.APIKey,
		Model:   cfg.ModelID,
		BaseURL: baseURL,
	}
	if cfg.Temperature != nil {
		temp := float32(*cfg.Temperature)
		mc.Temperature = &temp
	}
	if cfg.TopP != nil {
		topP := float32(*cfg.TopP)
		mc.TopP = &topP
	}
	if cfg.MaxTokens != nil {
		mc.MaxTokens = *cfg.MaxTokens
	} else {
		mc.MaxTokens = 4096
	}

	return claude.NewChatModel(ctx, mc)
}

func newGeminiChatModel(ctx context.Context, cfg config.LLM) (model.ToolCallingChatModel, error) {
	clientConfig := &genai.ClientConfig{
		APIKey: cfg.Provider.APIKey,
	}
	if cfg.Provider.APIEndpoint != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{
			BaseURL: cfg.Provider.APIEndpoint,
		}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, errs.Wrap(errs.CodeExecutionError, "create gemini client", err)
	}

	mc := &einogemini.Config{
		Client: client,
		Model:  cfg.ModelID,
	}
	if cfg.Temperature != nil {
		temp := float32(*cfg.Temperature)
		mc.Temperature = &temp
	}
	if cfg.TopP != nil {
		topP := float32(*cfg.TopP)
		mc.TopP = &topP
	}

	return einogemini.NewChatModel(ctx, mc)
}

func newOllamaChatModel(ctx context.Context, cfg config.LLM) (model.ToolCallingChatModel, error) {
	mc := &ollama.ChatModelConfig{
		BaseURL: cfg.Provider.APIEndpoint,
		Model:   cfg.ModelID,
	}
	return ollama.NewChatModel(ctx, mc)
}

func newQwenChatModel(ctx context.Context, cfg config.LLM) (model.ToolCallingChatModel, error) {
	mc := &qwen.ChatModelConfig{
		APIKey:  cfg.Provider.APIKey,
		Model:   cfg.ModelID,
		BaseURL: cfg.Provider.APIEndpoint,
	}
	if cfg.Temperature != nil {
		temp := float32(*cfg.Temperature)
		mc.Temperature = &temp
	}
	if cfg.TopP != nil {
		topP := float32(*cfg.TopP)
		mc.TopP = &topP
	}
	if cfg.MaxTokens != nil {
		mc.MaxTokens = cfg.MaxTokens
	}
	return qwen.NewChatModel(ctx, mc)
}
