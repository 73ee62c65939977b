package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/usecase/router"
	"delivery-core/internal/utils/text"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
)

// InferenceConfig configures an LLM provider. The queue item payload is the
// prompt and the completion is returned in router.Result.Output.
type InferenceConfig struct {
	ID     string
	APIKey string
	// BaseURL overrides the vendor endpoint. Empty uses the SDK default.
	BaseURL   string
	Model     string
	MaxTokens int
	// MaxPromptChars truncates longer payloads before sending.
	MaxPromptChars int
}

const (
	defaultMaxTokens      = 1024
	defaultMaxPromptChars = 10000
)

func (c InferenceConfig) withDefaults() InferenceConfig {
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.MaxPromptChars <= 0 {
		c.MaxPromptChars = defaultMaxPromptChars
	}
	return c
}

func truncatePrompt(providerID, prompt string, maxChars int) string {
	out, cut := text.Truncate(prompt, maxChars)
	if cut {
		slog.Warn("prompt truncated",
			slog.String("provider", providerID),
			slog.Int("original_length", text.CountRunes(prompt)),
			slog.Int("truncated_length", maxChars))
	}
	return out
}

// ClaudeProvider completes prompts with Anthropic's Messages API.
type ClaudeProvider struct {
	client anthropic.Client
	cfg    InferenceConfig
}

// NewClaudeProvider creates a ClaudeProvider. SDK-level retries are disabled;
// the queue owns retry policy.
func NewClaudeProvider(cfg InferenceConfig) *ClaudeProvider {
	cfg = cfg.withDefaults()
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaudeSonnet4_5_20250929)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &ClaudeProvider{client: anthropic.NewClient(opts...), cfg: cfg}
}

func (p *ClaudeProvider) ID() string                    { return p.cfg.ID }
func (p *ClaudeProvider) Capability() entity.Capability { return entity.CapabilityInference }

func (p *ClaudeProvider) Deliver(ctx context.Context, item *entity.QueueItem) (*router.Result, error) {
	prompt := truncatePrompt(p.cfg.ID, item.Payload, p.cfg.MaxPromptChars)

	start := time.Now()
	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: int64(p.cfg.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			var header http.Header
			if apiErr.Response != nil {
				header = apiErr.Response.Header
			}
			return nil, classifyStatus(p.cfg.ID, apiErr.StatusCode, header, []byte(apiErr.RawJSON()))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &entity.TransientProviderError{ProviderID: p.cfg.ID, Err: fmt.Errorf("claude api error: %w", err)}
	}

	if len(message.Content) == 0 {
		return nil, &entity.TransientProviderError{ProviderID: p.cfg.ID, Err: errors.New("claude api returned empty response")}
	}
	block, ok := message.Content[0].AsAny().(anthropic.TextBlock)
	if !ok {
		return nil, &entity.PermanentProviderError{ProviderID: p.cfg.ID, Err: errors.New("claude api returned unexpected response type")}
	}

	slog.DebugContext(ctx, "completion received",
		slog.String("provider", p.cfg.ID),
		slog.String("item_id", item.ID),
		slog.Int("output_length", text.CountRunes(block.Text)),
		slog.Duration("duration", time.Since(start)))
	return &router.Result{MessageID: message.ID, Output: block.Text}, nil
}

// OpenAIProvider completes prompts with OpenAI's chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	cfg    InferenceConfig
}

// NewOpenAIProvider creates an OpenAIProvider.
func NewOpenAIProvider(cfg InferenceConfig) *OpenAIProvider {
	cfg = cfg.withDefaults()
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}
}

func (p *OpenAIProvider) ID() string                    { return p.cfg.ID }
func (p *OpenAIProvider) Capability() entity.Capability { return entity.CapabilityInference }

func (p *OpenAIProvider) Deliver(ctx context.Context, item *entity.QueueItem) (*router.Result, error) {
	prompt := truncatePrompt(p.cfg.ID, item.Payload, p.cfg.MaxPromptChars)

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.cfg.Model,
		MaxTokens: p.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		}},
	})
	if err != nil {
		return nil, p.classify(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return nil, &entity.TransientProviderError{ProviderID: p.cfg.ID, Err: errors.New("openai api returned empty response")}
	}
	return &router.Result{MessageID: resp.ID, Output: resp.Choices[0].Message.Content}, nil
}

func (p *OpenAIProvider) classify(ctx context.Context, err error) error {
	var (
		apiErr *openai.APIError
		reqErr *openai.RequestError
	)
	switch {
	case errors.As(err, &apiErr):
		return classifyStatus(p.cfg.ID, apiErr.HTTPStatusCode, nil, []byte(apiErr.Message))
	case errors.As(err, &reqErr):
		return classifyStatus(p.cfg.ID, reqErr.HTTPStatusCode, nil, []byte(reqErr.Error()))
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return &entity.TransientProviderError{ProviderID: p.cfg.ID, Err: fmt.Errorf("openai api error: %w", err)}
}

var (
	_ router.Provider = (*ClaudeProvider)(nil)
	_ router.Provider = (*OpenAIProvider)(nil)
)
