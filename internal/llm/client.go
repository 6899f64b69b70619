// Package llm turns natural-language questions into gateway queries and
// query results back into answers. It holds the chat-completion clients, the
// model-driven query generator, the answer synthesizer and the rule-based
// planner used when the model path fails.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kartoza/kartoza-pgql/internal/config"
)

// Provider names accepted in the llm.provider setting
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultModel       = "gpt-3.5-turbo"
	DefaultGeminiModel = "gemini-2.0-flash"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
	DefaultTimeout     = 120 * time.Second
)

var (
	// ErrTimeout is returned when the model does not answer within the client timeout
	ErrTimeout = errors.New("LLM request timed out")
	// ErrUnknownProvider is returned for an unsupported llm.provider value
	ErrUnknownProvider = errors.New("unknown LLM provider")
)

// Usage is the token accounting reported by the model
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates other into u
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ChatRequest is a single-turn exchange with an optional system instruction
type ChatRequest struct {
	System  string
	Message string
}

// ChatResult is the model reply
type ChatResult struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// ChatClient is a chat-completion backend
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResult, error)
}

// APIError is a non-200 answer from a chat-completion endpoint
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("LLM API error (%d): %s", e.StatusCode, e.Detail)
}

// ClientOptions configures NewChatClient
type ClientOptions struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// OptionsFromConfig maps the llm config section onto client options
func OptionsFromConfig(cfg *config.Config, logger *zap.Logger) ClientOptions {
	opts := ClientOptions{
		Provider:    strings.ToLower(cfg.LLM.Provider),
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLMTimeout(),
		Logger:      logger,
	}
	if opts.Provider == ProviderGemini && (opts.Model == "" || opts.Model == DefaultModel) {
		opts.Model = DefaultGeminiModel
	}
	return opts
}

// NewChatClient builds the client for opts.Provider; an empty provider means openai
func NewChatClient(ctx context.Context, opts ClientOptions) (ChatClient, error) {
	switch strings.ToLower(opts.Provider) {
	case "", ProviderOpenAI:
		return NewOpenAIClient(opts), nil
	case ProviderGemini:
		return NewGeminiClient(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, opts.Provider)
	}
}
