package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/kartoza/kartoza-pgql/internal/logging"
)

// GeminiClient answers chat requests with the Gemini API
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
	timeout     time.Duration
	logger      *zap.Logger
}

// NewGeminiClient creates a Gemini client. An API key is required.
func NewGeminiClient(ctx context.Context, opts ClientOptions) (*GeminiClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gemini provider requires an API key")
	}

	cc := &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	}
	if opts.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	g := &GeminiClient{
		client:      client,
		model:       opts.Model,
		temperature: float32(opts.Temperature),
		maxTokens:   int32(opts.MaxTokens),
		timeout:     opts.Timeout,
		logger:      logging.OrNop(opts.Logger),
	}
	if g.model == "" {
		g.model = DefaultGeminiModel
	}
	if g.temperature < 0 {
		g.temperature = DefaultTemperature
	}
	if g.maxTokens <= 0 {
		g.maxTokens = DefaultMaxTokens
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	return g, nil
}

// Model returns the configured model name
func (g *GeminiClient) Model() string {
	return g.model
}

// Chat sends one GenerateContent request
func (g *GeminiClient) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.temperature),
		MaxOutputTokens: g.maxTokens,
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	g.logger.Debug("gemini request", zap.String("model", g.model))
	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(req.Message, genai.RoleUser)}, cfg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w (%s)", ErrTimeout, g.timeout)
		}
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	result := &ChatResult{Content: resp.Text(), Model: g.model}
	if resp.ModelVersion != "" {
		result.Model = resp.ModelVersion
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		result.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if u := resp.UsageMetadata; u != nil {
		result.Usage = Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return result, nil
}
