package linkage

import (
	"context"
	"fmt"
	"strings"

	"github.com/zoobzio/zyn"
	"google.golang.org/genai"
)

// GeminiProvider implements Provider on the Gemini API.
type GeminiProvider struct {
	client          *genai.Client
	model           string
	maxOutputTokens int32
}

// NewGeminiProvider creates a Gemini-backed provider from the reasoning config.
func NewGeminiProvider(ctx context.Context, cfg ReasoningConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	return &GeminiProvider{
		client:          client,
		model:           cfg.Model,
		maxOutputTokens: cfg.MaxOutputTokens,
	}, nil
}

// Name implements Provider.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Call sends the conversation as one user turn and returns the text answer.
func (p *GeminiProvider) Call(ctx context.Context, messages []zyn.Message, temperature float32) (*zyn.ProviderResponse, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("gemini: no messages provided")
	}
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	contents := []*genai.Content{
		genai.NewContentFromText(strings.Join(parts, "\n\n"), genai.RoleUser),
	}

	config := &genai.GenerateContentConfig{
		Temperature:      &temperature,
		ResponseMIMEType: "application/json",
	}
	if p.maxOutputTokens > 0 {
		config.MaxOutputTokens = p.maxOutputTokens
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini: empty response")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}

	out := &zyn.ProviderResponse{Content: b.String()}
	if resp.UsageMetadata != nil {
		out.Usage = zyn.TokenUsage{
			Prompt:     int(resp.UsageMetadata.PromptTokenCount),
			Completion: int(resp.UsageMetadata.CandidatesTokenCount),
			Total:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

var _ Provider = (*GeminiProvider)(nil)
