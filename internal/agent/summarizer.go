package agent

import (
	"context"
	"fmt"

	"github.com/agentmesh/swarmd/pkg/models"
)

// ProviderSummarizer adapts an LLMProvider into compaction.Summarizer by
// issuing one completion against the auxiliary model: it drains the
// provider's stream internally and concatenates the text parts. The
// Runtime's provider and this adapter's Provider are frequently the same
// concrete value, just addressed through distinct model names — the
// auxiliary call is a narrower use of the same client, not a second
// subsystem.
type ProviderSummarizer struct {
	Provider LLMProvider
	Model    string
}

// NewProviderSummarizer binds a summarizer to a provider and the
// (typically cheaper/faster) model name the node is configured to use for
// auxiliary compaction calls (config.LLMConfig.AuxiliaryModel).
func NewProviderSummarizer(provider LLMProvider, model string) *ProviderSummarizer {
	return &ProviderSummarizer{Provider: provider, Model: model}
}

// Summarize implements compaction.Summarizer.
func (s *ProviderSummarizer) Summarize(ctx context.Context, text, instructions string) (string, error) {
	req := &CompletionRequest{
		Model:  s.Model,
		System: instructions,
		Messages: []models.Content{
			{Role: models.RoleUser, Parts: []models.Part{{Type: models.PartText, Text: text}}},
		},
		MaxTokens: 2048,
	}

	chunks, err := s.Provider.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("agent: summarizer complete: %w", err)
	}

	var out string
	for c := range chunks {
		if c.Err != nil {
			return "", fmt.Errorf("agent: summarizer stream: %w", c.Err)
		}
		out += c.Text
	}
	return out, nil
}
