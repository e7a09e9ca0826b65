// Package advisor asks a chat completion model for secure replacements of a
// vulnerable package.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const DefaultModel = "gpt-4o-mini"

const systemPrompt = "You are a software supply chain security assistant. Answer concisely."

type Config struct {
	APIKey  string
	BaseURL string // empty means the public OpenAI endpoint
	Model   string
}

type OpenAI struct {
	client *openai.Client
	model  string
	log    *slog.Logger
}

// NewOpenAI returns an advisor, or an error when no API key is configured.
func NewOpenAI(cfg Config, log *slog.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("advisor: OPENAI_API_KEY is not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if log == nil {
		log = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	log.Info("alternatives advisor enabled", "model", cfg.Model)
	return &OpenAI{client: openai.NewClientWithConfig(oc), model: cfg.Model, log: log}, nil
}

func prompt(pkg, version string) string {
	return fmt.Sprintf("I am using the Python library %q (version %s), which is known to be vulnerable. "+
		"List alternative libraries that can serve as secure replacements, with a brief description of each.",
		pkg, version)
}

// Suggest returns the model's answer for (pkg, version).
func (o *OpenAI) Suggest(ctx context.Context, pkg, version string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt(pkg, version)},
		},
	})
	if err != nil {
		o.log.Error("chat completion failed", "package", pkg, "version", version, "error", err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	o.log.Debug("alternatives fetched", "package", pkg, "version", version,
		"finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}
