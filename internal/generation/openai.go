package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/arborlabs/arbor/internal/models"
)

// OpenAIGenerator implements Generator against any OpenAI-compatible chat
// completion API (OpenAI, OpenRouter, a local Ollama, ...).
type OpenAIGenerator struct {
	client       *openai.Client
	systemPrompt string
}

// NewOpenAIGenerator creates a generator. baseURL may be empty for the
// default OpenAI endpoint.
func NewOpenAIGenerator(apiKey, baseURL string) *OpenAIGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGenerator{
		client:       openai.NewClientWithConfig(cfg),
		systemPrompt: "You are a helpful and friendly chatbot.",
	}
}

// Stream starts a streaming chat completion over the linear history.
func (g *OpenAIGenerator) Stream(ctx context.Context, model string, history []models.Message) (TextStream, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: g.buildMessages(history),
		Stream:   true,
	}

	stream, err := g.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create completion stream: %w", err)
	}

	return &openaiStream{stream: stream}, nil
}

// Complete performs a single non-streaming completion.
func (g *OpenAIGenerator) Complete(ctx context.Context, model, prompt string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (g *OpenAIGenerator) buildMessages(history []models.Message) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: g.systemPrompt,
	})
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return msgs
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
}

// Recv returns the next text delta, skipping empty deltas (role-only or
// metadata chunks). io.EOF marks the natural end of the stream.
func (s *openaiStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}
