package reasoning

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to any OpenAI-compatible chat-completion endpoint
// (OpenAI itself, or a local Ollama through its compatibility API). It also
// serves query embeddings for the retrieval coordinator.
type OpenAIClient struct {
	client      *openai.Client
	chatModel   string
	embedModel  string
	temperature float32
}

// NewOpenAIClient constructs the inference client. baseURL may be empty for
// the default OpenAI endpoint.
func NewOpenAIClient(baseURL, apiKey, chatModel, embedModel string, temperature float64) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(cfg),
		chatModel:   chatModel,
		embedModel:  embedModel,
		temperature: float32(temperature),
	}
}

// confidenceRe matches the self-reported certainty line the prompt asks for.
var confidenceRe = regexp.MustCompile(`(?mi)^\s*CONFIDENCE:\s*([0-9]*\.?[0-9]+)\s*$`)

// Generate sends the messages and returns the answer with the confidence
// line, if the model produced one, stripped out and parsed.
func (c *OpenAIClient) Generate(ctx context.Context, messages []Message) (*Generation, error) {
	oaMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role != openai.ChatMessageRoleSystem && role != openai.ChatMessageRoleAssistant {
			role = openai.ChatMessageRoleUser
		}
		oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.chatModel,
		Messages:    oaMsgs,
		Temperature: c.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyOutput
	}

	answer, confidence := extractConfidence(resp.Choices[0].Message.Content)
	return &Generation{Answer: answer, Confidence: confidence}, nil
}

// Embed returns the embedding vector for one query string.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.embedModel),
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response carried no vectors")
	}
	return resp.Data[0].Embedding, nil
}

// extractConfidence strips the trailing CONFIDENCE line and parses its value,
// clamped to [0,1]. A missing or unparseable line yields a nil confidence,
// which downstream treats as unknown rather than inventing a score.
func extractConfidence(text string) (string, *float64) {
	matches := confidenceRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(text), nil
	}
	last := matches[len(matches)-1]
	raw := text[last[2]:last[3]]
	answer := strings.TrimSpace(text[:last[0]] + text[last[1]:])

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return answer, nil
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return answer, &v
}
