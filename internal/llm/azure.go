package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrEmptyResponse is returned when the model streams no content at all.
var ErrEmptyResponse = errors.New("llm: empty response")

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AzureClient talks to an Azure OpenAI chat-completions deployment using
// server-sent event streaming.
type AzureClient struct {
	HTTPClient *http.Client
	Endpoint   string
	APIKey     string
	Deployment string
	APIVersion string
	MaxTokens  int
}

type chatCompletionsRequest struct {
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type streamDelta struct {
	Content string `json:"content"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type streamChunk struct {
	ID      string         `json:"id"`
	Choices []streamChoice `json:"choices"`
}

func NewAzureClient(endpoint, apiKey, deployment, apiVersion string) *AzureClient {
	return &AzureClient{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Endpoint:   strings.TrimRight(endpoint, "/"),
		APIKey:     apiKey,
		Deployment: deployment,
		APIVersion: apiVersion,
		MaxTokens:  150,
	}
}

// Generate streams a completion for the conversation and returns the
// assembled text. Streaming keeps time-to-first-token low on the provider
// side even though callers consume the final string.
func (c *AzureClient) Generate(ctx context.Context, messages []Message) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("azure openai api key missing")
	}
	endpoint := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.Endpoint, c.Deployment, c.APIVersion)

	reqBody, _ := json.Marshal(chatCompletionsRequest{
		Messages:    messages,
		Stream:      true,
		Temperature: 0.7,
		MaxTokens:   c.MaxTokens,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("api-key", c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("azure openai error: status=%d body=%s", resp.StatusCode, string(b))
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			log.Debug().Err(err).Msg("skipping malformed stream chunk")
			continue
		}
		if len(chunk.Choices) > 0 {
			sb.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		if sb.Len() > 0 {
			// Keep whatever arrived before the stream broke.
			return strings.TrimSpace(sb.String()), nil
		}
		return "", err
	}

	answer := strings.TrimSpace(sb.String())
	if answer == "" {
		return "", ErrEmptyResponse
	}
	return answer, nil
}
