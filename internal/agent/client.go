// Package agent streams assistant replies from an OpenAI-compatible
// endpoint. Conversations are threaded by a continuity id so the agent
// keeps context across messages within the same project.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
)

const systemPrompt = "You are a learning assistant embedded in a collaborative project chat. " +
	"Answer concisely and help the group move their inquiry forward."

// Keep the tail of each conversation bounded; the agent does not need the
// full project history to stay coherent.
const maxHistoryMessages = 20

// Streamer is what the chat trigger depends on; tests supply fakes.
type Streamer interface {
	Stream(ctx context.Context, sessionID, message string) (string, error)
}

type Client struct {
	api   *openai.Client
	model string
	log   *slog.Logger

	mu       sync.Mutex
	sessions map[string][]openai.ChatCompletionMessage
}

// New builds a streaming client. baseURL may be empty for the default
// OpenAI endpoint or point at any compatible server.
func New(baseURL, apiKey, model string, log *slog.Logger) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{
		api:      openai.NewClientWithConfig(cfg),
		model:    model,
		log:      log,
		sessions: make(map[string][]openai.ChatCompletionMessage),
	}
}

// Stream sends the message on the session's conversation and accumulates
// the streamed reply. The session history is only extended after a
// successful stream, so a failed call leaves the conversation untouched.
func (c *Client) Stream(ctx context.Context, sessionID, message string) (string, error) {
	c.mu.Lock()
	history := append([]openai.ChatCompletionMessage(nil), c.sessions[sessionID]...)
	c.mu.Unlock()

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	messages = append(messages, history...)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: message,
	})

	stream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return "", fmt.Errorf("open completion stream: %w", err)
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("receive stream chunk: %w", err)
		}
		if len(resp.Choices) > 0 {
			reply.WriteString(resp.Choices[0].Delta.Content)
		}
	}

	full := reply.String()
	c.remember(sessionID, message, full)
	c.log.Debug("agent reply streamed", "session", sessionID, "chars", len(full))
	return full, nil
}

func (c *Client) remember(sessionID, message, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := append(c.sessions[sessionID],
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply},
	)
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	c.sessions[sessionID] = history
}
