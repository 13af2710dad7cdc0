// Package llm is an OpenAI-compatible chat-completions generator.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/emission"
)

var _ emission.Generator = (*Client)(nil)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client calls {baseURL}/chat/completions.
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	http        *http.Client
}

// New builds a client from the LLM config. The request deadline comes from
// the caller's context; the http.Client timeout is a backstop.
func New(cfg core.LLMConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		endpoint:    strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		http:        &http.Client{Timeout: timeout + time.Second},
	}
}

// Generate sends the turn with its organism context and returns the reply
// and a confidence derived from the finish reason and reply length.
func (c *Client) Generate(ctx context.Context, prompt string, gc emission.GenerateContext) (string, float64, error) {
	maxTokens := c.maxTokens
	if gc.MaxTokens > 0 {
		maxTokens = gc.MaxTokens
	}
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    BuildMessages(prompt, gc),
		MaxTokens:   maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", 0, fmt.Errorf("%w: %v", core.ErrLLMTimeout, err)
		}
		return "", 0, fmt.Errorf("%w: %v", core.ErrLLMUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("%w: read body: %v", core.ErrLLMUnavailable, err)
	}

	var parsed chatResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return "", 0, fmt.Errorf("%w: status %d: %s", core.ErrLLMUnavailable, resp.StatusCode, truncate(msg, 200))
	}
	if decodeErr != nil {
		return "", 0, fmt.Errorf("%w: decode response: %v", core.ErrLLMUnavailable, decodeErr)
	}
	if len(parsed.Choices) == 0 {
		return "", 0, fmt.Errorf("%w: response has no choices", core.ErrLLMUnavailable)
	}

	choice := parsed.Choices[0]
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return "", 0, core.ErrEmptyEmission
	}
	return text, Confidence(choice.FinishReason, text), nil
}

// Confidence scores a reply: a clean stop is trusted most, a truncated
// reply less, and very short replies are discounted.
func Confidence(finishReason, text string) float64 {
	var base float64
	switch finishReason {
	case "stop", "end_turn", "":
		base = 0.8
	case "length":
		base = 0.5
	default:
		base = 0.4
	}
	if n := len(strings.Fields(text)); n < 4 {
		base *= 0.25 + 0.25*float64(n)
	}
	return core.Clamp01(base)
}

const systemPrompt = "You are a warm, concise conversational partner. Reply in one to three sentences. " +
	"Stay with what the person said; do not lecture."

// BuildMessages assembles the chat. Absent memory, features or draft are
// simply left out.
func BuildMessages(prompt string, gc emission.GenerateContext) []Message {
	var sys strings.Builder
	sys.WriteString(systemPrompt)
	if len(gc.Features) > 0 {
		fmt.Fprintf(&sys, "\nSalient signals in this turn: %s.", strings.Join(gc.Features, ", "))
	}
	if gc.Regime != "" {
		fmt.Fprintf(&sys, "\nConversation state: %s.", gc.Regime)
	}
	if len(gc.Memory) > 0 {
		sys.WriteString("\nReplies that worked before in similar moments:")
		for _, m := range gc.Memory {
			fmt.Fprintf(&sys, "\n- %s", m)
		}
	}
	if gc.Draft != "" {
		fmt.Fprintf(&sys, "\nYour reply will follow this opening, do not repeat it: %q", gc.Draft)
	}
	return []Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: prompt},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
