package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultSystemPrompt = "You are a concise and helpful AI assistant."

type ChatConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
}

func (c ChatConfig) Valid() bool {
	return strings.TrimSpace(c.BaseURL) != "" && strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.Model) != ""
}

// StatusError is a non-2xx answer from the model endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm stream status %d: %s", e.StatusCode, e.Body)
}

// ErrStreamTruncated means the upstream connection ended without a finish marker.
var ErrStreamTruncated = errors.New("llm stream ended before completion")

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// OpenAICompatibleClient streams chat completions from any endpoint that
// speaks the OpenAI /chat/completions SSE dialect.
type OpenAICompatibleClient struct {
	httpClient *http.Client
	cfg        ChatConfig
}

// NewOpenAICompatibleClient builds a client. The http client must not set a
// total timeout shorter than the longest expected stream; cancellation comes
// from the request context.
func NewOpenAICompatibleClient(cfg ChatConfig, httpClient *http.Client) *OpenAICompatibleClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &OpenAICompatibleClient{httpClient: httpClient, cfg: cfg}
}

func (c *OpenAICompatibleClient) GenerateStream(ctx context.Context, prompt Prompt, history []Turn) (ChunkStream, error) {
	reqBody := map[string]interface{}{
		"model":    c.cfg.Model,
		"messages": buildMessages(c.cfg.SystemPrompt, prompt, history),
		"stream":   true,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal llm stream request failed: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build llm stream request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm stream request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

func buildMessages(systemPrompt string, prompt Prompt, history []Turn) []chatMessage {
	messages := make([]chatMessage, 0, len(history)+2)
	messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	for _, turn := range history {
		messages = append(messages, chatMessage{Role: wireRole(turn.Role), Content: turn.Text})
	}

	if !prompt.IsMultipart() {
		return append(messages, chatMessage{Role: "user", Content: prompt.Text})
	}
	parts := make([]contentPart, 0, len(prompt.Parts)+1)
	parts = append(parts, contentPart{Type: "text", Text: prompt.Text})
	for _, p := range prompt.Parts {
		switch p.Kind {
		case PartImage:
			parts = append(parts, contentPart{
				Type:     "image_url",
				ImageURL: &imageURL{URL: "data:" + p.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)},
			})
		default:
			parts = append(parts, contentPart{Type: "text", Text: p.Text})
		}
	}
	return append(messages, chatMessage{Role: "user", Content: parts})
}

// The store calls the model's role "model"; the wire format says "assistant".
func wireRole(role string) string {
	switch role {
	case "model", "assistant":
		return "assistant"
	default:
		return "user"
	}
}

type sseStream struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	finished bool
	done     bool
}

func (s *sseStream) Next(ctx context.Context) (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return "", ctxErr
				}
				return "", fmt.Errorf("scan llm stream failed: %w", err)
			}
			if !s.finished {
				return "", ErrStreamTruncated
			}
			s.done = true
			return "", io.EOF
		}

		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.finished = true
			s.done = true
			return "", io.EOF
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("llm stream error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if fr := chunk.Choices[0].FinishReason; fr != nil && *fr != "" {
			s.finished = true
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}
