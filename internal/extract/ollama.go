package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	json "github.com/goccy/go-json"
)

// DefaultLLMTimeout bounds a single completion request.
const DefaultLLMTimeout = 120 * time.Second

// Ollama talks to a local Ollama server's /api/chat endpoint.
type Ollama struct {
	client  *http.Client
	baseURL string
	model   string
}

var _ LLM = (*Ollama)(nil)

// NewOllama returns a client for baseURL (e.g. http://localhost:11434). A nil
// client gets a DefaultLLMTimeout default.
func NewOllama(baseURL, model string, client *http.Client) *Ollama {
	if client == nil {
		client = &http.Client{Timeout: DefaultLLMTimeout}
	}
	return &Ollama{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
	}
}

type ollamaRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Format   string    `json:"format"`
	Stream   bool      `json:"stream"`
}

type ollamaResponse struct {
	Message Message `json:"message"`
}

func (o *Ollama) Complete(ctx context.Context, system string, messages []Message) (string, error) {
	msgs := make([]Message, 0, len(messages)+1)
	msgs = append(msgs, Message{Role: "system", Content: system})
	msgs = append(msgs, messages...)

	body, err := json.Marshal(ollamaRequest{
		Model:    o.model,
		Messages: msgs,
		Format:   "json",
		Stream:   false,
	})
	if err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("ollama: encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("ollama: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fmt.Errorf("ollama: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Backend: "ollama", Code: resp.StatusCode, Body: snippet(raw)}
	}

	var out ollamaResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("ollama: decode response: %w", err))
	}
	return out.Message.Content, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
