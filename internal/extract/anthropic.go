package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/avast/retry-go/v4"
	json "github.com/goccy/go-json"
)

const (
	DefaultAnthropicURL = "https://api.anthropic.com"
	anthropicVersion    = "2023-06-01"
	anthropicMaxTokens  = 8192

	// APIKeyEnv is where the Anthropic key is read from.
	APIKeyEnv = "ANTHROPIC_API_KEY"
)

// ErrMissingAPIKey is returned by NewAnthropic when no key is configured.
var ErrMissingAPIKey = errors.New(APIKeyEnv + " environment variable is not set.\n" +
	"Set it with: export " + APIKeyEnv + "=<your-key>\n" +
	"Or switch to Ollama by setting llm_backend: 'ollama' in venues.yaml")

// Anthropic calls the Messages API.
type Anthropic struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

var _ LLM = (*Anthropic)(nil)

// NewAnthropic returns a Messages API client. An empty baseURL means
// DefaultAnthropicURL; a nil client gets a DefaultLLMTimeout default.
func NewAnthropic(baseURL, apiKey, model string, client *http.Client) (*Anthropic, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if baseURL == "" {
		baseURL = DefaultAnthropicURL
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultLLMTimeout}
	}
	return &Anthropic{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}, nil
}

type anthropicRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []Message `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (a *Anthropic) Complete(ctx context.Context, system string, messages []Message) (string, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     a.model,
		MaxTokens: anthropicMaxTokens,
		System:    system,
		Messages:  messages,
	})
	if err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("anthropic: encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("anthropic: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Backend: "anthropic", Code: resp.StatusCode, Body: snippet(raw)}
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("anthropic: decode response: %w", err))
	}
	for _, c := range out.Content {
		if c.Type == "text" || c.Type == "" {
			return c.Text, nil
		}
	}
	return "", retry.Unrecoverable(errors.New("anthropic: response has no text content"))
}
