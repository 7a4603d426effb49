package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"docqa/types"
)

// Params are the sampling settings of one generation.
type Params struct {
	Temperature float64 `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens" validate:"min=1"`
}

// Generator produces an answer from a list of role-tagged messages.
type Generator interface {
	Generate(ctx context.Context, messages []types.Message, params Params) (string, error)
	// Stream calls onToken for every piece of the answer in arrival order and
	// returns the full text. An error from onToken stops the stream.
	Stream(ctx context.Context, messages []types.Message, params Params, onToken func(string) error) (string, error)
}

const (
	DefaultChatURL   = "http://localhost:11434/api/chat"
	DefaultChatModel = "llama3.2"
	defaultTimeout   = 120 * time.Second
)

type ChatConfig struct {
	URL     string
	Model   string
	Timeout time.Duration
}

// OllamaChat talks to the Ollama chat endpoint.
type OllamaChat struct {
	client *http.Client
	url    string
	model  string
	logger *slog.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

func NewOllamaChat(cfg ChatConfig) *OllamaChat {
	if cfg.URL == "" {
		cfg.URL = DefaultChatURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultChatModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &OllamaChat{
		client: &http.Client{Timeout: cfg.Timeout},
		url:    cfg.URL,
		model:  cfg.Model,
		logger: slog.Default(),
	}
}

func generationFailed(err error) error {
	if errors.Is(err, types.ErrGenerationFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", types.ErrGenerationFailed, err)
}

func (o *OllamaChat) Generate(ctx context.Context, messages []types.Message, params Params) (string, error) {
	return o.Stream(ctx, messages, params, nil)
}

func (o *OllamaChat) Stream(ctx context.Context, messages []types.Message, params Params, onToken func(string) error) (string, error) {
	start := time.Now()
	defer func() {
		o.logger.Debug("[LLM] answer generated", "model", o.model, "took", time.Since(start))
	}()

	resp, err := o.post(ctx, messages, params, onToken != nil)
	if err != nil {
		return "", generationFailed(err)
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	var b strings.Builder
	for {
		var chunk chatResponse
		if err := decoder.Decode(&chunk); err == io.EOF {
			break
		} else if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", generationFailed(ctxErr)
			}
			return "", generationFailed(fmt.Errorf("decode response: %w", err))
		}
		if chunk.Error != "" {
			return "", generationFailed(errors.New(chunk.Error))
		}

		if token := chunk.Message.Content; token != "" {
			b.WriteString(token)
			if onToken != nil {
				if err := onToken(token); err != nil {
					return "", generationFailed(err)
				}
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return "", generationFailed(err)
	}
	return b.String(), nil
}

func (o *OllamaChat) post(ctx context.Context, messages []types.Message, params Params, stream bool) (*http.Response, error) {
	req := chatRequest{
		Model:    o.model,
		Messages: make([]chatMessage, len(messages)),
		Stream:   stream,
		Options:  chatOptions{NumPredict: params.MaxTokens, Temperature: params.Temperature},
	}
	for i, m := range messages {
		req.Messages[i] = chatMessage{Role: string(m.Role), Content: m.Content}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
