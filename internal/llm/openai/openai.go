// Package openai implements domain.LLMProvider and domain.LLMStreamProvider
// against the OpenAI chat completions API (and OpenAI-compatible
// alternatives reachable via a custom base URL).
//
// Adapted from the teacher's internal/service/llm/openai/openai.go: same
// klient transport and SSE parsing, generalized onto internal/domain's
// Message/StreamChunk/LLMResponse types. Tool-call plumbing, the
// per-request TokenSource option, and the reverse-proxy passthrough
// (Proxy) are dropped — none are exercised by Open Notebook's non-tool-calling
// chat executor (C6).
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/opennotebook/internal/domain"
)

const (
	DefaultBaseURL        = "https://api.openai.com/v1/chat/completions"
	DefaultEmbeddingsURL  = "https://api.openai.com/v1/embeddings"
	DefaultEmbeddingModel = "text-embedding-3-small"
)

type Provider struct {
	APIKey  string
	Model   string
	BaseURL string

	EmbeddingModel string
	embeddingsURL  string

	client *klient.Client
}

// New creates an OpenAI-compatible provider. extraHeaders lets callers set
// additional headers required by some OpenAI-compatible gateways.
func New(apiKey, model, baseURL, proxy string, insecureSkipVerify bool, extraHeaders map[string]string) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	if apiKey != "" {
		headers["Authorization"] = []string{"Bearer " + apiKey}
	}
	for k, v := range extraHeaders {
		headers[k] = []string{v}
	}

	klientOpts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	}
	if proxy != "" {
		klientOpts = append(klientOpts, klient.WithProxy(proxy))
	}
	if insecureSkipVerify {
		klientOpts = append(klientOpts, klient.WithInsecureSkipVerify(true))
	}

	client, err := klient.New(klientOpts...)
	if err != nil {
		return nil, err
	}

	embeddingsURL := DefaultEmbeddingsURL
	if baseURL != DefaultBaseURL {
		embeddingsURL = strings.TrimSuffix(baseURL, "/chat/completions") + "/embeddings"
	}

	return &Provider{
		APIKey:         apiKey,
		Model:          model,
		BaseURL:        baseURL,
		EmbeddingModel: DefaultEmbeddingModel,
		embeddingsURL:  embeddingsURL,
		client:         client,
	}, nil
}

type openAIResponse struct {
	Error   *openAIError `json:"error,omitempty"`
	Choices []choice     `json:"choices"`
	Usage   *openAIUsage `json:"usage,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type choice struct {
	Message      choiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type choiceMessage struct {
	Content string `json:"content"`
}

func (p *Provider) Chat(ctx context.Context, model string, messages []domain.Message) (*domain.LLMResponse, error) {
	if model == "" {
		model = p.Model
	}

	reqBody := p.buildRequestBody(model, messages)

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	var result openAIResponse
	var headers http.Header
	if err := p.client.Do(req, func(r *http.Response) error {
		headers = r.Header
		bodyData, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(bodyData, &result); err != nil {
			return fmt.Errorf("decode response: %w (body: %s)", err, string(bodyData))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if result.Error != nil {
		return &domain.LLMResponse{Content: fmt.Sprintf("error from provider: %s", result.Error.Message), Finished: true}, nil
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("no response choices from provider")
	}

	c := result.Choices[0]
	llmResp := &domain.LLMResponse{
		Content:  c.Message.Content,
		Finished: true,
		Header:   headers,
	}
	if result.Usage != nil {
		llmResp.Usage = domain.Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		}
	}

	return llmResp, nil
}

// ─── Streaming ───

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Content string `json:"content,omitempty"`
}

type streamResponse struct {
	Error   *openAIError   `json:"error,omitempty"`
	Choices []streamChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
}

func (p *Provider) ChatStream(ctx context.Context, model string, messages []domain.Message) (<-chan domain.StreamChunk, error) {
	if model == "" {
		model = p.Model
	}

	reqBody := p.buildRequestBody(model, messages)
	reqBody["stream"] = true
	reqBody["stream_options"] = map[string]any{"include_usage": true}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("streaming request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyData, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(bodyData))
	}

	ch := make(chan domain.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			if data == "[DONE]" {
				return
			}

			var sr streamResponse
			if err := json.Unmarshal([]byte(data), &sr); err != nil {
				ch <- domain.StreamChunk{Error: fmt.Errorf("parse SSE chunk: %w", err)}
				return
			}
			if sr.Error != nil {
				ch <- domain.StreamChunk{Error: fmt.Errorf("provider error: %s", sr.Error.Message)}
				return
			}

			if len(sr.Choices) == 0 {
				if sr.Usage != nil {
					ch <- domain.StreamChunk{Usage: &domain.Usage{
						PromptTokens:     sr.Usage.PromptTokens,
						CompletionTokens: sr.Usage.CompletionTokens,
						TotalTokens:      sr.Usage.TotalTokens,
					}}
				}
				continue
			}

			c := sr.Choices[0]
			chunk := domain.StreamChunk{Content: c.Delta.Content}
			if c.FinishReason != nil {
				chunk.FinishReason = *c.FinishReason
			}
			ch <- chunk
		}

		if err := scanner.Err(); err != nil {
			ch <- domain.StreamChunk{Error: fmt.Errorf("stream read error: %w", err)}
		}
	}()

	return ch, nil
}

// ─── Embeddings ───

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Error *openAIError     `json:"error,omitempty"`
	Data  []embeddingsItem `json:"data"`
}

type embeddingsItem struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// Embed implements pipeline.Embedder against OpenAI's embeddings endpoint.
// Results are returned in request order regardless of the order the
// provider reports them in.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	jsonData, err := json.Marshal(embeddingsRequest{Model: p.EmbeddingModel, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.embeddingsURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var result embeddingsResponse
	if err := json.Unmarshal(bodyData, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w (body: %s)", err, string(bodyData))
	}

	if result.Error != nil {
		return nil, fmt.Errorf("error from provider: %s", result.Error.Message)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d inputs", len(result.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, item := range result.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("provider returned out-of-range embedding index %d", item.Index)
		}
		out[item.Index] = item.Embedding
	}

	return out, nil
}

func (p *Provider) buildRequestBody(model string, messages []domain.Message) map[string]any {
	reqMessages := make([]map[string]string, len(messages))
	for i, msg := range messages {
		reqMessages[i] = map[string]string{"role": msg.Role, "content": msg.Content}
	}

	return map[string]any{
		"model":    model,
		"messages": reqMessages,
	}
}

var (
	_ domain.LLMProvider       = (*Provider)(nil)
	_ domain.LLMStreamProvider = (*Provider)(nil)
)
