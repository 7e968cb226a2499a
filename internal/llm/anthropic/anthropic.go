// Package anthropic implements domain.LLMProvider and domain.LLMStreamProvider
// against Anthropic's Messages API.
//
// Adapted from the teacher's internal/service/llm/antropic/antropic.go:
// same klient-based transport and bufio.Scanner SSE parsing, generalized
// onto internal/domain's simpler Message/StreamChunk/LLMResponse types.
// Tool-call plumbing (ToolCalls, buildRequestBody's tools param) is dropped —
// Open Notebook's chat executor (C6) does not do tool calling.
package anthropic

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

const DefaultBaseURL = "https://api.anthropic.com"

type Provider struct {
	APIKey string
	Model  string

	client *klient.Client
}

type anthropicResponse struct {
	Type       string         `json:"type"`
	Error      apiError       `json:"error"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(apiKey, model, baseURL, proxy string, insecureSkipVerify bool) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	klientOpts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"X-Api-Key":         []string{apiKey},
			"Anthropic-Version": []string{"2023-06-01"},
			"Content-Type":      []string{"application/json"},
		}),
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

	return &Provider{APIKey: apiKey, Model: model, client: client}, nil
}

func (p *Provider) Chat(ctx context.Context, model string, messages []domain.Message) (*domain.LLMResponse, error) {
	if model == "" {
		model = p.Model
	}

	reqBody := p.buildRequestBody(model, messages)

	jsonData, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	var result anthropicResponse
	var headers http.Header
	if err := p.client.Do(req, func(r *http.Response) error {
		headers = r.Header
		bodyData, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(bodyData, &result); err != nil {
			return fmt.Errorf("decode anthropic response: %w (body: %s)", err, string(bodyData))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	llmResp := &domain.LLMResponse{
		Finished: result.StopReason != "",
		Header:   headers,
	}

	if result.Type == "error" {
		llmResp.Content = fmt.Sprintf("error from anthropic: %s", result.Error.Message)
		return llmResp, nil
	}

	llmResp.Usage = domain.Usage{
		PromptTokens:     result.Usage.InputTokens,
		CompletionTokens: result.Usage.OutputTokens,
		TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
	}

	for _, block := range result.Content {
		if block.Type == "text" {
			llmResp.Content += block.Text
		}
	}

	return llmResp, nil
}

// ─── Streaming ───

type streamEvent struct {
	Type  string          `json:"type"`
	Delta json.RawMessage `json:"delta,omitempty"`
}

type textDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messageDelta struct {
	StopReason string `json:"stop_reason"`
	Usage      *usage `json:"usage,omitempty"`
}

type messageStartBody struct {
	Type    string               `json:"type"`
	Message *messageStartMessage `json:"message,omitempty"`
}

type messageStartMessage struct {
	Usage *usage `json:"usage,omitempty"`
}

func (p *Provider) ChatStream(ctx context.Context, model string, messages []domain.Message) (<-chan domain.StreamChunk, error) {
	if model == "" {
		model = p.Model
	}

	reqBody := p.buildRequestBody(model, messages)
	reqBody["stream"] = true

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewBuffer(jsonData))
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
		return nil, fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, string(bodyData))
	}

	ch := make(chan domain.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var usageInputTokens, usageOutputTokens int

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

			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				ch <- domain.StreamChunk{Error: fmt.Errorf("parse SSE event: %w", err)}
				return
			}

			switch event.Type {
			case "message_start":
				var msb messageStartBody
				if err := json.Unmarshal([]byte(data), &msb); err == nil && msb.Message != nil && msb.Message.Usage != nil {
					usageInputTokens = msb.Message.Usage.InputTokens
				}

			case "content_block_delta":
				if len(event.Delta) == 0 {
					continue
				}
				var td textDelta
				if err := json.Unmarshal(event.Delta, &td); err == nil && td.Type == "text_delta" {
					ch <- domain.StreamChunk{Content: td.Text}
				}

			case "message_delta":
				if len(event.Delta) == 0 {
					continue
				}
				var md messageDelta
				if err := json.Unmarshal(event.Delta, &md); err == nil {
					if md.Usage != nil {
						usageOutputTokens = md.Usage.OutputTokens
					}
					if md.StopReason != "" {
						ch <- domain.StreamChunk{FinishReason: "stop"}
					}
				}

			case "message_stop":
				ch <- domain.StreamChunk{
					Usage: &domain.Usage{
						PromptTokens:     usageInputTokens,
						CompletionTokens: usageOutputTokens,
						TotalTokens:      usageInputTokens + usageOutputTokens,
					},
				}
				return

			case "error":
				var errMsg struct {
					Error apiError `json:"error"`
				}
				if err := json.Unmarshal([]byte(data), &errMsg); err == nil {
					ch <- domain.StreamChunk{Error: fmt.Errorf("anthropic error: %s", errMsg.Error.Message)}
				} else {
					ch <- domain.StreamChunk{Error: fmt.Errorf("anthropic stream error: %s", data)}
				}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- domain.StreamChunk{Error: fmt.Errorf("stream read error: %w", err)}
		}
	}()

	return ch, nil
}

func (p *Provider) buildRequestBody(model string, messages []domain.Message) map[string]any {
	var systemPrompt string
	var filtered []domain.Message
	for _, msg := range messages {
		if msg.Role == "system" {
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += msg.Content
		} else {
			filtered = append(filtered, msg)
		}
	}

	reqBody := map[string]any{
		"model":      model,
		"max_tokens": 4096,
		"messages":   filtered,
	}
	if systemPrompt != "" {
		reqBody["system"] = systemPrompt
	}

	return reqBody
}

var (
	_ domain.LLMProvider       = (*Provider)(nil)
	_ domain.LLMStreamProvider = (*Provider)(nil)
)
