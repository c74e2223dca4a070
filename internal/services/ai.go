package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// AICompleter is the generative collaborator the dispatcher talks to.
// Failures surface as errors the dispatcher catches and maps into failed
// execution results.
type AICompleter interface {
	// Complete returns generated text for a system instruction and prompt.
	Complete(ctx context.Context, system, prompt string) (string, error)
	// CompleteJSON asks for a single JSON object and decodes it.
	CompleteJSON(ctx context.Context, system, prompt string) (map[string]interface{}, error)
}

type AIService struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func NewAIService(apiKey, baseURL, model string, temperature float64, maxTokens int, timeout time.Duration) *AIService {
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AIService{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (s *AIService) Complete(ctx context.Context, system, prompt string) (string, error) {
	return s.call(ctx, system, prompt)
}

// CompleteJSON instructs the model to answer with a bare JSON object and
// decodes it. Surrounding prose or code fences are stripped before
// decoding since models occasionally wrap the object anyway.
func (s *AIService) CompleteJSON(ctx context.Context, system, prompt string) (map[string]interface{}, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("AI extraction unavailable: no API key configured")
	}
	system = system + "\nRespond with a single JSON object and nothing else."
	raw, err := s.call(ctx, system, prompt)
	if err != nil {
		return nil, err
	}
	raw = strings.TrimSpace(raw)
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("AI returned non-JSON payload: %w", err)
	}
	return out, nil
}

func (s *AIService) call(ctx context.Context, system, prompt string) (string, error) {
	tracer := otel.Tracer("flowpilot/ai")
	ctx, span := tracer.Start(ctx, "AIService.call")
	span.SetAttributes(attribute.String("model", s.model))
	defer span.End()

	if s.apiKey == "" {
		return s.fallbackResponse(prompt), nil
	}

	messages := []chatMessage{}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	request := chatRequest{
		Model:       s.model,
		Messages:    messages,
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	}

	reqBody, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", s.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.apiKey))

	resp, err := s.client.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if chatResp.Error != nil {
		span.SetStatus(codes.Error, chatResp.Error.Message)
		return "", fmt.Errorf("completion API error: %s", chatResp.Error.Message)
	}

	if len(chatResp.Choices) == 0 {
		span.SetStatus(codes.Error, "no response choices")
		return "", fmt.Errorf("no response from completion API")
	}

	return chatResp.Choices[0].Message.Content, nil
}

// fallbackResponse keeps dev environments without an API key usable.
func (s *AIService) fallbackResponse(prompt string) string {
	prompt = strings.ToLower(prompt)
	if strings.Contains(prompt, "summar") {
		return "No summary available: AI completion is not configured."
	}
	return "AI completion is not configured; this is a placeholder response."
}

var _ AICompleter = (*AIService)(nil)
