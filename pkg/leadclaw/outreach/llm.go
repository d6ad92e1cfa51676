package outreach

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// LLMClient talks to the language-model provider. Uses the OpenAI-compatible
// chat-completions format, which works with OpenAI, GLM (api.z.ai), Groq,
// OpenRouter, local Ollama, and any compatible endpoint; Anthropic-style
// endpoints get the Messages API format.
type LLMClient struct {
	baseURL     string
	provider    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	maxAttempts int
	httpClient  *http.Client
	logger      *slog.Logger
}

// Responder generates one action per message batch. Satisfied by LLMClient;
// tests substitute fakes.
type Responder interface {
	Generate(ctx context.Context, req GenerateRequest) (*Action, error)
}

// NewLLMClient creates an LLM client from config.
func NewLLMClient(cfg *Config, logger *slog.Logger) *LLMClient {
	baseURL := cfg.API.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	// Detect the provider from the URL; an explicit config value wins only
	// when detection lands on the generic default.
	provider := detectProvider(baseURL)
	if provider == "openai" && cfg.API.Provider != "" && cfg.API.Provider != "openai" {
		provider = cfg.API.Provider
	}

	temperature := cfg.API.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	maxTokens := cfg.API.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	return &LLMClient{
		baseURL:     baseURL,
		provider:    provider,
		apiKey:      cfg.API.APIKey,
		model:       cfg.Model,
		temperature: temperature,
		maxTokens:   maxTokens,
		maxAttempts: 3,
		httpClient: &http.Client{
			// No global timeout — each call carries its own context. The
			// transport-level timeouts below keep hung connections bounded.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 120 * time.Second,
			},
		},
		logger: logger.With("component", "llm", "provider", provider),
	}
}

// Generate runs one completion for a message batch and classifies the
// model's answer into an Action.
func (c *LLMClient) Generate(ctx context.Context, req GenerateRequest) (*Action, error) {
	raw, err := c.complete(ctx, buildSystemPrompt(req), buildUserPrompt(req))
	if err != nil {
		return nil, err
	}
	return ParseAction(raw)
}

// detectProvider infers the provider from the base URL.
func detectProvider(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "z.ai/api/coding"):
		return "zai-coding"
	case strings.Contains(baseURL, "z.ai/api/paas"):
		return "zai"
	case strings.Contains(baseURL, "z.ai/api/anthropic"):
		return "zai-anthropic"
	case strings.Contains(baseURL, "anthropic.com"):
		return "anthropic"
	case strings.Contains(baseURL, "openai.com"):
		return "openai"
	case strings.Contains(baseURL, "openrouter.ai"):
		return "openrouter"
	case strings.Contains(baseURL, "api.groq.com"):
		return "groq"
	case strings.Contains(baseURL, "mistral.ai"):
		return "mistral"
	case strings.Contains(baseURL, "localhost:11434"),
		strings.Contains(baseURL, "127.0.0.1:11434"),
		strings.Contains(baseURL, "ollama"):
		return "ollama"
	case strings.Contains(baseURL, "localhost:1234"),
		strings.Contains(baseURL, "lmstudio"):
		return "lmstudio"
	default:
		return "openai" // assume OpenAI-compatible
	}
}

// providerKeyName returns the conventional env var for a provider's API key.
func providerKeyName(provider string) string {
	switch provider {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic", "zai-anthropic":
		return "ANTHROPIC_API_KEY"
	case "zai", "zai-coding":
		return "ZAI_API_KEY"
	case "openrouter":
		return "OPENROUTER_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	default:
		return "API_KEY"
	}
}

// resolveAPIKey returns the API key: explicit config value, then the
// provider-specific env var, then the generic API_KEY.
func (c *LLMClient) resolveAPIKey() string {
	if c.apiKey != "" {
		return c.apiKey
	}
	if key := os.Getenv(providerKeyName(c.provider)); key != "" {
		return key
	}
	return os.Getenv("API_KEY")
}

// isAnthropicAPI returns true if the provider uses the Anthropic Messages API format.
func (c *LLMClient) isAnthropicAPI() bool {
	return c.provider == "zai-anthropic" || c.provider == "anthropic"
}

// chatEndpoint returns the completions URL for the configured provider.
func (c *LLMClient) chatEndpoint() string {
	if c.isAnthropicAPI() {
		return c.baseURL + "/v1/messages"
	}
	return c.baseURL + "/chat/completions"
}

// ---------- Wire Types ----------

// chatMessage is a message in the OpenAI chat format.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the OpenAI-compatible chat completions request.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// chatResponse is the OpenAI-compatible chat completions response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// anthropicRequest is the Anthropic Messages API request.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse is the Anthropic Messages API response.
type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ---------- Error Classification ----------

// LLMErrorKind classifies API errors for retry decisions.
type LLMErrorKind int

const (
	LLMErrorRetryable  LLMErrorKind = iota // transient 5xx
	LLMErrorRateLimit                      // 429
	LLMErrorOverloaded                     // 529 or "overloaded" in body
	LLMErrorTimeout                        // request timeout
	LLMErrorAuth                           // 401, 403
	LLMErrorBilling                        // 402 or quota exhausted
	LLMErrorContext                        // context_length_exceeded
	LLMErrorBadRequest                     // 400
	LLMErrorFatal                          // everything else
)

// IsRetryableKind returns true if the error kind warrants retrying.
func (k LLMErrorKind) IsRetryableKind() bool {
	return k == LLMErrorRetryable || k == LLMErrorRateLimit || k == LLMErrorOverloaded || k == LLMErrorTimeout
}

// apiError captures HTTP status, body, and optional Retry-After.
type apiError struct {
	statusCode    int
	body          string
	retryAfterSec int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.statusCode, truncate(e.body, 200))
}

// classifyAPIError determines the error kind from status code and body.
func classifyAPIError(statusCode int, body string) LLMErrorKind {
	bodyLower := strings.ToLower(body)

	if strings.Contains(bodyLower, "context_length_exceeded") ||
		strings.Contains(bodyLower, "maximum context length") {
		return LLMErrorContext
	}

	if statusCode == 402 ||
		strings.Contains(bodyLower, "billing") ||
		strings.Contains(bodyLower, "insufficient_quota") {
		return LLMErrorBilling
	}

	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "too many requests") {
		return LLMErrorRateLimit
	}

	if statusCode == 529 ||
		strings.Contains(bodyLower, "overloaded") {
		return LLMErrorOverloaded
	}

	if strings.Contains(bodyLower, "timeout") ||
		strings.Contains(bodyLower, "timed out") {
		return LLMErrorTimeout
	}

	switch statusCode {
	case 400:
		return LLMErrorBadRequest
	case 401, 403:
		return LLMErrorAuth
	case 500, 502, 503, 521, 522, 523, 524:
		return LLMErrorRetryable
	default:
		if statusCode >= 500 {
			return LLMErrorRetryable
		}
		return LLMErrorFatal
	}
}

// ---------- Completion ----------

// complete runs one chat completion with retries on transient failures.
func (c *LLMClient) complete(ctx context.Context, system, user string) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		raw, err := c.completeOnce(ctx, system, user)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		apierr, ok := err.(*apiError)
		if !ok {
			// Network-level failure: retry unless the context is done.
			if ctx.Err() != nil {
				return "", err
			}
		} else {
			kind := classifyAPIError(apierr.statusCode, apierr.body)
			if !kind.IsRetryableKind() {
				return "", err
			}
		}

		if attempt == c.maxAttempts {
			break
		}

		backoff := time.Duration(attempt) * 2 * time.Second
		if ok && apierr.retryAfterSec > 0 {
			backoff = time.Duration(apierr.retryAfterSec) * time.Second
		}

		c.logger.Warn("completion failed, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}

	return "", lastErr
}

// completeOnce performs a single request. Returns *apiError on HTTP errors
// so complete can classify and decide on a retry.
func (c *LLMClient) completeOnce(ctx context.Context, system, user string) (string, error) {
	if c.isAnthropicAPI() {
		return c.completeOnceAnthropic(ctx, system, user)
	}
	return c.completeOnceOpenAI(ctx, system, user)
}

func (c *LLMClient) completeOnceOpenAI(ctx context.Context, system, user string) (string, error) {
	temp := c.temperature
	maxTok := c.maxTokens
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: &temp,
		MaxTokens:   &maxTok,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatEndpoint(), bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.resolveAPIKey())
	if c.provider == "openrouter" {
		req.Header.Set("X-Title", "LeadClaw")
		req.Header.Set("HTTP-Referer", "https://github.com/jholhewres/leadclaw")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	bodyStr := string(respBody)

	if resp.StatusCode != http.StatusOK {
		apierr := &apiError{statusCode: resp.StatusCode, body: bodyStr}
		if resp.StatusCode == 429 {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
					apierr.retryAfterSec = sec
				}
			}
		}
		c.logger.Error("API error",
			"model", c.model,
			"status", resp.StatusCode,
			"body", truncate(bodyStr, 500))
		return "", apierr
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return "", fmt.Errorf("parsing response: %w (body: %s)", err, truncate(bodyStr, 200))
	}
	if chat.Error != nil {
		return "", fmt.Errorf("API error: %s", chat.Error.Message)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("API returned no choices (body: %s)", truncate(bodyStr, 200))
	}

	c.logger.Debug("completion done",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", chat.Usage.PromptTokens,
		"completion_tokens", chat.Usage.CompletionTokens,
		"finish_reason", chat.Choices[0].FinishReason)

	return strings.TrimSpace(chat.Choices[0].Message.Content), nil
}

func (c *LLMClient) completeOnceAnthropic(ctx context.Context, system, user string) (string, error) {
	temp := c.temperature
	reqBody := anthropicRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      system,
		Messages:    []anthropicMessage{{Role: "user", Content: user}},
		Temperature: &temp,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatEndpoint(), bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", "2023-06-01")
	// The Z.AI Anthropic proxy expects Authorization: Bearer; native
	// Anthropic uses x-api-key.
	if c.provider == "zai-anthropic" {
		req.Header.Set("Authorization", "Bearer "+c.resolveAPIKey())
	} else {
		req.Header.Set("x-api-key", c.resolveAPIKey())
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	bodyStr := string(respBody)

	if resp.StatusCode != http.StatusOK {
		apierr := &apiError{statusCode: resp.StatusCode, body: bodyStr}
		if resp.StatusCode == 429 {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
					apierr.retryAfterSec = sec
				}
			}
		}
		c.logger.Error("API error",
			"model", c.model,
			"status", resp.StatusCode,
			"body", truncate(bodyStr, 500))
		return "", apierr
	}

	var anth anthropicResponse
	if err := json.Unmarshal(respBody, &anth); err != nil {
		return "", fmt.Errorf("parsing anthropic response: %w (body: %s)", err, truncate(bodyStr, 200))
	}
	if anth.Error != nil {
		return "", fmt.Errorf("API error: %s", anth.Error.Message)
	}

	var content strings.Builder
	for _, block := range anth.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	c.logger.Debug("anthropic completion done",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"input_tokens", anth.Usage.InputTokens,
		"output_tokens", anth.Usage.OutputTokens,
		"stop_reason", anth.StopReason)

	return strings.TrimSpace(content.String()), nil
}
