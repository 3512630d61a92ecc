package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ballot-guide/backend/internal/metrics"
	"github.com/ballot-guide/backend/internal/recommend"
	"github.com/ballot-guide/backend/pkg/circuitbreaker"
	"github.com/ballot-guide/backend/pkg/config"
	"github.com/ballot-guide/backend/pkg/logger"
	"github.com/ballot-guide/backend/pkg/retry"
)

type Client struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	limiter     *rate.Limiter
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
	// Model overrides the configured model for this call.
	Model string
	JSON  bool
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(cfg config.LLMConfig) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return NewClientWithConfig(oc, cfg)
}

func NewClientWithConfig(oc openai.ClientConfig, cfg config.LLMConfig) *Client {
	client := openai.NewClientWithConfig(oc)

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        isUpstreamFailure,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Retryable:      isRetryable,
		Logger:         logger.GetLogger(),
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.Float64("requests_per_second", cfg.RequestsPerSecond),
	)

	return &Client{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     timeout,
		limiter:     rate.NewLimiter(limit, burst),
		cb:          cb,
		retryConfig: retryConfig,
	}
}

// Complete runs one chat completion. Errors that mean the provider cannot be
// used at all are wrapped with recommend.ErrUnavailable.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.SystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: req.UserPrompt,
			},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Permanent(fmt.Errorf("pacing: %w", err))
			}

			resp, err := c.client.CreateChatCompletion(ctx, chatReq)
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return retry.Permanent(errors.New("completion returned no choices"))
			}

			label := c.model
			if model != c.model {
				label = "override"
			}
			metrics.LLMTokensUsed.WithLabelValues(label, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.LLMTokensUsed.WithLabelValues(label, "completion").Add(float64(resp.Usage.CompletionTokens))

			logger.Debug("LLM completion generated",
				zap.String("model", model),
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			return nil
		})
	})

	if err != nil {
		if isUpstreamFailure(err) {
			return nil, fmt.Errorf("%w: %w", recommend.ErrUnavailable, err)
		}
		return nil, err
	}

	return result, nil
}

func statusOf(err error) (int, bool) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}

// isUpstreamFailure separates "the provider is down or refusing us" from
// problems with one request.
func isUpstreamFailure(err error) bool {
	if err == nil || retry.IsPermanent(err) {
		return false
	}
	if circuitbreaker.IsRejection(err) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if status, ok := statusOf(err); ok && status != 0 {
		return status >= 500 ||
			status == http.StatusTooManyRequests ||
			status == http.StatusUnauthorized ||
			status == http.StatusForbidden
	}
	// No HTTP status: the request never got an answer.
	return true
}

func isRetryable(err error) bool {
	status, ok := statusOf(err)
	if !ok || status == 0 {
		return true
	}
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

// trimFences removes a Markdown code fence some models wrap JSON in.
func trimFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
