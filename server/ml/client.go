package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/san-kum/stroke-risk/server/features"
	"go.uber.org/zap"
)

// Client scores records against the Python scoring sidecar over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     *ClientConfig
	stopCh     chan struct{}
	stopOnce   sync.Once
}

type ClientConfig struct {
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:             10 * time.Second,
		MaxRetries:          2,
		RetryDelay:          200 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
	}
}

type ScoreRequest struct {
	Features map[string]any `json:"features"`
}

type ScoreResponse struct {
	Probability  *float64 `json:"probability"`
	ModelVersion string   `json:"model_version"`
	Error        string   `json:"error,omitempty"`
}

// permanentError marks responses that retrying cannot fix.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

func NewClient(baseURL string, config *ClientConfig, logger *zap.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("scoring service URL is required")
	}
	if config == nil {
		config = DefaultClientConfig()
	}

	client := &Client{
		baseURL: baseURL,
		logger:  logger,
		config:  config,
		stopCh:  make(chan struct{}),
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		logger.Warn("Scoring service not available at startup", zap.Error(err))
	}

	if config.HealthCheckInterval > 0 {
		go client.startHealthChecker()
	}

	return client, nil
}

func (c *Client) Score(ctx context.Context, f *features.Enriched) (float64, error) {
	if f == nil {
		return 0, fmt.Errorf("%w: nil feature record", ErrModelInference)
	}
	request := &ScoreRequest{Features: f.Vector().Flatten()}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying scoring request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return 0, fmt.Errorf("%w: %v", ErrModelInference, ctx.Err())
			}
		}

		p, err := c.executeScoreRequest(ctx, request)
		if err == nil {
			return p, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) || errors.Is(err, ErrNullProbability) {
			break
		}
	}

	if errors.Is(lastErr, ErrNullProbability) {
		return 0, lastErr
	}
	return 0, fmt.Errorf("%w: %v", ErrModelInference, lastErr)
}

func (c *Client) executeScoreRequest(ctx context.Context, request *ScoreRequest) (float64, error) {
	requestData, err := json.Marshal(request)
	if err != nil {
		return 0, &permanentError{fmt.Errorf("failed to marshal request: %w", err)}
	}

	url := fmt.Sprintf("%s/score", c.baseURL)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestData))
	if err != nil {
		return 0, &permanentError{fmt.Errorf("failed to create request: %w", err)}
	}

	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "stroke-risk-service/1.0")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		statusErr := fmt.Errorf("scoring service error (status %d): %s",
			response.StatusCode, string(bodyBytes))
		if response.StatusCode >= 400 && response.StatusCode < 500 {
			return 0, &permanentError{statusErr}
		}
		return 0, statusErr
	}

	var scoreResponse ScoreResponse
	if err := json.NewDecoder(response.Body).Decode(&scoreResponse); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if scoreResponse.Error != "" {
		return 0, &permanentError{fmt.Errorf("scoring service rejected features: %s", scoreResponse.Error)}
	}
	if scoreResponse.Probability == nil {
		return 0, ErrNullProbability
	}

	p := *scoreResponse.Probability
	if p < 0 || p > 1 {
		return 0, &permanentError{fmt.Errorf("probability %v outside [0,1]", p)}
	}
	return p, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("scoring service unhealthy (status %d)", response.StatusCode)
	}

	return nil
}

func (c *Client) startHealthChecker() {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.Error("Scoring service health check failed", zap.Error(err))
			} else {
				c.logger.Debug("Scoring service health check passed")
			}
			cancel()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) GetModelInfo(ctx context.Context) (map[string]any, error) {
	url := fmt.Sprintf("%s/models/info", c.baseURL)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model info request failed (status %d)", response.StatusCode)
	}

	var modelInfo map[string]any
	if err := json.NewDecoder(response.Body).Decode(&modelInfo); err != nil {
		return nil, fmt.Errorf("failed to decode model info: %w", err)
	}

	return modelInfo, nil
}

func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.httpClient.CloseIdleConnections()
	return nil
}
