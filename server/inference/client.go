package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/knife-guard/server/detection"
)

// Engine runs the detector on a frame and returns its raw output tensor.
type Engine interface {
	Infer(ctx context.Context, img image.Image) (*detection.Tensor, error)
}

// Client calls a remote model server over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     *ClientConfig
	healthy    atomic.Bool
}

type ClientConfig struct {
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
	InputSide           int
}

type InferRequest struct {
	Input     *detection.Tensor `json:"input"`
	Timestamp int64             `json:"timestamp"`
}

type InferResponse struct {
	Output       *detection.Tensor `json:"output"`
	ModelVersion string            `json:"model_version"`
	InferenceMS  float64           `json:"inference_ms"`
}

func NewClient(baseURL string, config *ClientConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		logger:  logger,
		config:  config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}
}

func (c *Client) Infer(ctx context.Context, img image.Image) (*detection.Tensor, error) {
	request := &InferRequest{
		Input:     Preprocess(img, c.config.InputSide),
		Timestamp: time.Now().UnixMilli(),
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying inference request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		output, err := c.executeInferRequest(ctx, request)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("inference failed after %d attempts: %w",
		c.config.MaxRetries+1, lastErr)
}

func (c *Client) executeInferRequest(ctx context.Context, request *InferRequest) (*detection.Tensor, error) {
	requestData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/infer", c.baseURL)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "knife-guard/1.0")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(response.Body)
		return nil, fmt.Errorf("inference service error (status %d): %s",
			response.StatusCode, string(bodyBytes))
	}

	var inferResponse InferResponse
	if err := json.NewDecoder(response.Body).Decode(&inferResponse); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if inferResponse.Output == nil {
		return nil, detection.ErrMissingTensor
	}
	if _, _, err := inferResponse.Output.Layout(); err != nil {
		return nil, err
	}

	return inferResponse.Output, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		c.healthy.Store(false)
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		c.healthy.Store(false)
		return fmt.Errorf("inference service unhealthy (status %d)", response.StatusCode)
	}

	c.healthy.Store(true)
	return nil
}

func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

// StartHealthChecker probes the service until ctx is cancelled.
func (c *Client) StartHealthChecker(ctx context.Context) {
	if err := c.HealthCheck(ctx); err != nil {
		c.logger.Warn("Inference service not available at startup", zap.Error(err))
	}

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.Error("Inference service health check failed", zap.Error(err))
			} else {
				c.logger.Debug("Inference service health check passed")
			}
		}
	}
}

func (c *Client) GetModelInfo(ctx context.Context) (map[string]interface{}, error) {
	url := fmt.Sprintf("%s/models/info", c.baseURL)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create model info request: %w", err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model info request failed (status %d)", response.StatusCode)
	}

	var modelInfo map[string]interface{}
	if err := json.NewDecoder(response.Body).Decode(&modelInfo); err != nil {
		return nil, fmt.Errorf("failed to decode model info: %w", err)
	}

	return modelInfo, nil
}
