// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package driver

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/taskflow/internal/log"
)

// HTTPClient is the default TaskServiceClient: it POSTs a task's
// parameters to its effective URL and decodes the response body as a
// TaskResult envelope.
type HTTPClient struct {
	client  *http.Client
	limiter *rate.Limiter // nil when unlimited
	logger  *slog.Logger
}

// responseEnvelope is the wire shape a task service returns.
type responseEnvelope struct {
	Output string           `json:"output"`
	Paused bool             `json:"paused"`
	Rules  []ruleEnvelope   `json:"rules,omitempty"`
}

type ruleEnvelope struct {
	Name    string  `json:"name"`
	Failed  bool    `json:"failed"`
	Message *string `json:"message,omitempty"`
}

// NewHTTPClient builds an HTTPClient with retry and logging transports
// layered the way pkg/httpclient layers them: logging innermost, retry
// outermost, so every attempt (including retries) is individually logged.
func NewHTTPClient(cfg Config, logger *slog.Logger) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "driver")

	base := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	loggingTrans := newLoggingTransport(base, cfg.UserAgent, logger)

	var transport http.RoundTripper = loggingTrans
	if cfg.RetryAttempts > 0 {
		transport = newRetryTransport(loggingTrans, cfg)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &HTTPClient{
		client:  &http.Client{Transport: transport, Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Invoke implements TaskServiceClient.
func (c *HTTPClient) Invoke(ctx context.Context, effectiveURL string, parameters json.RawMessage) (TaskResult, error) {
	if len(parameters) == 0 {
		parameters = json.RawMessage("{}")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return TaskResult{}, fmt.Errorf("driver: rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, effectiveURL, bytes.NewReader(parameters))
	if err != nil {
		return TaskResult{}, fmt.Errorf("driver: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return TaskResult{}, fmt.Errorf("driver: invoke %s: %w", sanitizeURL(req.URL), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TaskResult{}, fmt.Errorf("driver: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return TaskResult{}, fmt.Errorf("driver: task service returned %d: %s", resp.StatusCode, string(body))
	}

	var env responseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return TaskResult{}, fmt.Errorf("driver: decode response: %w", err)
	}

	return toTaskResult(env), nil
}
