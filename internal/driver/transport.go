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
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/taskflow/internal/tracing"
)

// loggingTransport logs every request with a sanitized URL, injects the
// User-Agent header, and propagates the invocation's correlation id.
type loggingTransport struct {
	base      http.RoundTripper
	userAgent string
	logger    *slog.Logger
}

func newLoggingTransport(base http.RoundTripper, userAgent string, logger *slog.Logger) *loggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &loggingTransport{base: base, userAgent: userAgent, logger: logger}
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if corrID := tracing.CorrelationIDFromContext(req.Context()); corrID != "" {
		req.Header.Set("X-Correlation-ID", string(corrID))
	}

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)
	logURL := sanitizeURL(req.URL)

	if err != nil {
		t.logger.Warn("task service request failed",
			"method", req.Method, "url", logURL, "duration_ms", duration.Milliseconds(), "error", err.Error())
		return resp, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	t.logger.Log(req.Context(), level, "task service request",
		"method", req.Method, "url", logURL, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())
	return resp, err
}
