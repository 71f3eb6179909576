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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPClientInvokeDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output": "ok",
			"paused": false,
			"rules":  []map[string]any{{"name": "schema", "failed": false}},
		})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryAttempts = 0
	c, err := NewHTTPClient(cfg, nil)
	require.NoError(t, err)

	result, err := c.Invoke(context.Background(), srv.URL, json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	require.Equal(t, "ok", result.Output)
	require.False(t, result.Paused)
	require.Len(t, result.Rules, 1)
	require.Equal(t, "schema", result.Rules[0].Name)
}

func TestHTTPClientInvokeErrorsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryAttempts = 0
	c, err := NewHTTPClient(cfg, nil)
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), srv.URL, nil)
	require.Error(t, err)
}

func TestHTTPClientRetriesOnFailure(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"output": "eventually ok"})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryAttempts = 3
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	c, err := NewHTTPClient(cfg, nil)
	require.NoError(t, err)

	result, err := c.Invoke(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.Equal(t, "eventually ok", result.Output)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestHTTPClientRateLimitsInvocations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"output": "ok"})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.RateLimit = 5
	cfg.RateBurst = 1
	c, err := NewHTTPClient(cfg, nil)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Invoke(context.Background(), srv.URL, nil)
		require.NoError(t, err)
	}
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 300*time.Millisecond, "3 calls at 5/s with burst 1 must take at least ~400ms")
}

func TestHTTPClientInvokeRespectsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryAttempts = 0
	c, err := NewHTTPClient(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = c.Invoke(ctx, srv.URL, nil)
	require.Error(t, err)
}
