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

package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDisabledProviderStillProducesSpans(t *testing.T) {
	p, err := New(Config{ServiceName: "taskflow-test", ServiceVersion: "dev", Enabled: false})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	tracer := p.Tracer("test")
	require.NotNil(t, tracer)

	ctx, finish := StartSpan(context.Background(), tracer, "op")
	require.NotNil(t, ctx)
	finish(nil)
}

func TestStartSpanRecordsError(t *testing.T) {
	p, err := New(Config{ServiceName: "taskflow-test", Enabled: false})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	_, finish := StartSpan(context.Background(), p.Tracer("test"), "op")
	finish(errors.New("boom")) // must not panic
}

func TestStartSpanFallsBackToGlobalTracerWhenNil(t *testing.T) {
	_, finish := StartSpan(context.Background(), nil, "op")
	finish(nil)
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	id := NewCorrelationID()
	require.NotEmpty(t, id)

	ctx := WithCorrelationID(context.Background(), id)
	require.Equal(t, id, CorrelationIDFromContext(ctx))
}

func TestCorrelationIDFromContextEmptyWhenUnset(t *testing.T) {
	require.Equal(t, CorrelationID(""), CorrelationIDFromContext(context.Background()))
}
