package alignment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pulseforge/workspace-pipeline/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssessDrift_RateLimitedWorkspaceSkipsOutboundCall(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"drifted":true,"severity":"HIGH","description":"drift"}`))
	}))
	defer server.Close()

	limiter := ratelimit.NewWindowed(time.Minute, 1)
	analyzer := NewHTTPAnalyzer(server.URL, "test-model", time.Second, 0, 0, limiter)

	first, err := analyzer.AssessDrift(context.Background(), "ws-1", []string{"a.go"})
	require.NoError(t, err)
	assert.True(t, first.Drifted)
	assert.Equal(t, 1, calls)

	second, err := analyzer.AssessDrift(context.Background(), "ws-1", []string{"a.go"})
	require.NoError(t, err)
	assert.Equal(t, NeutralResult(), second, "a workspace over its rate limit must get the neutral fallback without another call")
	assert.Equal(t, 1, calls, "the outbound call must not be made once the workspace is rate limited")
}

func TestAssessDrift_DifferentWorkspacesHaveIndependentBudgets(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"drifted":false,"severity":"LOW","description":""}`))
	}))
	defer server.Close()

	limiter := ratelimit.NewWindowed(time.Minute, 1)
	analyzer := NewHTTPAnalyzer(server.URL, "test-model", time.Second, 0, 0, limiter)

	_, err := analyzer.AssessDrift(context.Background(), "ws-1", nil)
	require.NoError(t, err)
	_, err = analyzer.AssessDrift(context.Background(), "ws-2", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestAssessDrift_NilLimiterNeverSkips(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"drifted":false,"severity":"LOW","description":""}`))
	}))
	defer server.Close()

	analyzer := NewHTTPAnalyzer(server.URL, "test-model", time.Second, 0, 0, nil)

	_, err := analyzer.AssessDrift(context.Background(), "ws-1", nil)
	require.NoError(t, err)
	_, err = analyzer.AssessDrift(context.Background(), "ws-1", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}
