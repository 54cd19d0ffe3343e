// Package alignment is the gateway around the external LM alignment
// analyzer named in spec §5/§9: a narrow interface, a hard timeout, at
// most one retry on transient error, and a deterministic neutral fallback.
// The analyzer itself is an out-of-scope external collaborator — this
// package only owns the resilience plumbing and the interface the
// Conflict Engine calls through (SPEC_FULL §6.8).
package alignment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pulseforge/workspace-pipeline/internal/models"
	"github.com/pulseforge/workspace-pipeline/internal/ratelimit"
	"go.uber.org/zap"
)

// Result is the analyzer's verdict for one batch of files.
type Result struct {
	Drifted     bool
	Severity    models.Severity
	Description string
}

// NeutralResult is the deterministic fallback used when the analyzer
// times out or errors after retries are exhausted.
func NeutralResult() Result {
	return Result{Drifted: false, Severity: models.SeverityLow, Description: "alignment check unavailable, neutral fallback"}
}

// Analyzer is the narrow interface the pipeline depends on.
type Analyzer interface {
	AssessDrift(ctx context.Context, workspaceID string, files []string) (Result, error)
}

// HTTPAnalyzer posts to a configured LM endpoint.
type HTTPAnalyzer struct {
	endpoint   string
	model      string
	client     *http.Client
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	limiter    *ratelimit.Keyed
}

// NewHTTPAnalyzer builds a gateway around the LM endpoint. limiter enforces
// §5's per-workspace rate limit (default 10/min, 60s window); a workspace
// that exceeds it gets the neutral fallback instead of an outbound call.
func NewHTTPAnalyzer(endpoint, model string, timeout time.Duration, maxRetries int, retryDelay time.Duration, limiter *ratelimit.Keyed) *HTTPAnalyzer {
	return &HTTPAnalyzer{
		endpoint:   endpoint,
		model:      model,
		client:     &http.Client{Timeout: timeout},
		timeout:    timeout,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		limiter:    limiter,
	}
}

type analyzeRequest struct {
	WorkspaceID string   `json:"workspace_id"`
	Model       string   `json:"model"`
	Files       []string `json:"files"`
}

type analyzeResponse struct {
	Drifted     bool   `json:"drifted"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// AssessDrift enforces the timeout+retry+fallback contract: the hard
// per-call timeout is applied inside call; a transient failure is retried
// at most maxRetries times after retryDelay; exhausting retries returns
// the neutral fallback rather than an error, since UpstreamUnavailable
// never propagates past this gateway (§7).
func (a *HTTPAnalyzer) AssessDrift(ctx context.Context, workspaceID string, files []string) (Result, error) {
	if a.limiter != nil && !a.limiter.Allow(workspaceID) {
		zap.L().Info("alignment: workspace rate limited, skipping call", zap.String("workspace_id", workspaceID))
		return NeutralResult(), nil
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(a.retryDelay):
			case <-ctx.Done():
				return NeutralResult(), nil
			}
		}

		result, err := a.call(ctx, workspaceID, files)
		if err == nil {
			return result, nil
		}
		lastErr = err
		zap.L().Warn("alignment: call failed", zap.Error(err), zap.Int("attempt", attempt))
	}

	zap.L().Warn("alignment: retries exhausted, falling back to neutral result", zap.Error(lastErr))
	return NeutralResult(), nil
}

func (a *HTTPAnalyzer) call(ctx context.Context, workspaceID string, files []string) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	body, err := json.Marshal(analyzeRequest{WorkspaceID: workspaceID, Model: a.model, Files: files})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("alignment endpoint returned status %d", resp.StatusCode)
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, err
	}

	return Result{Drifted: out.Drifted, Severity: models.Severity(out.Severity), Description: out.Description}, nil
}
