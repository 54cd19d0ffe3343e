package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pulseforge/workspace-pipeline/internal/conflict"
	"github.com/pulseforge/workspace-pipeline/internal/feature"
	"github.com/pulseforge/workspace-pipeline/internal/models"
	"github.com/pulseforge/workspace-pipeline/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx satisfies pgx.Tx by embedding a nil interface and overriding only
// the two methods ServeHTTP actually calls; nothing in this test's fakes
// ever drives a real query through it.
type fakeTx struct {
	pgx.Tx
	mu         sync.Mutex
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolledBack = true
	return nil
}

type fakeRepository struct {
	mu              sync.Mutex
	workspace       *models.Workspace
	delivered       map[string]bool
	deletedBranches []string
	upsertedFiles   [][]string
}

func newFakeRepository(ws *models.Workspace) *fakeRepository {
	return &fakeRepository{workspace: ws, delivered: make(map[string]bool)}
}

func (f *fakeRepository) BeginTx(context.Context) (pgx.Tx, error) {
	return &fakeTx{}, nil
}

func (f *fakeRepository) SelectWorkspaceByRepoID(_ context.Context, githubRepoID int64) (*models.Workspace, error) {
	if f.workspace != nil && f.workspace.GithubRepoID == githubRepoID {
		return f.workspace, nil
	}
	return nil, nil
}

func (f *fakeRepository) InsertDeliveryIfAbsent(_ context.Context, _ pgx.Tx, deliveryID, _ string, _ int64, _, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delivered[deliveryID] {
		return false, nil
	}
	f.delivered[deliveryID] = true
	return true, nil
}

func (f *fakeRepository) UpdateDeliveryDuration(context.Context, pgx.Tx, string, int64) error {
	return nil
}

func (f *fakeRepository) UpsertFileActivityBatch(_ context.Context, _ pgx.Tx, _, _ string, filePaths []string, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertedFiles = append(f.upsertedFiles, filePaths)
	return nil
}

func (f *fakeRepository) DeleteFileActivityForBranch(_ context.Context, _ pgx.Tx, _, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedBranches = append(f.deletedBranches, branch)
	return nil
}

type fakeConflictEngine struct {
	mu      sync.Mutex
	runs    int
	results []conflict.ConflictResult
}

func (f *fakeConflictEngine) Run(context.Context, pgx.Tx, string, time.Time) ([]conflict.ConflictResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return f.results, nil
}

func (f *fakeConflictEngine) Broadcast(string, []conflict.ConflictResult) {}

type fakeFeatureEngine struct {
	mu   sync.Mutex
	runs int
}

func (f *fakeFeatureEngine) Run(context.Context, pgx.Tx, string, []string, time.Time) ([]feature.Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return nil, nil
}

func (f *fakeFeatureEngine) Broadcast(string, []feature.Transition) {}

type fakeHealthEngine struct {
	mu   sync.Mutex
	runs int
}

func (f *fakeHealthEngine) Run(context.Context, pgx.Tx, string, time.Time) (int, models.RiskLevel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return 100, models.RiskHealthy, nil
}

func (f *fakeHealthEngine) Broadcast(string, int, models.RiskLevel) {}

func newTestHandler(ws *models.Workspace, secret string) (*Handler, *fakeRepository, *fakeConflictEngine, *fakeFeatureEngine, *fakeHealthEngine, *Dispatcher) {
	repo := newFakeRepository(ws)
	ce := &fakeConflictEngine{}
	fe := &fakeFeatureEngine{}
	he := &fakeHealthEngine{}
	dispatcher := NewDispatcher(4)
	limiter := ratelimit.NewKeyed(100, 100)

	h := NewHandler(repo, ce, fe, he, dispatcher, limiter, secret)
	return h, repo, ce, fe, he, dispatcher
}

func pushBody(t *testing.T, ref, before, after string, commits []models.PushCommit) []byte {
	t.Helper()
	payload := models.PushPayload{
		Ref:     ref,
		Before:  before,
		After:   after,
		Commits: commits,
		Repository: models.PushRepository{
			ID:       42,
			FullName: "acme/widgets",
		},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return body
}

func newPushRequest(body []byte, eventType, deliveryID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	if eventType != "" {
		req.Header.Set(headerEvent, eventType)
	}
	if deliveryID != "" {
		req.Header.Set(headerDelivery, deliveryID)
	}
	return req
}

func TestServeHTTP_HappyPathDrivesFullPipeline(t *testing.T) {
	ws := &models.Workspace{ID: "ws-1", GithubRepoID: 42}
	h, repo, ce, fe, he, dispatcher := newTestHandler(ws, "")

	body := pushBody(t, "refs/heads/main", "aaa", "bbb", []models.PushCommit{
		{ID: "c1", Added: []string{"a.go"}, Modified: []string{"b.go"}},
	})
	req := newPushRequest(body, "push", "delivery-1")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	dispatcher.Shutdown()

	require.Equal(t, http.StatusOK, rec.Code)
	var ack models.WebhookAckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, models.AckProcessing, ack.Status)
	assert.Equal(t, "delivery-1", ack.DeliveryID)

	assert.Len(t, repo.upsertedFiles, 1)
	assert.ElementsMatch(t, []string{"a.go", "b.go"}, repo.upsertedFiles[0])
	assert.Equal(t, 1, ce.runs)
	assert.Equal(t, 1, fe.runs)
	assert.Equal(t, 1, he.runs)
}

func TestServeHTTP_DuplicateDeliveryAcksWithoutRerunningPipeline(t *testing.T) {
	ws := &models.Workspace{ID: "ws-1", GithubRepoID: 42}
	h, _, ce, _, _, dispatcher := newTestHandler(ws, "")

	body := pushBody(t, "refs/heads/main", "aaa", "bbb", []models.PushCommit{
		{ID: "c1", Added: []string{"a.go"}},
	})

	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, newPushRequest(body, "push", "delivery-1"))
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, newPushRequest(body, "push", "delivery-1"))
	dispatcher.Shutdown()

	require.Equal(t, http.StatusOK, rec2.Code)
	var ack models.WebhookAckResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &ack))
	assert.Equal(t, models.AckDuplicate, ack.Status)
	assert.Equal(t, 1, ce.runs, "a duplicate delivery must not re-trigger the pipeline")
}

func TestServeHTTP_BranchDeletePushSkipsFileActivityUpsert(t *testing.T) {
	ws := &models.Workspace{ID: "ws-1", GithubRepoID: 42}
	h, repo, ce, _, _, dispatcher := newTestHandler(ws, "")

	body := pushBody(t, "refs/heads/feature-x", "aaa", models.ZeroCommit, nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, newPushRequest(body, "push", "delivery-2"))
	dispatcher.Shutdown()

	require.Equal(t, http.StatusOK, rec.Code)
	var ack models.WebhookAckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, models.AckBranchDeleted, ack.Status)
	assert.ElementsMatch(t, []string{"feature-x"}, repo.deletedBranches)
	assert.Empty(t, repo.upsertedFiles)
	assert.Zero(t, ce.runs, "a branch-delete push must not trigger the conflict/feature/health pipeline")
}

func TestServeHTTP_InvalidSignatureRejectedWith401(t *testing.T) {
	ws := &models.Workspace{ID: "ws-1", GithubRepoID: 42}
	h, _, _, _, _, dispatcher := newTestHandler(ws, "super-secret")
	defer dispatcher.Shutdown()

	body := pushBody(t, "refs/heads/main", "aaa", "bbb", []models.PushCommit{{ID: "c1"}})
	req := newPushRequest(body, "push", "delivery-3")
	req.Header.Set(headerSignature, "sha256=deadbeef")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var errResp models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, models.SignatureErr, errResp.Error.Code)
}

func TestServeHTTP_ValidSignatureIsAccepted(t *testing.T) {
	ws := &models.Workspace{ID: "ws-1", GithubRepoID: 42}
	secret := "super-secret"
	h, _, _, _, _, dispatcher := newTestHandler(ws, secret)
	defer dispatcher.Shutdown()

	body := pushBody(t, "refs/heads/main", "aaa", "bbb", []models.PushCommit{{ID: "c1", Added: []string{"a.go"}}})
	req := newPushRequest(body, "push", "delivery-4")
	req.Header.Set(headerSignature, sign([]byte(secret), body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServeHTTP_MissingHeadersRejectedWith400(t *testing.T) {
	ws := &models.Workspace{ID: "ws-1", GithubRepoID: 42}
	h, _, _, _, _, dispatcher := newTestHandler(ws, "")
	defer dispatcher.Shutdown()

	body := pushBody(t, "refs/heads/main", "aaa", "bbb", nil)
	req := newPushRequest(body, "", "delivery-5")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, models.ValidationErr, errResp.Error.Code)
}

func TestServeHTTP_NonPushEventIsIgnored(t *testing.T) {
	ws := &models.Workspace{ID: "ws-1", GithubRepoID: 42}
	h, _, ce, _, _, dispatcher := newTestHandler(ws, "")
	defer dispatcher.Shutdown()

	body := pushBody(t, "refs/heads/main", "aaa", "bbb", nil)
	req := newPushRequest(body, "pull_request", "delivery-6")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var ack models.WebhookAckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, models.AckIgnored, ack.Status)
	assert.Zero(t, ce.runs)
}

func TestServeHTTP_UnknownWorkspaceAcksWithoutProcessing(t *testing.T) {
	h, _, ce, _, _, dispatcher := newTestHandler(nil, "")
	defer dispatcher.Shutdown()

	body := pushBody(t, "refs/heads/main", "aaa", "bbb", []models.PushCommit{{ID: "c1"}})
	req := newPushRequest(body, "push", "delivery-7")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var ack models.WebhookAckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, models.AckWorkspaceNotFound, ack.Status)
	assert.Zero(t, ce.runs)
}
