// Package webhook implements the Webhook Ingestor (C6): the GitHub push
// event HTTP endpoint, its synchronous ack path, and the async dispatch of
// the conflict/feature/health pipeline (§4.6).
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pulseforge/workspace-pipeline/internal/conflict"
	"github.com/pulseforge/workspace-pipeline/internal/feature"
	"github.com/pulseforge/workspace-pipeline/internal/models"
	"github.com/pulseforge/workspace-pipeline/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
	headerSignature = "X-Hub-Signature-256"
	signaturePrefix = "sha256="

	maxBodyBytes = 5 << 20 // 5MiB, generous for a push payload (§8)
)

// Repository is the persistence surface C6 needs directly; the engines own
// the rest.
type Repository interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	SelectWorkspaceByRepoID(ctx context.Context, githubRepoID int64) (*models.Workspace, error)
	InsertDeliveryIfAbsent(ctx context.Context, tx pgx.Tx, deliveryID, workspaceID string, repoID int64, branch, commitHash string) (bool, error)
	UpdateDeliveryDuration(ctx context.Context, tx pgx.Tx, deliveryID string, durationMS int64) error
	UpsertFileActivityBatch(ctx context.Context, tx pgx.Tx, workspaceID, branch string, filePaths []string, commitHash string, now time.Time) error
	DeleteFileActivityForBranch(ctx context.Context, tx pgx.Tx, workspaceID, branch string) error
}

// ConflictEngine is the C3 surface C6 drives after ingestion.
type ConflictEngine interface {
	Run(ctx context.Context, tx pgx.Tx, workspaceID string, now time.Time) ([]conflict.ConflictResult, error)
	Broadcast(workspaceID string, results []conflict.ConflictResult)
}

// FeatureEngine is the C4 surface C6 drives after ingestion.
type FeatureEngine interface {
	Run(ctx context.Context, tx pgx.Tx, workspaceID string, modifiedFiles []string, now time.Time) ([]feature.Transition, error)
	Broadcast(workspaceID string, transitions []feature.Transition)
}

// HealthEngine is the C5 surface C6 drives after ingestion.
type HealthEngine interface {
	Run(ctx context.Context, tx pgx.Tx, workspaceID string, now time.Time) (int, models.RiskLevel, error)
	Broadcast(workspaceID string, score int, risk models.RiskLevel)
}

// Handler is C6.
type Handler struct {
	repo           Repository
	conflictEngine ConflictEngine
	featureEngine  FeatureEngine
	healthEngine   HealthEngine
	dispatcher     *Dispatcher
	limiter        *ratelimit.Keyed
	secret         []byte
}

func NewHandler(
	repo Repository,
	conflictEngine ConflictEngine,
	featureEngine FeatureEngine,
	healthEngine HealthEngine,
	dispatcher *Dispatcher,
	limiter *ratelimit.Keyed,
	secret string,
) *Handler {
	return &Handler{
		repo:           repo,
		conflictEngine: conflictEngine,
		featureEngine:  featureEngine,
		healthEngine:   healthEngine,
		dispatcher:     dispatcher,
		limiter:        limiter,
		secret:         []byte(secret),
	}
}

// ServeHTTP implements the twelve-step protocol of §4.6 in this order:
// header gate, event filter, signature verification (with rate limiting for
// unverified requests), payload validation, workspace resolution,
// idempotency gate, push classification, file extraction, persistence, ack,
// and async dispatch. Workspace resolution runs before the transaction and
// before the idempotency gate, so a delivery for an unknown workspace is
// acked without a delivery-log row being written.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	eventType := r.Header.Get(headerEvent)
	deliveryID := r.Header.Get(headerDelivery)
	if eventType == "" || deliveryID == "" {
		writeError(w, http.StatusBadRequest, models.ValidationErr, "missing "+headerEvent+" or "+headerDelivery)
		return
	}

	if eventType != "push" {
		writeAck(w, http.StatusOK, models.AckIgnored, "")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, models.ValidationErr, "failed to read body")
		return
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusBadRequest, models.ValidationErr, "payload too large")
		return
	}

	verified, devMode := h.verifySignature(r.Header.Get(headerSignature), body)
	if !verified && !devMode {
		writeError(w, http.StatusUnauthorized, models.SignatureErr, "signature verification failed")
		return
	}

	// Signature-verified requests are exempt from rate limiting (§5); a
	// request riding on dev-mode (no configured secret) is not exempt.
	if !verified {
		if !h.limiter.Allow(sourceKey(r)) {
			writeError(w, http.StatusTooManyRequests, models.RateLimitedErr, "rate limit exceeded")
			return
		}
	}

	var payload models.PushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, models.InvalidJSONErr, "malformed push payload")
		return
	}

	if payload.Ref == "" || payload.After == "" || payload.Repository.ID == 0 || payload.Repository.FullName == "" {
		writeError(w, http.StatusBadRequest, models.ValidationErr, "missing required payload fields")
		return
	}

	ctx := r.Context()

	workspace, err := h.repo.SelectWorkspaceByRepoID(ctx, payload.Repository.ID)
	if err != nil {
		zap.L().Error("webhook: resolve workspace failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, models.InternalErr, "internal error")
		return
	}
	if workspace == nil {
		writeAck(w, http.StatusOK, models.AckWorkspaceNotFound, deliveryID)
		return
	}

	branch := strings.TrimPrefix(payload.Ref, "refs/heads/")

	tx, err := h.repo.BeginTx(ctx)
	if err != nil {
		zap.L().Error("webhook: begin tx failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, models.InternalErr, "internal error")
		return
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	inserted, err := h.repo.InsertDeliveryIfAbsent(ctx, tx, deliveryID, workspace.ID, payload.Repository.ID, branch, payload.After)
	if err != nil {
		zap.L().Error("webhook: idempotency insert failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, models.InternalErr, "internal error")
		return
	}
	if !inserted {
		writeAck(w, http.StatusOK, models.AckDuplicate, deliveryID)
		return
	}

	now := time.Now()

	if payload.After == models.ZeroCommit {
		if err := h.repo.DeleteFileActivityForBranch(ctx, tx, workspace.ID, branch); err != nil {
			zap.L().Error("webhook: delete file activity for deleted branch failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, models.InternalErr, "internal error")
			return
		}
		if err := h.repo.UpdateDeliveryDuration(ctx, tx, deliveryID, time.Since(start).Milliseconds()); err != nil {
			zap.L().Error("webhook: update delivery duration failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, models.InternalErr, "internal error")
			return
		}
		if err := tx.Commit(ctx); err != nil {
			zap.L().Error("webhook: commit failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, models.InternalErr, "internal error")
			return
		}
		writeAck(w, http.StatusOK, models.AckBranchDeleted, deliveryID)
		return
	}

	// before = Z denotes a branch-create push; it needs no special handling
	// beyond the normal extraction/upsert path (§4.6 step 7).
	isForcePush := len(payload.Commits) == 0 && payload.Before != models.ZeroCommit
	modifiedFiles := extractModifiedFiles(payload, isForcePush)

	if err := h.repo.UpsertFileActivityBatch(ctx, tx, workspace.ID, branch, modifiedFiles, payload.After, now); err != nil {
		zap.L().Error("webhook: upsert file activity failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, models.InternalErr, "internal error")
		return
	}

	if err := h.repo.UpdateDeliveryDuration(ctx, tx, deliveryID, time.Since(start).Milliseconds()); err != nil {
		zap.L().Error("webhook: update delivery duration failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, models.InternalErr, "internal error")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		zap.L().Error("webhook: commit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, models.InternalErr, "internal error")
		return
	}

	writeAck(w, http.StatusOK, models.AckProcessing, deliveryID)

	workspaceID := workspace.ID
	h.dispatcher.Dispatch(workspaceID, func() {
		h.runPipeline(workspaceID, modifiedFiles)
	})
}

// runPipeline serializes one workspace's C3 -> C4 -> C5 run in its own
// transaction, broadcasting events only after it commits (I6). It is
// invoked off the dispatcher's worker goroutine, never on the ACK path.
func (h *Handler) runPipeline(workspaceID string, modifiedFiles []string) {
	ctx := context.Background()
	now := time.Now()

	tx, err := h.repo.BeginTx(ctx)
	if err != nil {
		zap.L().Error("webhook: pipeline begin tx failed", zap.Error(err), zap.String("workspace_id", workspaceID))
		return
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	conflictResults, err := h.conflictEngine.Run(ctx, tx, workspaceID, now)
	if err != nil {
		zap.L().Error("webhook: conflict engine run failed", zap.Error(err), zap.String("workspace_id", workspaceID))
		return
	}

	transitions, err := h.featureEngine.Run(ctx, tx, workspaceID, modifiedFiles, now)
	if err != nil {
		zap.L().Error("webhook: feature engine run failed", zap.Error(err), zap.String("workspace_id", workspaceID))
		return
	}

	score, risk, err := h.healthEngine.Run(ctx, tx, workspaceID, now)
	if err != nil {
		zap.L().Error("webhook: health engine run failed", zap.Error(err), zap.String("workspace_id", workspaceID))
		return
	}

	if err := tx.Commit(ctx); err != nil {
		zap.L().Error("webhook: pipeline commit failed", zap.Error(err), zap.String("workspace_id", workspaceID))
		return
	}

	h.conflictEngine.Broadcast(workspaceID, conflictResults)
	h.featureEngine.Broadcast(workspaceID, transitions)
	h.healthEngine.Broadcast(workspaceID, score, risk)
}

// verifySignature checks the X-Hub-Signature-256 header against an
// HMAC-SHA256 digest of the raw body, using a constant-time comparison
// (§4.6 step 3, §7 security). When no secret is configured the check is
// skipped (dev mode): verified is false but devMode is true, so the caller
// lets the request through without treating it as cryptographically
// verified (and so not exempt from rate limiting, §5).
func (h *Handler) verifySignature(header string, body []byte) (verified, devMode bool) {
	if len(h.secret) == 0 {
		return false, true
	}

	got, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return false, false
	}

	gotMAC, err := hex.DecodeString(got)
	if err != nil {
		return false, false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	want := mac.Sum(nil)

	return hmac.Equal(gotMAC, want), false
}

// extractModifiedFiles dedups added/modified/removed paths across every
// commit in the push, or across head_commit alone on a detected force-push
// (§4.6 step 8, §8 "Force-push detection").
func extractModifiedFiles(payload models.PushPayload, forcePush bool) []string {
	seen := make(map[string]struct{})
	var files []string

	add := func(paths []string) {
		for _, p := range paths {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			files = append(files, p)
		}
	}

	if forcePush {
		if payload.HeadCommit != nil {
			add(payload.HeadCommit.Added)
			add(payload.HeadCommit.Modified)
			add(payload.HeadCommit.Removed)
		}
		return files
	}

	for _, c := range payload.Commits {
		add(c.Added)
		add(c.Modified)
		add(c.Removed)
	}

	return files
}

func sourceKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeAck(w http.ResponseWriter, status int, ackStatus, deliveryID string) {
	writeJSON(w, status, models.WebhookAckResponse{Status: ackStatus, DeliveryID: deliveryID})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, models.ErrorResponse{Error: models.ErrDetails{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Error("webhook: failed to write response body", zap.Error(err))
	}
}
