// Package conflict implements the Conflict Engine (C3): per-push detection
// of cross-branch and cross-PR file overlap, severity classification, and
// blocker lifecycle management (§4.3). Run is fully transactional and must
// never propagate errors back to the webhook ACK path (§7) — callers treat
// a returned error as "skip this run", not as a reason to fail the push.
package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pulseforge/workspace-pipeline/internal/alignment"
	"github.com/pulseforge/workspace-pipeline/internal/classifier"
	"github.com/pulseforge/workspace-pipeline/internal/eventbus"
	"github.com/pulseforge/workspace-pipeline/internal/models"
	"github.com/pulseforge/workspace-pipeline/internal/repository"
	"go.uber.org/zap"
)

// BlockerStore is the persistence surface C3 needs from C2.
type BlockerStore interface {
	UpsertConflictBlocker(ctx context.Context, tx pgx.Tx, workspaceID, filePath string, severity models.Severity, description string, now time.Time) error
	UpsertAlignmentBlocker(ctx context.Context, tx pgx.Tx, workspaceID, referenceID string, severity models.Severity, description string, now time.Time) error
	ResolveStaleBlockers(ctx context.Context, tx pgx.Tx, workspaceID string, currentConflictFiles []string, now time.Time) error
}

// Repository is the read surface C3 needs.
type Repository interface {
	SelectActivityWindowHours(ctx context.Context, tx pgx.Tx, workspaceID string) (int, error)
	SelectBranchOverlap(ctx context.Context, tx pgx.Tx, workspaceID string, cutoff time.Time) ([]repository.BranchOverlapRow, error)
	SelectPROverlap(ctx context.Context, tx pgx.Tx, workspaceID string) ([]repository.PROverlapRow, error)
	SelectTrunkTouchedFiles(ctx context.Context, tx pgx.Tx, workspaceID string, filePaths []string, cutoff time.Time) (map[string]bool, error)
}

// Engine is C3. analyzer is the optional alignment gateway hook (SPEC_FULL
// §6.8); it is nil when no LM endpoint is configured, in which case no
// ALIGNMENT_DRIFT blockers are ever produced.
type Engine struct {
	repo     Repository
	blockers BlockerStore
	bus      *eventbus.Bus
	analyzer alignment.Analyzer
}

func NewEngine(repo Repository, blockers BlockerStore, bus *eventbus.Bus, analyzer alignment.Analyzer) *Engine {
	return &Engine{repo: repo, blockers: blockers, bus: bus, analyzer: analyzer}
}

// ConflictResult is one file's merged overlap signal, carried from Run to
// the post-commit Broadcast call.
type ConflictResult struct {
	FilePath string
	Severity models.Severity
	Branches []string
	PRs      []int32
}

// Run evaluates conflict state for one workspace inside tx and returns the
// files found to conflict after this push. Broadcast must only be called
// once the owning transaction has committed (I6).
func (e *Engine) Run(ctx context.Context, tx pgx.Tx, workspaceID string, now time.Time) ([]ConflictResult, error) {
	windowHours, err := e.repo.SelectActivityWindowHours(ctx, tx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("conflict: load activity window: %w", err)
	}
	cutoff := now.Add(-time.Duration(windowHours) * time.Hour)

	branchRows, err := e.repo.SelectBranchOverlap(ctx, tx, workspaceID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("conflict: branch overlap: %w", err)
	}

	prRows, err := e.repo.SelectPROverlap(ctx, tx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("conflict: pr overlap: %w", err)
	}

	merged := mergeOverlap(branchRows, prRows)
	if len(merged) == 0 {
		if err := e.blockers.ResolveStaleBlockers(ctx, tx, workspaceID, nil, now); err != nil {
			return nil, fmt.Errorf("conflict: resolve stale blockers: %w", err)
		}
		return nil, nil
	}

	candidateFiles := make([]string, 0, len(merged))
	for file := range merged {
		candidateFiles = append(candidateFiles, file)
	}

	touched, err := e.repo.SelectTrunkTouchedFiles(ctx, tx, workspaceID, candidateFiles, cutoff)
	if err != nil {
		return nil, fmt.Errorf("conflict: trunk touched files: %w", err)
	}

	results := make([]ConflictResult, 0, len(merged))
	currentFiles := make([]string, 0, len(merged))

	for file, signal := range merged {
		severity := classifier.Classify(classifier.Signals{
			BranchCount: signal.branchCount,
			PRCount:     signal.prCount,
			TouchesMain: touched[file],
		})

		description := describe(file, signal)
		if err := e.blockers.UpsertConflictBlocker(ctx, tx, workspaceID, file, severity, description, now); err != nil {
			return nil, fmt.Errorf("conflict: upsert blocker for %s: %w", file, err)
		}

		currentFiles = append(currentFiles, file)
		results = append(results, ConflictResult{
			FilePath: file,
			Severity: severity,
			Branches: signal.branches,
			PRs:      signal.prNumbers,
		})
	}

	if err := e.blockers.ResolveStaleBlockers(ctx, tx, workspaceID, currentFiles, now); err != nil {
		return nil, fmt.Errorf("conflict: resolve stale blockers: %w", err)
	}

	if e.analyzer != nil {
		e.assessAlignment(ctx, tx, workspaceID, candidateFiles, now)
	}

	return results, nil
}

// assessAlignment calls the alignment gateway for a workspace-level drift
// verdict. A failed or drift-free call is silent; it never fails Run.
func (e *Engine) assessAlignment(ctx context.Context, tx pgx.Tx, workspaceID string, files []string, now time.Time) {
	result, err := e.analyzer.AssessDrift(ctx, workspaceID, files)
	if err != nil {
		zap.L().Warn("conflict: alignment gateway call failed, skipping", zap.Error(err), zap.String("workspace_id", workspaceID))
		return
	}
	if !result.Drifted {
		return
	}

	if err := e.blockers.UpsertAlignmentBlocker(ctx, tx, workspaceID, workspaceID, result.Severity, result.Description, now); err != nil {
		zap.L().Warn("conflict: failed to upsert alignment blocker", zap.Error(err), zap.String("workspace_id", workspaceID))
	}
}

// Broadcast emits CONFLICT_WARNING for each result. Must be called after
// the owning transaction has committed.
func (e *Engine) Broadcast(workspaceID string, results []ConflictResult) {
	for _, r := range results {
		e.bus.Broadcast(workspaceID, eventbus.NewConflictWarningEvent(r.FilePath, r.Branches, string(r.Severity)))
	}
}

type overlapSignal struct {
	branchCount int
	branches    []string
	prCount     int
	prNumbers   []int32
}

func mergeOverlap(branchRows []repository.BranchOverlapRow, prRows []repository.PROverlapRow) map[string]overlapSignal {
	merged := make(map[string]overlapSignal)

	for _, row := range branchRows {
		s := merged[row.FilePath]
		s.branchCount = row.BranchCount
		s.branches = row.Branches
		merged[row.FilePath] = s
	}

	for _, row := range prRows {
		s := merged[row.FilePath]
		s.prCount = row.PRCount
		s.prNumbers = row.PRNumbers
		merged[row.FilePath] = s
	}

	return merged
}

func describe(file string, s overlapSignal) string {
	switch {
	case s.prCount >= 2:
		return fmt.Sprintf("%s is touched by %d open pull requests", file, s.prCount)
	case s.branchCount >= 2:
		return fmt.Sprintf("%s is active on %d branches", file, s.branchCount)
	default:
		return fmt.Sprintf("%s is at risk of conflict", file)
	}
}
