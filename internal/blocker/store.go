// Package blocker implements the Blocker Store (C2): upsert/resolve of
// conflict and dependency blockers under the active-uniqueness invariant
// (I1). It is a thin, named wrapper over the repository's blocker queries —
// the actual insert-or-update statement lives in the repository because it
// must be one round trip against the partial unique index, but the engines
// (C3, C4) call it through this component boundary, matching §4.2.
package blocker

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pulseforge/workspace-pipeline/internal/models"
)

// Repository is the persistence surface C2 depends on.
type Repository interface {
	UpsertBlocker(ctx context.Context, tx pgx.Tx, workspaceID string, blockerType models.BlockerType, referenceID string, severity models.Severity, description string, now time.Time) error
	ResolveStaleBlockers(ctx context.Context, tx pgx.Tx, workspaceID string, currentConflictFiles []string, now time.Time) error
	ResolveDependencyBlocker(ctx context.Context, tx pgx.Tx, workspaceID, featureID string, now time.Time) error
}

type Store struct {
	repo Repository
}

func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// UpsertConflictBlocker is idempotent under retry: a resubmission with the
// same severity/description is a no-op at the storage layer (I1).
func (s *Store) UpsertConflictBlocker(ctx context.Context, tx pgx.Tx, workspaceID, filePath string, severity models.Severity, description string, now time.Time) error {
	return s.repo.UpsertBlocker(ctx, tx, workspaceID, models.BlockerFileConflictRisk, filePath, severity, description, now)
}

// ResolveStaleBlockers marks resolved every FILE_CONFLICT_RISK blocker whose
// file is no longer in the current conflict set, in one set-based update.
func (s *Store) ResolveStaleBlockers(ctx context.Context, tx pgx.Tx, workspaceID string, currentConflictFiles []string, now time.Time) error {
	return s.repo.ResolveStaleBlockers(ctx, tx, workspaceID, currentConflictFiles, now)
}

// UpsertDependencyBlocker upserts a DEPENDENCY_BLOCK blocker for a feature;
// severity is fixed at HIGH per §4.2.
func (s *Store) UpsertDependencyBlocker(ctx context.Context, tx pgx.Tx, workspaceID, featureID, description string, now time.Time) error {
	return s.repo.UpsertBlocker(ctx, tx, workspaceID, models.BlockerDependencyBlock, featureID, models.SeverityHigh, description, now)
}

// ResolveDependencyBlocker resolves a feature's DEPENDENCY_BLOCK blocker.
func (s *Store) ResolveDependencyBlocker(ctx context.Context, tx pgx.Tx, workspaceID, featureID string, now time.Time) error {
	return s.repo.ResolveDependencyBlocker(ctx, tx, workspaceID, featureID, now)
}

// UpsertAlignmentBlocker upserts an ALIGNMENT_DRIFT blocker, the one
// blocker type C2 supports that neither C3 nor C4 name in §4.2 — produced
// instead by the alignment gateway hook described in SPEC_FULL §6.8.
func (s *Store) UpsertAlignmentBlocker(ctx context.Context, tx pgx.Tx, workspaceID, referenceID string, severity models.Severity, description string, now time.Time) error {
	return s.repo.UpsertBlocker(ctx, tx, workspaceID, models.BlockerAlignmentDrift, referenceID, severity, description, now)
}
