package repository

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pulseforge/workspace-pipeline/internal/models"
)

// UpsertBlocker is the single insert-or-update statement that backs C2's
// upsertConflictBlocker/upsertDependencyBlocker. It relies on the partial
// unique index (workspace_id, type, reference_id) WHERE resolved = false
// (I1) to insert-or-update without a read-then-write race between
// concurrent engine runs (§9, "Idempotent blocker identity"). The trailing
// WHERE on the DO UPDATE makes an equal-severity/description resubmission a
// true no-op, matching the upsert's documented idempotence under retry.
func (r *Repository) UpsertBlocker(
	ctx context.Context, tx pgx.Tx,
	workspaceID string, blockerType models.BlockerType, referenceID string,
	severity models.Severity, description string, now time.Time,
) error {
	query, args, err := r.builder.
		Insert("blockers").
		Columns("id", "workspace_id", "type", "reference_id", "severity", "description", "resolved", "created_at").
		Values(uuid.NewString(), workspaceID, string(blockerType), referenceID, string(severity), description, false, now).
		Suffix(`ON CONFLICT (workspace_id, type, reference_id) WHERE resolved = false
			DO UPDATE SET severity = EXCLUDED.severity, description = EXCLUDED.description
			WHERE blockers.severity IS DISTINCT FROM EXCLUDED.severity
			   OR blockers.description IS DISTINCT FROM EXCLUDED.description`).
		ToSql()
	if err != nil {
		return wrapDBError(err, "UpsertBlocker: build query")
	}

	if _, err = r.q(tx).Exec(ctx, query, args...); err != nil {
		return wrapDBError(err, "UpsertBlocker: execute query")
	}

	return nil
}

// ResolveStaleBlockers is the single set-based transition backing C2's
// resolveStaleBlockers: every unresolved FILE_CONFLICT_RISK blocker whose
// referenceId is no longer in the current conflict set is marked resolved
// in one statement (§9, "Set-based stale resolution" — never a per-row
// loop). An empty currentConflictFiles resolves every such blocker, since
// "<> ALL('{}')" is vacuously true in Postgres.
func (r *Repository) ResolveStaleBlockers(ctx context.Context, tx pgx.Tx, workspaceID string, currentConflictFiles []string, now time.Time) error {
	if currentConflictFiles == nil {
		// A nil slice is encoded as NULL, and "<> ALL(NULL)" matches nothing.
		currentConflictFiles = []string{}
	}

	query, args, err := r.builder.
		Update("blockers").
		Set("resolved", true).
		Set("resolved_at", now).
		Where(squirrel.Eq{"workspace_id": workspaceID, "type": string(models.BlockerFileConflictRisk), "resolved": false}).
		Where(squirrel.Expr("reference_id <> ALL(?)", currentConflictFiles)).
		ToSql()
	if err != nil {
		return wrapDBError(err, "ResolveStaleBlockers: build query")
	}

	if _, err = r.q(tx).Exec(ctx, query, args...); err != nil {
		return wrapDBError(err, "ResolveStaleBlockers: execute query")
	}

	return nil
}

// ResolveDependencyBlocker marks a feature's DEPENDENCY_BLOCK blocker
// resolved (§4.4 step 3).
func (r *Repository) ResolveDependencyBlocker(ctx context.Context, tx pgx.Tx, workspaceID, featureID string, now time.Time) error {
	query, args, err := r.builder.
		Update("blockers").
		Set("resolved", true).
		Set("resolved_at", now).
		Where(squirrel.Eq{
			"workspace_id": workspaceID,
			"type":         string(models.BlockerDependencyBlock),
			"reference_id": featureID,
			"resolved":     false,
		}).
		ToSql()
	if err != nil {
		return wrapDBError(err, "ResolveDependencyBlocker: build query")
	}

	if _, err = r.q(tx).Exec(ctx, query, args...); err != nil {
		return wrapDBError(err, "ResolveDependencyBlocker: execute query")
	}

	return nil
}

// SelectUnresolvedBlockers lists every unresolved Blocker of a workspace.
// The Health Engine does not use it; its blocker inputs come from
// CountUnresolvedBlockersByType.
func (r *Repository) SelectUnresolvedBlockers(ctx context.Context, tx pgx.Tx, workspaceID string) ([]models.Blocker, error) {
	query, args, err := r.builder.
		Select("id", "workspace_id", "type", "reference_id", "severity", "description", "resolved", "created_at").
		From("blockers").
		Where(squirrel.Eq{"workspace_id": workspaceID, "resolved": false}).
		ToSql()
	if err != nil {
		return nil, wrapDBError(err, "SelectUnresolvedBlockers: build query")
	}

	rows, err := r.q(tx).Query(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(err, "SelectUnresolvedBlockers: execute query")
	}
	defer rows.Close()

	var out []models.Blocker
	for rows.Next() {
		var b models.Blocker
		var typ, severity string
		if err = rows.Scan(&b.ID, &b.WorkspaceID, &typ, &b.ReferenceID, &severity, &b.Description, &b.Resolved, &b.CreatedAt); err != nil {
			return nil, wrapDBError(err, "SelectUnresolvedBlockers: scan row")
		}
		b.Type = models.BlockerType(typ)
		b.Severity = models.Severity(severity)
		out = append(out, b)
	}

	return out, nil
}

// CountUnresolvedBlockersByType reports, for a workspace, the total
// unresolved count and the FILE_CONFLICT_RISK-only count (C5 inputs
// activeBlockerTotal and conflictBlockerCount) in one round trip.
func (r *Repository) CountUnresolvedBlockersByType(ctx context.Context, tx pgx.Tx, workspaceID string) (total, conflict int, err error) {
	query, args, err := r.builder.
		Select(
			"COUNT(*)",
			"COUNT(*) FILTER (WHERE type = '"+string(models.BlockerFileConflictRisk)+"')",
		).
		From("blockers").
		Where(squirrel.Eq{"workspace_id": workspaceID, "resolved": false}).
		ToSql()
	if err != nil {
		return 0, 0, wrapDBError(err, "CountUnresolvedBlockersByType: build query")
	}

	if err = r.q(tx).QueryRow(ctx, query, args...).Scan(&total, &conflict); err != nil {
		return 0, 0, wrapDBError(err, "CountUnresolvedBlockersByType: query row")
	}

	return total, conflict, nil
}
