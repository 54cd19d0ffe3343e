package repository

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/pulseforge/workspace-pipeline/internal/models"
)

// UpsertFileActivityBatch upserts every modified file of one push in a
// single multi-row statement (§4.6 step 9, "One multi-row statement").
func (r *Repository) UpsertFileActivityBatch(
	ctx context.Context, tx pgx.Tx, workspaceID, branch string, filePaths []string, commitHash string, now time.Time,
) error {
	if len(filePaths) == 0 {
		return nil
	}

	insert := r.builder.
		Insert("file_activity").
		Columns("workspace_id", "branch", "file_path", "last_commit_hash", "updated_at")

	for _, path := range filePaths {
		insert = insert.Values(workspaceID, branch, path, commitHash, now)
	}

	query, args, err := insert.
		Suffix("ON CONFLICT (workspace_id, branch, file_path) DO UPDATE SET last_commit_hash = EXCLUDED.last_commit_hash, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return wrapDBError(err, "UpsertFileActivityBatch: build query")
	}

	if _, err = r.q(tx).Exec(ctx, query, args...); err != nil {
		return wrapDBError(err, "UpsertFileActivityBatch: execute query")
	}

	return nil
}

// DeleteFileActivityForBranch wipes a branch's rows on branch-delete pushes
// (§4.6 step 7).
func (r *Repository) DeleteFileActivityForBranch(ctx context.Context, tx pgx.Tx, workspaceID, branch string) error {
	query, args, err := r.builder.
		Delete("file_activity").
		Where(squirrel.Eq{"workspace_id": workspaceID, "branch": branch}).
		ToSql()
	if err != nil {
		return wrapDBError(err, "DeleteFileActivityForBranch: build query")
	}

	if _, err = r.q(tx).Exec(ctx, query, args...); err != nil {
		return wrapDBError(err, "DeleteFileActivityForBranch: execute query")
	}

	return nil
}

// BranchOverlapRow is one group of the branch-overlap query (§4.3 step 2).
type BranchOverlapRow struct {
	FilePath    string
	BranchCount int
	Branches    []string
}

func trunkNames() []string {
	names := make([]string, 0, len(models.TrunkBranches))
	for n := range models.TrunkBranches {
		names = append(names, n)
	}
	return names
}

// SelectBranchOverlap groups non-trunk FileActivity rows newer than the
// window cutoff by file_path, returning only groups with >=2 distinct
// branches.
func (r *Repository) SelectBranchOverlap(ctx context.Context, tx pgx.Tx, workspaceID string, cutoff time.Time) ([]BranchOverlapRow, error) {
	query, args, err := r.builder.
		Select("file_path", "COUNT(DISTINCT branch) AS branch_count", "array_agg(DISTINCT branch) AS branches").
		From("file_activity").
		Where(squirrel.Eq{"workspace_id": workspaceID}).
		Where(squirrel.NotEq{"branch": trunkNames()}).
		Where(squirrel.Gt{"updated_at": cutoff}).
		GroupBy("file_path").
		Having("COUNT(DISTINCT branch) >= 2").
		ToSql()
	if err != nil {
		return nil, wrapDBError(err, "SelectBranchOverlap: build query")
	}

	rows, err := r.q(tx).Query(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(err, "SelectBranchOverlap: execute query")
	}
	defer rows.Close()

	var out []BranchOverlapRow
	for rows.Next() {
		var row BranchOverlapRow
		if err = rows.Scan(&row.FilePath, &row.BranchCount, &row.Branches); err != nil {
			return nil, wrapDBError(err, "SelectBranchOverlap: scan row")
		}
		out = append(out, row)
	}

	return out, nil
}

// SelectTrunkTouchedFiles reports which of the candidate files have a
// FileActivity row on a trunk branch within the window — the auxiliary
// check that decides touchesMain (§9 DESIGN NOTES, Policy B).
func (r *Repository) SelectTrunkTouchedFiles(ctx context.Context, tx pgx.Tx, workspaceID string, filePaths []string, cutoff time.Time) (map[string]bool, error) {
	if len(filePaths) == 0 {
		return map[string]bool{}, nil
	}

	query, args, err := r.builder.
		Select("DISTINCT file_path").
		From("file_activity").
		Where(squirrel.Eq{"workspace_id": workspaceID}).
		Where(squirrel.Eq{"branch": trunkNames()}).
		Where(squirrel.Gt{"updated_at": cutoff}).
		Where(squirrel.Eq{"file_path": filePaths}).
		ToSql()
	if err != nil {
		return nil, wrapDBError(err, "SelectTrunkTouchedFiles: build query")
	}

	rows, err := r.q(tx).Query(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(err, "SelectTrunkTouchedFiles: execute query")
	}
	defer rows.Close()

	touched := make(map[string]bool)
	for rows.Next() {
		var path string
		if err = rows.Scan(&path); err != nil {
			return nil, wrapDBError(err, "SelectTrunkTouchedFiles: scan row")
		}
		touched[path] = true
	}

	return touched, nil
}
