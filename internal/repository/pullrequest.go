package repository

import (
	"context"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/pulseforge/workspace-pipeline/internal/models"
)

// PROverlapRow is one group of the PR-overlap query (§4.3 step 3).
type PROverlapRow struct {
	FilePath       string
	PRCount        int
	PRNumbers      []int32
	SourceBranches []string
}

// SelectPROverlap groups PRFile rows of open PullRequests by file_path,
// returning only groups touched by >=2 distinct PRs.
func (r *Repository) SelectPROverlap(ctx context.Context, tx pgx.Tx, workspaceID string) ([]PROverlapRow, error) {
	query, args, err := r.builder.
		Select(
			"pf.file_path",
			"COUNT(DISTINCT pf.pull_request_id) AS pr_count",
			"array_agg(DISTINCT pr.pr_number) AS pr_numbers",
			"array_agg(DISTINCT pr.source_branch) AS source_branches",
		).
		From("pr_files pf").
		Join("pull_requests pr ON pf.pull_request_id = pr.id").
		Where(squirrel.Eq{"pr.workspace_id": workspaceID, "pr.status": string(models.PROpen)}).
		GroupBy("pf.file_path").
		Having("COUNT(DISTINCT pf.pull_request_id) >= 2").
		ToSql()
	if err != nil {
		return nil, wrapDBError(err, "SelectPROverlap: build query")
	}

	rows, err := r.q(tx).Query(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(err, "SelectPROverlap: execute query")
	}
	defer rows.Close()

	var out []PROverlapRow
	for rows.Next() {
		var row PROverlapRow
		if err = rows.Scan(&row.FilePath, &row.PRCount, &row.PRNumbers, &row.SourceBranches); err != nil {
			return nil, wrapDBError(err, "SelectPROverlap: scan row")
		}
		out = append(out, row)
	}

	return out, nil
}

// InsertPullRequest and InsertPRFile support seeding PR state; the HTTP
// surface for PR lifecycle management is an external onboarding concern
// (out of scope), but the pipeline's conflict math needs real rows to read.
func (r *Repository) InsertPullRequest(ctx context.Context, tx pgx.Tx, pr models.PullRequest) error {
	query, args, err := r.builder.
		Insert("pull_requests").
		Columns("id", "workspace_id", "pr_number", "source_branch", "target_branch", "status").
		Values(pr.ID, pr.WorkspaceID, pr.PRNumber, pr.SourceBranch, pr.TargetBranch, string(pr.Status)).
		ToSql()
	if err != nil {
		return wrapDBError(err, "InsertPullRequest: build query")
	}

	if _, err = r.q(tx).Exec(ctx, query, args...); err != nil {
		return wrapDBError(err, "InsertPullRequest: execute query")
	}

	return nil
}

func (r *Repository) InsertPRFile(ctx context.Context, tx pgx.Tx, pullRequestID, filePath string) error {
	query, args, err := r.builder.
		Insert("pr_files").
		Columns("pull_request_id", "file_path").
		Values(pullRequestID, filePath).
		ToSql()
	if err != nil {
		return wrapDBError(err, "InsertPRFile: build query")
	}

	if _, err = r.q(tx).Exec(ctx, query, args...); err != nil {
		return wrapDBError(err, "InsertPRFile: execute query")
	}

	return nil
}

func (r *Repository) UpdatePullRequestStatus(ctx context.Context, tx pgx.Tx, pullRequestID string, status models.PRStatus) error {
	query, args, err := r.builder.
		Update("pull_requests").
		Set("status", string(status)).
		Where(squirrel.Eq{"id": pullRequestID}).
		ToSql()
	if err != nil {
		return wrapDBError(err, "UpdatePullRequestStatus: build query")
	}

	if _, err = r.q(tx).Exec(ctx, query, args...); err != nil {
		return wrapDBError(err, "UpdatePullRequestStatus: execute query")
	}

	return nil
}
