package repository

import (
	"context"
	"errors"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/pulseforge/workspace-pipeline/internal/models"
)

// SelectWorkspaceByRepoID resolves a Workspace by its upstream GitHub repo
// id (§4.6 step 6, "Workspace resolution"). Returns nil, nil when no
// workspace is onboarded for that repo — a quiet drop, not an error.
func (r *Repository) SelectWorkspaceByRepoID(ctx context.Context, githubRepoID int64) (*models.Workspace, error) {
	query, args, err := r.builder.
		Select("id", "github_repo_id", "github_full_name", "dashboard_key", "activity_window_hours", "health_score", "created_at").
		From("workspaces").
		Where(squirrel.Eq{"github_repo_id": githubRepoID}).
		ToSql()
	if err != nil {
		return nil, wrapDBError(err, "SelectWorkspaceByRepoID: build query")
	}

	var w models.Workspace
	err = r.pool.QueryRow(ctx, query, args...).Scan(
		&w.ID, &w.GithubRepoID, &w.GithubFullName, &w.DashboardKey,
		&w.ActivityWindowHours, &w.HealthScore, &w.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError(err, "SelectWorkspaceByRepoID: query row")
	}

	return &w, nil
}

// SelectActivityWindowHours loads the configured window, defaulting per
// §4.3 step 1 when the workspace row is missing a value.
func (r *Repository) SelectActivityWindowHours(ctx context.Context, tx pgx.Tx, workspaceID string) (int, error) {
	query, args, err := r.builder.
		Select("activity_window_hours").
		From("workspaces").
		Where(squirrel.Eq{"id": workspaceID}).
		ToSql()
	if err != nil {
		return 0, wrapDBError(err, "SelectActivityWindowHours: build query")
	}

	var hours int
	err = r.q(tx).QueryRow(ctx, query, args...).Scan(&hours)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DefaultActivityWindowHours, nil
	}
	if err != nil {
		return 0, wrapDBError(err, "SelectActivityWindowHours: query row")
	}
	if hours <= 0 {
		return models.DefaultActivityWindowHours, nil
	}

	return hours, nil
}

// UpdateHealthScore persists the Health Engine's recomputed score (C5).
func (r *Repository) UpdateHealthScore(ctx context.Context, tx pgx.Tx, workspaceID string, score int) error {
	query, args, err := r.builder.
		Update("workspaces").
		Set("health_score", score).
		Where(squirrel.Eq{"id": workspaceID}).
		ToSql()
	if err != nil {
		return wrapDBError(err, "UpdateHealthScore: build query")
	}

	_, err = r.q(tx).Exec(ctx, query, args...)
	if err != nil {
		return wrapDBError(err, "UpdateHealthScore: execute query")
	}

	return nil
}
