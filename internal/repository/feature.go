package repository

import (
	"context"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/pulseforge/workspace-pipeline/internal/models"
)

// SelectNonCompleteFeatures loads every feature the Feature Engine must
// evaluate on a push (§4.4: "For each non-COMPLETE feature in the
// workspace").
func (r *Repository) SelectNonCompleteFeatures(ctx context.Context, tx pgx.Tx, workspaceID string) ([]models.Feature, error) {
	query, args, err := r.builder.
		Select("id", "workspace_id", "name", "priority", "status", "completion_percentage", "owner").
		From("features").
		Where(squirrel.Eq{"workspace_id": workspaceID}).
		Where(squirrel.NotEq{"status": string(models.FeatureComplete)}).
		ToSql()
	if err != nil {
		return nil, wrapDBError(err, "SelectNonCompleteFeatures: build query")
	}

	rows, err := r.q(tx).Query(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(err, "SelectNonCompleteFeatures: execute query")
	}
	defer rows.Close()

	var out []models.Feature
	for rows.Next() {
		var f models.Feature
		var priority, status string
		if err = rows.Scan(&f.ID, &f.WorkspaceID, &f.Name, &priority, &status, &f.CompletionPercentage, &f.Owner); err != nil {
			return nil, wrapDBError(err, "SelectNonCompleteFeatures: scan row")
		}
		f.Priority = models.Priority(priority)
		f.Status = models.FeatureStatus(status)
		out = append(out, f)
	}

	return out, nil
}

// IncompleteDependency names an upstream dependency that is blocking a
// feature.
type IncompleteDependency struct {
	ID   string
	Name string
}

// SelectIncompleteDependencies loads the upstream dependencies of a feature
// that are not yet COMPLETE (§4.4 step 1).
func (r *Repository) SelectIncompleteDependencies(ctx context.Context, tx pgx.Tx, featureID string) ([]IncompleteDependency, error) {
	query, args, err := r.builder.
		Select("f.id", "f.name").
		From("feature_dependencies fd").
		Join("features f ON fd.depends_on_id = f.id").
		Where(squirrel.Eq{"fd.feature_id": featureID}).
		Where(squirrel.NotEq{"f.status": string(models.FeatureComplete)}).
		ToSql()
	if err != nil {
		return nil, wrapDBError(err, "SelectIncompleteDependencies: build query")
	}

	rows, err := r.q(tx).Query(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(err, "SelectIncompleteDependencies: execute query")
	}
	defer rows.Close()

	var out []IncompleteDependency
	for rows.Next() {
		var dep IncompleteDependency
		if err = rows.Scan(&dep.ID, &dep.Name); err != nil {
			return nil, wrapDBError(err, "SelectIncompleteDependencies: scan row")
		}
		out = append(out, dep)
	}

	return out, nil
}

// UpdateFeatureStatus transitions a Feature's status (§4.4 state machine).
func (r *Repository) UpdateFeatureStatus(ctx context.Context, tx pgx.Tx, featureID string, status models.FeatureStatus) error {
	query, args, err := r.builder.
		Update("features").
		Set("status", string(status)).
		Where(squirrel.Eq{"id": featureID}).
		ToSql()
	if err != nil {
		return wrapDBError(err, "UpdateFeatureStatus: build query")
	}

	if _, err = r.q(tx).Exec(ctx, query, args...); err != nil {
		return wrapDBError(err, "UpdateFeatureStatus: execute query")
	}

	return nil
}

// BumpCompletion raises completionPercentage by delta, clamped to cap
// (§4.4 step 4, the 95% heuristic cap).
func (r *Repository) BumpCompletion(ctx context.Context, tx pgx.Tx, featureID string, delta, cap int) error {
	query, args, err := r.builder.
		Update("features").
		Set("completion_percentage", squirrel.Expr("LEAST(?, completion_percentage + ?)", cap, delta)).
		Where(squirrel.Eq{"id": featureID}).
		ToSql()
	if err != nil {
		return wrapDBError(err, "BumpCompletion: build query")
	}

	if _, err = r.q(tx).Exec(ctx, query, args...); err != nil {
		return wrapDBError(err, "BumpCompletion: execute query")
	}

	return nil
}

// CompleteFeature is the only path to 100% completion: the explicit
// merge-to-trunk transition named, but not implemented, by §4.4/§9.
func (r *Repository) CompleteFeature(ctx context.Context, tx pgx.Tx, featureID string) error {
	query, args, err := r.builder.
		Update("features").
		Set("status", string(models.FeatureComplete)).
		Set("completion_percentage", 100).
		Where(squirrel.Eq{"id": featureID}).
		ToSql()
	if err != nil {
		return wrapDBError(err, "CompleteFeature: build query")
	}

	if _, err = r.q(tx).Exec(ctx, query, args...); err != nil {
		return wrapDBError(err, "CompleteFeature: execute query")
	}

	return nil
}

// SelectFeatureCompletionAvg computes featureCompletionAvg (C5 input), 0 if
// the workspace has no features.
func (r *Repository) SelectFeatureCompletionAvg(ctx context.Context, tx pgx.Tx, workspaceID string) (float64, error) {
	query, args, err := r.builder.
		Select("COALESCE(AVG(completion_percentage), 0)").
		From("features").
		Where(squirrel.Eq{"workspace_id": workspaceID}).
		ToSql()
	if err != nil {
		return 0, wrapDBError(err, "SelectFeatureCompletionAvg: build query")
	}

	var avg float64
	if err = r.q(tx).QueryRow(ctx, query, args...).Scan(&avg); err != nil {
		return 0, wrapDBError(err, "SelectFeatureCompletionAvg: query row")
	}

	return avg, nil
}
