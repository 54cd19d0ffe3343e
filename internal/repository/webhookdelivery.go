package repository

import (
	"context"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// InsertDeliveryIfAbsent is C6 step 5's idempotency gate: an
// INSERT ... ON CONFLICT DO NOTHING keyed by delivery id. A false return
// means the delivery id was already seen — the caller must treat this
// as a duplicate (I4) and take no further action.
func (r *Repository) InsertDeliveryIfAbsent(
	ctx context.Context, tx pgx.Tx,
	deliveryID, workspaceID string, repoID int64, branch, commitHash string,
) (bool, error) {
	query, args, err := r.builder.
		Insert("webhook_deliveries").
		Columns("delivery_id", "workspace_id", "repo_id", "branch", "commit_hash", "received_at").
		Values(deliveryID, workspaceID, repoID, branch, commitHash, squirrel.Expr("NOW()")).
		Suffix("ON CONFLICT (delivery_id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, wrapDBError(err, "InsertDeliveryIfAbsent: build query")
	}

	tag, err := r.q(tx).Exec(ctx, query, args...)
	if err != nil {
		return false, wrapDBError(err, "InsertDeliveryIfAbsent: execute query")
	}

	return tag.RowsAffected() > 0, nil
}

// UpdateDeliveryDuration records processing time on the delivery log row
// (§4.6 step 10).
func (r *Repository) UpdateDeliveryDuration(ctx context.Context, tx pgx.Tx, deliveryID string, durationMS int64) error {
	query, args, err := r.builder.
		Update("webhook_deliveries").
		Set("duration_ms", durationMS).
		Where(squirrel.Eq{"delivery_id": deliveryID}).
		ToSql()
	if err != nil {
		return wrapDBError(err, "UpdateDeliveryDuration: build query")
	}

	if _, err = r.q(tx).Exec(ctx, query, args...); err != nil {
		return wrapDBError(err, "UpdateDeliveryDuration: execute query")
	}

	return nil
}
