package repository

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// CountInactiveMembers counts members whose lastActive predates the
// workspace's activity window (C5 input, "members with no qualifying recent
// FileActivity"). Member.lastActive itself is maintained by the onboarding
// layer (out of scope here); this is a pure read.
func (r *Repository) CountInactiveMembers(ctx context.Context, tx pgx.Tx, workspaceID string, windowHours int, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(windowHours) * time.Hour)

	query, args, err := r.builder.
		Select("COUNT(*)").
		From("members").
		Where(squirrel.Eq{"workspace_id": workspaceID}).
		Where(squirrel.Lt{"last_active": cutoff}).
		ToSql()
	if err != nil {
		return 0, wrapDBError(err, "CountInactiveMembers: build query")
	}

	var count int
	if err = r.q(tx).QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, wrapDBError(err, "CountInactiveMembers: query row")
	}

	return count, nil
}

// UpdateMemberLastActive bumps a member's lastActive marker. Exposed for the
// onboarding/auth layer that owns member lifecycle; the ingestion pipeline
// does not call it directly (push payloads carry no reliable userUid).
func (r *Repository) UpdateMemberLastActive(ctx context.Context, workspaceID, userUID string, at time.Time) error {
	query, args, err := r.builder.
		Update("members").
		Set("last_active", at).
		Where(squirrel.Eq{"workspace_id": workspaceID, "user_uid": userUID}).
		ToSql()
	if err != nil {
		return wrapDBError(err, "UpdateMemberLastActive: build query")
	}

	_, err = r.pool.Exec(ctx, query, args...)
	if err != nil {
		return wrapDBError(err, "UpdateMemberLastActive: execute query")
	}

	return nil
}
