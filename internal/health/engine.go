// Package health implements the Health Engine (C5): a pure recomputation
// of a workspace's health score from feature progress, outstanding
// blockers, and member activity, persisted and broadcast after every push
// that reaches the async pipeline; branch-delete pushes do not (§4.5).
package health

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pulseforge/workspace-pipeline/internal/eventbus"
	"github.com/pulseforge/workspace-pipeline/internal/models"
)

// Repository is the read/write surface C5 needs.
type Repository interface {
	SelectFeatureCompletionAvg(ctx context.Context, tx pgx.Tx, workspaceID string) (float64, error)
	CountUnresolvedBlockersByType(ctx context.Context, tx pgx.Tx, workspaceID string) (total, conflict int, err error)
	SelectActivityWindowHours(ctx context.Context, tx pgx.Tx, workspaceID string) (int, error)
	CountInactiveMembers(ctx context.Context, tx pgx.Tx, workspaceID string, windowHours int, now time.Time) (int, error)
	UpdateHealthScore(ctx context.Context, tx pgx.Tx, workspaceID string, score int) error
}

// Engine is C5.
type Engine struct {
	repo Repository
	bus  *eventbus.Bus
}

func NewEngine(repo Repository, bus *eventbus.Bus) *Engine {
	return &Engine{repo: repo, bus: bus}
}

// Risk tier boundaries for the healthScore -> RiskLevel mapping (§4.5).
const (
	healthyThreshold = 80
	warningThreshold = 50
)

// Run recomputes and persists a workspace's healthScore:
//
//	raw = 0.4*featureCompletionAvg - 5.0*activeBlockerTotal - 3.0*conflictBlockerCount - 5.0*inactiveMemberCount
//
// rounded half-up and clamped to [0, 100] (§4.5).
func (e *Engine) Run(ctx context.Context, tx pgx.Tx, workspaceID string, now time.Time) (int, models.RiskLevel, error) {
	completionAvg, err := e.repo.SelectFeatureCompletionAvg(ctx, tx, workspaceID)
	if err != nil {
		return 0, "", fmt.Errorf("health: feature completion avg: %w", err)
	}

	activeTotal, conflictCount, err := e.repo.CountUnresolvedBlockersByType(ctx, tx, workspaceID)
	if err != nil {
		return 0, "", fmt.Errorf("health: blocker counts: %w", err)
	}

	windowHours, err := e.repo.SelectActivityWindowHours(ctx, tx, workspaceID)
	if err != nil {
		return 0, "", fmt.Errorf("health: activity window: %w", err)
	}

	inactiveMembers, err := e.repo.CountInactiveMembers(ctx, tx, workspaceID, windowHours, now)
	if err != nil {
		return 0, "", fmt.Errorf("health: inactive members: %w", err)
	}

	raw := 0.4*completionAvg - 5.0*float64(activeTotal) - 3.0*float64(conflictCount) - 5.0*float64(inactiveMembers)
	score := clamp(roundHalfUp(raw), 0, 100)

	if err := e.repo.UpdateHealthScore(ctx, tx, workspaceID, score); err != nil {
		return 0, "", fmt.Errorf("health: persist score: %w", err)
	}

	return score, riskLevel(score), nil
}

// Broadcast emits HEALTH_UPDATE. Must be called after the owning
// transaction has committed.
func (e *Engine) Broadcast(workspaceID string, score int, risk models.RiskLevel) {
	e.bus.Broadcast(workspaceID, eventbus.NewHealthUpdateEvent(score, string(risk)))
}

func riskLevel(score int) models.RiskLevel {
	switch {
	case score >= healthyThreshold:
		return models.RiskHealthy
	case score >= warningThreshold:
		return models.RiskWarning
	default:
		return models.RiskCritical
	}
}

// roundHalfUp rounds x to the nearest integer, breaking ties towards
// positive infinity (§4.5, "rounded half-up").
func roundHalfUp(x float64) int {
	return int(math.Floor(x + 0.5))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
