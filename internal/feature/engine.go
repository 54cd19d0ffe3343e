// Package feature implements the Feature Engine (C4): dependency-driven
// BLOCKED/ACTIVE transitions and per-push completion progress (§4.4).
package feature

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pulseforge/workspace-pipeline/internal/eventbus"
	"github.com/pulseforge/workspace-pipeline/internal/models"
	"github.com/pulseforge/workspace-pipeline/internal/repository"
)

// completionBumpPerPush and completionCap implement the 95% heuristic cap
// resolved by Open Question §9(i): a push bumps progress but only
// CompleteFeature (the explicit merge-to-trunk transition) reaches 100%.
const (
	completionBumpPerPush = 5
	completionCap         = 95
)

// Repository is the persistence surface C4 needs.
type Repository interface {
	SelectNonCompleteFeatures(ctx context.Context, tx pgx.Tx, workspaceID string) ([]models.Feature, error)
	SelectIncompleteDependencies(ctx context.Context, tx pgx.Tx, featureID string) ([]repository.IncompleteDependency, error)
	UpdateFeatureStatus(ctx context.Context, tx pgx.Tx, featureID string, status models.FeatureStatus) error
	BumpCompletion(ctx context.Context, tx pgx.Tx, featureID string, delta, cap int) error
	CompleteFeature(ctx context.Context, tx pgx.Tx, featureID string) error
}

// BlockerStore is the persistence surface C4 needs from C2.
type BlockerStore interface {
	UpsertDependencyBlocker(ctx context.Context, tx pgx.Tx, workspaceID, featureID, description string, now time.Time) error
	ResolveDependencyBlocker(ctx context.Context, tx pgx.Tx, workspaceID, featureID string, now time.Time) error
}

// Engine is C4.
type Engine struct {
	repo     Repository
	blockers BlockerStore
	bus      *eventbus.Bus
}

func NewEngine(repo Repository, blockers BlockerStore, bus *eventbus.Bus) *Engine {
	return &Engine{repo: repo, blockers: blockers, bus: bus}
}

// Transition records one feature's status change during a Run, driving the
// post-commit BLOCKER_CREATED broadcast.
type Transition struct {
	FeatureID   string
	FeatureName string
	NewStatus   models.FeatureStatus
	BlockedBy   []string
}

// Run evaluates every non-COMPLETE feature of workspaceID: a feature with
// any incomplete upstream dependency transitions to BLOCKED (or stays
// there); a BLOCKED feature whose dependencies are now all complete
// transitions back to ACTIVE; every feature that is not blocked after this
// evaluation advances its completion percentage, capped at 95, whenever the
// push modified at least one file (§4.4 steps 1-4). Files are not matched to
// features: one modified file is enough to advance every such feature.
func (e *Engine) Run(ctx context.Context, tx pgx.Tx, workspaceID string, modifiedFiles []string, now time.Time) ([]Transition, error) {
	features, err := e.repo.SelectNonCompleteFeatures(ctx, tx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("feature: load features: %w", err)
	}

	var transitions []Transition

	for _, f := range features {
		deps, err := e.repo.SelectIncompleteDependencies(ctx, tx, f.ID)
		if err != nil {
			return nil, fmt.Errorf("feature: load dependencies for %s: %w", f.ID, err)
		}

		if len(deps) > 0 {
			names := make([]string, len(deps))
			for i, d := range deps {
				names[i] = d.Name
			}

			if f.Status != models.FeatureBlocked {
				if err := e.repo.UpdateFeatureStatus(ctx, tx, f.ID, models.FeatureBlocked); err != nil {
					return nil, fmt.Errorf("feature: block %s: %w", f.ID, err)
				}
				description := fmt.Sprintf("blocked by incomplete dependencies: %s", strings.Join(names, ", "))
				if err := e.blockers.UpsertDependencyBlocker(ctx, tx, workspaceID, f.ID, description, now); err != nil {
					return nil, fmt.Errorf("feature: upsert dependency blocker for %s: %w", f.ID, err)
				}
				transitions = append(transitions, Transition{FeatureID: f.ID, FeatureName: f.Name, NewStatus: models.FeatureBlocked, BlockedBy: names})
			}
			continue
		}

		if f.Status == models.FeatureBlocked {
			if err := e.repo.UpdateFeatureStatus(ctx, tx, f.ID, models.FeatureActive); err != nil {
				return nil, fmt.Errorf("feature: unblock %s: %w", f.ID, err)
			}
			if err := e.blockers.ResolveDependencyBlocker(ctx, tx, workspaceID, f.ID, now); err != nil {
				return nil, fmt.Errorf("feature: resolve dependency blocker for %s: %w", f.ID, err)
			}
			transitions = append(transitions, Transition{FeatureID: f.ID, FeatureName: f.Name, NewStatus: models.FeatureActive})
		}

		if len(modifiedFiles) > 0 {
			if err := e.repo.BumpCompletion(ctx, tx, f.ID, completionBumpPerPush, completionCap); err != nil {
				return nil, fmt.Errorf("feature: bump completion for %s: %w", f.ID, err)
			}
		}
	}

	return transitions, nil
}

// CompleteFeature is the explicit merge-to-trunk transition named in §4.4's
// status table: the only path from 95%/ACTIVE to 100%/COMPLETE, since Run's
// per-push bump is capped below 100 (§9 Open Question, resolved option (i)).
// Its caller is the out-of-scope workspace CRUD surface; this method is the
// thin, tested engine-layer wrapper that surface would invoke.
func (e *Engine) CompleteFeature(ctx context.Context, tx pgx.Tx, featureID string) error {
	if err := e.repo.CompleteFeature(ctx, tx, featureID); err != nil {
		return fmt.Errorf("feature: complete %s: %w", featureID, err)
	}
	return nil
}

// Broadcast emits BLOCKER_CREATED for every feature newly blocked this run.
// Must be called after the owning transaction has committed.
func (e *Engine) Broadcast(workspaceID string, transitions []Transition) {
	for _, t := range transitions {
		if t.NewStatus == models.FeatureBlocked {
			e.bus.Broadcast(workspaceID, eventbus.NewBlockerCreatedEvent(t.FeatureID, t.FeatureName, t.BlockedBy))
		}
	}
}
