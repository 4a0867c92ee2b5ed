package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"stagehand/internal/actor"
	"stagehand/internal/config"
	"stagehand/internal/events"
	"stagehand/internal/repo"
)

// Engine exposes the operations the controller and the API compose:
// declaring actors, replacing their specs, and recording lifecycle
// conditions under the store's compare-and-swap discipline.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RegisterActor declares a new actor: defaults applied, spec validated,
// record stored with a seeded Pending condition.
func (e Engine) RegisterActor(ctx context.Context, spec actor.Spec, writerID string) (actor.Actor, error) {
	if e.Config == nil {
		return actor.Actor{}, errors.New("config not loaded")
	}
	spec = e.applyDefaults(spec)
	if err := spec.Validate(); err != nil {
		return actor.Actor{}, err
	}
	if _, err := e.Repo.GetActorByName(ctx, spec.Name); err == nil {
		return actor.Actor{}, fmt.Errorf("actor %s already declared", spec.Name)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return actor.Actor{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	a := actor.Actor{
		ID:              uuid.New().String(),
		Generation:      1,
		ResourceVersion: 1,
		Spec:            spec,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return actor.Actor{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertActor(ctx, tx, a); err != nil {
		return actor.Actor{}, fmt.Errorf("insert actor: %w", err)
	}
	pending := actor.NewPending()
	pending.ObservedGeneration = a.Generation
	if err := e.Repo.UpsertCondition(ctx, tx, a.ID, pending, a.ResourceVersion); err != nil {
		return actor.Actor{}, fmt.Errorf("seed pending condition: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "actor.registered", a.ID, spec.Name, writerID, events.EventPayload{
		"commit": spec.Commit,
		"url":    spec.SourceURL(),
	}); err != nil {
		return actor.Actor{}, err
	}
	if err := tx.Commit(); err != nil {
		return actor.Actor{}, err
	}
	a.ResourceVersion++
	a.Status.SetCondition(pending)
	return a, nil
}

// UpdateActor replaces the spec wholesale and bumps the generation. The
// condition ledger is untouched; re-reconciling it is the controller's
// job.
func (e Engine) UpdateActor(ctx context.Context, id string, spec actor.Spec, writerID string) (actor.Actor, error) {
	if e.Config == nil {
		return actor.Actor{}, errors.New("config not loaded")
	}
	spec = e.applyDefaults(spec)
	if err := spec.Validate(); err != nil {
		return actor.Actor{}, err
	}
	current, err := e.Repo.GetActor(ctx, id)
	if err != nil {
		return actor.Actor{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return actor.Actor{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.ReplaceSpec(ctx, tx, id, spec, current.ResourceVersion); err != nil {
		return actor.Actor{}, err
	}
	if err := e.Events.Append(ctx, tx, "actor.updated", id, spec.Name, writerID, events.EventPayload{
		"generation": current.Generation + 1,
		"commit":     spec.Commit,
	}); err != nil {
		return actor.Actor{}, err
	}
	if err := tx.Commit(); err != nil {
		return actor.Actor{}, err
	}
	return e.Repo.GetActor(ctx, id)
}

// DeregisterActor removes the actor record and its conditions.
func (e Engine) DeregisterActor(ctx context.Context, id, writerID string) error {
	a, err := e.Repo.GetActor(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "actor.deregistered", a.ID, a.Spec.Name, writerID, events.EventPayload{}); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM actors WHERE id=?`, a.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// TransitionOptions parameterize a lifecycle condition write.
type TransitionOptions struct {
	ActorID  string
	WriterID string
	// Force skips the lifecycle transition guard.
	Force bool
}

// MarkPending re-asserts the Pending condition, e.g. after a spec edit.
func (e Engine) MarkPending(ctx context.Context, opts TransitionOptions) (actor.Actor, error) {
	return e.transition(ctx, actor.StatePending, actor.NewPending(), opts)
}

// MarkBuilding records the start of an image build.
func (e Engine) MarkBuilding(ctx context.Context, opts TransitionOptions) (actor.Actor, error) {
	return e.transition(ctx, actor.StateBuilding, actor.NewBuilding(), opts)
}

// MarkRunning records the outcome of a deploy attempt.
func (e Engine) MarkRunning(ctx context.Context, status bool, reason, message string, opts TransitionOptions) (actor.Actor, error) {
	return e.transition(ctx, actor.StateRunning, actor.NewRunning(status, reason, message), opts)
}

// MarkFailed records a failure at any stage. Retrying is the caller's
// policy; a later MarkBuilding re-enters the success path.
func (e Engine) MarkFailed(ctx context.Context, status bool, reason, message string, opts TransitionOptions) (actor.Actor, error) {
	return e.transition(ctx, actor.StateFailed, actor.NewFailed(status, reason, message), opts)
}

// ActorPhase classifies the actor's current lifecycle phase.
func (e Engine) ActorPhase(ctx context.Context, id string) (actor.State, error) {
	a, err := e.Repo.GetActor(ctx, id)
	if err != nil {
		return actor.StatePending, err
	}
	return a.Status.Phase(), nil
}

// transition upserts one condition under the store's compare-and-swap,
// retrying lost races up to the configured budget.
func (e Engine) transition(ctx context.Context, target actor.State, cond metav1.Condition, opts TransitionOptions) (actor.Actor, error) {
	if e.Config == nil {
		return actor.Actor{}, errors.New("config not loaded")
	}
	retries := e.Config.Status.WriteRetries
	for attempt := 0; ; attempt++ {
		a, err := e.Repo.GetActor(ctx, opts.ActorID)
		if err != nil {
			return actor.Actor{}, err
		}
		// A condition asserted False retracts a phase rather than
		// entering it, so the guard only applies to assertions.
		if cond.Status == metav1.ConditionTrue && !opts.Force {
			if err := ensureLifecycleTransition(a.Status.Phase(), target); err != nil {
				return actor.Actor{}, err
			}
		}
		cond.ObservedGeneration = a.Generation
		err = e.writeCondition(ctx, a, cond, opts.WriterID)
		if err == nil {
			return e.Repo.GetActor(ctx, opts.ActorID)
		}
		if !errors.Is(err, repo.ErrConflict) || attempt >= retries {
			return actor.Actor{}, err
		}
	}
}

func (e Engine) writeCondition(ctx context.Context, a actor.Actor, cond metav1.Condition, writerID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertCondition(ctx, tx, a.ID, cond, a.ResourceVersion); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "actor.condition.set", a.ID, a.Spec.Name, writerID, events.EventPayload{
		"type":   cond.Type,
		"status": string(cond.Status),
		"reason": cond.Reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ensureLifecycleTransition guards the phase machine:
// Pending -> Building -> Running, Failed reachable from anywhere, and
// Building re-enterable from Running (sync rebuild) or Failed (retry).
func ensureLifecycleTransition(from, to actor.State) error {
	if from == to {
		return nil
	}
	switch from {
	case actor.StatePending:
		if to == actor.StateBuilding || to == actor.StateFailed {
			return nil
		}
	case actor.StateBuilding:
		if to == actor.StateRunning || to == actor.StateFailed {
			return nil
		}
	case actor.StateRunning:
		if to == actor.StateBuilding || to == actor.StateFailed {
			return nil
		}
	case actor.StateFailed:
		if to == actor.StateBuilding || to == actor.StatePending {
			return nil
		}
	}
	return fmt.Errorf("invalid lifecycle transition %s -> %s", from, to)
}

// applyDefaults fills spec gaps from the playbook before validation.
func (e Engine) applyDefaults(spec actor.Spec) actor.Spec {
	if spec.Path == nil && e.Config.Defaults.Path != "" {
		p := e.Config.Defaults.Path
		spec.Path = &p
	}
	spec = spec.Normalize()
	if spec.Sync == nil && e.Config.Defaults.Sync {
		s := true
		spec.Sync = &s
	}
	if e.Config.Registry.Prefix != "" && spec.Image != "" && !hasRegistry(spec.Image) {
		spec.Image = e.Config.Registry.Prefix + "/" + spec.Image
	}
	return spec
}

// hasRegistry reports whether the image reference already carries a
// registry or project component.
func hasRegistry(image string) bool {
	for _, r := range image {
		if r == '/' {
			return true
		}
	}
	return false
}
