package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stagehand/internal/actor"
	"stagehand/internal/db"
	"stagehand/internal/migrate"
	"stagehand/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func seedActor(t *testing.T, r repo.Repo, name string) actor.Actor {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	a := actor.Actor{
		ID:              "id-" + name,
		Generation:      1,
		ResourceVersion: 1,
		Spec: actor.Spec{
			Name:       name,
			Repository: "https://example.com/" + name + ".git",
			Commit:     "abc123",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.InsertActor(context.Background(), nil, a); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return a
}

func TestActorRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	a := seedActor(t, r, "web")

	got, err := r.GetActor(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Spec.Name != "web" || got.Spec.Commit != "abc123" {
		t.Fatalf("spec lost in round trip: %+v", got.Spec)
	}
	byName, err := r.GetActorByName(ctx, "web")
	if err != nil || byName.ID != a.ID {
		t.Fatalf("by name: %v %+v", err, byName)
	}
	if _, err := r.GetActor(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConditionCASConflict(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	a := seedActor(t, r, "web")

	if err := r.UpsertCondition(ctx, nil, a.ID, actor.NewPending(), a.ResourceVersion); err != nil {
		t.Fatalf("first write: %v", err)
	}
	// Stale version must lose the swap.
	err := r.UpsertCondition(ctx, nil, a.ID, actor.NewBuilding(), a.ResourceVersion)
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	fresh, err := r.GetActor(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.UpsertCondition(ctx, nil, a.ID, actor.NewBuilding(), fresh.ResourceVersion); err != nil {
		t.Fatalf("write at fresh version: %v", err)
	}
}

func TestConditionsKeepInsertionOrder(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	a := seedActor(t, r, "web")

	version := a.ResourceVersion
	if err := r.UpsertCondition(ctx, nil, a.ID, actor.NewPending(), version); err != nil {
		t.Fatal(err)
	}
	version++
	if err := r.UpsertCondition(ctx, nil, a.ID, actor.NewBuilding(), version); err != nil {
		t.Fatal(err)
	}
	version++
	// Re-assert Pending: position must not move.
	if err := r.UpsertCondition(ctx, nil, a.ID, actor.NewPending(), version); err != nil {
		t.Fatal(err)
	}
	conditions, err := r.ListConditions(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(conditions) != 2 {
		t.Fatalf("expected 2 conditions, got %d", len(conditions))
	}
	if conditions[0].Type != "Pending" || conditions[1].Type != "Building" {
		t.Fatalf("order changed: %s, %s", conditions[0].Type, conditions[1].Type)
	}
}

func TestDeleteActorCascadesConditions(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	a := seedActor(t, r, "web")
	if err := r.UpsertCondition(ctx, nil, a.ID, actor.NewPending(), a.ResourceVersion); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteActor(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	conditions, err := r.ListConditions(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(conditions) != 0 {
		t.Fatalf("conditions survived delete: %+v", conditions)
	}
}

func TestReplaceSpecBumpsGeneration(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	a := seedActor(t, r, "web")

	next := a.Spec
	next.Commit = "def456"
	if err := r.ReplaceSpec(ctx, nil, a.ID, next, a.ResourceVersion); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := r.GetActor(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Generation != 2 || got.Spec.Commit != "def456" {
		t.Fatalf("replace outcome %+v", got)
	}
	// stale replace loses
	if err := r.ReplaceSpec(ctx, nil, a.ID, next, a.ResourceVersion); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
