package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"stagehand/internal/actor"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write loses the resource-version
	// compare-and-swap. Callers re-read and retry.
	ErrConflict = errors.New("resource version conflict")
)

// execer abstracts *sql.DB and *sql.Tx so writes can join a caller's
// transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func scanActor(row *sql.Row) (actor.Actor, error) {
	var a actor.Actor
	var specJSON string
	err := row.Scan(&a.ID, &specJSON, &a.Generation, &a.ResourceVersion, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(specJSON), &a.Spec); err != nil {
		return a, fmt.Errorf("decode actor spec: %w", err)
	}
	return a, nil
}

// InsertActor stores a newly declared actor at generation 1.
func (r Repo) InsertActor(ctx context.Context, tx *sql.Tx, a actor.Actor) error {
	payload, err := json.Marshal(a.Spec)
	if err != nil {
		return fmt.Errorf("encode actor spec: %w", err)
	}
	var q execer = r.DB
	if tx != nil {
		q = tx
	}
	_, err = q.ExecContext(ctx, `INSERT INTO actors(id,name,spec_json,generation,resource_version,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.Spec.Name, string(payload), a.Generation, a.ResourceVersion, a.CreatedAt, a.UpdatedAt)
	return err
}

// GetActor loads an actor and its condition ledger.
func (r Repo) GetActor(ctx context.Context, id string) (actor.Actor, error) {
	a, err := scanActor(r.DB.QueryRowContext(ctx,
		`SELECT id,spec_json,generation,resource_version,created_at,updated_at FROM actors WHERE id=?`, id))
	if err != nil {
		return a, err
	}
	a.Status.Conditions, err = r.ListConditions(ctx, a.ID)
	return a, err
}

// GetActorByName resolves the unique actor name to its record.
func (r Repo) GetActorByName(ctx context.Context, name string) (actor.Actor, error) {
	a, err := scanActor(r.DB.QueryRowContext(ctx,
		`SELECT id,spec_json,generation,resource_version,created_at,updated_at FROM actors WHERE name=?`, name))
	if err != nil {
		return a, err
	}
	a.Status.Conditions, err = r.ListConditions(ctx, a.ID)
	return a, err
}

// ListActors returns all actors, newest first, with conditions attached.
func (r Repo) ListActors(ctx context.Context) ([]actor.Actor, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,spec_json,generation,resource_version,created_at,updated_at FROM actors ORDER BY created_at DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []actor.Actor
	for rows.Next() {
		var a actor.Actor
		var specJSON string
		if err := rows.Scan(&a.ID, &specJSON, &a.Generation, &a.ResourceVersion, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(specJSON), &a.Spec); err != nil {
			return nil, fmt.Errorf("decode actor spec: %w", err)
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Status.Conditions, err = r.ListConditions(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ReplaceSpec swaps the spec wholesale, bumping generation. The write is
// compare-and-swap on the expected resource version.
func (r Repo) ReplaceSpec(ctx context.Context, tx *sql.Tx, id string, spec actor.Spec, expectedVersion int64) error {
	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode actor spec: %w", err)
	}
	var q execer = r.DB
	if tx != nil {
		q = tx
	}
	res, err := q.ExecContext(ctx,
		`UPDATE actors SET spec_json=?, name=?, generation=generation+1, resource_version=resource_version+1, updated_at=? WHERE id=? AND resource_version=?`,
		string(payload), spec.Name, now(), id, expectedVersion)
	if err != nil {
		return err
	}
	return casOutcome(ctx, q, res, id)
}

// DeleteActor removes the actor record; conditions cascade.
func (r Repo) DeleteActor(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM actors WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertCondition writes one condition, replacing any existing condition
// of the same type so the ledger keeps one entry per lifecycle phase.
// The actor's resource version is compare-and-swapped in the same
// transaction, making concurrent status writers serialize.
func (r Repo) UpsertCondition(ctx context.Context, tx *sql.Tx, actorID string, c metav1.Condition, expectedVersion int64) error {
	var q execer = r.DB
	if tx != nil {
		q = tx
	}
	res, err := q.ExecContext(ctx,
		`UPDATE actors SET resource_version=resource_version+1, updated_at=? WHERE id=? AND resource_version=?`,
		now(), actorID, expectedVersion)
	if err != nil {
		return err
	}
	if err := casOutcome(ctx, q, res, actorID); err != nil {
		return err
	}
	var observed any
	if c.ObservedGeneration != 0 {
		observed = c.ObservedGeneration
	}
	_, err = q.ExecContext(ctx, `INSERT INTO actor_conditions(actor_id,type,status,reason,message,last_transition_time,observed_generation,position)
VALUES (?,?,?,?,?,?,?, (SELECT COALESCE(MAX(position)+1,0) FROM actor_conditions WHERE actor_id=?))
ON CONFLICT(actor_id,type) DO UPDATE SET status=excluded.status, reason=excluded.reason, message=excluded.message,
last_transition_time=excluded.last_transition_time, observed_generation=excluded.observed_generation`,
		actorID, c.Type, string(c.Status), c.Reason, c.Message,
		c.LastTransitionTime.UTC().Format(time.RFC3339), observed, actorID)
	return err
}

// ListConditions returns the condition ledger in insertion order.
func (r Repo) ListConditions(ctx context.Context, actorID string) ([]metav1.Condition, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT type,status,reason,message,last_transition_time,observed_generation FROM actor_conditions WHERE actor_id=? ORDER BY position`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var conditions []metav1.Condition
	for rows.Next() {
		var c metav1.Condition
		var transition string
		var observed sql.NullInt64
		if err := rows.Scan(&c.Type, &c.Status, &c.Reason, &c.Message, &transition, &observed); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339, transition)
		if err != nil {
			return nil, fmt.Errorf("decode condition transition time: %w", err)
		}
		c.LastTransitionTime = metav1.NewTime(ts)
		if observed.Valid {
			c.ObservedGeneration = observed.Int64
		}
		conditions = append(conditions, c)
	}
	return conditions, rows.Err()
}

// casOutcome distinguishes a lost compare-and-swap from a missing actor.
func casOutcome(ctx context.Context, q execer, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var exists int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM actors WHERE id=?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}
