package repo

import (
	"context"
	"encoding/json"
	"strings"

	"stagehand/internal/events"
)

// LatestEvents returns the newest ledger entries, optionally filtered by
// actor and event type.
func (r Repo) LatestEvents(ctx context.Context, limit int, actorID, evtType string) ([]events.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	var clauses []string
	var args []any
	if actorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, actorID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT id,ts,type,COALESCE(actor_id,''),COALESCE(actor_name,''),writer_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []events.Event
	for rows.Next() {
		var e events.Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ActorID, &e.ActorName, &e.WriterID, &payload); err != nil {
			return nil, err
		}
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &e.Payload)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountEventsByType summarizes ledger activity for status displays.
func (r Repo) CountEventsByType(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, COUNT(*) FROM events GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, rows.Err()
}
