package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	gateway "github.com/modelrelay/relay/internal"

	"github.com/modelrelay/relay/internal/storage"
)

// InsertActivity batch-inserts activity events. A single multi-row INSERT
// avoids N round-trips for large batches.
func (s *Store) InsertActivity(ctx context.Context, events []gateway.ActivityEvent) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 14
	placeholders := make([]string, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		var meta sql.NullString
		if len(e.Metadata) > 0 {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return err
			}
			meta = sql.NullString{String: string(b), Valid: true}
		}
		args = append(args,
			e.ID, e.UserID, e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.Model, e.Provider,
			e.PromptTokens, e.CompletionTokens, e.TotalTokens,
			e.CostUSD, e.LatencyMs,
			nullStr(e.FinishReason), nullStr(e.Endpoint), nullStr(e.SessionID), meta,
		)
	}

	query := `INSERT INTO activity_events
		(id, user_id, ts, model, provider, prompt_tokens, completion_tokens, total_tokens,
		 cost_usd, latency_ms, finish_reason, endpoint, session_id, metadata)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// ListActivity returns activity events matching the filter, newest first.
func (s *Store) ListActivity(ctx context.Context, f storage.ActivityFilter) ([]gateway.ActivityEvent, error) {
	var clauses []string
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Since != "" {
		clauses = append(clauses, "ts >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "ts < ?")
		args = append(args, f.Until)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, ts, model, provider, prompt_tokens, completion_tokens, total_tokens,
		 cost_usd, latency_ms, finish_reason, endpoint, session_id, metadata
		 FROM activity_events`+where+` ORDER BY ts DESC LIMIT ? OFFSET ?`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.ActivityEvent
	for rows.Next() {
		var e gateway.ActivityEvent
		var ts string
		var finish, endpoint, session, meta sql.NullString
		err := rows.Scan(&e.ID, &e.UserID, &ts, &e.Model, &e.Provider,
			&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens,
			&e.CostUSD, &e.LatencyMs, &finish, &endpoint, &session, &meta)
		if err != nil {
			return nil, err
		}
		e.FinishReason = finish.String
		e.Endpoint = endpoint.String
		e.SessionID = session.String
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, err
			}
		}
		if parsed, pe := time.Parse(time.RFC3339Nano, ts); pe == nil {
			e.Timestamp = parsed
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
