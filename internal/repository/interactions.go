package repository

import (
	"context"
	"encoding/json"

	"vinoteca/internal/models"
)

// LogInteraction appends one entry to the tenant's interaction log. The
// payload is free-form JSON; invalid payloads are stored as NULL rather
// than failing the caller.
func (r *Repository) LogInteraction(ctx context.Context, tenant models.Tenant, kind string, payload json.RawMessage) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO interactions (user_id, kind, payload)
		VALUES ($1, $2, $3)
	`, tenant.UserID, kind, sanitizeJSONB(payload))
	return err
}

// Interaction is one row of the per-tenant interaction log.
type Interaction struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// RecentInteractions returns the tenant's newest log entries, newest first.
func (r *Repository) RecentInteractions(ctx context.Context, tenant models.Tenant, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, kind, COALESCE(payload, 'null'::jsonb), created_at::text
		FROM interactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenant.UserID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var it Interaction
		if err := rows.Scan(&it.ID, &it.Kind, &it.Payload, &it.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
