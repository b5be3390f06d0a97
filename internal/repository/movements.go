package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"vinoteca/internal/models"
)

// Movement-domain errors. Both are user-visible and actionable.
var (
	ErrWineNotFound         = errors.New("wine_not_found")
	ErrInsufficientQuantity = errors.New("insufficient_quantity")
)

// MovementResult is the outcome of one committed movement. Status is always
// "ok"; failed movements come back as errors instead.
type MovementResult struct {
	Status         string `json:"status"`
	WineID         int64  `json:"wine_id"`
	WineName       string `json:"wine_name"`
	WineProducer   string `json:"wine_producer,omitempty"`
	MovementType   string `json:"movement_type"`
	QuantityBefore int    `json:"quantity_before"`
	QuantityAfter  int    `json:"quantity_after"`
}

// ApplyMovement executes one consumo or rifornimento as a single atomic
// transaction: locate the wine under a row lock, update its quantity, append
// a movement record and upsert the history aggregate. quantity must be
// positive.
func (r *Repository) ApplyMovement(ctx context.Context, tenant models.Tenant, term, movementType string, quantity int) (*MovementResult, error) {
	if quantity <= 0 {
		return nil, errors.New("quantity must be positive")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	wine, err := lockWineByTerm(ctx, tx, tenant.UserID, term)
	if err != nil {
		return nil, err
	}

	before := wine.Quantity
	var change int
	switch movementType {
	case models.MovementConsumo:
		if before < quantity {
			return nil, ErrInsufficientQuantity
		}
		change = -quantity
	case models.MovementRifornimento:
		change = quantity
	default:
		return nil, errors.New("unknown movement type")
	}
	after := before + change

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE wines SET quantity = $2, updated_at = $3 WHERE id = $1
	`, wine.ID, after, now); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO movements (user_id, wine_name, wine_producer, movement_type,
			quantity_change, quantity_before, quantity_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, tenant.UserID, wine.Name, wine.Producer, movementType, change, before, after, now); err != nil {
		return nil, err
	}

	entry, err := json.Marshal([]models.HistoryEntry{{
		MovementType:   movementType,
		QuantityChange: change,
		QuantityBefore: before,
		QuantityAfter:  after,
		Timestamp:      now,
	}})
	if err != nil {
		return nil, err
	}
	consumi, rifornimenti := 0, 0
	if movementType == models.MovementConsumo {
		consumi = quantity
	} else {
		rifornimenti = quantity
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO wine_history (user_id, wine_name, wine_producer, current_stock,
			total_consumi, total_rifornimenti, movements, first_movement_date, last_movement_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (user_id, wine_name, wine_producer) DO UPDATE SET
			current_stock      = EXCLUDED.current_stock,
			total_consumi      = wine_history.total_consumi + EXCLUDED.total_consumi,
			total_rifornimenti = wine_history.total_rifornimenti + EXCLUDED.total_rifornimenti,
			movements          = wine_history.movements || EXCLUDED.movements,
			last_movement_date = EXCLUDED.last_movement_date
	`, tenant.UserID, wine.Name, wine.Producer, after, consumi, rifornimenti, entry, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &MovementResult{
		Status:         "ok",
		WineID:         wine.ID,
		WineName:       wine.Name,
		WineProducer:   wine.Producer,
		MovementType:   movementType,
		QuantityBefore: before,
		QuantityAfter:  after,
	}, nil
}

type lockedWine struct {
	ID       int64
	Name     string
	Producer string
	Quantity int
}

// lockWineByTerm probes the ranked columns one at a time and takes a row
// lock on the first match, serialising concurrent movements on that wine.
func lockWineByTerm(ctx context.Context, tx pgx.Tx, userID, term string) (*lockedWine, error) {
	patterns := likePatterns(term)
	if len(patterns) == 0 {
		return nil, ErrWineNotFound
	}
	for _, column := range rankColumns(term) {
		w := &lockedWine{}
		err := tx.QueryRow(ctx, `
			SELECT id, name, producer, quantity FROM wines
			WHERE user_id = $1 AND `+column+` ILIKE ANY($2)
			ORDER BY name, id
			LIMIT 1
			FOR UPDATE
		`, userID, patterns).Scan(&w.ID, &w.Name, &w.Producer, &w.Quantity)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, ErrWineNotFound
}

// SetWineQuantity is the no-op movement path used by admin field edits: it
// rewrites the inventory row without touching movements or history.
func (r *Repository) SetWineQuantity(ctx context.Context, tenant models.Tenant, wineID int64, quantity int) error {
	if quantity < 0 {
		return errors.New("quantity must be non-negative")
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE wines SET quantity = $3, updated_at = NOW()
		WHERE id = $2 AND user_id = $1
	`, tenant.UserID, wineID, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWineNotFound
	}
	return nil
}

// MovementsBetween returns the tenant's movements in [from, to), oldest
// first. Bounds are UTC instants.
func (r *Repository) MovementsBetween(ctx context.Context, tenant models.Tenant, from, to time.Time) ([]*models.Movement, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, wine_name, wine_producer, movement_type,
			quantity_change, quantity_before, quantity_after, created_at
		FROM movements
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at
	`, tenant.UserID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var movements []*models.Movement
	for rows.Next() {
		m := &models.Movement{}
		if err := rows.Scan(&m.ID, &m.WineName, &m.WineProducer, &m.MovementType,
			&m.QuantityChange, &m.QuantityBefore, &m.QuantityAfter, &m.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// RebuildHistory drops and re-derives the tenant's history aggregates from
// the movements table. Used by the repair tool after manual data surgery.
func (r *Repository) RebuildHistory(ctx context.Context, tenant models.Tenant) (int, error) {
	movements, err := r.MovementsBetween(ctx, tenant, time.Time{}, time.Now().UTC().Add(time.Hour))
	if err != nil {
		return 0, err
	}

	type key struct{ name, producer string }
	aggregates := map[key]*models.History{}
	var order []key
	for _, mv := range movements {
		k := key{mv.WineName, mv.WineProducer}
		h := aggregates[k]
		if h == nil {
			h = &models.History{
				WineName:          mv.WineName,
				WineProducer:      mv.WineProducer,
				FirstMovementDate: mv.CreatedAt,
			}
			aggregates[k] = h
			order = append(order, k)
		}
		if mv.MovementType == models.MovementConsumo {
			h.TotalConsumi += -mv.QuantityChange
		} else {
			h.TotalRifornimenti += mv.QuantityChange
		}
		h.CurrentStock = mv.QuantityAfter
		h.LastMovementDate = mv.CreatedAt
		h.Movements = append(h.Movements, models.HistoryEntry{
			MovementType:   mv.MovementType,
			QuantityChange: mv.QuantityChange,
			QuantityBefore: mv.QuantityBefore,
			QuantityAfter:  mv.QuantityAfter,
			Timestamp:      mv.CreatedAt,
		})
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM wine_history WHERE user_id = $1`, tenant.UserID); err != nil {
		return 0, err
	}
	for _, k := range order {
		h := aggregates[k]
		entries, err := json.Marshal(h.Movements)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO wine_history (user_id, wine_name, wine_producer, current_stock,
				total_consumi, total_rifornimenti, movements, first_movement_date, last_movement_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, tenant.UserID, h.WineName, h.WineProducer, h.CurrentStock,
			h.TotalConsumi, h.TotalRifornimenti, entries,
			h.FirstMovementDate, h.LastMovementDate); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(order), nil
}

// GetHistory fetches the aggregate for one (name, producer) pair. Returns
// nil when the wine never moved.
func (r *Repository) GetHistory(ctx context.Context, tenant models.Tenant, wineName, wineProducer string) (*models.History, error) {
	h := &models.History{}
	var rawMovements []byte
	err := r.db.QueryRow(ctx, `
		SELECT wine_name, wine_producer, current_stock, total_consumi,
			total_rifornimenti, movements, first_movement_date, last_movement_date
		FROM wine_history
		WHERE user_id = $1 AND wine_name = $2 AND wine_producer = $3
	`, tenant.UserID, wineName, wineProducer).Scan(&h.WineName, &h.WineProducer,
		&h.CurrentStock, &h.TotalConsumi, &h.TotalRifornimenti, &rawMovements,
		&h.FirstMovementDate, &h.LastMovementDate)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawMovements, &h.Movements); err != nil {
		return nil, err
	}
	return h, nil
}
