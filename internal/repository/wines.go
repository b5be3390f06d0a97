package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"vinoteca/internal/models"
)

const wineColumns = `id, name, producer, supplier, vintage, grape_variety, region, country,
	type, classification, quantity, min_quantity, cost_price, selling_price,
	alcohol_content, description, notes, source_stage, created_at, updated_at`

const insertWineSQL = `
	INSERT INTO wines (user_id, name, producer, supplier, vintage, grape_variety,
		region, country, type, classification, quantity, min_quantity,
		cost_price, selling_price, alcohol_content, description, notes, source_stage)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`

// BatchInsertWines inserts rows in chunks of at most batchSize, committing
// every chunk independently so one bad chunk does not lose prior progress.
// Returns how many rows were saved and how many were lost to failed chunks.
func (r *Repository) BatchInsertWines(ctx context.Context, tenant models.Tenant, wines []*models.Wine, batchSize int) (saved, errored int, err error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	var lastErr error
	for start := 0; start < len(wines); start += batchSize {
		end := start + batchSize
		if end > len(wines) {
			end = len(wines)
		}
		chunk := wines[start:end]
		if err := r.insertChunk(ctx, tenant, chunk); err != nil {
			errored += len(chunk)
			lastErr = err
			continue
		}
		saved += len(chunk)
	}
	if saved == 0 && lastErr != nil {
		return saved, errored, lastErr
	}
	return saved, errored, nil
}

func (r *Repository) insertChunk(ctx context.Context, tenant models.Tenant, chunk []*models.Wine) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, w := range chunk {
		batch.Queue(insertWineSQL,
			tenant.UserID, w.Name, w.Producer, w.Supplier, w.Vintage, w.GrapeVariety,
			w.Region, w.Country, w.Type, w.Classification, w.Quantity, w.MinQuantity,
			w.CostPrice, w.SellingPrice, w.AlcoholContent, w.Description, w.Notes, w.SourceStage)
	}
	br := tx.SendBatch(ctx, batch)
	for range chunk {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteWines removes the tenant's whole current inventory. Used by the
// replace import mode.
func (r *Repository) DeleteWines(ctx context.Context, tenant models.Tenant) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM wines WHERE user_id = $1`, tenant.UserID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// EnsureInitialSnapshot copies the current inventory into the first-load
// backup table, once per tenant. Later calls are no-ops.
func (r *Repository) EnsureInitialSnapshot(ctx context.Context, tenant models.Tenant) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO wines_initial (user_id, name, producer, supplier, vintage, grape_variety,
			region, country, type, classification, quantity, min_quantity,
			cost_price, selling_price, alcohol_content, description, notes, source_stage)
		SELECT user_id, name, producer, supplier, vintage, grape_variety,
			region, country, type, classification, quantity, min_quantity,
			cost_price, selling_price, alcohol_content, description, notes, source_stage
		FROM wines
		WHERE user_id = $1
		  AND NOT EXISTS (SELECT 1 FROM wines_initial WHERE user_id = $1)
	`, tenant.UserID)
	return err
}

// Facets are value histograms over the current inventory, for client-side
// filter UIs.
type Facets struct {
	Types     map[string]int `json:"types"`
	Vintages  map[int]int    `json:"vintages"`
	Producers map[string]int `json:"producers"`
}

// SnapshotResult is the full current inventory of one tenant.
type SnapshotResult struct {
	Wines       []*models.Wine `json:"wines"`
	Facets      Facets         `json:"facets"`
	Total       int            `json:"total"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Snapshot returns all current wine rows plus the type/vintage/producer
// facets.
func (r *Repository) Snapshot(ctx context.Context, tenant models.Tenant) (*SnapshotResult, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+wineColumns+`
		FROM wines
		WHERE user_id = $1
		ORDER BY name, producer, vintage
	`, tenant.UserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := &SnapshotResult{
		Facets: Facets{
			Types:     map[string]int{},
			Vintages:  map[int]int{},
			Producers: map[string]int{},
		},
		GeneratedAt: time.Now().UTC(),
	}
	for rows.Next() {
		w, err := scanWine(rows)
		if err != nil {
			return nil, err
		}
		res.Wines = append(res.Wines, w)
		if w.Type != "" {
			res.Facets.Types[w.Type]++
		}
		if w.Vintage != nil {
			res.Facets.Vintages[*w.Vintage]++
		}
		if w.Producer != "" {
			res.Facets.Producers[w.Producer]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.Total = len(res.Wines)
	return res, nil
}

// LowStockWines returns rows at or under their minimum quantity. Rows with
// no minimum configured are skipped.
func (r *Repository) LowStockWines(ctx context.Context, tenant models.Tenant) ([]*models.Wine, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+wineColumns+`
		FROM wines
		WHERE user_id = $1 AND min_quantity > 0 AND quantity <= min_quantity
		ORDER BY quantity, name
	`, tenant.UserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wines []*models.Wine
	for rows.Next() {
		w, err := scanWine(rows)
		if err != nil {
			return nil, err
		}
		wines = append(wines, w)
	}
	return wines, rows.Err()
}

func scanWine(rows pgx.Rows) (*models.Wine, error) {
	w := &models.Wine{}
	err := rows.Scan(&w.ID, &w.Name, &w.Producer, &w.Supplier, &w.Vintage, &w.GrapeVariety,
		&w.Region, &w.Country, &w.Type, &w.Classification, &w.Quantity, &w.MinQuantity,
		&w.CostPrice, &w.SellingPrice, &w.AlcoholContent, &w.Description, &w.Notes,
		&w.SourceStage, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}
