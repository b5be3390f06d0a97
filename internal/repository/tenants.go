package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"vinoteca/internal/models"
)

// EnsureTenant creates the tenant on first observation and keeps
// business_name current afterwards. Idempotent.
func (r *Repository) EnsureTenant(ctx context.Context, tenant models.Tenant) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO tenants (user_id, business_name)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET business_name = EXCLUDED.business_name, updated_at = NOW()
	`, tenant.UserID, tenant.BusinessName)
	return err
}

// GetTenantTimezone returns the tenant's reporting timezone, defaulting to
// Europe/Rome for unknown tenants.
func (r *Repository) GetTenantTimezone(ctx context.Context, userID string) (string, error) {
	var tz string
	err := r.db.QueryRow(ctx, `SELECT timezone FROM tenants WHERE user_id = $1`, userID).Scan(&tz)
	if err == pgx.ErrNoRows {
		return "Europe/Rome", nil
	}
	if err != nil {
		return "", err
	}
	return tz, nil
}

// ListOnboardedTenants returns every tenant eligible for the daily report.
func (r *Repository) ListOnboardedTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := r.db.Query(ctx, `
		SELECT user_id, business_name FROM tenants
		WHERE onboarding_complete
		ORDER BY user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.UserID, &t.BusinessName); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}
