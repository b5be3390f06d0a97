// Package scheduler runs the daily inventory report. One run per day at the
// configured local hour; a run that was missed by more than the grace period
// is skipped rather than executed late.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vinoteca/internal/eventbus"
	"vinoteca/internal/models"
)

// misfireGrace bounds how late a wakeup may be and still count as today's
// run. Beyond it the run is skipped and the next day's is scheduled.
const misfireGrace = time.Hour

// Store is the persistence surface the report needs.
type Store interface {
	ListOnboardedTenants(ctx context.Context) ([]models.Tenant, error)
	GetTenantTimezone(ctx context.Context, userID string) (string, error)
	MovementsBetween(ctx context.Context, tenant models.Tenant, from, to time.Time) ([]*models.Movement, error)
	LowStockWines(ctx context.Context, tenant models.Tenant) ([]*models.Wine, error)
}

// Report summarises one tenant's previous local day.
type Report struct {
	Tenant        models.Tenant
	ReportDate    string
	Consumi       int
	Rifornimenti  int
	BottlesOut    int
	BottlesIn     int
	LowStockWines []*models.Wine
}

// Scheduler fires the daily report at the configured hour.
type Scheduler struct {
	store Store
	bus   *eventbus.Bus
	log   *zap.Logger
	hour  int
	loc   *time.Location

	now     func() time.Time
	lastRun time.Time
}

// New builds the scheduler. An unknown timezone name falls back to UTC.
func New(store Store, bus *eventbus.Bus, hour int, timezone string, log *zap.Logger) *Scheduler {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		log.Warn("unknown report timezone, using UTC", zap.String("timezone", timezone))
		loc = time.UTC
	}
	return &Scheduler{
		store: store,
		bus:   bus,
		log:   log,
		hour:  hour,
		loc:   loc,
		now:   time.Now,
	}
}

// Run blocks until the context is cancelled, firing the report once per day.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := s.nextRunAfter(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		now := s.now()
		if now.Sub(next) > misfireGrace {
			s.log.Warn("daily report window missed, skipping",
				zap.Time("scheduled", next), zap.Time("woke_at", now))
			continue
		}
		s.runOnce(ctx, now)
	}
}

// nextRunAfter is the first report instant strictly after t, never a slot
// already executed.
func (s *Scheduler) nextRunAfter(t time.Time) time.Time {
	local := t.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, 0, 0, 0, s.loc)
	for !next.After(t) || !next.After(s.lastRun) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// runOnce produces one report per onboarded tenant. A failing tenant does
// not block the others.
func (s *Scheduler) runOnce(ctx context.Context, at time.Time) {
	s.lastRun = at
	tenants, err := s.store.ListOnboardedTenants(ctx)
	if err != nil {
		s.log.Error("daily report tenant listing failed", zap.Error(err))
		return
	}
	s.log.Info("daily report run starting", zap.Int("tenants", len(tenants)))

	for _, tenant := range tenants {
		report, err := s.BuildReport(ctx, tenant, at)
		if err != nil {
			s.log.Warn("daily report failed for tenant",
				zap.String("tenant", tenant.UserID), zap.Error(err))
			continue
		}
		s.publish(report)
	}
}

// BuildReport summarises the tenant's previous day, computed in the
// tenant's own timezone and converted to UTC for the movement query.
func (s *Scheduler) BuildReport(ctx context.Context, tenant models.Tenant, at time.Time) (*Report, error) {
	tzName, err := s.store.GetTenantTimezone(ctx, tenant.UserID)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		loc = s.loc
	}

	local := at.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	from := dayStart.AddDate(0, 0, -1)

	movements, err := s.store.MovementsBetween(ctx, tenant, from.UTC(), dayStart.UTC())
	if err != nil {
		return nil, err
	}
	lowStock, err := s.store.LowStockWines(ctx, tenant)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Tenant:        tenant,
		ReportDate:    from.Format("2006-01-02"),
		LowStockWines: lowStock,
	}
	for _, mv := range movements {
		switch mv.MovementType {
		case models.MovementConsumo:
			report.Consumi++
			report.BottlesOut += -mv.QuantityChange
		case models.MovementRifornimento:
			report.Rifornimenti++
			report.BottlesIn += mv.QuantityChange
		}
	}
	return report, nil
}

func (s *Scheduler) publish(report *Report) {
	s.log.Info("daily report",
		zap.String("tenant", report.Tenant.UserID),
		zap.String("report_date", report.ReportDate),
		zap.Int("consumi", report.Consumi),
		zap.Int("rifornimenti", report.Rifornimenti),
		zap.Int("low_stock", len(report.LowStockWines)),
	)
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type:         eventbus.EventDailyReport,
		UserID:       report.Tenant.UserID,
		BusinessName: report.Tenant.BusinessName,
		Data: map[string]any{
			"report_date":  report.ReportDate,
			"consumi":      report.Consumi,
			"rifornimenti": report.Rifornimenti,
			"bottles_out":  report.BottlesOut,
			"bottles_in":   report.BottlesIn,
			"low_stock":    len(report.LowStockWines),
		},
	})
}
