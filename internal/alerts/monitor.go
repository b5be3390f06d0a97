// Package alerts keeps the process-local rolling-window counters and pushes
// admin notifications when a threshold is crossed.
package alerts

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"vinoteca/internal/eventbus"
	"vinoteca/internal/llm"
)

// Alert names. Each fires at most once per window.
const (
	AlertStage3Failures = "stage3_failures"
	AlertLLMCost        = "llm_cost"
	AlertErrorRate      = "error_rate"
)

const defaultWindow = time.Hour

// Monitor counts stage-3 failures, pipeline errors and estimated LLM spend
// over a rolling window. Counters are process-local; accuracy across
// replicas is approximate and does not affect correctness.
type Monitor struct {
	mu          sync.Mutex
	windowSize  time.Duration
	windowStart time.Time

	stage3Failures int
	errorCount     int
	costEUR        float64
	fired          map[string]bool

	thStage3  int
	thCostEUR float64
	thErrors  int

	bus *eventbus.Bus
	log *zap.Logger
	now func() time.Time
}

// NewMonitor wires the three rolling alerts. bus may be nil, in which case
// crossings are only logged.
func NewMonitor(thStage3 int, thCostEUR float64, thErrors int, bus *eventbus.Bus, log *zap.Logger) *Monitor {
	m := &Monitor{
		windowSize: defaultWindow,
		fired:      map[string]bool{},
		thStage3:   thStage3,
		thCostEUR:  thCostEUR,
		thErrors:   thErrors,
		bus:        bus,
		log:        log,
		now:        time.Now,
	}
	m.windowStart = m.now()
	return m
}

// RecordStage3Failure counts one failed stage-3 run.
func (m *Monitor) RecordStage3Failure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()
	m.stage3Failures++
	if m.thStage3 > 0 && m.stage3Failures >= m.thStage3 {
		m.fire(AlertStage3Failures, map[string]any{"failures": m.stage3Failures})
	}
}

// RecordError counts one terminal pipeline error.
func (m *Monitor) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()
	m.errorCount++
	if m.thErrors > 0 && m.errorCount >= m.thErrors {
		m.fire(AlertErrorRate, map[string]any{"errors": m.errorCount})
	}
}

// RecordLLMCost adds the estimated cost of one model call to the window.
func (m *Monitor) RecordLLMCost(model, prompt, completion string) {
	cost := llm.EstimateCostEUR(model, prompt, completion)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()
	m.costEUR += cost
	if m.thCostEUR > 0 && m.costEUR >= m.thCostEUR {
		m.fire(AlertLLMCost, map[string]any{"cost_eur": m.costEUR})
	}
}

// WindowSnapshot is a point-in-time view of the current window, served by
// the status endpoint.
type WindowSnapshot struct {
	WindowStart    time.Time `json:"window_start"`
	Stage3Failures int       `json:"stage3_failures"`
	ErrorCount     int       `json:"error_count"`
	CostEUR        float64   `json:"cost_eur"`
}

func (m *Monitor) Snapshot() WindowSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()
	return WindowSnapshot{
		WindowStart:    m.windowStart,
		Stage3Failures: m.stage3Failures,
		ErrorCount:     m.errorCount,
		CostEUR:        m.costEUR,
	}
}

// roll resets the counters when the current window has elapsed. Callers
// hold the lock.
func (m *Monitor) roll() {
	now := m.now()
	if now.Sub(m.windowStart) < m.windowSize {
		return
	}
	m.windowStart = now
	m.stage3Failures = 0
	m.errorCount = 0
	m.costEUR = 0
	m.fired = map[string]bool{}
}

// fire pushes one notification per alert per window. Callers hold the lock.
func (m *Monitor) fire(alert string, data map[string]any) {
	if m.fired[alert] {
		return
	}
	m.fired[alert] = true

	m.log.Warn("alert threshold crossed",
		zap.String("alert", alert),
		zap.Time("window_start", m.windowStart),
		zap.Any("data", data),
	)
	if m.bus == nil {
		return
	}
	data["alert"] = alert
	data["window_start"] = m.windowStart.UTC().Format(time.RFC3339)
	m.bus.Publish(eventbus.Event{
		Type: eventbus.EventAlert,
		Data: data,
	})
}
