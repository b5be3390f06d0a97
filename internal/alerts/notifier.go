package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"vinoteca/internal/eventbus"
)

// Notifier POSTs admin notifications to a single configured webhook URL,
// formatting the payload for Slack or Discord when the URL is recognised.
// Delivery is best-effort and never fails the triggering operation.
type Notifier struct {
	url    string
	client *http.Client
	log    *zap.Logger
	events chan eventbus.Event
}

// NewNotifier subscribes to every admin event type on the bus. An empty URL
// disables delivery but keeps consuming events.
func NewNotifier(url string, bus *eventbus.Bus, log *zap.Logger) *Notifier {
	n := &Notifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
		events: make(chan eventbus.Event, 128),
	}
	for _, eventType := range []string{
		eventbus.EventInventoryUploaded,
		eventbus.EventDuplicatesRemoved,
		eventbus.EventError,
		eventbus.EventAlert,
		eventbus.EventDailyReport,
	} {
		bus.Subscribe(eventType, n.events)
	}
	return n
}

// Run consumes events until the context is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-n.events:
			if n.url == "" {
				continue
			}
			if err := n.deliver(ctx, evt); err != nil {
				n.log.Warn("notification delivery failed",
					zap.String("event_type", evt.Type), zap.Error(err))
			}
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, evt eventbus.Event) error {
	var body []byte
	var err error
	switch {
	case isDiscordWebhook(n.url):
		body, err = json.Marshal(formatDiscordPayload(evt))
	case isSlackWebhook(n.url):
		body, err = json.Marshal(formatSlackPayload(evt))
	default:
		body, err = json.Marshal(map[string]any{
			"event_type":     evt.Type,
			"user_id":        evt.UserID,
			"business_name":  evt.BusinessName,
			"correlation_id": evt.CorrelationID,
			"timestamp":      evt.Timestamp.UTC().Format(time.RFC3339),
			"payload":        evt.Data,
		})
	}
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vinoteca-Event", evt.Type)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", n.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("POST %s returned %d", n.url, resp.StatusCode)
	}
	return nil
}

// --- Platform detection ---

func isDiscordWebhook(url string) bool {
	return strings.Contains(url, "discord.com/api/webhooks/") ||
		strings.Contains(url, "discordapp.com/api/webhooks/")
}

func isSlackWebhook(url string) bool {
	return strings.Contains(url, "hooks.slack.com/")
}

// --- Discord formatting ---

func formatDiscordPayload(evt eventbus.Event) map[string]any {
	embed := map[string]any{
		"title":       formatEventTitle(evt.Type),
		"description": formatEventDescription(evt),
		"color":       eventColor(evt.Type),
		"footer":      map[string]any{"text": "Vinoteca"},
	}
	if !evt.Timestamp.IsZero() {
		embed["timestamp"] = evt.Timestamp.UTC().Format(time.RFC3339)
	}

	var fields []map[string]any
	if evt.BusinessName != "" {
		fields = append(fields, map[string]any{
			"name": "Attività", "value": evt.BusinessName, "inline": true,
		})
	}
	if evt.CorrelationID != "" {
		fields = append(fields, map[string]any{
			"name": "Correlation", "value": fmt.Sprintf("`%s`", evt.CorrelationID), "inline": true,
		})
	}
	if len(fields) > 0 {
		embed["fields"] = fields
	}
	return map[string]any{"embeds": []any{embed}}
}

// --- Slack formatting ---

func formatSlackPayload(evt eventbus.Event) map[string]any {
	text := fmt.Sprintf("*%s*\n%s", formatEventTitle(evt.Type), formatEventDescription(evt))
	if evt.BusinessName != "" {
		text += "\n_" + evt.BusinessName + "_"
	}
	return map[string]any{"text": text}
}

// --- Shared helpers ---

func formatEventTitle(eventType string) string {
	switch eventType {
	case eventbus.EventInventoryUploaded:
		return "🍷 Inventario caricato"
	case eventbus.EventDuplicatesRemoved:
		return "🧹 Duplicati rimossi"
	case eventbus.EventError:
		return "❌ Errore elaborazione"
	case eventbus.EventAlert:
		return "🚨 Alert"
	case eventbus.EventDailyReport:
		return "📊 Report giornaliero"
	default:
		return "📡 " + eventType
	}
}

func eventColor(eventType string) int {
	switch eventType {
	case eventbus.EventError, eventbus.EventAlert:
		return 0xE74C3C
	default:
		return 0x8E2B3B // wine red
	}
}

func formatEventDescription(evt eventbus.Event) string {
	data, ok := evt.Data.(map[string]any)
	if !ok {
		raw, _ := json.Marshal(evt.Data)
		return truncate(string(raw), 300)
	}
	switch evt.Type {
	case eventbus.EventInventoryUploaded:
		return fmt.Sprintf("`%v`: %v vini salvati (stage %v)",
			data["file_name"], data["saved_wines"], data["stage_used"])
	case eventbus.EventDuplicatesRemoved:
		return fmt.Sprintf("%v righe duplicate unite", data["duplicates_removed"])
	case eventbus.EventAlert:
		return fmt.Sprintf("`%v` oltre soglia (finestra da %v)", data["alert"], data["window_start"])
	case eventbus.EventDailyReport:
		return fmt.Sprintf("%v: %v consumi, %v rifornimenti, %v vini sotto scorta",
			data["report_date"], data["consumi"], data["rifornimenti"], data["low_stock"])
	default:
		raw, _ := json.Marshal(data)
		return truncate(string(raw), 300)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
