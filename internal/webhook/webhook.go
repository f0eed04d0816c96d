// Package webhook forwards notable license events to a Discord-compatible
// webhook. Delivery is fire-and-forget: failures are logged and never affect
// the decision path.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"keygate/internal/config"
)

// Event names emitted by the engine.
const (
	EventLicenseGenerated   = "license_generated"
	EventDeviceRegistered   = "device_registered"
	EventHwidConflict       = "hwid_conflict"
	EventActivationConflict = "activation_conflict"
	EventHwidMismatch       = "hwid_mismatch"
	EventLicenseBanAttempt  = "license_ban_attempt"
	EventHwidBanAttempt     = "hwid_ban_attempt"
	EventInvalidLicense     = "invalid_license_attempt"
	EventExpiredLicense     = "expired_license_attempt"
	EventAutoUnbanned       = "license_auto_unbanned"
	EventHwidBanned         = "hwid_banned"
	EventLicenseDeleted     = "license_deleted"
	EventResetRequest       = "reset_request"
	EventResetApproved      = "reset_approved"
)

var eventColors = map[string]int{
	EventLicenseGenerated: 0x00aaee,
	EventDeviceRegistered: 0x00ff00,
	EventResetApproved:    0xff9900,
	EventResetRequest:     0xff9900,
	EventLicenseDeleted:   0xff0000,
	EventHwidBanned:       0xff0000,
	EventHwidConflict:     0xff0000,
}

const defaultColor = 0x00aaee

// Notifier posts event embeds to the configured webhook URL. A Notifier with
// an empty URL is valid and drops every event.
type Notifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewNotifier creates a notifier. url may be empty to disable delivery.
func NewNotifier(url string, logger *slog.Logger) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: config.WebhookTimeout},
		logger: logger.With(slog.String("component", "webhook")),
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool {
	return n.url != ""
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title     string       `json:"title"`
	Color     int          `json:"color"`
	Fields    []embedField `json:"fields"`
	Timestamp string       `json:"timestamp"`
}

type payload struct {
	Embeds []embed `json:"embeds"`
}

// Notify dispatches the event asynchronously and returns immediately.
func (n *Notifier) Notify(event string, fields map[string]string) {
	if !n.Enabled() {
		return
	}
	go n.send(event, fields)
}

func (n *Notifier) send(event string, fields map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), config.WebhookTimeout)
	defer cancel()

	color, ok := eventColors[event]
	if !ok {
		color = defaultColor
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	embedFields := make([]embedField, 0, len(names))
	for _, name := range names {
		value := fields[name]
		if value == "" {
			value = "N/A"
		}
		embedFields = append(embedFields, embedField{
			Name:   titleCase(name),
			Value:  value,
			Inline: true,
		})
	}

	body, err := json.Marshal(payload{Embeds: []embed{{
		Title:     strings.ToUpper(strings.ReplaceAll(event, "_", " ")),
		Color:     color,
		Fields:    embedFields,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}}})
	if err != nil {
		n.logger.Error("webhook payload marshal failed", slog.String("error", err.Error()))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("webhook request build failed", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook delivery rejected",
			slog.String("event", event),
			slog.String("status", fmt.Sprintf("%d", resp.StatusCode)))
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
