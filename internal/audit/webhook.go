package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// postJSON is a shared helper used by the webhook-shaped sinks
func postJSON(ctx context.Context, url string, data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("api returned status %d", resp.StatusCode)
	}
	return nil
}

// --- Generic Webhook ---

// Webhook posts every audit event, JSON-encoded, to a single URL.
type Webhook struct{ URL string }

func (w *Webhook) Name() string { return "Webhook" }

func (w *Webhook) PlayStart(ctx context.Context, ev PlayEvent) error {
	return postJSON(ctx, w.URL, map[string]interface{}{"event": "play-start", "action": ev.Action, "targets": ev.Targets})
}

func (w *Webhook) ContainerActionStart(ctx context.Context, ev ContainerEvent) error {
	return postJSON(ctx, w.URL, map[string]interface{}{
		"event": "container-action-start", "action": ev.Action,
		"service": ev.Service, "container": ev.Container, "ship": ev.Ship,
	})
}

func (w *Webhook) ContainerActionEnd(ctx context.Context, res ContainerResult) error {
	payload := map[string]interface{}{
		"event": "container-action-end", "action": res.Action,
		"service": res.Service, "container": res.Container, "ship": res.Ship,
		"result": res.Result, "duration_seconds": res.Duration.Seconds(),
	}
	if res.Err != nil {
		payload["error"] = res.Err.Error()
	}
	return postJSON(ctx, w.URL, payload)
}

func (w *Webhook) PlayEnd(ctx context.Context, sum Summary) error {
	return postJSON(ctx, w.URL, map[string]interface{}{
		"event": "play-end", "action": sum.Action,
		"done": sum.Done, "already": sum.Already, "failed": sum.Failed,
		"duration_seconds": sum.Duration.Seconds(),
	})
}

// --- Slack ---

// Slack posts human-readable audit lines to a Slack incoming webhook. Only
// play boundaries and failures are announced; per-container start events
// would flood a channel and are dropped.
type Slack struct{ WebhookURL string }

func (s *Slack) Name() string { return "Slack" }

func (s *Slack) PlayStart(ctx context.Context, ev PlayEvent) error {
	text := fmt.Sprintf("*%s* starting on %d container(s)", ev.Action, len(ev.Targets))
	return postJSON(ctx, s.WebhookURL, map[string]string{"text": text})
}

func (s *Slack) ContainerActionStart(ctx context.Context, ev ContainerEvent) error {
	_, _ = ctx, ev
	return nil
}

func (s *Slack) ContainerActionEnd(ctx context.Context, res ContainerResult) error {
	if res.Err == nil {
		return nil
	}
	text := fmt.Sprintf("*%s failed* for `%s.%s` on %s: %v", res.Action, res.Service, res.Container, res.Ship, res.Err)
	return postJSON(ctx, s.WebhookURL, map[string]string{"text": text})
}

func (s *Slack) PlayEnd(ctx context.Context, sum Summary) error {
	return postJSON(ctx, s.WebhookURL, map[string]string{"text": "*" + sum.Action + "* finished: " + sum.String()})
}

// --- Discord ---

type Discord struct{ WebhookURL string }

func (d *Discord) Name() string { return "Discord" }

func (d *Discord) embed(title, description string, color int) map[string]interface{} {
	_ = d
	return map[string]interface{}{
		"username": "Maestro",
		"embeds": []map[string]interface{}{{
			"title": title, "description": description, "color": color,
			"timestamp": time.Now().Format(time.RFC3339),
		}},
	}
}

func (d *Discord) PlayStart(ctx context.Context, ev PlayEvent) error {
	return postJSON(ctx, d.WebhookURL, d.embed(ev.Action, fmt.Sprintf("starting on %d container(s)", len(ev.Targets)), 3447003))
}

func (d *Discord) ContainerActionStart(ctx context.Context, ev ContainerEvent) error {
	_, _ = ctx, ev
	return nil
}

func (d *Discord) ContainerActionEnd(ctx context.Context, res ContainerResult) error {
	if res.Err == nil {
		return nil
	}
	return postJSON(ctx, d.WebhookURL, d.embed(
		fmt.Sprintf("%s failed: %s.%s", res.Action, res.Service, res.Container),
		res.Err.Error(), 15158332))
}

func (d *Discord) PlayEnd(ctx context.Context, sum Summary) error {
	return postJSON(ctx, d.WebhookURL, d.embed(sum.Action+" finished", sum.String(), 3066993))
}
