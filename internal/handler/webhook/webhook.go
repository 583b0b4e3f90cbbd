// Package webhook publishes and updates content by sending JSON to a
// configured HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chubes4/data-machine/config"
	"github.com/chubes4/data-machine/internal/enginedata"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/handler"
	"github.com/chubes4/data-machine/internal/logging"
)

// Handler slugs.
const (
	PublishSlug = "webhook_publish"
	UpdateSlug  = "webhook_update"
)

var settingsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"url":     map[string]any{"type": "string", "minLength": 1},
		"method":  map[string]any{"type": "string", "enum": []any{"POST", "PUT", "PATCH"}},
		"headers": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
	},
	"required": []any{"url"},
}

// Body is the JSON document sent to the endpoint.
type Body struct {
	Action    string `json:"action"`
	JobID     string `json:"job_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
	SourceURL string `json:"source_url,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
}

type client struct {
	http   *http.Client
	logger *slog.Logger
}

func newClient(cfg config.WebhookHandlerConfig, logger *slog.Logger) client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return client{http: &http.Client{Timeout: timeout}, logger: logging.OrDefault(logger)}
}

func (c client) send(ctx context.Context, settings flow.Settings, defaultMethod string, body Body) (handler.Outcome, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return handler.Outcome{}, err
	}
	method := settings.String("method", defaultMethod)
	target := settings.String("url", "")
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(raw))
	if err != nil {
		return handler.Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := settings["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return handler.Outcome{}, err
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return handler.Outcome{}, fmt.Errorf("%s %s: status %d", method, target, resp.StatusCode)
	}
	var out handler.Outcome
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &out); err != nil {
			c.logger.Debug("webhook response is not json", slog.String("url", target))
			out = handler.Outcome{}
		}
	}
	return out, nil
}

// Publisher posts new content.
type Publisher struct{ c client }

// NewPublisher builds the webhook publish handler.
func NewPublisher(cfg config.WebhookHandlerConfig, logger *slog.Logger) *Publisher {
	return &Publisher{c: newClient(cfg, logger)}
}

func (p *Publisher) Describe() handler.Descriptor {
	return handler.Descriptor{
		Slug:            PublishSlug,
		Label:           "Webhook",
		StepType:        flow.StepPublish,
		Settings:        settingsSchema,
		Defaults:        flow.Settings{"method": http.MethodPost},
		ToolDescription: "Publish the final content by sending it to the configured webhook.",
	}
}

func (p *Publisher) Publish(ctx context.Context, req handler.ActionRequest) (handler.Outcome, error) {
	return p.c.send(ctx, req.Settings, http.MethodPost, Body{
		Action:    "publish",
		JobID:     req.JobID,
		Title:     req.Title,
		Content:   req.Content,
		SourceURL: req.EngineData.String(enginedata.KeySourceURL),
		ImageURL:  req.EngineData.String(enginedata.KeyImageURL),
	})
}

// Updater sends changed content for the item at source_url.
type Updater struct{ c client }

// NewUpdater builds the webhook update handler.
func NewUpdater(cfg config.WebhookHandlerConfig, logger *slog.Logger) *Updater {
	return &Updater{c: newClient(cfg, logger)}
}

func (u *Updater) Describe() handler.Descriptor {
	return handler.Descriptor{
		Slug:            UpdateSlug,
		Label:           "Webhook",
		StepType:        flow.StepUpdate,
		Settings:        settingsSchema,
		Defaults:        flow.Settings{"method": http.MethodPut},
		ToolDescription: "Update the original item at its source URL through the configured webhook.",
	}
}

func (u *Updater) Update(ctx context.Context, req handler.ActionRequest) (handler.Outcome, error) {
	source, err := handler.RequireSourceURL(req.EngineData)
	if err != nil {
		return handler.Outcome{}, err
	}
	return u.c.send(ctx, req.Settings, http.MethodPut, Body{
		Action:    "update",
		JobID:     req.JobID,
		Title:     req.Title,
		Content:   req.Content,
		SourceURL: source,
	})
}

var (
	_ handler.PublishHandler = (*Publisher)(nil)
	_ handler.UpdateHandler  = (*Updater)(nil)
)
