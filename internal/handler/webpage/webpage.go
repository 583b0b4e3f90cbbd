// Package webpage is a fetch handler that extracts the readable article
// from a list of web pages.
package webpage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chubes4/data-machine/config"
	"github.com/chubes4/data-machine/internal/enginedata"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/handler"
	"github.com/chubes4/data-machine/internal/logging"
	readability "github.com/go-shiori/go-readability"
)

// Slug is the handler slug used in flow configuration.
const Slug = "webpage"

const maxBodyBytes = 5 << 20

// Handler fetches pages over HTTP, or through a browser when a step sets
// render.
type Handler struct {
	client    *http.Client
	renderer  Renderer
	userAgent string
	maxChars  int
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithRenderer replaces the headless Chrome renderer used by render steps.
func WithRenderer(r Renderer) Option {
	return func(h *Handler) { h.renderer = r }
}

// New builds a Handler from configuration.
func New(cfg config.WebpageHandlerConfig, logger *slog.Logger, opts ...Option) *Handler {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "data-machine/1.0"
	}
	h := &Handler{
		client:    &http.Client{Timeout: timeout},
		renderer:  ChromeRenderer{UserAgent: ua, Timeout: timeout},
		userAgent: ua,
		maxChars:  cfg.MaxChars,
		logger:    logging.OrDefault(logger).With(slog.String("handler", Slug)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Describe() handler.Descriptor {
	return handler.Descriptor{
		Slug:     Slug,
		Label:    "Web page",
		StepType: flow.StepFetch,
		Settings: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"urls": map[string]any{
					"type":     "array",
					"items":    map[string]any{"type": "string", "minLength": 1},
					"minItems": 1,
				},
				"max_items": map[string]any{"type": "integer", "minimum": 1},
				"render":    map[string]any{"type": "boolean"},
			},
			"required": []any{"urls"},
		},
		Defaults: flow.Settings{"max_items": 1, "render": false},
	}
}

// Fetch returns up to max_items pages the flow step has not processed yet.
// Engine data is set from the first returned page.
func (h *Handler) Fetch(ctx context.Context, req handler.FetchRequest) ([]handler.Item, error) {
	limit := req.Settings.Int("max_items", 1)
	render := req.Settings.Bool("render", false)
	var (
		items   []handler.Item
		lastErr error
		tried   int
	)
	for _, raw := range req.Settings.Strings("urls") {
		if len(items) >= limit {
			break
		}
		id, err := canonicalURL(raw)
		if err != nil {
			h.logger.Warn("skipping invalid url", slog.String("url", raw), slog.Any("error", err))
			continue
		}
		fresh, err := req.Unprocessed(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("check processed: %w", err)
		}
		if !fresh {
			continue
		}
		tried++
		item, err := h.page(ctx, raw, id, render)
		if err != nil {
			lastErr = err
			h.logger.Warn("page fetch failed",
				slog.String("url", raw),
				slog.String("job_id", req.JobID),
				slog.Any("error", err))
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 && tried > 0 && lastErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", flow.ErrHandler, Slug, lastErr)
	}
	if len(items) > 0 {
		first := items[0]
		values := enginedata.Record{
			enginedata.KeySourceURL: first.SourceURL,
			enginedata.KeyItemID:    first.Identifier,
		}
		if first.ImageURL != "" {
			values[enginedata.KeyImageURL] = first.ImageURL
		}
		if err := req.SetEngineData(ctx, values); err != nil {
			return nil, fmt.Errorf("set engine data: %w", err)
		}
	}
	return items, nil
}

func (h *Handler) page(ctx context.Context, raw, id string, render bool) (handler.Item, error) {
	var (
		body string
		err  error
	)
	if render {
		body, err = h.renderer.Render(ctx, raw)
	} else {
		body, err = h.download(ctx, raw)
	}
	if err != nil {
		return handler.Item{}, err
	}
	pageURL, err := url.Parse(raw)
	if err != nil {
		return handler.Item{}, err
	}
	article, err := readability.FromReader(strings.NewReader(body), pageURL)
	if err != nil {
		return handler.Item{}, fmt.Errorf("extract %s: %w", raw, err)
	}
	text := article.TextContent
	if strings.TrimSpace(text) == "" {
		text = article.Content
	}
	return handler.Item{
		Identifier: id,
		Title:      plainText(article.Title, 0),
		Body:       plainText(text, h.maxChars),
		SourceURL:  raw,
		ImageURL:   article.Image,
		Metadata: map[string]any{
			"byline":    strings.TrimSpace(article.Byline),
			"site_name": strings.TrimSpace(article.SiteName),
			"excerpt":   plainText(article.Excerpt, 0),
		},
		FetchedAt: h.now().UTC(),
	}, nil
}

func (h *Handler) download(ctx context.Context, raw string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("User-Agent", h.userAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("GET %s: status %d", raw, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", raw, err)
	}
	return string(body), nil
}

var _ handler.FetchHandler = (*Handler)(nil)
