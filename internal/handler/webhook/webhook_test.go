package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chubes4/data-machine/config"
	"github.com/chubes4/data-machine/internal/enginedata"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/handler"
	"github.com/chubes4/data-machine/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method string
	header http.Header
	body   Body
}

func endpoint(t *testing.T, status int, reply string) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.header = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got.body))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestPublisherPostsContent(t *testing.T) {
	srv, got := endpoint(t, http.StatusCreated, `{"id":"42","url":"https://site.example/p/42"}`)
	p := NewPublisher(config.WebhookHandlerConfig{}, logging.Discard())

	out, err := p.Publish(context.Background(), handler.ActionRequest{
		JobID:    "job-1",
		Settings: flow.Settings{"url": srv.URL, "headers": map[string]any{"X-Token": "secret"}},
		Title:    "Hello",
		Content:  "World",
		EngineData: enginedata.Record{
			enginedata.KeySourceURL: "https://origin.example/a",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, handler.Outcome{ID: "42", URL: "https://site.example/p/42"}, out)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "secret", got.header.Get("X-Token"))
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.Equal(t, Body{
		Action:    "publish",
		JobID:     "job-1",
		Title:     "Hello",
		Content:   "World",
		SourceURL: "https://origin.example/a",
	}, got.body)
}

func TestPublisherNonJSONReply(t *testing.T) {
	srv, _ := endpoint(t, http.StatusOK, "ok")
	p := NewPublisher(config.WebhookHandlerConfig{}, logging.Discard())

	out, err := p.Publish(context.Background(), handler.ActionRequest{
		Settings: flow.Settings{"url": srv.URL},
		Content:  "x",
	})
	require.NoError(t, err)
	assert.Equal(t, handler.Outcome{}, out)
}

func TestPublisherErrorStatus(t *testing.T) {
	srv, _ := endpoint(t, http.StatusBadGateway, "")
	p := NewPublisher(config.WebhookHandlerConfig{}, logging.Discard())

	_, err := p.Publish(context.Background(), handler.ActionRequest{
		Settings: flow.Settings{"url": srv.URL},
		Content:  "x",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestUpdaterUsesSourceURL(t *testing.T) {
	srv, got := endpoint(t, http.StatusOK, "")
	u := NewUpdater(config.WebhookHandlerConfig{}, logging.Discard())

	_, err := u.Update(context.Background(), handler.ActionRequest{
		Settings:   flow.Settings{"url": srv.URL, "method": http.MethodPatch},
		Content:    "changed",
		EngineData: enginedata.Record{enginedata.KeySourceURL: "https://origin.example/a"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, got.method)
	assert.Equal(t, "update", got.body.Action)
	assert.Equal(t, "https://origin.example/a", got.body.SourceURL)
}

func TestUpdaterRequiresSourceURL(t *testing.T) {
	u := NewUpdater(config.WebhookHandlerConfig{}, logging.Discard())

	_, err := u.Update(context.Background(), handler.ActionRequest{
		Settings: flow.Settings{"url": "http://unused.invalid"},
		Content:  "changed",
	})
	var missing flow.MissingEngineDataError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, enginedata.KeySourceURL, missing.Key)
	assert.Equal(t, flow.KindMissingEngineData, flow.KindOf(err))
}

func TestDescriptors(t *testing.T) {
	pub := NewPublisher(config.WebhookHandlerConfig{}, nil).Describe()
	upd := NewUpdater(config.WebhookHandlerConfig{}, nil).Describe()
	assert.Equal(t, flow.StepPublish, pub.StepType)
	assert.Equal(t, flow.StepUpdate, upd.StepType)
	assert.Equal(t, http.MethodPost, pub.Defaults["method"])
	assert.Equal(t, http.MethodPut, upd.Defaults["method"])
}
