// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package localapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildd-run/runner/internal/events"
)

func TestHealth_ReportsActiveWorkers(t *testing.T) {
	r := NewRouter(Dependencies{
		Health:    func() int { return 3 },
		StartedAt: time.Now().Add(-5 * time.Second),
		Version:   "test",
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, float64(3), data["activeWorkers"])
}

func TestEvents_History_FiltersByWorkerID(t *testing.T) {
	bus := events.NewMemoryEventBus(events.MemoryBusConfig{HistoryMaxEvents: 100, HistoryMaxAge: time.Hour})
	defer bus.Close()

	require.NoError(t, bus.Publish(context.Background(), events.Event{Type: events.EventWorkerCreated, WorkerID: "a"}))
	require.NoError(t, bus.Publish(context.Background(), events.Event{Type: events.EventWorkerCreated, WorkerID: "b"}))

	r := NewRouter(Dependencies{EventBus: bus})

	req := httptest.NewRequest(http.MethodGet, "/events?workerId=a", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []events.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "a", resp.Data[0].WorkerID)
}

func TestEvents_History_NilBusReturnsEmpty(t *testing.T) {
	r := NewRouter(Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []events.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 0)
}
