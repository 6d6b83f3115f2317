// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package localapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/buildd-run/runner/internal/events"
)

// newMiddleware returns the standard request-logging/panic-recovery chain
// every handler in this package runs behind.
func newMiddleware(h http.Handler) http.Handler {
	return logging(recovery(h))
}

// HealthFunc reports the runner's current active worker count, called
// fresh on every /health request.
type HealthFunc func() (activeWorkers int)

// Dependencies holds the local API's collaborators.
type Dependencies struct {
	EventBus  events.EventBus
	Health    HealthFunc
	StartedAt time.Time
	Version   string
}

// NewRouter builds the local API's mux.Router: GET /health and
// GET /events (history replay backed by internal/events).
func NewRouter(deps Dependencies) *mux.Router {
	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(func(h http.Handler) http.Handler { return newMiddleware(h) }))

	h := &healthHandler{deps: deps}
	r.HandleFunc("/health", h.Health).Methods("GET")

	e := &eventHandler{bus: deps.EventBus}
	r.HandleFunc("/events", e.History).Methods("GET")

	return r
}

type healthHandler struct {
	deps Dependencies
}

func (h *healthHandler) Health(w http.ResponseWriter, r *http.Request) {
	active := 0
	if h.deps.Health != nil {
		active = h.deps.Health()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"version":       h.deps.Version,
		"uptimeSeconds": int(time.Since(h.deps.StartedAt).Seconds()),
		"activeWorkers": active,
	})
}

type eventHandler struct {
	bus events.EventBus
}

// History replays event-bus history filtered by the same query parameters
// the teacher's EventHandler.History accepts, with "worktree" renamed to
// "workerId" to match this domain's filter field.
func (h *eventHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeJSON(w, http.StatusOK, []events.Event{})
		return
	}

	query := r.URL.Query()
	filter := events.EventFilter{}

	if types := query["type"]; len(types) > 0 {
		filter.Types = types
	}
	if id := query.Get("workerId"); id != "" {
		filter.WorkerID = id
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if sinceStr := query.Get("since"); sinceStr != "" {
		if t, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			filter.Since = t
		}
	}
	if untilStr := query.Get("until"); untilStr != "" {
		if t, err := time.Parse(time.RFC3339, untilStr); err == nil {
			filter.Until = t
		}
	}

	eventList, err := h.bus.History(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eventList)
}
