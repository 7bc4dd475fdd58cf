// Copyright 2025 OpsConductor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api implements the run-control surface (spec §6): job
// lifecycle CRUD, run submission/cancellation/status, and bulk
// export/import, all over a stdlib http.ServeMux. The live-status
// streaming half of the run-control surface is internal/fanout's
// websocket server, not this package — spec §6 treats Subscribe as part
// of the same table, but its bidirectional framing has nothing in common
// with request/response CRUD, so it gets its own transport the way the
// teacher keeps its daemon/api (CRUD) and mcp/rpc (bidirectional)
// surfaces as separate packages.
//
// Grounded on the teacher's internal/daemon/api/router.go for the
// per-resource-handler-registers-on-mux shape and its request-logging
// middleware wrapping, generalized from the teacher's workflow-runner
// domain to jobs/runs.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/opsconductor/core/internal/httputil"
	"github.com/opsconductor/core/internal/log"
	"github.com/opsconductor/core/internal/orchestrator"
	"github.com/opsconductor/core/internal/queue"
	"github.com/opsconductor/core/internal/store"
)

// Middleware authenticates a request before it reaches any handler.
// Satisfied by internal/authn.Middleware; kept as a narrow local interface
// so this package doesn't import internal/authn directly.
type Middleware interface {
	Wrap(next http.Handler) http.Handler
}

// NewRouter builds the full run-control HTTP surface. mw wraps the whole
// mux, so every route, /healthz included, passes through it; /healthz stays
// open only because the auth middleware's skip list exempts it.
func NewRouter(orch *orchestrator.Orchestrator, s store.Store, dispatcher *queue.Dispatcher, mw Middleware, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	logger = log.Component(logger, "api")

	jobs := &JobsHandler{store: s}
	jobs.RegisterRoutes(mux)

	runs := &RunsHandler{orchestrator: orch, store: s}
	runs.RegisterRoutes(mux)

	mux.HandleFunc("GET /healthz", handleHealth(s))
	mux.HandleFunc("GET /v1/queue", handleQueueDepth(dispatcher))

	var handler http.Handler = mux
	if mw != nil {
		handler = mw.Wrap(handler)
	}
	return withRequestLogging(handler, logger)
}

func withRequestLogging(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			logger.Info("request completed",
				"method", r.Method, "path", r.URL.Path,
				log.DurationKey, time.Since(start).Milliseconds(),
			)
		}()
		next.ServeHTTP(w, r)
	})
}

func handleHealth(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.Ping(r.Context()); err != nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, "store unreachable")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleQueueDepth(dispatcher *queue.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		depth, err := dispatcher.QueueDepth(r.Context())
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, depth)
	}
}
