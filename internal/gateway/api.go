// ABOUTME: HTTP API handlers for operating the swarm: tasks, agents, events and status
// ABOUTME: Also registers health probes, the metrics endpoint and the agent websocket

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/auth"
	"github.com/2389/coven-swarm/internal/channel"
	"github.com/2389/coven-swarm/internal/profile"
	"github.com/2389/coven-swarm/internal/store"
	"github.com/2389/coven-swarm/internal/task"
)

// maxRequestBytes bounds API request bodies.
const maxRequestBytes = 1 << 20

// DeployRequest is the JSON request body for POST /api/agents.
type DeployRequest struct {
	Type  string `json:"type"`
	Count int    `json:"count,omitempty"`
}

// DeployResponse is the JSON response for POST /api/agents.
// Error is set when only part of the requested count could be deployed.
type DeployResponse struct {
	Agents []agent.Agent `json:"agents"`
	Error  string        `json:"error,omitempty"`
}

// ListTasksResponse is the JSON response for GET /api/tasks.
type ListTasksResponse struct {
	Tasks []task.Task `json:"tasks"`
}

// ListAgentsResponse is the JSON response for GET /api/agents.
type ListAgentsResponse struct {
	Agents  []agent.Agent `json:"agents"`
	History []agent.Agent `json:"history,omitempty"`
}

var taskStatuses = []task.Status{
	task.StatusPending,
	task.StatusAssigned,
	task.StatusInProgress,
	task.StatusCompleted,
	task.StatusFailed,
	task.StatusFailedPermanent,
	task.StatusCancelled,
}

// registerRoutes wires health, metrics, websocket and API handlers onto mux.
// The API is wrapped with JWT auth when auth.jwt_secret is configured.
func (g *Gateway) registerRoutes(mux *http.ServeMux) error {
	// Health endpoints - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	// Agents authenticate in-band with their credential
	mux.Handle("/ws", g.channel)

	if g.config.Metrics.Enabled {
		path := g.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.HandlerFor(g.metrics, promhttp.HandlerOpts{}))
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/tasks", g.handleSubmitTask)
	api.HandleFunc("GET /api/tasks", g.handleListTasks)
	api.HandleFunc("GET /api/tasks/{id}", g.handleGetTask)
	api.HandleFunc("DELETE /api/tasks/{id}", g.handleCancelTask)
	api.HandleFunc("GET /api/swarm", g.handleSwarm)
	api.HandleFunc("GET /api/agents", g.handleListAgents)
	api.HandleFunc("POST /api/agents", g.handleDeployAgents)
	api.HandleFunc("DELETE /api/agents/{id}", g.handleTerminateAgent)
	api.HandleFunc("POST /api/agents/{id}/restart", g.handleRestartAgent)
	api.HandleFunc("GET /api/events", g.handleListEvents)
	api.HandleFunc("GET /api/events/stream", g.handleEventStream)

	var h http.Handler = api
	if g.config.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
		h = auth.HTTPAuthMiddleware(verifier)(auth.RequireOperatorHTTP()(api))
		g.logger.Info("API authentication enabled")
	} else {
		g.logger.Warn("API authentication disabled; set auth.jwt_secret to protect /api")
	}
	mux.Handle("/api/", h)
	return nil
}

// handleHealth returns 200 OK if the server is running.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	connected := 0
	for _, a := range g.registry.List() {
		if a.Connected {
			connected++
		}
	}
	if connected == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", connected)
}

// handleSubmitTask enqueues a task. A repeated Idempotency-Key returns the
// task created by the first request with 200 instead of submitting again.
func (g *Gateway) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req task.SubmitRequest
	if !g.decode(w, r, &req) {
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		t, err := g.Submit(r.Context(), req)
		if err != nil {
			g.sendError(w, err)
			return
		}
		g.recordAction(r.Context(), "task.submit", t.ID, map[string]any{"type": t.Type})
		writeJSON(w, http.StatusAccepted, t)
		return
	}

	var created task.Task
	id, existed, err := g.submitted.Resolve(actorOf(r.Context())+"/"+key, func() (string, error) {
		t, err := g.Submit(r.Context(), req)
		created = t
		return t.ID, err
	})
	if err != nil {
		g.sendError(w, err)
		return
	}
	if !existed {
		g.recordAction(r.Context(), "task.submit", created.ID, map[string]any{"type": created.Type, "idempotency_key": key})
		writeJSON(w, http.StatusAccepted, created)
		return
	}
	t, err := g.Status(r.Context(), id)
	if err != nil {
		g.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleListTasks returns active and recent tasks, topped up from stored
// history, newest history last. Supports ?status= and ?limit=.
func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := task.Status(q.Get("status"))
	if status != "" && !slices.Contains(taskStatuses, status) {
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	limit, ok := g.parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}

	tasks := g.dispatcher.List(status)
	if len(tasks) < limit {
		stored, err := g.store.ListTasks(r.Context(), store.TaskFilter{Status: status, Limit: limit})
		if err != nil {
			g.logger.Error("listing stored tasks", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		seen := make(map[string]bool, len(tasks))
		for _, t := range tasks {
			seen[t.ID] = true
		}
		for _, t := range stored {
			if !seen[t.ID] {
				tasks = append(tasks, t)
			}
		}
	}
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, ListTasksResponse{Tasks: tasks})
}

func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := g.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (g *Gateway) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := g.dispatcher.Cancel(r.PathValue("id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.recordAction(r.Context(), "task.cancel", t.ID, nil)
	writeJSON(w, http.StatusOK, t)
}

func (g *Gateway) handleSwarm(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.SwarmStatus())
}

// handleListAgents returns the live pool; ?history=true adds retired agents
// from the store.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	resp := ListAgentsResponse{Agents: g.registry.List()}
	if resp.Agents == nil {
		resp.Agents = []agent.Agent{}
	}
	if r.URL.Query().Get("history") == "true" {
		limit, ok := g.parseLimit(w, r.URL.Query().Get("limit"))
		if !ok {
			return
		}
		hist, err := g.store.ListAgents(r.Context(), limit)
		if err != nil {
			g.logger.Error("listing stored agents", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		resp.History = hist
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDeployAgents deploys count agents of one type. Partial success
// still returns 201 with the deployed agents and the error that stopped it.
func (g *Gateway) handleDeployAgents(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if !g.decode(w, r, &req) {
		return
	}
	typ, err := profile.Parse(req.Type)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "count must be positive")
		return
	}

	var resp DeployResponse
	for range req.Count {
		a, err := g.dispatcher.DeployAgent(r.Context(), typ, "manual")
		if err != nil {
			if len(resp.Agents) == 0 {
				g.sendError(w, err)
				return
			}
			resp.Error = err.Error()
			break
		}
		resp.Agents = append(resp.Agents, a)
	}
	g.recordAction(r.Context(), "agent.deploy", string(typ), map[string]any{"count": len(resp.Agents)})
	writeJSON(w, http.StatusCreated, resp)
}

func (g *Gateway) handleTerminateAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := g.dispatcher.TerminateAgent(r.Context(), id)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.channel.SendToAgent(id, channel.Shutdown{Reason: "terminated"})
	g.channel.Disconnect(id, "terminated")
	g.recordAction(r.Context(), "agent.terminate", id, nil)
	writeJSON(w, http.StatusOK, a)
}

func (g *Gateway) handleRestartAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := g.dispatcher.RestartAgent(r.Context(), id)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.recordAction(r.Context(), "agent.restart", id, nil)
	writeJSON(w, http.StatusOK, a)
}

// handleListEvents returns stored events newest first.
// Supports ?kind=, ?subject= and ?limit=.
func (g *Gateway) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := g.parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	g.eventLog.Flush()
	evs, err := g.store.ListEvents(r.Context(), store.EventFilter{
		Kind:    q.Get("kind"),
		Subject: q.Get("subject"),
		Limit:   limit,
	})
	if err != nil {
		g.logger.Error("listing events", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// handleEventStream streams live swarm events as server-sent events.
// ?kind= filters by kind prefix ("task." for every task event).
func (g *Gateway) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, _ := g.stream.Subscribe(r.Context(), r.URL.Query().Get("kind"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for e := range ch {
		g.writeSSEEvent(w, e.Kind, e)
		flusher.Flush()
	}
}

// writeSSEEvent writes a single SSE event.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// decode reads a JSON body into v, answering 400 on failure.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// parseLimit parses ?limit=, defaulting to 50 and capping at 500.
func (g *Gateway) parseLimit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 50, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, 500), true
}

// sendError maps a domain error onto an HTTP status.
func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("API request failed", "error", err)
		g.sendJSONError(w, status, "internal server error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrInvalidTask), errors.Is(err, agent.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, agent.ErrAgentNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrTaskFinished), errors.Is(err, agent.ErrRegistryFull), errors.Is(err, agent.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, task.ErrDraining):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendJSONError writes a JSON error response with the given status code and message.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
