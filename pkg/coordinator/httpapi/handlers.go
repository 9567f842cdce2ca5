package httpapi

import (
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/observability"
	"github.com/benchfleet/benchfleet/pkg/store"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = remoteHost(r)
	}
	device, err := h.registry.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (h *handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req api.HeartbeatRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	device, err := h.registry.Heartbeat(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.HeartbeatResponse{Status: "ok", DeviceID: device.ID})
}

func (h *handler) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.registry.List(r.Context(), api.DeviceStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (h *handler) getDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (h *handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req api.CreateTaskRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	task, err := h.tasks.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pageSize, err := queryInt(r, "page_size", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	list, err := h.tasks.List(r.Context(), api.TaskStatus(r.URL.Query().Get("status")), page, pageSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) pendingTasks(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	ctx := observability.WithDeviceID(r.Context(), deviceID)
	pending, err := h.tasks.PollPending(ctx, deviceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handler) retryTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *handler) taskExecutions(w http.ResponseWriter, r *http.Request) {
	executions, err := h.tasks.Executions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

func (h *handler) softwareError(w http.ResponseWriter, r *http.Request) {
	var req api.SoftwareErrorRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.tasks.ReportSoftwareError(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) startExecution(w http.ResponseWriter, r *http.Request) {
	var req api.StartExecutionRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.tasks.StartExecution(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.tasks.Execution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *handler) completeExecution(w http.ResponseWriter, r *http.Request) {
	var req api.CompleteExecutionRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.tasks.CompleteExecution(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) pushMetrics(w http.ResponseWriter, r *http.Request) {
	var req api.PushMetricsRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.tasks.PushMetrics(r.Context(), chi.URLParam(r, "id"), req.MetricsData)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) executionMetrics(w http.ResponseWriter, r *http.Request) {
	samples, err := h.tasks.Metrics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (h *handler) enqueueCommand(w http.ResponseWriter, r *http.Request) {
	var req api.CreateCommandRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cmd, err := h.commands.Enqueue(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (h *handler) listCommands(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	list, err := h.commands.List(r.Context(), q.Get("device_id"), api.CommandStatus(q.Get("status")), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) pendingCommands(w http.ResponseWriter, r *http.Request) {
	pending, err := h.commands.Pending(r.Context(), r.URL.Query().Get("device_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.CommandList{Total: len(pending), Items: pending})
}

func (h *handler) getCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.commands.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (h *handler) acknowledgeCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.commands.Acknowledge(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (h *handler) completeCommand(w http.ResponseWriter, r *http.Request) {
	var req api.CompleteCommandRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cmd, err := h.commands.Complete(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (h *handler) registerSoftware(w http.ResponseWriter, r *http.Request) {
	var req api.SoftwareDescriptor
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sw, err := h.catalog.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sw)
}

func (h *handler) listSoftware(w http.ResponseWriter, r *http.Request) {
	list, err := h.catalog.List(r.Context(), queryBool(r, "active"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getSoftware(w http.ResponseWriter, r *http.Request) {
	sw, err := h.catalog.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sw)
}

func (h *handler) downloadSoftware(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	path, err := h.catalog.PackagePath(r.Context(), code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Debug("Serving package", zap.String("code", code), zap.String("path", path))
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filepath.Base(path)+"\"")
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, path)
}

func (h *handler) fleetStatus(w http.ResponseWriter, r *http.Request) {
	online, err := h.registry.OnlineDeviceIDs(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FleetStatus{
		ClaimMode:      h.tasks.ClaimMode(),
		StaleThreshold: h.registry.Threshold().String(),
		OnlineDevices:  online,
		Scheduler:      h.scheduler.Status(r.Context()),
	})
}

func (h *handler) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Status(r.Context()))
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.scheduler.Jobs(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.scheduler.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) pauseJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.scheduler.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) resumeJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.scheduler.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) runJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.scheduler.RunNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) removeJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.scheduler.Remove(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: "removed", Message: id})
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusOK, []observability.Event{})
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := observability.EventFilter{
		ActorID:      q.Get("actor_id"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Limit:        limit,
	}
	for _, t := range splitList(q.Get("type")) {
		filter.Types = append(filter.Types, observability.EventType(t))
	}
	for _, sev := range splitList(q.Get("severity")) {
		filter.Severities = append(filter.Severities, observability.EventSeverity(sev))
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.writeError(w, r, &store.ValidationError{Field: "since", Message: "must be an RFC3339 timestamp"})
			return
		}
		filter.Since = ts
	}
	events := h.events.GetEvents(filter)
	if events == nil {
		events = []observability.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
