package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"waterbender/internal/clock"
	"waterbender/internal/device"
	"waterbender/internal/planner"
	"waterbender/internal/recurrence"
	"waterbender/internal/schedule"
	"waterbender/internal/storage"
	logx "waterbender/pkg/logx"
)

const maxBody = 64 << 10

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		JSONError(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def, maxN int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, maxN)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		JSONError(w, "invalid schedule id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// storeError maps store failures to responses.
func (h *handler) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		JSONError(w, "schedule not found", http.StatusNotFound)
		return
	}
	h.log.Error("store "+op+" failed", logx.Err(err))
	if storage.IsUnavailable(err) {
		JSONError(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	JSONError(w, ErrMessageInternal, http.StatusInternalServerError)
}

type mutationResponse struct {
	ID         int64              `json:"id,omitempty"`
	Schedule   *schedule.Schedule `json:"schedule,omitempty"`
	ActiveJobs int                `json:"active_jobs"`
	ReloadErr  string             `json:"reload_error,omitempty"`
}

const reloadTimeout = 30 * time.Second

// reloadDetached reloads outside the request's cancellation. Reload clears
// every trigger before listing, so a client hanging up must not abort it.
func (h *handler) reloadDetached(r *http.Request) (int, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), reloadTimeout)
	defer cancel()
	return h.deps.Scheduler.Reload(ctx)
}

// reloadAfter re-syncs the engine after a mutation. A failed reload does not undo
// the mutation; it is reported next to the result.
func (h *handler) reloadAfter(r *http.Request, resp *mutationResponse) {
	n, err := h.reloadDetached(r)
	resp.ActiveJobs = n
	if err != nil {
		h.log.Error("reload after mutation failed", logx.Err(err))
		resp.ReloadErr = err.Error()
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	out := map[string]any{"status": "ok"}
	status := http.StatusOK
	if err := h.deps.Store.Ping(ctx); err != nil {
		out["status"] = "degraded"
		out["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if c, ok := h.deps.Publisher.(interface{ Connected() bool }); ok {
		out["transport_connected"] = c.Connected()
	}
	if h.deps.Scheduler != nil {
		out["scheduler"] = h.deps.Scheduler.Snapshot().State
	}
	writeJSON(w, status, out)
}

func (h *handler) listHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := h.deps.Store.ListHistory(r.Context(), queryInt(r, "limit", 50, 500))
	if err != nil {
		h.storeError(w, "history", err)
		return
	}
	if rows == nil {
		rows = []schedule.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *handler) deviceState(w http.ResponseWriter, r *http.Request) {
	if h.deps.Device == nil {
		JSONError(w, "telemetry not running", http.StatusServiceUnavailable)
		return
	}
	st := h.deps.Device.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":  st,
		"online": st.Online(time.Now(), 0),
	})
}

func (h *handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	opt := storage.ListOptions{
		Limit:  queryInt(r, "limit", 100, 500),
		Offset: queryInt(r, "offset", 0, 1<<30),
	}
	if s := schedule.Status(r.URL.Query().Get("status")); s != "" {
		if !s.Valid() {
			JSONValidationError(w, "validation failed", map[string]string{"status": "must be active or inactive"})
			return
		}
		opt.Status = s
	}
	rows, err := h.deps.Store.List(r.Context(), opt)
	if err != nil {
		h.storeError(w, "list", err)
		return
	}
	if rows == nil {
		rows = []schedule.Schedule{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s, err := h.deps.Store.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var in schedule.Schedule
	if !decode(w, r, &in) {
		return
	}
	in.ID, in.CreatedAt = 0, time.Time{}
	in = in.Normalized()
	if fields := in.Validate(); fields != nil {
		JSONValidationError(w, "validation failed", fields)
		return
	}
	if _, err := h.deps.Scheduler.Compiler().Compile(in); err != nil {
		JSONValidationError(w, "validation failed", compileFields(in, err))
		return
	}

	id, err := h.deps.Store.Insert(r.Context(), in)
	if err != nil {
		h.storeError(w, "insert", err)
		return
	}
	in.ID = id
	resp := mutationResponse{ID: id, Schedule: &in}
	h.reloadAfter(r, &resp)
	h.log.Info("schedule created", logx.Int64("id", id), logx.String("type", string(in.Type)))
	writeJSON(w, http.StatusCreated, resp)
}

func compileFields(s schedule.Schedule, err error) map[string]string {
	var mt *clock.MalformedTimeError
	var ir *recurrence.InvalidRecurrenceError
	switch {
	case errors.Is(err, recurrence.ErrExpired):
		return map[string]string{"datetime": "must be in the future"}
	case errors.As(err, &mt):
		field := mt.Field
		if field == "time" {
			field = "datetime"
		}
		return map[string]string{field: "expected " + mt.Want}
	case errors.As(err, &ir):
		field := "datetime"
		switch {
		case s.Type == schedule.TypeHourly:
			field = "repeat_interval"
		case strings.HasPrefix(ir.Reason, "weekday"):
			field = "weekday"
		case strings.HasPrefix(ir.Reason, "unknown type"):
			field = "type"
		}
		return map[string]string{field: ir.Reason}
	}
	return map[string]string{"schedule": err.Error()}
}

func (h *handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.deps.Store.DeleteByID(r.Context(), id); err != nil {
		h.storeError(w, "delete", err)
		return
	}
	resp := mutationResponse{ID: id}
	h.reloadAfter(r, &resp)
	h.log.Info("schedule deleted", logx.Int64("id", id))
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) setStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in struct {
		Status schedule.Status `json:"status"`
	}
	if !decode(w, r, &in) {
		return
	}
	if !in.Status.Valid() {
		JSONValidationError(w, "validation failed", map[string]string{"status": "must be active or inactive"})
		return
	}
	if err := h.deps.Store.SetStatus(r.Context(), id, in.Status); err != nil {
		h.storeError(w, "set status", err)
		return
	}
	resp := mutationResponse{ID: id}
	h.reloadAfter(r, &resp)
	h.log.Info("schedule status changed", logx.Int64("id", id), logx.String("status", string(in.Status)))
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) reload(w http.ResponseWriter, r *http.Request) {
	n, err := h.reloadDetached(r)
	if err != nil {
		h.log.Error("manual reload failed", logx.Err(err))
		JSONError(w, "reload failed: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{ActiveJobs: n})
}

func (h *handler) schedulerSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Scheduler.Snapshot())
}

func (h *handler) control(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Command string `json:"command"`
	}
	if !decode(w, r, &in) {
		return
	}
	cmd, err := device.ParseCommand(in.Command)
	if err != nil {
		JSONValidationError(w, "validation failed", map[string]string{"command": "must be WATER_ON, WATER_OFF or AUTO_MODE"})
		return
	}
	if err := h.deps.Publisher.Publish(r.Context(), h.deps.Topics.Commands, []byte(cmd)); err != nil {
		h.log.Error("control publish failed", logx.String("command", string(cmd)), logx.Err(err))
		JSONError(w, "transport unavailable", http.StatusServiceUnavailable)
		return
	}
	h.log.Info("control command sent", logx.String("command", string(cmd)))
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "command": cmd})
}

func (h *handler) autoSchedule(w http.ResponseWriter, r *http.Request) {
	if h.deps.Planner == nil {
		JSONError(w, "auto-schedule is not configured", http.StatusServiceUnavailable)
		return
	}
	var in planner.Request
	if !decode(w, r, &in) {
		return
	}
	res, err := h.deps.Planner.Plan(r.Context(), in)
	if err != nil {
		h.log.Error("auto-schedule failed", logx.Err(err))
		JSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := map[string]any{"success": true, "batch_id": res.BatchID}
	if res.Generated == 0 {
		out["message"] = res.Message
	} else {
		out["generated"] = res.Generated
		out["schedules"] = res.Schedules
		out["ids"] = res.IDs
		out["active_jobs"] = res.ActiveJobs
	}
	writeJSON(w, http.StatusOK, out)
}
