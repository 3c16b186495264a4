package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/LeventeLantos/bulk-dispatch/internal/engine"
	"github.com/LeventeLantos/bulk-dispatch/internal/jobs"
	"github.com/LeventeLantos/bulk-dispatch/internal/model"
	"github.com/LeventeLantos/bulk-dispatch/internal/pool"
	"github.com/LeventeLantos/bulk-dispatch/internal/repo"
	"github.com/LeventeLantos/bulk-dispatch/internal/routes"
	"github.com/LeventeLantos/bulk-dispatch/internal/scheduler"
	"github.com/LeventeLantos/bulk-dispatch/internal/targets"
	"github.com/LeventeLantos/bulk-dispatch/internal/templates"
)

type Handler struct {
	sched     *scheduler.Scheduler
	jobs      *jobs.Service
	pool      *pool.Service
	routes    *routes.Service
	targets   *targets.Service
	templates *templates.Service
	reportDir string
}

func NewHandler(
	sched *scheduler.Scheduler,
	jobSvc *jobs.Service,
	poolSvc *pool.Service,
	routeSvc *routes.Service,
	targetSvc *targets.Service,
	templateSvc *templates.Service,
	reportDir string,
) *Handler {
	return &Handler{
		sched:     sched,
		jobs:      jobSvc,
		pool:      poolSvc,
		routes:    routeSvc,
		targets:   targetSvc,
		templates: templateSvc,
		reportDir: reportDir,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"running":  h.sched.IsRunning(),
		"interval": h.sched.Interval().String(),
	}
	if last := h.sched.LastRun(); !last.IsZero() {
		status["lastRun"] = last.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

type createJobRequest struct {
	Name            string   `json:"name"`
	TemplateID      string   `json:"templateId"`
	RecipientSetID  string   `json:"recipientSetId"`
	IdentityHandles []string `json:"identityHandles"`
	ScheduledAt     string   `json:"scheduledAt,omitempty"`
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	var scheduledAt *time.Time
	if req.ScheduledAt != "" {
		t, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			http.Error(w, "scheduledAt must be RFC3339", http.StatusBadRequest)
			return
		}
		scheduledAt = &t
	}

	job, err := h.jobs.Create(r.Context(), req.Name, req.TemplateID, req.RecipientSetID, req.IdentityHandles, scheduledAt)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	items, err := h.jobs.List(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	h.jobControl(w, r, h.jobs.Start)
}

func (h *Handler) PauseJob(w http.ResponseWriter, r *http.Request) {
	h.jobControl(w, r, h.jobs.Pause)
}

func (h *Handler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.jobControl(w, r, h.jobs.Resume)
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	h.jobControl(w, r, h.jobs.Cancel)
}

func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Delete(r.Context(), r.PathValue("id")); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) ExportJobReport(w http.ResponseWriter, r *http.Request) {
	path, err := h.jobs.ExportReport(r.Context(), r.PathValue("id"), h.reportDir)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path})
}

type registerIdentityRequest struct {
	Handle      string  `json:"handle"`
	Credential  string  `json:"credential"`
	DisplayName *string `json:"displayName,omitempty"`
	RouteID     *string `json:"routeId,omitempty"`
}

func (h *Handler) RegisterIdentity(w http.ResponseWriter, r *http.Request) {
	var req registerIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	identity, err := h.pool.Register(r.Context(), req.Handle, req.Credential, req.DisplayName, req.RouteID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, identity)
}

func (h *Handler) ListIdentities(w http.ResponseWriter, r *http.Request) {
	items, err := h.pool.List(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) ValidateIdentity(w http.ResponseWriter, r *http.Request) {
	identity, err := h.pool.Validate(r.Context(), r.PathValue("handle"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

type addRouteRequest struct {
	Route string `json:"route"`
}

func (h *Handler) AddRoute(w http.ResponseWriter, r *http.Request) {
	var req addRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	route, err := h.routes.AddFromString(r.Context(), req.Route)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, route)
}

func (h *Handler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	items, err := h.routes.List(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) TestRoute(w http.ResponseWriter, r *http.Request) {
	working, err := h.routes.Test(r.Context(), r.PathValue("id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"working": working})
}

type importRecipientsRequest struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

func (h *Handler) ImportRecipientSet(w http.ResponseWriter, r *http.Request) {
	var req importRecipientsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	set, read, err := h.targets.Import(r.Context(), req.Name, strings.NewReader(req.Data))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"set": set, "read": read})
}

func (h *Handler) ListRecipientSets(w http.ResponseWriter, r *http.Request) {
	items, err := h.targets.ListSets(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) RecipientSetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.targets.SetStats(r.Context(), r.PathValue("id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type blacklistRequest struct {
	Identifier string `json:"identifier"`
}

func (h *Handler) AddBlacklist(w http.ResponseWriter, r *http.Request) {
	var req blacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	added, err := h.targets.Blacklist(r.Context(), req.Identifier)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added})
}

func (h *Handler) ListBlacklist(w http.ResponseWriter, r *http.Request) {
	items, err := h.targets.ListBlacklist(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type createTemplateRequest struct {
	Name             string         `json:"name"`
	Mode             string         `json:"mode"`
	Text             string         `json:"text,omitempty"`
	MediaRef         string         `json:"mediaRef,omitempty"`
	MediaKind        string         `json:"mediaKind,omitempty"`
	ForwardChannel   string         `json:"forwardChannel,omitempty"`
	ForwardMessageID int64          `json:"forwardMessageId,omitempty"`
	Buttons          []model.Button `json:"buttons,omitempty"`
}

func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	var tpl *model.Template
	var err error
	switch model.ContentMode(req.Mode) {
	case model.ContentText:
		tpl, err = h.templates.CreateText(r.Context(), req.Name, req.Text, req.Buttons)
	case model.ContentMedia:
		tpl, err = h.templates.CreateMedia(r.Context(), req.Name, model.MediaKind(req.MediaKind), req.MediaRef, req.Text, req.Buttons)
	case model.ContentForward:
		tpl, err = h.templates.CreateForward(r.Context(), req.Name, req.ForwardChannel, req.ForwardMessageID)
	default:
		http.Error(w, "mode must be text, media or forward", http.StatusBadRequest)
		return
	}
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	items, err := h.templates.List(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.templates.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.templates.Delete(r.Context(), r.PathValue("id")); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) jobControl(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	if err := op(r.Context(), r.PathValue("id")); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func httpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, jobs.ErrBadStatus),
		errors.Is(err, jobs.ErrAlreadyRunning),
		errors.Is(err, jobs.ErrTooManyJobs),
		errors.Is(err, engine.ErrAlreadyRunning),
		errors.Is(err, engine.ErrNotRunning),
		errors.Is(err, engine.ErrAlreadyPaused),
		errors.Is(err, engine.ErrNotPaused),
		errors.Is(err, engine.ErrBadStatus):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
