package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/start", h.StartJob)
	mux.HandleFunc("POST /v1/jobs/{id}/pause", h.PauseJob)
	mux.HandleFunc("POST /v1/jobs/{id}/resume", h.ResumeJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", h.DeleteJob)
	mux.HandleFunc("POST /v1/jobs/{id}/report", h.ExportJobReport)

	mux.HandleFunc("POST /v1/identities", h.RegisterIdentity)
	mux.HandleFunc("GET /v1/identities", h.ListIdentities)
	mux.HandleFunc("POST /v1/identities/{handle}/validate", h.ValidateIdentity)

	mux.HandleFunc("POST /v1/routes", h.AddRoute)
	mux.HandleFunc("GET /v1/routes", h.ListRoutes)
	mux.HandleFunc("POST /v1/routes/{id}/test", h.TestRoute)

	mux.HandleFunc("POST /v1/recipient-sets", h.ImportRecipientSet)
	mux.HandleFunc("GET /v1/recipient-sets", h.ListRecipientSets)
	mux.HandleFunc("GET /v1/recipient-sets/{id}/stats", h.RecipientSetStats)

	mux.HandleFunc("POST /v1/blacklist", h.AddBlacklist)
	mux.HandleFunc("GET /v1/blacklist", h.ListBlacklist)

	mux.HandleFunc("POST /v1/templates", h.CreateTemplate)
	mux.HandleFunc("GET /v1/templates", h.ListTemplates)
	mux.HandleFunc("GET /v1/templates/{id}", h.GetTemplate)
	mux.HandleFunc("DELETE /v1/templates/{id}", h.DeleteTemplate)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("bulk-dispatch"))
	})

	return mux
}
