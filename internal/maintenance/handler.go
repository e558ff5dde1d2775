package maintenance

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"member-auth/internal/observability"
)

// Handler exposes the cleanup jobs on demand, guarded by a shared secret.
// Deployments without an in-process scheduler can drive them from an
// external cron instead.
type Handler struct {
	jobs       []Job
	cronSecret string
	logger     *observability.Logger
}

func NewHandler(cronSecret string, logger *observability.Logger, jobs ...Job) *Handler {
	return &Handler{jobs: jobs, cronSecret: cronSecret, logger: logger}
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.cronSecret == "" {
		return false
	}

	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cronSecret)) == 1
}

func (h *Handler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}

	results := make(map[string]any, len(h.jobs))
	failed := false

	for _, job := range h.jobs {
		counters, err := job.Run(r.Context())
		if err != nil {
			failed = true
			sentry.CaptureException(err)
			h.logger.Error("cleanup job failed", map[string]any{
				"job":   job.Name(),
				"error": err.Error(),
			})
			results[job.Name()] = map[string]any{"error": err.Error()}
			continue
		}
		results[job.Name()] = counters
	}

	status := http.StatusOK
	if failed {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, results)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
