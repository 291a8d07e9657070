package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"finsync/internal/domain/job"
	"finsync/internal/shared/logging"
)

type JobReader interface {
	GetByID(ctx context.Context, id string) (*job.Job, error)
}

type JobHandler struct {
	jobs JobReader
	log  *logrus.Entry
}

func NewJobHandler(jobs JobReader) *JobHandler {
	return &JobHandler{jobs: jobs, log: logging.WithComponent("job_handler")}
}

// HandleGetJob returns the job row so callers can poll a manual sync.
func (h *JobHandler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	j, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.log.WithError(err).WithField("job_id", id).Error("Failed to load job")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}
