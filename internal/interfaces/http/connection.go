package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"finsync/internal/domain/connection"
	"finsync/internal/domain/job"
	"finsync/internal/domain/provider"
	"finsync/internal/shared/logging"
)

// ConnectionReader is the read side of the connection store used here.
type ConnectionReader interface {
	GetByID(ctx context.Context, id string) (*connection.Connection, error)
}

// ConnectionHandler triggers pipeline work for one connection. Every
// trigger is a queued job; the request never waits for the sync itself.
type ConnectionHandler struct {
	connections ConnectionReader
	jobs        job.Queue
	log         *logrus.Entry
}

func NewConnectionHandler(connections ConnectionReader, jobs job.Queue) *ConnectionHandler {
	return &ConnectionHandler{
		connections: connections,
		jobs:        jobs,
		log:         logging.WithComponent("connection_handler"),
	}
}

type JobAcceptedResponse struct {
	JobID string `json:"jobId"`
}

// ConnectionResponse is the public view of a connection. The credential
// is never included.
type ConnectionResponse struct {
	ID                 string        `json:"id"`
	Provider           provider.Name `json:"provider"`
	InstitutionName    string        `json:"institutionName"`
	Status             string        `json:"status"`
	ErrorMessage       *string       `json:"errorMessage"`
	Enabled            bool          `json:"enabled"`
	LastCheckedAt      *string       `json:"lastCheckedAt"`
	LastAccessedAt     *string       `json:"lastAccessedAt"`
	BalanceLastUpdated *string       `json:"balanceLastUpdated"`
	RecoveryAttempts   int           `json:"recoveryAttempts"`
}

func toConnectionResponse(c *connection.Connection) ConnectionResponse {
	return ConnectionResponse{
		ID:                 c.ID,
		Provider:           c.Provider,
		InstitutionName:    c.DisplayName(),
		Status:             string(c.Status),
		ErrorMessage:       c.ErrorMessage,
		Enabled:            c.Enabled,
		LastCheckedAt:      formatTime(c.LastCheckedAt),
		LastAccessedAt:     formatTime(c.LastAccessedAt),
		BalanceLastUpdated: formatTime(c.BalanceLastUpdated),
		RecoveryAttempts:   c.RecoveryAttempts,
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// HandleGetConnection returns the connection's health state.
func (h *ConnectionHandler) HandleGetConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toConnectionResponse(conn))
}

// HandleSync queues a manual sync and answers 202 with the job id.
func (h *ConnectionHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.load(w, r)
	if !ok {
		return
	}
	if !conn.Enabled || conn.Status == connection.StatusDisconnected {
		writeError(w, http.StatusConflict, "connection is disabled")
		return
	}

	h.enqueue(w, r, conn.ID, job.Request{
		Kind:    job.KindSyncConnection,
		Payload: job.SyncConnectionPayload{ConnectionID: conn.ID, ManualSync: true},
	})
}

// HandleSetup queues the post-creation setup of a connection.
func (h *ConnectionHandler) HandleSetup(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.load(w, r)
	if !ok {
		return
	}
	if !conn.HasTeam() {
		writeError(w, http.StatusUnprocessableEntity, "connection has no owning team")
		return
	}

	h.enqueue(w, r, conn.ID, job.Request{
		Kind:    job.KindInitialSetup,
		Payload: job.InitialSetupPayload{ConnectionID: conn.ID},
	})
}

func (h *ConnectionHandler) load(w http.ResponseWriter, r *http.Request) (*connection.Connection, bool) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "connection id is required")
		return nil, false
	}

	conn, err := h.connections.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			writeError(w, http.StatusNotFound, "connection not found")
			return nil, false
		}
		h.log.WithError(err).WithField("connection_id", id).Error("Failed to load connection")
		writeError(w, http.StatusInternalServerError, "failed to load connection")
		return nil, false
	}
	return conn, true
}

func (h *ConnectionHandler) enqueue(w http.ResponseWriter, r *http.Request, connectionID string, req job.Request) {
	jobID, err := h.jobs.Enqueue(r.Context(), req)
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"connection_id": connectionID,
			"kind":          req.Kind,
		}).Error("Failed to enqueue job")
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	h.log.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"kind":          req.Kind,
		"job_id":        jobID,
	}).Info("Job accepted")
	writeJSON(w, http.StatusAccepted, JobAcceptedResponse{JobID: jobID})
}
