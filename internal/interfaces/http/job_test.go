package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"finsync/internal/domain/job"
)

type MockJobReader struct {
	GetByIDFunc func(ctx context.Context, id string) (*job.Job, error)
}

func (m *MockJobReader) GetByID(ctx context.Context, id string) (*job.Job, error) {
	return m.GetByIDFunc(ctx, id)
}

func TestHandleGetJob(t *testing.T) {
	tests := []struct {
		name string
		job  *job.Job
		err  error
		want int
	}{
		{"found", &job.Job{ID: "job-1", Kind: job.KindSyncConnection, Status: job.StatusRunning, Attempts: 1}, nil, http.StatusOK},
		{"missing", nil, job.ErrNotFound, http.StatusNotFound},
		{"store error", nil, errors.New("timeout"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewJobHandler(&MockJobReader{GetByIDFunc: func(ctx context.Context, id string) (*job.Job, error) {
				return tt.job, tt.err
			}})

			req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil)
			req.SetPathValue("id", "job-1")
			rr := httptest.NewRecorder()
			h.HandleGetJob(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}
			var got job.Job
			if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.ID != "job-1" || got.Status != job.StatusRunning {
				t.Errorf("job = %+v", got)
			}
		})
	}
}
