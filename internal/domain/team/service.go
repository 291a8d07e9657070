package team

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"finsync/internal/domain/activity"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/job"
	"finsync/internal/domain/provider"
	"finsync/internal/shared/logging"
)

// dueScheduleLimit caps how many schedules one tick processes.
const dueScheduleLimit = 200

// Service owns team-scoped sync lifecycle: initial setup, recurring
// schedules and deletion.
type Service struct {
	repo        Repository
	connections connection.Repository
	jobs        job.Queue
	gateway     provider.Gateway
	activity    activity.Repository
	log         *logrus.Entry
	now         func() time.Time
}

func NewService(
	repo Repository,
	connections connection.Repository,
	jobs job.Queue,
	gateway provider.Gateway,
	activityRepo activity.Repository,
) *Service {
	return &Service{
		repo:        repo,
		connections: connections,
		jobs:        jobs,
		gateway:     gateway,
		activity:    activityRepo,
		log:         logging.WithComponent("team"),
		now:         time.Now,
	}
}

// InitialSetup runs once after a connection is created. It makes sure the
// team has a recurring schedule, links it to the connection and triggers a
// first manual sync. Returns the id of the enqueued sync job.
func (s *Service) InitialSetup(ctx context.Context, connectionID string) (string, error) {
	conn, err := s.connections.GetByID(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if !conn.HasTeam() {
		return "", connection.ErrNoTeam
	}

	sched, err := s.ensureSchedule(ctx, *conn.TeamID)
	if err != nil {
		return "", err
	}

	if conn.ScheduleRef == nil || *conn.ScheduleRef != sched.ID {
		if err := s.connections.SetScheduleRef(ctx, conn.ID, sched.ID); err != nil {
			return "", fmt.Errorf("failed to link schedule: %w", err)
		}
	}

	jobID, err := s.jobs.Enqueue(ctx, job.Request{
		Kind:    job.KindSyncConnection,
		Payload: job.SyncConnectionPayload{ConnectionID: conn.ID, ManualSync: true},
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue initial sync: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"team_id":       *conn.TeamID,
		"schedule_id":   sched.ID,
		"job_id":        jobID,
	}).Info("Initial setup complete")

	return jobID, nil
}

func (s *Service) ensureSchedule(ctx context.Context, teamID string) (*Schedule, error) {
	sched, err := s.repo.GetSchedule(ctx, teamID)
	if err == nil {
		return sched, nil
	}
	if !errors.Is(err, ErrScheduleNotFound) {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}

	now := s.now().UTC()
	created, err := s.repo.CreateSchedule(ctx, Schedule{
		ID:        uuid.NewString(),
		TeamID:    teamID,
		Cadence:   DefaultCadence,
		NextRunAt: now.Add(DefaultCadence),
		CreatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}
	return created, nil
}

// TickResult summarizes one RunDueSchedules pass.
type TickResult struct {
	Schedules int
	Enqueued  int
	Failed    int
}

// RunDueSchedules enqueues an automated sync for every enabled connection
// of each team whose schedule is due, then advances the schedule. A team
// that fails to enqueue keeps its next_run_at and is retried next tick.
func (s *Service) RunDueSchedules(ctx context.Context) (*TickResult, error) {
	now := s.now().UTC()
	due, err := s.repo.ListDueSchedules(ctx, now, dueScheduleLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}

	result := &TickResult{Schedules: len(due)}
	enabled := true

	for _, sched := range due {
		log := s.log.WithFields(logrus.Fields{"team_id": sched.TeamID, "schedule_id": sched.ID})

		conns, err := s.connections.List(ctx, connection.Filter{TeamID: sched.TeamID, Enabled: &enabled})
		if err != nil {
			log.WithError(err).Warn("Failed to list team connections")
			result.Failed++
			continue
		}

		reqs := make([]job.Request, 0, len(conns))
		for _, c := range conns {
			if c.Status == connection.StatusDisconnected {
				continue
			}
			reqs = append(reqs, job.Request{
				Kind:    job.KindSyncConnection,
				Payload: job.SyncConnectionPayload{ConnectionID: c.ID},
			})
		}

		if len(reqs) > 0 {
			if _, err := s.jobs.EnqueueBatch(ctx, reqs); err != nil {
				log.WithError(err).Warn("Failed to enqueue scheduled syncs")
				result.Failed++
				continue
			}
			result.Enqueued += len(reqs)
		}

		if err := s.repo.AdvanceSchedule(ctx, sched.ID, now, sched.Advance(now)); err != nil {
			log.WithError(err).Warn("Failed to advance schedule")
			result.Failed++
		}
	}

	if result.Schedules > 0 {
		s.log.WithFields(logrus.Fields{
			"schedules": result.Schedules,
			"enqueued":  result.Enqueued,
			"failed":    result.Failed,
		}).Info("Schedule tick complete")
	}

	return result, nil
}

// DeleteTeam revokes every connection upstream, then removes connections
// (cascading accounts and transactions), the schedule and the team itself.
// Revocation failures abort before anything local is deleted.
func (s *Service) DeleteTeam(ctx context.Context, teamID string) error {
	t, err := s.repo.GetByID(ctx, teamID)
	if err != nil {
		return err
	}

	conns, err := s.connections.List(ctx, connection.Filter{TeamID: teamID})
	if err != nil {
		return fmt.Errorf("failed to list team connections: %w", err)
	}

	for _, c := range conns {
		err := s.gateway.DeleteConnection(ctx, provider.DeleteRequest{
			ConnectionID: c.ID,
			Provider:     c.Provider,
			Credential:   c.Credential,
		})
		if err != nil && !provider.IsNotFound(err) {
			return fmt.Errorf("failed to revoke connection %s: %w", c.ID, err)
		}
	}

	deleted, err := s.connections.DeleteByTeam(ctx, teamID)
	if err != nil {
		return fmt.Errorf("failed to delete connections: %w", err)
	}
	if err := s.repo.DeleteSchedule(ctx, teamID); err != nil && !errors.Is(err, ErrScheduleNotFound) {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if err := s.repo.Delete(ctx, teamID); err != nil {
		return fmt.Errorf("failed to delete team: %w", err)
	}

	if err := s.activity.Append(ctx, activity.Entry{
		TeamID:   teamID,
		Action:   activity.ActionTeamDeleted,
		Metadata: map[string]any{"connections": deleted, "name": t.Name},
	}); err != nil {
		s.log.WithError(err).WithField("team_id", teamID).Warn("Failed to record team deletion")
	}

	s.log.WithFields(logrus.Fields{"team_id": teamID, "connections": deleted}).Info("Team deleted")
	return nil
}
