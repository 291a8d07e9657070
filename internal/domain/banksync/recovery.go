package banksync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"finsync/internal/domain/activity"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/job"
	"finsync/internal/domain/notification"
	"finsync/internal/domain/provider"
	"finsync/internal/domain/team"
	"finsync/internal/shared/logging"
)

// MaxRecoveryRetries bounds one recovery episode.
const MaxRecoveryRetries = 3

const recoveryBaseDelay = 15 * time.Minute

// BackoffDelay is the wait before the recovery attempt with the given
// retry count: 15m, 30m, 60m.
func BackoffDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	return recoveryBaseDelay << retryCount
}

type RecoverRequest struct {
	ConnectionID string
	Provider     provider.Name
	RetryCount   int
}

type RecoverResult struct {
	Recovered          bool
	Scheduled          bool
	MaxRetriesExceeded bool
	RetryCount         int
	NextDelay          time.Duration
}

// RecoveryService re-checks a failing connection on a growing delay and
// gives up with a notification after MaxRecoveryRetries failures.
type RecoveryService struct {
	connections connection.Repository
	teams       team.Repository
	gateway     provider.Gateway
	jobs        job.Queue
	notifier    notification.Dispatcher
	activity    activity.Repository
	locker      Locker
	lockTTL     time.Duration
	log         *logrus.Entry
	now         func() time.Time
}

func NewRecoveryService(
	connections connection.Repository,
	teams team.Repository,
	gateway provider.Gateway,
	jobs job.Queue,
	notifier notification.Dispatcher,
	activityRepo activity.Repository,
	locker Locker,
	lockTTL time.Duration,
) *RecoveryService {
	if locker == nil {
		locker = NopLocker{}
	}
	return &RecoveryService{
		connections: connections,
		teams:       teams,
		gateway:     gateway,
		jobs:        jobs,
		notifier:    notifier,
		activity:    activityRepo,
		locker:      locker,
		lockTTL:     lockTTL,
		log:         logging.WithComponent("recovery"),
		now:         time.Now,
	}
}

// Recover runs one recovery attempt. On failure it re-enqueues itself with
// the next retry count instead of waiting in process.
func (s *RecoveryService) Recover(ctx context.Context, req RecoverRequest) (*RecoverResult, error) {
	lease, err := s.locker.Obtain(ctx, lockKey(req.ConnectionID), s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("recover connection %s: %w", req.ConnectionID, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.WithError(err).WithField("connection_id", req.ConnectionID).Warn("Failed to release connection lock")
		}
	}()

	conn, err := s.connections.GetByID(ctx, req.ConnectionID)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return nil, job.Permanent(err)
		}
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}

	log := s.log.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"provider":      conn.Provider,
		"retry_count":   req.RetryCount,
	})

	if !conn.Enabled || conn.Status == connection.StatusDisconnected {
		log.Info("Connection disabled, abandoning recovery")
		return &RecoverResult{RetryCount: req.RetryCount}, nil
	}

	prov := req.Provider
	if prov == "" {
		prov = conn.Provider
	}

	status, err := s.gateway.GetConnectionStatus(ctx, provider.StatusRequest{
		ConnectionID:  conn.ID,
		Provider:      prov,
		InstitutionID: conn.InstitutionID,
		Credential:    conn.Credential,
	})
	if err != nil && provider.IsTransient(err) {
		return nil, err
	}

	now := s.now().UTC()

	if err == nil && status.Healthy {
		return s.recovered(ctx, conn, req.RetryCount, now, log)
	}

	target, msg := connection.StatusError, ""
	if err != nil {
		msg = err.Error()
		if provider.IsDisconnected(err) {
			target = connection.StatusLoginRequired
		}
	} else {
		target, msg = classify(status)
	}

	next := req.RetryCount + 1
	upd, err := conn.Transition(target, msg, now)
	if err != nil {
		return nil, job.Permanent(err)
	}
	upd.CheckedAt = &now
	upd.RecoveryAttempts = &next
	if err := s.connections.UpdateStatus(ctx, conn.ID, upd); err != nil {
		return nil, fmt.Errorf("failed to update connection status: %w", err)
	}

	result := &RecoverResult{RetryCount: next}

	if next < MaxRecoveryRetries {
		delay := BackoffDelay(req.RetryCount)
		_, err := s.jobs.Enqueue(ctx, job.Request{
			Kind: job.KindRecoverConnection,
			Payload: job.RecoverConnectionPayload{
				ConnectionID: conn.ID,
				Provider:     prov,
				RetryCount:   next,
			},
			Delay: delay,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule recovery: %w", err)
		}
		result.Scheduled = true
		result.NextDelay = delay
		log.WithFields(logrus.Fields{"next_retry": next, "delay": delay}).Info("Recovery attempt failed, rescheduled")
		return result, nil
	}

	result.MaxRetriesExceeded = true
	conn.Status = target
	s.giveUp(ctx, conn, next, msg, log)
	return result, nil
}

func (s *RecoveryService) recovered(ctx context.Context, conn *connection.Connection, retryCount int, now time.Time, log *logrus.Entry) (*RecoverResult, error) {
	upd, err := conn.Transition(connection.StatusActive, "", now)
	if err != nil {
		return nil, job.Permanent(err)
	}
	zero := 0
	upd.CheckedAt = &now
	upd.RecoveryAttempts = &zero
	if err := s.connections.UpdateStatus(ctx, conn.ID, upd); err != nil {
		return nil, fmt.Errorf("failed to update connection status: %w", err)
	}

	_, err = s.jobs.Enqueue(ctx, job.Request{
		Kind:    job.KindSyncConnection,
		Payload: job.SyncConnectionPayload{ConnectionID: conn.ID, FullSync: true},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue full sync: %w", err)
	}

	if conn.HasTeam() {
		err := s.activity.Append(ctx, activity.Entry{
			TeamID:       *conn.TeamID,
			ConnectionID: conn.ID,
			Action:       activity.ActionRecovered,
			Metadata:     map[string]any{"retryCount": retryCount},
		})
		if err != nil {
			log.WithError(err).Warn("Failed to record recovery")
		}
	}

	log.Info("Connection recovered")
	return &RecoverResult{Recovered: true, RetryCount: 0}, nil
}

// giveUp leaves the connection in its error state and tells the user once.
func (s *RecoveryService) giveUp(ctx context.Context, conn *connection.Connection, attempts int, msg string, log *logrus.Entry) {
	data := notificationData(conn)
	data["attempts"] = fmt.Sprintf("%d", attempts)
	err := s.notifier.Send(ctx, notification.Request{
		Kind:      notification.KindConnectionFailed,
		Recipient: resolveRecipient(ctx, s.teams, conn, log),
		Data:      data,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to send connection failed notification")
	}

	if conn.HasTeam() {
		err := s.activity.Append(ctx, activity.Entry{
			TeamID:       *conn.TeamID,
			ConnectionID: conn.ID,
			Action:       activity.ActionRecoveryFailed,
			Metadata:     map[string]any{"attempts": attempts, "error": msg},
		})
		if err != nil {
			log.WithError(err).Warn("Failed to record recovery failure")
		}
	}

	log.WithField("attempts", attempts).Warn("Recovery gave up")
}
