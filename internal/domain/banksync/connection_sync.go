package banksync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"finsync/internal/domain/account"
	"finsync/internal/domain/activity"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/job"
	"finsync/internal/domain/provider"
	"finsync/internal/shared/logging"
)

// SyncConnectionRequest asks for a health check plus account fan-out.
// ManualSync is a user action. FullSync fetches like a manual sync but does
// not count as user activity.
type SyncConnectionRequest struct {
	ConnectionID string
	ManualSync   bool
	FullSync     bool
}

// SyncConnectionResult is the outcome of one orchestration run.
type SyncConnectionResult struct {
	Status         connection.Status
	AccountsSynced int
	JobIDs         []string
}

// ConnectionSyncService checks a connection's health, persists the
// resulting status and fans out one account job per enabled account.
type ConnectionSyncService struct {
	connections connection.Repository
	accounts    account.Repository
	gateway     provider.Gateway
	jobs        job.Queue
	activity    activity.Repository
	locker      Locker
	lockTTL     time.Duration
	log         *logrus.Entry
	now         func() time.Time
}

func NewConnectionSyncService(
	connections connection.Repository,
	accounts account.Repository,
	gateway provider.Gateway,
	jobs job.Queue,
	activityRepo activity.Repository,
	locker Locker,
	lockTTL time.Duration,
) *ConnectionSyncService {
	if locker == nil {
		locker = NopLocker{}
	}
	return &ConnectionSyncService{
		connections: connections,
		accounts:    accounts,
		gateway:     gateway,
		jobs:        jobs,
		activity:    activityRepo,
		locker:      locker,
		lockTTL:     lockTTL,
		log:         logging.WithComponent("connection_sync"),
		now:         time.Now,
	}
}

// SyncConnection runs the orchestration. Missing connections and
// connections without a team fail permanently. Transient provider errors
// and version conflicts are returned without touching the stored status;
// every other failure marks the connection ERROR before being returned.
func (s *ConnectionSyncService) SyncConnection(ctx context.Context, req SyncConnectionRequest) (*SyncConnectionResult, error) {
	lease, err := s.locker.Obtain(ctx, lockKey(req.ConnectionID), s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("sync connection %s: %w", req.ConnectionID, err)
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
	if !conn.HasTeam() {
		return nil, job.Permanent(fmt.Errorf("connection %s: %w", conn.ID, connection.ErrNoTeam))
	}
	if !conn.Enabled || conn.Status == connection.StatusDisconnected {
		return nil, job.Permanent(fmt.Errorf("connection %s: %w", conn.ID, connection.ErrDisabled))
	}

	log := s.log.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"provider":      conn.Provider,
		"manual":        req.ManualSync,
	})
	full := req.ManualSync || req.FullSync

	status, err := s.gateway.GetConnectionStatus(ctx, provider.StatusRequest{
		ConnectionID:  conn.ID,
		Provider:      conn.Provider,
		InstitutionID: conn.InstitutionID,
		Credential:    conn.Credential,
	})
	if err != nil {
		if provider.IsTransient(err) {
			log.WithError(err).Warn("Transient provider error during health check")
			return nil, err
		}
		if provider.IsDisconnected(err) {
			if applyErr := s.applyStatus(ctx, conn, connection.StatusLoginRequired, err.Error(), req.ManualSync); applyErr != nil {
				log.WithError(applyErr).Warn("Failed to persist LOGIN_REQUIRED")
			}
			return nil, fmt.Errorf("health check: %w", err)
		}
		return nil, s.fail(ctx, conn.ID, req.ManualSync, fmt.Errorf("health check: %w", err))
	}

	target, msg := classify(status)
	if err := s.applyStatus(ctx, conn, target, msg, req.ManualSync); err != nil {
		if errors.Is(err, connection.ErrVersionConflict) {
			log.WithError(err).Warn("Connection changed during health check, leaving it for retry")
			return nil, err
		}
		return nil, s.fail(ctx, conn.ID, req.ManualSync, err)
	}

	result := &SyncConnectionResult{Status: target}

	if target == connection.StatusActive {
		ids, err := s.fanOut(ctx, conn, full)
		if err != nil {
			return nil, s.fail(ctx, conn.ID, req.ManualSync, err)
		}
		result.AccountsSynced = len(ids)
		result.JobIDs = ids
	}

	if req.ManualSync {
		s.recordManualSync(ctx, conn, result, log)
	}

	log.WithFields(logrus.Fields{
		"status":   result.Status,
		"accounts": result.AccountsSynced,
	}).Info("Connection sync complete")

	return result, nil
}

// classify maps a health-check result onto a connection status.
func classify(status *provider.ConnectionStatus) (connection.Status, string) {
	switch {
	case status.Healthy:
		return connection.StatusActive, ""
	case status.NeedsLogin():
		return connection.StatusLoginRequired, firstNonEmpty(status.ErrorMessage, status.ErrorCode)
	default:
		return connection.StatusError, firstNonEmpty(status.ErrorMessage, status.ErrorCode, provider.CodeUnknown)
	}
}

// applyStatus persists the transition under the optimistic version check
// and updates conn in place. An automated check that moves a connection
// into the error family starts a recovery episode.
func (s *ConnectionSyncService) applyStatus(ctx context.Context, conn *connection.Connection, to connection.Status, msg string, manual bool) error {
	now := s.now().UTC()
	upd, err := conn.Transition(to, msg, now)
	if err != nil {
		return err
	}
	upd.CheckedAt = &now
	if to == connection.StatusActive {
		if manual {
			upd.AccessedAt = &now
		}
		if conn.RecoveryAttempts != 0 {
			zero := 0
			upd.RecoveryAttempts = &zero
		}
	}

	if err := s.connections.UpdateStatus(ctx, conn.ID, upd); err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}

	enteringErrorFamily := to.IsErrorFamily() && !conn.Status.IsErrorFamily()
	conn.Status = to
	conn.ErrorMessage = upd.ErrorMessage
	conn.ErrorSince = upd.ErrorSince
	conn.Version++

	if enteringErrorFamily && !manual {
		_, err := s.jobs.Enqueue(ctx, job.Request{
			Kind: job.KindRecoverConnection,
			Payload: job.RecoverConnectionPayload{
				ConnectionID: conn.ID,
				Provider:     conn.Provider,
				RetryCount:   0,
			},
			Delay: BackoffDelay(0),
		})
		if err != nil {
			s.log.WithError(err).WithField("connection_id", conn.ID).Warn("Failed to enqueue recovery")
		}
	}
	return nil
}

// fail marks the connection ERROR with cause and returns cause. The
// connection is reloaded so the write is checked against the latest version.
func (s *ConnectionSyncService) fail(ctx context.Context, connectionID string, manual bool, cause error) error {
	log := s.log.WithField("connection_id", connectionID)
	log.WithError(cause).Error("Connection sync failed")

	conn, err := s.connections.GetByID(ctx, connectionID)
	if err != nil {
		log.WithError(err).Warn("Failed to reload connection to mark error")
		return cause
	}
	if conn.Status == connection.StatusDisconnected {
		return cause
	}
	if err := s.applyStatus(ctx, conn, connection.StatusError, cause.Error(), manual); err != nil {
		log.WithError(err).Warn("Failed to mark connection ERROR")
	}
	return cause
}

func (s *ConnectionSyncService) fanOut(ctx context.Context, conn *connection.Connection, full bool) ([]string, error) {
	var statuses []account.Status
	if !full {
		statuses = []account.Status{account.StatusActive}
	}

	accounts, err := s.accounts.ListEnabledByConnection(ctx, conn.ID, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, nil
	}

	reqs := make([]job.Request, len(accounts))
	for i, a := range accounts {
		reqs[i] = job.Request{
			Kind: job.KindSyncAccount,
			Payload: job.SyncAccountPayload{
				AccountID:         a.ID,
				ConnectionID:      conn.ID,
				ExternalAccountID: a.ExternalID,
				Provider:          conn.Provider,
				ManualSync:        full,
			},
			Delay: StaggerDelay(i, full),
		}
	}

	ids, err := s.jobs.EnqueueBatch(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue account syncs: %w", err)
	}
	return ids, nil
}

func (s *ConnectionSyncService) recordManualSync(ctx context.Context, conn *connection.Connection, result *SyncConnectionResult, log *logrus.Entry) {
	err := s.activity.Append(ctx, activity.Entry{
		TeamID:       *conn.TeamID,
		ConnectionID: conn.ID,
		Action:       activity.ActionManualSync,
		Metadata: map[string]any{
			"status":   string(result.Status),
			"accounts": result.AccountsSynced,
		},
	})
	if err != nil {
		log.WithError(err).Warn("Failed to record manual sync")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
