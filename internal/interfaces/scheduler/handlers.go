package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"finsync/internal/domain/banksync"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/job"
	"finsync/internal/domain/team"
	"finsync/internal/shared/logging"
)

type ConnectionSyncer interface {
	SyncConnection(ctx context.Context, req banksync.SyncConnectionRequest) (*banksync.SyncConnectionResult, error)
}

type AccountSyncer interface {
	SyncAccount(ctx context.Context, req banksync.SyncAccountRequest) (*banksync.SyncAccountResult, error)
}

type Recoverer interface {
	Recover(ctx context.Context, req banksync.RecoverRequest) (*banksync.RecoverResult, error)
}

type Enricher interface {
	Enrich(ctx context.Context, accountID string, ids []string) (int, error)
}

type BalanceRefresher interface {
	Run(ctx context.Context) (*banksync.BalanceRefreshResult, error)
	RefreshConnection(ctx context.Context, connectionID string) (*banksync.RefreshConnectionResult, error)
}

type HealthSweeper interface {
	RunDisconnectedSweep(ctx context.Context) (*banksync.DisconnectedSweepResult, error)
	RunExpiringSweep(ctx context.Context) (*banksync.ExpiringSweepResult, error)
}

type TeamLifecycle interface {
	InitialSetup(ctx context.Context, connectionID string) (string, error)
	RunDueSchedules(ctx context.Context) (*team.TickResult, error)
}

// Services are the job targets. Nil members leave their kinds unregistered.
type Services struct {
	Connections ConnectionSyncer
	Accounts    AccountSyncer
	Recovery    Recoverer
	Enrichment  Enricher
	Balances    BalanceRefresher
	Health      HealthSweeper
	Teams       TeamLifecycle
}

// RegisterHandlers binds every job kind to its service call, retry policy
// and timeout.
func RegisterHandlers(reg *Registry, svc Services) {
	h := &handlers{svc: svc, log: logging.WithComponent("job_handlers")}

	if svc.Connections != nil {
		reg.Register(job.KindSyncConnection, Registration{
			Handler: h.syncConnection,
			Policy:  DefaultRetryPolicy,
			Timeout: 2 * time.Minute,
		})
	}
	if svc.Accounts != nil {
		reg.Register(job.KindSyncAccount, Registration{
			Handler: h.syncAccount,
			Policy:  RetryPolicy{MaxAttempts: 3, Factor: 2, MinBackoff: 30 * time.Second, MaxBackoff: 10 * time.Minute, Jitter: true},
			Timeout: 10 * time.Minute,
		})
	}
	if svc.Recovery != nil {
		reg.Register(job.KindRecoverConnection, Registration{
			Handler: h.recoverConnection,
			Policy:  RetryPolicy{MaxAttempts: 3, Factor: 2, MinBackoff: 10 * time.Second, MaxBackoff: 2 * time.Minute, Jitter: true},
			Timeout: 2 * time.Minute,
		})
	}
	if svc.Enrichment != nil {
		reg.Register(job.KindEnrichTransactions, Registration{
			Handler: h.enrichTransactions,
			Policy:  RetryPolicy{MaxAttempts: 3, Factor: 2, MinBackoff: time.Minute, MaxBackoff: 10 * time.Minute, Jitter: true},
			Timeout: 2 * time.Minute,
		})
	}
	if svc.Balances != nil {
		reg.Register(job.KindBalanceRefresh, Registration{
			Handler: h.balanceRefresh,
			Policy:  RetryPolicy{MaxAttempts: 1},
			Timeout: 5 * time.Minute,
		})
		reg.Register(job.KindBalanceRefreshConnection, Registration{
			Handler: h.balanceRefreshConnection,
			Policy:  RetryPolicy{MaxAttempts: 3, Factor: 2, MinBackoff: 30 * time.Second, MaxBackoff: 5 * time.Minute, Jitter: true},
			Timeout: 2 * time.Minute,
		})
	}
	if svc.Health != nil {
		sweep := RetryPolicy{MaxAttempts: 2, Factor: 1, MinBackoff: 5 * time.Minute, MaxBackoff: 5 * time.Minute}
		reg.Register(job.KindHealthDisconnected, Registration{
			Handler: h.healthDisconnected,
			Policy:  sweep,
			Timeout: 10 * time.Minute,
		})
		reg.Register(job.KindHealthExpiring, Registration{
			Handler: h.healthExpiring,
			Policy:  sweep,
			Timeout: 10 * time.Minute,
		})
	}
	if svc.Teams != nil {
		reg.Register(job.KindInitialSetup, Registration{
			Handler: h.initialSetup,
			Policy:  DefaultRetryPolicy,
			Timeout: 2 * time.Minute,
		})
		reg.Register(job.KindScheduleTick, Registration{
			Handler: h.scheduleTick,
			Policy:  RetryPolicy{MaxAttempts: 1},
			Timeout: 2 * time.Minute,
		})
	}
}

type handlers struct {
	svc Services
	log *logrus.Entry
}

// decodePayload fails permanently on malformed payloads; retrying cannot fix them.
func decodePayload[T any](j *job.Job) (T, error) {
	var p T
	if len(j.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, job.Permanent(fmt.Errorf("invalid %s payload: %w", j.Kind, err))
	}
	return p, nil
}

func requireID(kind job.Kind, field, value string) error {
	if value == "" {
		return job.Permanent(fmt.Errorf("%s payload: %s is required", kind, field))
	}
	return nil
}

func (h *handlers) syncConnection(ctx context.Context, j *job.Job) error {
	p, err := decodePayload[job.SyncConnectionPayload](j)
	if err != nil {
		return err
	}
	if err := requireID(j.Kind, "connectionId", p.ConnectionID); err != nil {
		return err
	}

	result, err := h.svc.Connections.SyncConnection(ctx, banksync.SyncConnectionRequest{
		ConnectionID: p.ConnectionID,
		ManualSync:   p.ManualSync,
		FullSync:     p.FullSync,
	})
	if err != nil {
		return err
	}
	h.log.WithFields(logrus.Fields{
		"job_id":        j.ID,
		"connection_id": p.ConnectionID,
		"status":        result.Status,
		"accounts":      result.AccountsSynced,
	}).Info("Connection sync finished")
	return nil
}

func (h *handlers) syncAccount(ctx context.Context, j *job.Job) error {
	p, err := decodePayload[job.SyncAccountPayload](j)
	if err != nil {
		return err
	}
	if err := requireID(j.Kind, "accountId", p.AccountID); err != nil {
		return err
	}

	result, err := h.svc.Accounts.SyncAccount(ctx, banksync.SyncAccountRequest{
		AccountID:         p.AccountID,
		ConnectionID:      p.ConnectionID,
		ExternalAccountID: p.ExternalAccountID,
		Provider:          p.Provider,
		ManualSync:        p.ManualSync,
	})
	if err != nil {
		return err
	}
	h.log.WithFields(logrus.Fields{
		"job_id":         j.ID,
		"account_id":     p.AccountID,
		"balance":        result.BalanceUpdated,
		"created":        result.Created,
		"updated":        result.Updated,
		"skipped":        result.Skipped,
		"failed_batches": result.FailedBatches,
	}).Info("Account sync finished")
	return nil
}

func (h *handlers) recoverConnection(ctx context.Context, j *job.Job) error {
	p, err := decodePayload[job.RecoverConnectionPayload](j)
	if err != nil {
		return err
	}
	if err := requireID(j.Kind, "connectionId", p.ConnectionID); err != nil {
		return err
	}

	result, err := h.svc.Recovery.Recover(ctx, banksync.RecoverRequest{
		ConnectionID: p.ConnectionID,
		Provider:     p.Provider,
		RetryCount:   p.RetryCount,
	})
	if err != nil {
		return err
	}
	h.log.WithFields(logrus.Fields{
		"job_id":        j.ID,
		"connection_id": p.ConnectionID,
		"recovered":     result.Recovered,
		"scheduled":     result.Scheduled,
		"gave_up":       result.MaxRetriesExceeded,
		"next_delay":    result.NextDelay,
	}).Info("Recovery attempt finished")
	return nil
}

func (h *handlers) enrichTransactions(ctx context.Context, j *job.Job) error {
	p, err := decodePayload[job.EnrichTransactionsPayload](j)
	if err != nil {
		return err
	}

	n, err := h.svc.Enrichment.Enrich(ctx, p.AccountID, p.TransactionIDs)
	if err != nil {
		return err
	}
	h.log.WithFields(logrus.Fields{
		"job_id":      j.ID,
		"account_id":  p.AccountID,
		"categorized": n,
	}).Info("Enrichment finished")
	return nil
}

func (h *handlers) balanceRefresh(ctx context.Context, j *job.Job) error {
	result, err := h.svc.Balances.Run(ctx)
	if err != nil {
		return err
	}
	h.log.WithFields(logrus.Fields{
		"job_id":   j.ID,
		"selected": result.Selected,
		"enqueued": result.Enqueued,
		"failed":   result.Failed,
	}).Info("Balance refresh fan-out finished")
	return nil
}

func (h *handlers) balanceRefreshConnection(ctx context.Context, j *job.Job) error {
	p, err := decodePayload[job.BalanceRefreshConnectionPayload](j)
	if err != nil {
		return err
	}
	if err := requireID(j.Kind, "connectionId", p.ConnectionID); err != nil {
		return err
	}

	result, err := h.svc.Balances.RefreshConnection(ctx, p.ConnectionID)
	if err != nil {
		return err
	}
	h.log.WithFields(logrus.Fields{
		"job_id":        j.ID,
		"connection_id": p.ConnectionID,
		"updated":       result.Updated,
		"failed":        result.Failed,
	}).Info("Connection balances refreshed")
	return nil
}

func (h *handlers) healthDisconnected(ctx context.Context, j *job.Job) error {
	result, err := h.svc.Health.RunDisconnectedSweep(ctx)
	if err != nil {
		return err
	}
	h.log.WithFields(logrus.Fields{
		"job_id":     j.ID,
		"skipped":    result.Skipped,
		"candidates": result.Candidates,
		"notified":   result.Notified,
		"disabled":   result.Disabled,
		"failed":     result.Failed,
	}).Info("Disconnected sweep finished")
	return nil
}

func (h *handlers) healthExpiring(ctx context.Context, j *job.Job) error {
	result, err := h.svc.Health.RunExpiringSweep(ctx)
	if err != nil {
		return err
	}
	h.log.WithFields(logrus.Fields{
		"job_id":     j.ID,
		"skipped":    result.Skipped,
		"candidates": result.Candidates,
		"notified":   result.Notified,
		"flagged":    result.Flagged,
		"failed":     result.Failed,
	}).Info("Expiring sweep finished")
	return nil
}

func (h *handlers) initialSetup(ctx context.Context, j *job.Job) error {
	p, err := decodePayload[job.InitialSetupPayload](j)
	if err != nil {
		return err
	}
	if err := requireID(j.Kind, "connectionId", p.ConnectionID); err != nil {
		return err
	}

	syncJobID, err := h.svc.Teams.InitialSetup(ctx, p.ConnectionID)
	if err != nil {
		if errors.Is(err, connection.ErrNoTeam) || errors.Is(err, connection.ErrNotFound) {
			return job.Permanent(err)
		}
		return err
	}
	h.log.WithFields(logrus.Fields{
		"job_id":        j.ID,
		"connection_id": p.ConnectionID,
		"sync_job_id":   syncJobID,
	}).Info("Initial setup finished")
	return nil
}

func (h *handlers) scheduleTick(ctx context.Context, j *job.Job) error {
	result, err := h.svc.Teams.RunDueSchedules(ctx)
	if err != nil {
		return err
	}
	if result.Schedules > 0 {
		h.log.WithFields(logrus.Fields{
			"job_id":    j.ID,
			"schedules": result.Schedules,
			"enqueued":  result.Enqueued,
			"failed":    result.Failed,
		}).Info("Schedule tick finished")
	}
	return nil
}
