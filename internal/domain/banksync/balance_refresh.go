package banksync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"finsync/internal/domain/account"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/job"
	"finsync/internal/domain/provider"
	"finsync/internal/shared/logging"
)

// BalanceRefreshLimit caps connections per refresh run.
const BalanceRefreshLimit = 100

type BalanceRefreshResult struct {
	Selected int
	Enqueued int
	Failed   int
}

type RefreshConnectionResult struct {
	Accounts int
	Updated  int
	Failed   int
}

// BalanceRefresher keeps balances fresh between full syncs, stalest
// connections first.
type BalanceRefresher struct {
	connections connection.Repository
	accounts    account.Repository
	gateway     provider.Gateway
	jobs        job.Queue
	log         *logrus.Entry
	now         func() time.Time
}

func NewBalanceRefresher(
	connections connection.Repository,
	accounts account.Repository,
	gateway provider.Gateway,
	jobs job.Queue,
) *BalanceRefresher {
	return &BalanceRefresher{
		connections: connections,
		accounts:    accounts,
		gateway:     gateway,
		jobs:        jobs,
		log:         logging.WithComponent("balance_refresh"),
		now:         time.Now,
	}
}

// Run selects the stalest active connections and fans out one
// balance-only job per connection in a single enqueue call. A failed
// enqueue is counted, not returned, so the next run still happens.
func (r *BalanceRefresher) Run(ctx context.Context) (*BalanceRefreshResult, error) {
	enabled := true
	conns, err := r.connections.List(ctx, connection.Filter{
		Statuses:          []connection.Status{connection.StatusActive},
		Enabled:           &enabled,
		OrderByBalanceAge: true,
		Limit:             BalanceRefreshLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list connections for balance refresh: %w", err)
	}

	result := &BalanceRefreshResult{Selected: len(conns)}
	if len(conns) == 0 {
		return result, nil
	}

	reqs := make([]job.Request, len(conns))
	for i, c := range conns {
		reqs[i] = job.Request{
			Kind:    job.KindBalanceRefreshConnection,
			Payload: job.BalanceRefreshConnectionPayload{ConnectionID: c.ID},
		}
	}

	ids, err := r.jobs.EnqueueBatch(ctx, reqs)
	if err != nil {
		r.log.WithError(err).WithField("connections", len(conns)).Error("Balance refresh fan-out failed")
		result.Failed = len(conns)
		return result, nil
	}
	result.Enqueued = len(ids)

	r.log.WithField("enqueued", result.Enqueued).Info("Balance refresh dispatched")
	return result, nil
}

// RefreshConnection updates the balance of every enabled active account
// of one connection and stamps the connection's balance age.
func (r *BalanceRefresher) RefreshConnection(ctx context.Context, connectionID string) (*RefreshConnectionResult, error) {
	conn, err := r.connections.GetByID(ctx, connectionID)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return nil, job.Permanent(err)
		}
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}

	log := r.log.WithField("connection_id", conn.ID)
	if !conn.Enabled || conn.Status != connection.StatusActive {
		log.WithField("status", conn.Status).Debug("Connection not active, skipping balance refresh")
		return &RefreshConnectionResult{}, nil
	}

	accounts, err := r.accounts.ListEnabledByConnection(ctx, conn.ID, []account.Status{account.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	result := &RefreshConnectionResult{Accounts: len(accounts)}
	now := r.now().UTC()

	for _, a := range accounts {
		alog := log.WithField("account_id", a.ID)
		bal, err := r.gateway.ListAccountBalance(ctx, provider.BalanceRequest{
			AccountID:  a.ExternalID,
			Provider:   conn.Provider,
			Credential: conn.Credential,
		})
		if err != nil {
			result.Failed++
			if provider.IsDisconnected(err) {
				if recErr := r.accounts.RecordError(ctx, a.ID, err.Error()); recErr != nil {
					alog.WithError(recErr).Warn("Failed to record account error")
				}
			}
			alog.WithError(err).Warn("Balance refresh failed")
			continue
		}
		if !account.ShouldPersistBalance(bal.Current) {
			continue
		}
		err = r.accounts.UpdateBalance(ctx, a.ID, account.BalanceUpdate{
			Current:   bal.Current,
			Available: bal.Available,
			At:        now,
		})
		if err != nil {
			result.Failed++
			alog.WithError(err).Warn("Failed to store balance")
			continue
		}
		result.Updated++
	}

	if err := r.connections.MarkBalanceUpdated(ctx, conn.ID, now); err != nil {
		return result, fmt.Errorf("failed to stamp balance refresh: %w", err)
	}
	return result, nil
}
