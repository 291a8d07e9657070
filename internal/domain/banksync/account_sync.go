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

// TransactionBatchSize bounds one ingest call.
const TransactionBatchSize = 500

// maxTransactionPages stops a runaway cursor.
const maxTransactionPages = 100

// SyncAccountRequest refreshes one account. ExternalAccountID and Provider
// default to the stored values when empty.
type SyncAccountRequest struct {
	AccountID         string
	ConnectionID      string
	ExternalAccountID string
	Provider          provider.Name
	ManualSync        bool
}

// SyncAccountResult reports both steps of an account sync.
type SyncAccountResult struct {
	Success        bool
	BalanceUpdated bool
	Fetched        int
	Created        int
	Skipped        int
	Updated        int
	Invalid        int
	Batches        int
	FailedBatches  int
}

// AccountSyncService refreshes one account's balance and transactions.
type AccountSyncService struct {
	accounts    account.Repository
	connections connection.Repository
	gateway     provider.Gateway
	ingestor    *Ingestor
	strict      bool
	log         *logrus.Entry
	now         func() time.Time
}

// NewAccountSyncService creates the account worker. With strict set, a
// failed transaction batch fails the whole job.
func NewAccountSyncService(
	accounts account.Repository,
	connections connection.Repository,
	gateway provider.Gateway,
	ingestor *Ingestor,
	strict bool,
) *AccountSyncService {
	return &AccountSyncService{
		accounts:    accounts,
		connections: connections,
		gateway:     gateway,
		ingestor:    ingestor,
		strict:      strict,
		log:         logging.WithComponent("account_sync"),
		now:         time.Now,
	}
}

// SyncAccount runs the balance step then the transaction step. The
// credential is read from the parent connection at run time.
func (s *AccountSyncService) SyncAccount(ctx context.Context, req SyncAccountRequest) (*SyncAccountResult, error) {
	acc, err := s.accounts.GetByID(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return nil, job.Permanent(err)
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	connID := req.ConnectionID
	if connID == "" {
		connID = acc.ConnectionID
	}
	conn, err := s.connections.GetByID(ctx, connID)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return nil, job.Permanent(err)
		}
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}

	log := s.log.WithFields(logrus.Fields{
		"account_id":    acc.ID,
		"connection_id": conn.ID,
		"manual":        req.ManualSync,
	})

	if !acc.Enabled || !conn.Enabled {
		log.Info("Account or connection disabled, skipping sync")
		return &SyncAccountResult{}, nil
	}

	externalID := req.ExternalAccountID
	if externalID == "" {
		externalID = acc.ExternalID
	}
	prov := req.Provider
	if prov == "" {
		prov = conn.Provider
	}

	result := &SyncAccountResult{}

	if err := s.refreshBalance(ctx, acc, prov, externalID, conn.Credential, result, log); err != nil {
		return result, err
	}

	txns, dropped, err := s.fetchTransactions(ctx, provider.TransactionsRequest{
		AccountID:  externalID,
		Provider:   prov,
		Credential: conn.Credential,
		LatestOnly: !req.ManualSync,
	})
	if err != nil {
		return result, fmt.Errorf("failed to list transactions: %w", err)
	}
	result.Fetched = len(txns)
	result.Invalid = dropped

	for start := 0; start < len(txns); start += TransactionBatchSize {
		end := min(start+TransactionBatchSize, len(txns))
		result.Batches++

		res, err := s.ingestor.Upsert(ctx, UpsertRequest{
			AccountID:    acc.ID,
			Transactions: txns[start:end],
			ManualSync:   req.ManualSync,
		})
		if err != nil {
			result.FailedBatches++
			log.WithError(err).WithField("batch", result.Batches).Warn("Transaction batch failed")
			continue
		}
		result.Created += res.Created
		result.Skipped += res.Skipped
		result.Updated += res.Updated
		result.Invalid += res.Invalid
	}

	if result.FailedBatches > 0 {
		if s.strict {
			return result, fmt.Errorf("%d of %d transaction batches failed", result.FailedBatches, result.Batches)
		}
		result.Success = true
		log.WithField("failed_batches", result.FailedBatches).Warn("Account sync finished with partial ingestion")
		return result, nil
	}

	if err := s.accounts.MarkSynced(ctx, acc.ID, s.now().UTC()); err != nil {
		return result, fmt.Errorf("failed to mark account synced: %w", err)
	}
	result.Success = true

	log.WithFields(logrus.Fields{
		"fetched": result.Fetched,
		"created": result.Created,
		"skipped": result.Skipped,
		"updated": result.Updated,
	}).Info("Account sync complete")

	return result, nil
}

// refreshBalance returns an error only when the credential is dead.
func (s *AccountSyncService) refreshBalance(
	ctx context.Context,
	acc *account.Account,
	prov provider.Name,
	externalID, credential string,
	result *SyncAccountResult,
	log *logrus.Entry,
) error {
	bal, err := s.gateway.ListAccountBalance(ctx, provider.BalanceRequest{
		AccountID:  externalID,
		Provider:   prov,
		Credential: credential,
	})
	if err != nil {
		if provider.IsDisconnected(err) {
			if recErr := s.accounts.RecordError(ctx, acc.ID, err.Error()); recErr != nil {
				log.WithError(recErr).Warn("Failed to record account error")
			}
			return fmt.Errorf("balance refresh: %w", err)
		}
		log.WithError(err).Warn("Balance refresh failed, keeping stale balance")
		return nil
	}

	if !account.ShouldPersistBalance(bal.Current) {
		return nil
	}

	err = s.accounts.UpdateBalance(ctx, acc.ID, account.BalanceUpdate{
		Current:   bal.Current,
		Available: bal.Available,
		At:        s.now().UTC(),
	})
	if err != nil {
		log.WithError(err).Warn("Failed to store balance")
		return nil
	}
	result.BalanceUpdated = true
	return nil
}

// fetchTransactions follows cursors and also returns how many malformed
// records the gateway dropped along the way.
func (s *AccountSyncService) fetchTransactions(ctx context.Context, req provider.TransactionsRequest) ([]provider.Transaction, int, error) {
	var all []provider.Transaction
	dropped := 0
	for page := 0; page < maxTransactionPages; page++ {
		resp, err := s.gateway.ListTransactions(ctx, req)
		if err != nil {
			return nil, 0, err
		}
		all = append(all, resp.Transactions...)
		dropped += resp.Dropped
		if resp.NextCursor == "" || resp.NextCursor == req.Cursor {
			return all, dropped, nil
		}
		req.Cursor = resp.NextCursor
	}
	s.log.WithField("account", req.AccountID).Warn("Transaction paging stopped at page limit")
	return all, dropped, nil
}
