package banksync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"finsync/internal/domain/enrichment"
	"finsync/internal/domain/job"
	"finsync/internal/domain/provider"
	"finsync/internal/domain/transaction"
	"finsync/internal/shared/logging"
)

// UpsertRequest is one batch of provider transactions for one account.
type UpsertRequest struct {
	AccountID    string
	Transactions []provider.Transaction
	ManualSync   bool
}

// UpsertResult counts what happened to each record of a batch.
// Skipped covers in-batch duplicates and ids already in the ledger.
type UpsertResult struct {
	Created    int
	Skipped    int
	Updated    int
	Invalid    int
	Enriched   int
	CreatedIDs []string
}

// Ingestor writes provider transactions into the ledger idempotently,
// keyed on the account and the provider-issued id.
type Ingestor struct {
	repo   transaction.Repository
	scorer enrichment.Scorer
	jobs   job.Queue
	log    *logrus.Entry
	now    func() time.Time
}

// NewIngestor creates an ingestor. scorer may be nil, which disables
// enrichment.
func NewIngestor(repo transaction.Repository, scorer enrichment.Scorer, jobs job.Queue) *Ingestor {
	return &Ingestor{
		repo:   repo,
		scorer: scorer,
		jobs:   jobs,
		log:    logging.WithComponent("ingestor"),
		now:    time.Now,
	}
}

// Upsert transforms, validates and inserts one batch. Re-running the same
// batch creates nothing new.
func (i *Ingestor) Upsert(ctx context.Context, req UpsertRequest) (*UpsertResult, error) {
	result := &UpsertResult{}
	log := i.log.WithField("account_id", req.AccountID)

	params := make([]transaction.CreateParams, 0, len(req.Transactions))
	seen := make(map[string]struct{}, len(req.Transactions))
	for _, t := range req.Transactions {
		p := transaction.FromProvider(req.AccountID, t)
		if err := p.Validate(); err != nil {
			log.WithError(err).Warn("Dropping invalid transaction")
			result.Invalid++
			continue
		}
		if _, dup := seen[p.ID]; dup {
			result.Skipped++
			continue
		}
		seen[p.ID] = struct{}{}
		params = append(params, p)
	}

	if len(params) == 0 {
		return result, nil
	}

	created, err := i.repo.InsertBatch(ctx, params)
	if err != nil {
		return result, fmt.Errorf("failed to insert %d transactions: %w", len(params), err)
	}
	result.Created = len(created)
	result.CreatedIDs = created
	result.Skipped += len(params) - len(created)

	if req.ManualSync && len(created) < len(params) {
		createdSet := make(map[string]struct{}, len(created))
		for _, id := range created {
			createdSet[id] = struct{}{}
		}
		existing := make([]transaction.CreateParams, 0, len(params)-len(created))
		for _, p := range params {
			if _, ok := createdSet[p.ID]; !ok {
				existing = append(existing, p)
			}
		}
		n, err := i.repo.UpdateMutable(ctx, existing)
		if err != nil {
			log.WithError(err).Warn("Failed to refresh existing transactions")
		}
		result.Updated = n
	}

	if len(created) > 0 {
		i.dispatchEnrichment(ctx, req, result, log)
	}

	return result, nil
}

func (i *Ingestor) dispatchEnrichment(ctx context.Context, req UpsertRequest, result *UpsertResult, log *logrus.Entry) {
	if i.scorer == nil {
		return
	}

	if req.ManualSync {
		n, err := i.Enrich(ctx, req.AccountID, result.CreatedIDs)
		if err != nil {
			log.WithError(err).Warn("Enrichment failed")
		}
		result.Enriched = n
		return
	}

	if i.jobs == nil {
		return
	}
	_, err := i.jobs.Enqueue(ctx, job.Request{
		Kind: job.KindEnrichTransactions,
		Payload: job.EnrichTransactionsPayload{
			AccountID:      req.AccountID,
			TransactionIDs: result.CreatedIDs,
		},
	})
	if err != nil {
		log.WithError(err).Warn("Failed to enqueue enrichment")
	}
}

// Enrich categorizes recent uncategorized expenses among ids and returns
// how many were categorized.
func (i *Ingestor) Enrich(ctx context.Context, accountID string, ids []string) (int, error) {
	if i.scorer == nil || len(ids) == 0 {
		return 0, nil
	}

	now := i.now().UTC()
	txns, err := i.repo.ListEnrichmentCandidates(ctx, accountID, ids, now.Add(-transaction.EnrichmentWindow))
	if err != nil {
		return 0, fmt.Errorf("failed to load enrichment candidates: %w", err)
	}

	candidates := make([]enrichment.Candidate, 0, len(txns))
	for _, t := range txns {
		if !t.IsEnrichmentCandidate(now) {
			continue
		}
		candidates = append(candidates, enrichment.Candidate{
			TransactionID: t.ID,
			Name:          t.Name,
			Description:   t.Description,
			Amount:        t.Amount,
			Currency:      t.Currency,
		})
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	results, err := i.scorer.Categorize(ctx, candidates)
	if err != nil {
		return 0, fmt.Errorf("failed to categorize %d transactions: %w", len(candidates), err)
	}

	categorized := 0
	for _, r := range results {
		if r.Category == "" {
			continue
		}
		if err := i.repo.SetCategory(ctx, accountID, r.TransactionID, r.Category); err != nil {
			i.log.WithError(err).WithFields(logrus.Fields{
				"account_id":     accountID,
				"transaction_id": r.TransactionID,
			}).Warn("Failed to store category")
			continue
		}
		categorized++
	}

	return categorized, nil
}
