package banksync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"finsync/internal/domain/account"
	"finsync/internal/domain/activity"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/enrichment"
	"finsync/internal/domain/job"
	"finsync/internal/domain/notification"
	"finsync/internal/domain/provider"
	"finsync/internal/domain/team"
	"finsync/internal/domain/transaction"
)

var fixedNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func daysAgo(n int) *time.Time {
	t := fixedNow.Add(-time.Duration(n) * 24 * time.Hour)
	return &t
}

// fakeConnections is an in-memory connection.Repository honoring Filter
// and the optimistic version check.
type fakeConnections struct {
	mu          sync.Mutex
	conns       map[string]*connection.Connection
	updates     []connection.StatusUpdate
	history     map[string][]connection.Status
	updateErr   error
	markErr     map[string]error
	balanceSeen map[string]time.Time
}

func newFakeConnections(conns ...*connection.Connection) *fakeConnections {
	f := &fakeConnections{
		conns:       map[string]*connection.Connection{},
		history:     map[string][]connection.Status{},
		markErr:     map[string]error{},
		balanceSeen: map[string]time.Time{},
	}
	for _, c := range conns {
		f.conns[c.ID] = c
		f.history[c.ID] = []connection.Status{c.Status}
	}
	return f
}

func (f *fakeConnections) get(id string) *connection.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *f.conns[id]
	return &c
}

func (f *fakeConnections) GetByID(ctx context.Context, id string) (*connection.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[id]
	if !ok {
		return nil, connection.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConnections) List(ctx context.Context, filter connection.Filter) ([]*connection.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*connection.Connection
	for _, c := range f.conns {
		if !matches(c, filter) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if filter.OrderByBalanceAge {
			a, b := out[i].BalanceLastUpdated, out[j].BalanceLastUpdated
			switch {
			case a == nil && b != nil:
				return true
			case a != nil && b == nil:
				return false
			case a != nil && b != nil && !a.Equal(*b):
				return a.Before(*b)
			}
		}
		return out[i].ID < out[j].ID
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(c *connection.Connection, f connection.Filter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if c.Status == s {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if f.Enabled != nil && c.Enabled != *f.Enabled {
		return false
	}
	if f.TeamID != "" && (c.TeamID == nil || *c.TeamID != f.TeamID) {
		return false
	}
	if f.NotifiedBefore != nil && c.LastNotifiedAt != nil && !c.LastNotifiedAt.Before(*f.NotifiedBefore) {
		return false
	}
	if f.ExpiryNotifiedBefore != nil && c.LastExpiryNotifiedAt != nil && !c.LastExpiryNotifiedAt.Before(*f.ExpiryNotifiedBefore) {
		return false
	}
	if f.AccessedBefore != nil && (c.LastAccessedAt == nil || !c.LastAccessedAt.Before(*f.AccessedBefore)) {
		return false
	}
	if f.ErrorSinceBefore != nil && (c.ErrorSince == nil || c.ErrorSince.After(*f.ErrorSinceBefore)) {
		return false
	}
	if c.NotificationCount < f.MinNotificationCount {
		return false
	}
	return true
}

func (f *fakeConnections) UpdateStatus(ctx context.Context, id string, upd connection.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	c, ok := f.conns[id]
	if !ok {
		return connection.ErrNotFound
	}
	if c.Version != upd.ExpectedVersion {
		return connection.ErrVersionConflict
	}

	c.Status = upd.Status
	c.ErrorMessage = upd.ErrorMessage
	c.ErrorSince = upd.ErrorSince
	if upd.CheckedAt != nil {
		c.LastCheckedAt = upd.CheckedAt
	}
	if upd.AccessedAt != nil {
		c.LastAccessedAt = upd.AccessedAt
	}
	if upd.RecoveryAttempts != nil {
		c.RecoveryAttempts = *upd.RecoveryAttempts
	}
	if upd.Enabled != nil {
		c.Enabled = *upd.Enabled
	}
	c.Version++

	f.updates = append(f.updates, upd)
	f.history[id] = append(f.history[id], upd.Status)
	return nil
}

func (f *fakeConnections) MarkNotified(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.markErr[id]; err != nil {
		return err
	}
	c := f.conns[id]
	c.LastNotifiedAt = &at
	c.NotificationCount++
	return nil
}

func (f *fakeConnections) MarkExpiryNotified(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.markErr[id]; err != nil {
		return err
	}
	f.conns[id].LastExpiryNotifiedAt = &at
	return nil
}

func (f *fakeConnections) MarkBalanceUpdated(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[id].BalanceLastUpdated = &at
	f.balanceSeen[id] = at
	return nil
}

func (f *fakeConnections) SetScheduleRef(ctx context.Context, id, scheduleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[id].ScheduleRef = &scheduleID
	return nil
}

func (f *fakeConnections) DeleteByTeam(ctx context.Context, teamID string) (int, error) {
	return 0, nil
}

// fakeAccounts is an in-memory account.Repository.
type fakeAccounts struct {
	mu             sync.Mutex
	accounts       []*account.Account
	listStatuses   [][]account.Status
	balances       map[string]account.BalanceUpdate
	errors         map[string]string
	synced         map[string]time.Time
	disabledByConn map[string]int
	listErr        error
	disableErr     error
}

func newFakeAccounts(accounts ...*account.Account) *fakeAccounts {
	return &fakeAccounts{
		accounts:       accounts,
		balances:       map[string]account.BalanceUpdate{},
		errors:         map[string]string{},
		synced:         map[string]time.Time{},
		disabledByConn: map[string]int{},
	}
}

func (f *fakeAccounts) GetByID(ctx context.Context, id string) (*account.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, account.ErrNotFound
}

func (f *fakeAccounts) ListEnabledByConnection(ctx context.Context, connectionID string, statuses []account.Status) ([]*account.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listStatuses = append(f.listStatuses, statuses)
	if f.listErr != nil {
		return nil, f.listErr
	}

	var out []*account.Account
	for _, a := range f.accounts {
		if a.ConnectionID != connectionID || !a.Enabled {
			continue
		}
		if len(statuses) > 0 {
			ok := false
			for _, s := range statuses {
				if a.Status == s {
					ok = true
				}
			}
			if !ok {
				continue
			}
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeAccounts) UpdateBalance(ctx context.Context, id string, upd account.BalanceUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[id] = upd
	return nil
}

func (f *fakeAccounts) RecordError(ctx context.Context, id string, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[id] = msg
	return nil
}

func (f *fakeAccounts) MarkSynced(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced[id] = at
	return nil
}

func (f *fakeAccounts) DisableByConnection(ctx context.Context, connectionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disableErr != nil {
		return 0, f.disableErr
	}
	n := 0
	for _, a := range f.accounts {
		if a.ConnectionID == connectionID {
			a.Enabled = false
			a.Status = account.StatusDisconnected
			n++
		}
	}
	f.disabledByConn[connectionID] = n
	return n, nil
}

// ledgerKey mirrors the ledger's uniqueness: provider ids are only unique
// within an account.
type ledgerKey struct{ account, id string }

// fakeLedger is an in-memory transaction.Repository keyed on (account, id).
type fakeLedger struct {
	mu         sync.Mutex
	rows       map[ledgerKey]*transaction.Transaction
	inserts    int
	updated    []string
	categories map[ledgerKey]string
	insertErr  func(params []transaction.CreateParams) error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		rows:       map[ledgerKey]*transaction.Transaction{},
		categories: map[ledgerKey]string{},
	}
}

func (f *fakeLedger) row(accountID, id string) *transaction.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[ledgerKey{accountID, id}]
}

func (f *fakeLedger) category(accountID, id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.categories[ledgerKey{accountID, id}]
	return c, ok
}

func (f *fakeLedger) InsertBatch(ctx context.Context, params []transaction.CreateParams) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		if err := f.insertErr(params); err != nil {
			return nil, err
		}
	}
	f.inserts++

	var created []string
	for _, p := range params {
		key := ledgerKey{p.AccountID, p.ID}
		if _, exists := f.rows[key]; exists {
			continue
		}
		f.rows[key] = &transaction.Transaction{
			ID:          p.ID,
			AccountID:   p.AccountID,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Date:        p.Date,
			Name:        p.Name,
			Description: p.Description,
			Pending:     p.Pending,
			Category:    p.Category,
		}
		created = append(created, p.ID)
	}
	return created, nil
}

func (f *fakeLedger) UpdateMutable(ctx context.Context, params []transaction.CreateParams) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range params {
		row, ok := f.rows[ledgerKey{p.AccountID, p.ID}]
		if !ok {
			continue
		}
		row.Pending = p.Pending
		row.Amount = p.Amount
		f.updated = append(f.updated, p.ID)
		n++
	}
	return n, nil
}

func (f *fakeLedger) ListEnrichmentCandidates(ctx context.Context, accountID string, ids []string, since time.Time) ([]*transaction.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*transaction.Transaction
	for _, id := range ids {
		row, ok := f.rows[ledgerKey{accountID, id}]
		if !ok || row.Category != nil || !row.Amount.IsNegative() || row.Date.Before(since) {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeLedger) SetCategory(ctx context.Context, accountID, id string, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ledgerKey{accountID, id}
	row, ok := f.rows[key]
	if !ok {
		return transaction.ErrNotFound
	}
	f.categories[key] = category
	row.Category = &category
	return nil
}

// MockGateway is a func-field provider.Gateway.
type MockGateway struct {
	GetConnectionStatusFunc func(ctx context.Context, req provider.StatusRequest) (*provider.ConnectionStatus, error)
	ListAccountBalanceFunc  func(ctx context.Context, req provider.BalanceRequest) (*provider.Balance, error)
	ListTransactionsFunc    func(ctx context.Context, req provider.TransactionsRequest) (*provider.TransactionPage, error)
	DeleteConnectionFunc    func(ctx context.Context, req provider.DeleteRequest) error
}

func (m *MockGateway) GetConnectionStatus(ctx context.Context, req provider.StatusRequest) (*provider.ConnectionStatus, error) {
	if m.GetConnectionStatusFunc != nil {
		return m.GetConnectionStatusFunc(ctx, req)
	}
	return &provider.ConnectionStatus{Healthy: true}, nil
}

func (m *MockGateway) ListAccountBalance(ctx context.Context, req provider.BalanceRequest) (*provider.Balance, error) {
	if m.ListAccountBalanceFunc != nil {
		return m.ListAccountBalanceFunc(ctx, req)
	}
	return &provider.Balance{}, nil
}

func (m *MockGateway) ListTransactions(ctx context.Context, req provider.TransactionsRequest) (*provider.TransactionPage, error) {
	if m.ListTransactionsFunc != nil {
		return m.ListTransactionsFunc(ctx, req)
	}
	return &provider.TransactionPage{}, nil
}

func (m *MockGateway) DeleteConnection(ctx context.Context, req provider.DeleteRequest) error {
	if m.DeleteConnectionFunc != nil {
		return m.DeleteConnectionFunc(ctx, req)
	}
	return nil
}

// recordingQueue captures enqueued jobs.
type recordingQueue struct {
	mu       sync.Mutex
	requests []job.Request
	batches  int
	err      error
}

func (q *recordingQueue) Enqueue(ctx context.Context, req job.Request) (string, error) {
	ids, err := q.EnqueueBatch(ctx, []job.Request{req})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (q *recordingQueue) EnqueueBatch(ctx context.Context, reqs []job.Request) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.batches++
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		q.requests = append(q.requests, r)
		ids[i] = fmt.Sprintf("job-%d", len(q.requests))
	}
	return ids, nil
}

func (q *recordingQueue) ofKind(kind job.Kind) []job.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []job.Request
	for _, r := range q.requests {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Request
	err  func(req notification.Request) error
}

func (n *recordingNotifier) Send(ctx context.Context, req notification.Request) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		if err := n.err(req); err != nil {
			return err
		}
	}
	n.sent = append(n.sent, req)
	return nil
}

type recordingActivity struct {
	mu      sync.Mutex
	entries []activity.Entry
}

func (r *recordingActivity) Append(ctx context.Context, entry activity.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingActivity) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}

// fakeTeams serves team lookups for notification recipients.
type fakeTeams struct {
	teams map[string]*team.Team
}

func (f *fakeTeams) GetByID(ctx context.Context, id string) (*team.Team, error) {
	t, ok := f.teams[id]
	if !ok {
		return nil, team.ErrNotFound
	}
	return t, nil
}

func (f *fakeTeams) Delete(ctx context.Context, id string) error { return nil }

func (f *fakeTeams) GetSchedule(ctx context.Context, teamID string) (*team.Schedule, error) {
	return nil, team.ErrScheduleNotFound
}

func (f *fakeTeams) CreateSchedule(ctx context.Context, s team.Schedule) (*team.Schedule, error) {
	return &s, nil
}

func (f *fakeTeams) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*team.Schedule, error) {
	return nil, nil
}

func (f *fakeTeams) AdvanceSchedule(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	return nil
}

func (f *fakeTeams) DeleteSchedule(ctx context.Context, teamID string) error { return nil }

func newFakeTeams() *fakeTeams {
	return &fakeTeams{teams: map[string]*team.Team{
		"team-1": {ID: "team-1", Name: "Acme", Email: "owner@acme.test", OwnerUserID: "user-1"},
	}}
}

// MockScorer is a func-field enrichment.Scorer.
type MockScorer struct {
	CategorizeFunc func(ctx context.Context, candidates []enrichment.Candidate) ([]enrichment.Result, error)
	calls          int
}

func (m *MockScorer) Categorize(ctx context.Context, candidates []enrichment.Candidate) ([]enrichment.Result, error) {
	m.calls++
	if m.CategorizeFunc != nil {
		return m.CategorizeFunc(ctx, candidates)
	}
	out := make([]enrichment.Result, len(candidates))
	for i, c := range candidates {
		out[i] = enrichment.Result{TransactionID: c.TransactionID, Category: "groceries", Confidence: 0.9}
	}
	return out, nil
}

type busyLocker struct{}

func (busyLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	return nil, ErrLockNotObtained
}

func activeConnection(id string) *connection.Connection {
	return &connection.Connection{
		ID:              id,
		Provider:        provider.Plaid,
		InstitutionName: "Chase",
		Credential:      "access-secret",
		Status:          connection.StatusActive,
		Enabled:         true,
		UserID:          "user-1",
		TeamID:          strPtr("team-1"),
		LastAccessedAt:  timePtr(fixedNow.Add(-time.Hour)),
		Version:         1,
	}
}
