package banksync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"finsync/internal/domain/account"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/job"
	"finsync/internal/domain/provider"
	"finsync/internal/domain/transaction"
)

func testAccount(id string) *account.Account {
	return &account.Account{
		ID:           id,
		ConnectionID: "conn-1",
		ExternalID:   "ext-" + id,
		Enabled:      true,
		Status:       account.StatusActive,
	}
}

func newTestAccountSync(accounts *fakeAccounts, conns *fakeConnections, gw *MockGateway, ledger *fakeLedger, strict bool) *AccountSyncService {
	svc := NewAccountSyncService(accounts, conns, gw, newTestIngestor(ledger, nil, &recordingQueue{}), strict)
	svc.now = clock
	return svc
}

func manyTransactions(n int) []provider.Transaction {
	out := make([]provider.Transaction, n)
	for i := range out {
		out[i] = providerTx(fmt.Sprintf("tx_%04d", i), "-1.00", fixedNow)
	}
	return out
}

func TestAccountSync_Success(t *testing.T) {
	accounts := newFakeAccounts(testAccount("acc-1"))
	conns := newFakeConnections(activeConnection("conn-1"))
	ledger := newFakeLedger()

	var balanceReq provider.BalanceRequest
	var txReq provider.TransactionsRequest
	gw := &MockGateway{
		ListAccountBalanceFunc: func(ctx context.Context, req provider.BalanceRequest) (*provider.Balance, error) {
			balanceReq = req
			return &provider.Balance{Current: decimal.RequireFromString("1523.10"), Currency: "USD"}, nil
		},
		ListTransactionsFunc: func(ctx context.Context, req provider.TransactionsRequest) (*provider.TransactionPage, error) {
			txReq = req
			return &provider.TransactionPage{Transactions: manyTransactions(3)}, nil
		},
	}
	svc := newTestAccountSync(accounts, conns, gw, ledger, false)

	result, err := svc.SyncAccount(context.Background(), SyncAccountRequest{AccountID: "acc-1", ConnectionID: "conn-1"})
	if err != nil {
		t.Fatalf("SyncAccount() error = %v", err)
	}

	if !result.Success || !result.BalanceUpdated || result.Created != 3 {
		t.Errorf("unexpected result: %+v", result)
	}
	if balanceReq.Credential != "access-secret" || balanceReq.AccountID != "ext-acc-1" || balanceReq.Provider != provider.Plaid {
		t.Errorf("balance request did not use stored values: %+v", balanceReq)
	}
	if !txReq.LatestOnly {
		t.Error("automated sync should request latest transactions only")
	}
	if got := accounts.balances["acc-1"].Current.String(); got != "1523.1" {
		t.Errorf("stored balance = %s, want 1523.1", got)
	}
	if _, ok := accounts.synced["acc-1"]; !ok {
		t.Error("lastSyncedAt should be stamped")
	}
}

func TestAccountSync_NonPositiveBalanceNotStored(t *testing.T) {
	for _, amount := range []string{"0", "-12.00"} {
		t.Run(amount, func(t *testing.T) {
			accounts := newFakeAccounts(testAccount("acc-1"))
			gw := &MockGateway{
				ListAccountBalanceFunc: func(ctx context.Context, req provider.BalanceRequest) (*provider.Balance, error) {
					return &provider.Balance{Current: decimal.RequireFromString(amount)}, nil
				},
			}
			svc := newTestAccountSync(accounts, newFakeConnections(activeConnection("conn-1")), gw, newFakeLedger(), false)

			result, err := svc.SyncAccount(context.Background(), SyncAccountRequest{AccountID: "acc-1", ManualSync: true})
			if err != nil {
				t.Fatalf("SyncAccount() error = %v", err)
			}
			if result.BalanceUpdated {
				t.Error("balance should not be persisted")
			}
			if _, ok := accounts.balances["acc-1"]; ok {
				t.Error("UpdateBalance should not be called")
			}
		})
	}
}

func TestAccountSync_BalanceErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantErr     bool
		wantRecord  bool
		wantTxFetch bool
	}{
		{
			name:       "disconnected is recorded and returned",
			err:        &provider.Error{Kind: provider.ErrKindDisconnected, Provider: provider.Plaid, Code: "ITEM_LOGIN_REQUIRED"},
			wantErr:    true,
			wantRecord: true,
		},
		{
			name:        "transient keeps stale balance",
			err:         &provider.Error{Kind: provider.ErrKindTransient, Provider: provider.Plaid},
			wantTxFetch: true,
		},
		{
			name:        "plain error keeps stale balance",
			err:         errors.New("unexpected payload"),
			wantTxFetch: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := newFakeAccounts(testAccount("acc-1"))
			fetched := false
			gw := &MockGateway{
				ListAccountBalanceFunc: func(ctx context.Context, req provider.BalanceRequest) (*provider.Balance, error) {
					return nil, tt.err
				},
				ListTransactionsFunc: func(ctx context.Context, req provider.TransactionsRequest) (*provider.TransactionPage, error) {
					fetched = true
					return &provider.TransactionPage{}, nil
				},
			}
			svc := newTestAccountSync(accounts, newFakeConnections(activeConnection("conn-1")), gw, newFakeLedger(), false)

			_, err := svc.SyncAccount(context.Background(), SyncAccountRequest{AccountID: "acc-1"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("SyncAccount() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !provider.IsDisconnected(err) {
				t.Errorf("error should keep the provider kind, got %v", err)
			}
			if _, recorded := accounts.errors["acc-1"]; recorded != tt.wantRecord {
				t.Errorf("error recorded = %v, want %v", recorded, tt.wantRecord)
			}
			if fetched != tt.wantTxFetch {
				t.Errorf("transactions fetched = %v, want %v", fetched, tt.wantTxFetch)
			}
		})
	}
}

func TestAccountSync_BatchesOf500(t *testing.T) {
	ledger := newFakeLedger()
	var batchSizes []int
	ledger.insertErr = func(params []transaction.CreateParams) error {
		batchSizes = append(batchSizes, len(params))
		return nil
	}
	gw := &MockGateway{
		ListTransactionsFunc: func(ctx context.Context, req provider.TransactionsRequest) (*provider.TransactionPage, error) {
			return &provider.TransactionPage{Transactions: manyTransactions(1201)}, nil
		},
	}
	svc := newTestAccountSync(newFakeAccounts(testAccount("acc-1")), newFakeConnections(activeConnection("conn-1")), gw, ledger, false)

	result, err := svc.SyncAccount(context.Background(), SyncAccountRequest{AccountID: "acc-1"})
	if err != nil {
		t.Fatalf("SyncAccount() error = %v", err)
	}

	want := []int{500, 500, 201}
	if len(batchSizes) != len(want) {
		t.Fatalf("batch sizes = %v, want %v", batchSizes, want)
	}
	for i := range want {
		if batchSizes[i] != want[i] {
			t.Errorf("batch %d size = %d, want %d", i, batchSizes[i], want[i])
		}
	}
	if result.Batches != 3 || result.Created != 1201 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestAccountSync_PartialBatchFailure(t *testing.T) {
	tests := []struct {
		name       string
		strict     bool
		wantErr    bool
		wantStamp  bool
		wantCreate int
	}{
		{"best effort continues", false, false, false, 701},
		{"strict fails the job", true, true, false, 701},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newFakeLedger()
			call := 0
			ledger.insertErr = func(params []transaction.CreateParams) error {
				call++
				if call == 2 {
					return errors.New("deadlock detected")
				}
				return nil
			}
			accounts := newFakeAccounts(testAccount("acc-1"))
			gw := &MockGateway{
				ListTransactionsFunc: func(ctx context.Context, req provider.TransactionsRequest) (*provider.TransactionPage, error) {
					return &provider.TransactionPage{Transactions: manyTransactions(1201)}, nil
				},
			}
			svc := newTestAccountSync(accounts, newFakeConnections(activeConnection("conn-1")), gw, ledger, tt.strict)

			result, err := svc.SyncAccount(context.Background(), SyncAccountRequest{AccountID: "acc-1"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("SyncAccount() error = %v, wantErr %v", err, tt.wantErr)
			}
			if result.FailedBatches != 1 {
				t.Errorf("FailedBatches = %d, want 1", result.FailedBatches)
			}
			if result.Created != tt.wantCreate {
				t.Errorf("Created = %d, want %d (batches after the failure still run)", result.Created, tt.wantCreate)
			}
			if _, stamped := accounts.synced["acc-1"]; stamped != tt.wantStamp {
				t.Errorf("lastSyncedAt stamped = %v, want %v", stamped, tt.wantStamp)
			}
		})
	}
}

func TestAccountSync_FollowsCursor(t *testing.T) {
	var cursors []string
	gw := &MockGateway{
		ListTransactionsFunc: func(ctx context.Context, req provider.TransactionsRequest) (*provider.TransactionPage, error) {
			cursors = append(cursors, req.Cursor)
			switch req.Cursor {
			case "":
				return &provider.TransactionPage{Transactions: manyTransactions(2), NextCursor: "page-2"}, nil
			default:
				return &provider.TransactionPage{Transactions: []provider.Transaction{providerTx("tx_last", "-1.00", fixedNow)}}, nil
			}
		},
	}
	svc := newTestAccountSync(newFakeAccounts(testAccount("acc-1")), newFakeConnections(activeConnection("conn-1")), gw, newFakeLedger(), false)

	result, err := svc.SyncAccount(context.Background(), SyncAccountRequest{AccountID: "acc-1", ManualSync: true})
	if err != nil {
		t.Fatalf("SyncAccount() error = %v", err)
	}
	if len(cursors) != 2 || cursors[1] != "page-2" {
		t.Errorf("cursors = %v", cursors)
	}
	if result.Fetched != 3 {
		t.Errorf("Fetched = %d, want 3", result.Fetched)
	}
}

func TestAccountSync_DroppedRecordsCountAsInvalid(t *testing.T) {
	gw := &MockGateway{
		ListTransactionsFunc: func(ctx context.Context, req provider.TransactionsRequest) (*provider.TransactionPage, error) {
			if req.Cursor == "" {
				return &provider.TransactionPage{Transactions: manyTransactions(2), Dropped: 1, NextCursor: "page-2"}, nil
			}
			return &provider.TransactionPage{Transactions: []provider.Transaction{providerTx("tx_last", "-1.00", fixedNow)}, Dropped: 2}, nil
		},
	}
	ledger := newFakeLedger()
	svc := newTestAccountSync(newFakeAccounts(testAccount("acc-1")), newFakeConnections(activeConnection("conn-1")), gw, ledger, false)

	result, err := svc.SyncAccount(context.Background(), SyncAccountRequest{AccountID: "acc-1", ManualSync: true})
	if err != nil {
		t.Fatalf("SyncAccount() error = %v", err)
	}
	if result.Fetched != 3 || result.Created != 3 {
		t.Errorf("Fetched = %d Created = %d, want 3 and 3", result.Fetched, result.Created)
	}
	if result.Invalid != 3 {
		t.Errorf("Invalid = %d, want 3 dropped records", result.Invalid)
	}
}

func TestAccountSync_NotFoundIsPermanent(t *testing.T) {
	tests := []struct {
		name     string
		accounts *fakeAccounts
		conns    *fakeConnections
	}{
		{"missing account", newFakeAccounts(), newFakeConnections(activeConnection("conn-1"))},
		{"missing connection", newFakeAccounts(testAccount("acc-1")), newFakeConnections()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestAccountSync(tt.accounts, tt.conns, &MockGateway{}, newFakeLedger(), false)
			_, err := svc.SyncAccount(context.Background(), SyncAccountRequest{AccountID: "acc-1"})
			if !job.IsPermanent(err) {
				t.Errorf("SyncAccount() error = %v, want permanent", err)
			}
		})
	}
}

func TestAccountSync_DisabledConnectionSkipped(t *testing.T) {
	conn := activeConnection("conn-1")
	conn.Enabled = false
	conn.Status = connection.StatusDisconnected
	called := false
	gw := &MockGateway{
		ListAccountBalanceFunc: func(ctx context.Context, req provider.BalanceRequest) (*provider.Balance, error) {
			called = true
			return &provider.Balance{}, nil
		},
	}
	svc := newTestAccountSync(newFakeAccounts(testAccount("acc-1")), newFakeConnections(conn), gw, newFakeLedger(), false)

	result, err := svc.SyncAccount(context.Background(), SyncAccountRequest{AccountID: "acc-1"})
	if err != nil {
		t.Fatalf("SyncAccount() error = %v", err)
	}
	if result.Success || called {
		t.Error("disabled connection should not be synced")
	}
}
