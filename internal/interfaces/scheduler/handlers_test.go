package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"finsync/internal/domain/banksync"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/job"
	"finsync/internal/domain/team"
)

type mockConnectionSyncer struct {
	SyncConnectionFunc func(ctx context.Context, req banksync.SyncConnectionRequest) (*banksync.SyncConnectionResult, error)
}

func (m *mockConnectionSyncer) SyncConnection(ctx context.Context, req banksync.SyncConnectionRequest) (*banksync.SyncConnectionResult, error) {
	return m.SyncConnectionFunc(ctx, req)
}

type mockAccountSyncer struct {
	SyncAccountFunc func(ctx context.Context, req banksync.SyncAccountRequest) (*banksync.SyncAccountResult, error)
}

func (m *mockAccountSyncer) SyncAccount(ctx context.Context, req banksync.SyncAccountRequest) (*banksync.SyncAccountResult, error) {
	return m.SyncAccountFunc(ctx, req)
}

type mockRecoverer struct {
	RecoverFunc func(ctx context.Context, req banksync.RecoverRequest) (*banksync.RecoverResult, error)
}

func (m *mockRecoverer) Recover(ctx context.Context, req banksync.RecoverRequest) (*banksync.RecoverResult, error) {
	return m.RecoverFunc(ctx, req)
}

type mockTeams struct {
	InitialSetupFunc    func(ctx context.Context, connectionID string) (string, error)
	RunDueSchedulesFunc func(ctx context.Context) (*team.TickResult, error)
}

func (m *mockTeams) InitialSetup(ctx context.Context, connectionID string) (string, error) {
	return m.InitialSetupFunc(ctx, connectionID)
}

func (m *mockTeams) RunDueSchedules(ctx context.Context) (*team.TickResult, error) {
	return m.RunDueSchedulesFunc(ctx)
}

func jobWith(t *testing.T, kind job.Kind, payload any) *job.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &job.Job{ID: "job-1", Kind: kind, Payload: raw}
}

func TestRegisterHandlers_OnlyConfiguredServices(t *testing.T) {
	reg := NewRegistry()
	RegisterHandlers(reg, Services{
		Connections: &mockConnectionSyncer{},
		Teams:       &mockTeams{},
	})

	want := []job.Kind{job.KindInitialSetup, job.KindScheduleTick, job.KindSyncConnection}
	got := reg.Kinds()
	if len(got) != len(want) {
		t.Fatalf("Kinds() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Kinds()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSyncConnectionHandler(t *testing.T) {
	var gotReq banksync.SyncConnectionRequest
	reg := NewRegistry()
	RegisterHandlers(reg, Services{Connections: &mockConnectionSyncer{
		SyncConnectionFunc: func(ctx context.Context, req banksync.SyncConnectionRequest) (*banksync.SyncConnectionResult, error) {
			gotReq = req
			return &banksync.SyncConnectionResult{Status: connection.StatusActive, AccountsSynced: 2}, nil
		},
	}})
	r, _ := reg.Lookup(job.KindSyncConnection)

	err := r.Handler(context.Background(), jobWith(t, job.KindSyncConnection, job.SyncConnectionPayload{ConnectionID: "conn-1", ManualSync: true, FullSync: true}))
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if gotReq.ConnectionID != "conn-1" || !gotReq.ManualSync || !gotReq.FullSync {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestHandlers_BadPayloadIsPermanent(t *testing.T) {
	reg := NewRegistry()
	RegisterHandlers(reg, Services{
		Connections: &mockConnectionSyncer{},
		Accounts:    &mockAccountSyncer{},
	})

	tests := []struct {
		name string
		j    *job.Job
	}{
		{"malformed json", &job.Job{Kind: job.KindSyncConnection, Payload: []byte(`{"connectionId":`)}},
		{"missing connection id", &job.Job{Kind: job.KindSyncConnection, Payload: []byte(`{}`)}},
		{"missing account id", &job.Job{Kind: job.KindSyncAccount, Payload: []byte(`{"connectionId":"c"}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := reg.Lookup(tt.j.Kind)
			err := r.Handler(context.Background(), tt.j)
			if !job.IsPermanent(err) {
				t.Errorf("error = %v, want permanent", err)
			}
		})
	}
}

func TestSyncAccountHandler_PassesPayload(t *testing.T) {
	var gotReq banksync.SyncAccountRequest
	reg := NewRegistry()
	RegisterHandlers(reg, Services{Accounts: &mockAccountSyncer{
		SyncAccountFunc: func(ctx context.Context, req banksync.SyncAccountRequest) (*banksync.SyncAccountResult, error) {
			gotReq = req
			return &banksync.SyncAccountResult{Success: true}, nil
		},
	}})
	r, _ := reg.Lookup(job.KindSyncAccount)

	payload := job.SyncAccountPayload{AccountID: "acc-1", ConnectionID: "conn-1", ExternalAccountID: "ext-1", Provider: "plaid"}
	if err := r.Handler(context.Background(), jobWith(t, job.KindSyncAccount, payload)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if gotReq.AccountID != "acc-1" || gotReq.ExternalAccountID != "ext-1" || gotReq.Provider != "plaid" || gotReq.ManualSync {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestRecoverHandler_PropagatesError(t *testing.T) {
	wantErr := errors.New("lock busy")
	reg := NewRegistry()
	RegisterHandlers(reg, Services{Recovery: &mockRecoverer{
		RecoverFunc: func(ctx context.Context, req banksync.RecoverRequest) (*banksync.RecoverResult, error) {
			if req.RetryCount != 2 {
				t.Errorf("RetryCount = %d, want 2", req.RetryCount)
			}
			return nil, wantErr
		},
	}})
	r, _ := reg.Lookup(job.KindRecoverConnection)

	err := r.Handler(context.Background(), jobWith(t, job.KindRecoverConnection, job.RecoverConnectionPayload{ConnectionID: "c", RetryCount: 2}))
	if !errors.Is(err, wantErr) || job.IsPermanent(err) {
		t.Errorf("error = %v, want retryable %v", err, wantErr)
	}
}

func TestInitialSetupHandler_NoTeamIsPermanent(t *testing.T) {
	reg := NewRegistry()
	RegisterHandlers(reg, Services{Teams: &mockTeams{
		InitialSetupFunc: func(ctx context.Context, connectionID string) (string, error) {
			return "", connection.ErrNoTeam
		},
	}})
	r, _ := reg.Lookup(job.KindInitialSetup)

	err := r.Handler(context.Background(), jobWith(t, job.KindInitialSetup, job.InitialSetupPayload{ConnectionID: "c"}))
	if !job.IsPermanent(err) {
		t.Errorf("error = %v, want permanent", err)
	}
}
