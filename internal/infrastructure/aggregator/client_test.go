package aggregator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"finsync/internal/domain/provider"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "engine-key", 5*time.Second)
}

func TestGetConnectionStatus_SendsHeaders(t *testing.T) {
	var gotPath, gotAuth, gotProvider, gotCredential, gotInstitution string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotProvider = r.Header.Get(headerProvider)
		gotCredential = r.Header.Get(headerCredential)
		gotInstitution = r.Header.Get(headerInstitution)
		w.Write([]byte(`{"data":{"item":{"error":null}}}`))
	})

	status, err := client.GetConnectionStatus(context.Background(), provider.StatusRequest{
		ConnectionID:  "conn-1",
		Provider:      provider.Plaid,
		InstitutionID: "ins_3",
		Credential:    "access-secret",
	})
	if err != nil {
		t.Fatalf("GetConnectionStatus() error = %v", err)
	}
	if !status.Healthy {
		t.Errorf("status = %+v, want healthy", status)
	}
	if gotPath != "/v1/connections/conn-1/status" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer engine-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotProvider != "plaid" || gotCredential != "access-secret" || gotInstitution != "ins_3" {
		t.Errorf("provider headers = %q %q %q", gotProvider, gotCredential, gotInstitution)
	}
}

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   provider.ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"code":"unauthorized","message":"bad token"}}`, provider.ErrKindDisconnected},
		{"forbidden", http.StatusForbidden, ``, provider.ErrKindDisconnected},
		{"not found", http.StatusNotFound, ``, provider.ErrKindNotFound},
		{"rate limited", http.StatusTooManyRequests, ``, provider.ErrKindRateLimited},
		{"server error", http.StatusBadGateway, `upstream exploded`, provider.ErrKindTransient},
		{"bad request", http.StatusBadRequest, `{"error":{"code":"invalid_cursor"}}`, provider.ErrKindInvalid},
		{"unprocessable", http.StatusUnprocessableEntity, ``, provider.ErrKindInvalid},
		{"login code on 400", http.StatusBadRequest, `{"error":{"code":"ITEM_LOGIN_REQUIRED","message":"login"}}`, provider.ErrKindDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.ListAccountBalance(context.Background(), provider.BalanceRequest{
				AccountID: "acc-ext-1", Provider: provider.Teller, Credential: "tok",
			})

			var pe *provider.Error
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *provider.Error", err)
			}
			if pe.Kind != tt.want {
				t.Errorf("Kind = %s, want %s", pe.Kind, tt.want)
			}
			if pe.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", pe.StatusCode, tt.status)
			}
		})
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := NewClient(srv.URL, "k", time.Second)
	srv.Close()

	_, err := client.GetConnectionStatus(context.Background(), provider.StatusRequest{
		ConnectionID: "c", Provider: provider.Stripe,
	})
	if !provider.IsTransient(err) {
		t.Errorf("error = %v, want transient", err)
	}
}

func TestUnsupportedProvider(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := client.GetConnectionStatus(context.Background(), provider.StatusRequest{Provider: "yodlee"})
	if provider.KindOf(err) != provider.ErrKindInvalid {
		t.Errorf("error = %v, want invalid", err)
	}
}

func TestListTransactions_CursorAndLatest(t *testing.T) {
	var gotQuery string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{
			"data": [
				{"id":"txn_1","amount":"-12.30","date":"2026-03-09","description":"COFFEE","status":"posted",
				 "details":{"category":"dining","counterparty":{"name":"Blue Bottle"}}}
			],
			"next_cursor": "page-2"
		}`))
	})

	page, err := client.ListTransactions(context.Background(), provider.TransactionsRequest{
		AccountID: "acc_1", Provider: provider.Teller, Credential: "tok", LatestOnly: true, Cursor: "page-1",
	})
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if gotQuery != "cursor=page-1&latest=true" {
		t.Errorf("query = %q", gotQuery)
	}
	if page.NextCursor != "page-2" {
		t.Errorf("NextCursor = %q, want page-2", page.NextCursor)
	}
	if len(page.Transactions) != 1 || page.Transactions[0].Name != "Blue Bottle" {
		t.Errorf("transactions = %+v", page.Transactions)
	}
}

func TestMalformedPayloadIsInvalid(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"balances":[{"balanceAmount":{"amount":"abc","currency":"EUR"},"balanceType":"closingBooked"}]}}`))
	})

	_, err := client.ListAccountBalance(context.Background(), provider.BalanceRequest{
		AccountID: "a", Provider: provider.GoCardless,
	})
	if provider.KindOf(err) != provider.ErrKindInvalid {
		t.Errorf("error = %v, want invalid", err)
	}
}

func TestDeleteConnection(t *testing.T) {
	var gotMethod, gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	err := client.DeleteConnection(context.Background(), provider.DeleteRequest{
		ConnectionID: "conn-9", Provider: provider.EnableBanking, Credential: "session",
	})
	if err != nil {
		t.Fatalf("DeleteConnection() error = %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/v1/connections/conn-9" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
}
