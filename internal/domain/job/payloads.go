package job

import "finsync/internal/domain/provider"

// Payloads never carry credentials; handlers load them from the store.

type SyncConnectionPayload struct {
	ConnectionID string `json:"connectionId"`
	ManualSync   bool   `json:"manualSync"`
	FullSync     bool   `json:"fullSync,omitempty"`
}

type SyncAccountPayload struct {
	AccountID         string        `json:"accountId"`
	ConnectionID      string        `json:"connectionId"`
	ExternalAccountID string        `json:"externalAccountId"`
	Provider          provider.Name `json:"provider"`
	ManualSync        bool          `json:"manualSync"`
}

type RecoverConnectionPayload struct {
	ConnectionID string        `json:"connectionId"`
	Provider     provider.Name `json:"provider"`
	RetryCount   int           `json:"retryCount"`
}

type InitialSetupPayload struct {
	ConnectionID string `json:"connectionId"`
}

type EnrichTransactionsPayload struct {
	AccountID      string   `json:"accountId"`
	TransactionIDs []string `json:"transactionIds"`
}

type BalanceRefreshConnectionPayload struct {
	ConnectionID string `json:"connectionId"`
}
