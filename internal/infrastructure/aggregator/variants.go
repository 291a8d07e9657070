package aggregator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"finsync/internal/domain/provider"
	"finsync/internal/shared/logging"
)

// codec decodes one provider's raw payloads into the normalized model.
type codec struct {
	status       func(raw json.RawMessage) (*provider.ConnectionStatus, error)
	balance      func(raw json.RawMessage) (*provider.Balance, error)
	transactions func(raw json.RawMessage) ([]provider.Transaction, int, error)
}

var codecs = map[provider.Name]codec{
	provider.Plaid:         {status: decodePlaidStatus, balance: decodePlaidBalance, transactions: decodePlaidTransactions},
	provider.Teller:        {status: decodeTellerStatus, balance: decodeTellerBalance, transactions: decodeTellerTransactions},
	provider.GoCardless:    {status: decodeGoCardlessStatus, balance: decodeGoCardlessBalance, transactions: decodeGoCardlessTransactions},
	provider.Stripe:        {status: decodeStripeStatus, balance: decodeStripeBalance, transactions: decodeStripeTransactions},
	provider.EnableBanking: {status: decodeEnableBankingStatus, balance: decodeEnableBankingBalance, transactions: decodeEnableBankingTransactions},
}

const dateLayout = "2006-01-02"

var log = logging.WithComponent("aggregator")

// dropRecord logs a transaction that could not be normalized. The rest of
// the page is still returned.
func dropRecord(name provider.Name, id string, err error) {
	log.WithFields(logrus.Fields{
		"provider":       name,
		"transaction_id": id,
	}).WithError(err).Warn("Dropping malformed transaction")
}

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse amount %q: %w", s, err)
	}
	return d, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	return t.UTC(), nil
}

func unhealthy(code, msg string) *provider.ConnectionStatus {
	return &provider.ConnectionStatus{Healthy: false, ErrorCode: code, ErrorMessage: msg}
}

func healthy() *provider.ConnectionStatus {
	return &provider.ConnectionStatus{Healthy: true}
}

// Plaid

type plaidError struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type plaidItem struct {
	Item struct {
		Error *plaidError `json:"error"`
	} `json:"item"`
}

func decodePlaidStatus(raw json.RawMessage) (*provider.ConnectionStatus, error) {
	var v plaidItem
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	e := v.Item.Error
	if e == nil || e.ErrorCode == "" {
		return healthy(), nil
	}
	switch e.ErrorCode {
	case "ITEM_LOGIN_REQUIRED", "INVALID_CREDENTIALS", "USER_SETUP_REQUIRED":
		return unhealthy(provider.CodeLoginRequired, e.ErrorMessage), nil
	case "PENDING_EXPIRATION", "ACCESS_NOT_GRANTED":
		return unhealthy(provider.CodeExpired, e.ErrorMessage), nil
	case "ITEM_NOT_FOUND", "USER_PERMISSION_REVOKED":
		return unhealthy(provider.CodeRevoked, e.ErrorMessage), nil
	case "INSTITUTION_DOWN", "INSTITUTION_NOT_RESPONDING", "INSTITUTION_NOT_AVAILABLE":
		return unhealthy(provider.CodeInstitution, e.ErrorMessage), nil
	}
	return unhealthy(provider.CodeUnknown, e.ErrorMessage), nil
}

type plaidBalance struct {
	Balances struct {
		Current         *float64 `json:"current"`
		Available       *float64 `json:"available"`
		IsoCurrencyCode string   `json:"iso_currency_code"`
	} `json:"balances"`
}

func decodePlaidBalance(raw json.RawMessage) (*provider.Balance, error) {
	var v plaidBalance
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	b := &provider.Balance{Currency: strings.ToUpper(v.Balances.IsoCurrencyCode)}
	if v.Balances.Current != nil {
		b.Current = decimal.NewFromFloat(*v.Balances.Current)
	}
	if v.Balances.Available != nil {
		a := decimal.NewFromFloat(*v.Balances.Available)
		b.Available = &a
	}
	return b, nil
}

type plaidTransaction struct {
	TransactionID           string  `json:"transaction_id"`
	Amount                  float64 `json:"amount"`
	IsoCurrencyCode         string  `json:"iso_currency_code"`
	Date                    string  `json:"date"`
	Name                    string  `json:"name"`
	MerchantName            string  `json:"merchant_name"`
	Pending                 bool    `json:"pending"`
	PersonalFinanceCategory *struct {
		Primary string `json:"primary"`
	} `json:"personal_finance_category"`
}

// decodePlaidTransactions flips Plaid's sign, where positive means money
// leaving the account.
func decodePlaidTransactions(raw json.RawMessage) ([]provider.Transaction, int, error) {
	var v struct {
		Transactions []plaidTransaction `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, 0, err
	}
	out := make([]provider.Transaction, 0, len(v.Transactions))
	dropped := 0
	for _, t := range v.Transactions {
		date, err := parseDate(t.Date)
		if err != nil {
			dropRecord(provider.Plaid, t.TransactionID, err)
			dropped++
			continue
		}
		name := t.MerchantName
		if name == "" {
			name = t.Name
		}
		pt := provider.Transaction{
			ID:          t.TransactionID,
			Amount:      decimal.NewFromFloat(t.Amount).Neg(),
			Currency:    strings.ToUpper(t.IsoCurrencyCode),
			Date:        date,
			Name:        name,
			Description: t.Name,
			Pending:     t.Pending,
		}
		if t.PersonalFinanceCategory != nil && t.PersonalFinanceCategory.Primary != "" {
			c := strings.ToLower(t.PersonalFinanceCategory.Primary)
			pt.Category = &c
		}
		out = append(out, pt)
	}
	return out, dropped, nil
}

// Teller

func decodeTellerStatus(raw json.RawMessage) (*provider.ConnectionStatus, error) {
	var v struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	if v.Status == "connected" {
		return healthy(), nil
	}
	switch {
	case strings.HasPrefix(v.Reason, "enrollment.disconnected.credentials_invalid"),
		strings.HasPrefix(v.Reason, "enrollment.disconnected.user_action"),
		strings.HasPrefix(v.Reason, "enrollment.disconnected.account_locked"):
		return unhealthy(provider.CodeLoginRequired, v.Reason), nil
	case strings.HasPrefix(v.Reason, "enrollment.disconnected.enrollment_inactive"):
		return unhealthy(provider.CodeExpired, v.Reason), nil
	case strings.HasPrefix(v.Reason, "enrollment.disconnected.institution"):
		return unhealthy(provider.CodeInstitution, v.Reason), nil
	}
	return unhealthy(provider.CodeUnknown, firstNonEmpty(v.Reason, v.Status)), nil
}

func decodeTellerBalance(raw json.RawMessage) (*provider.Balance, error) {
	var v struct {
		Ledger    string `json:"ledger"`
		Available string `json:"available"`
		Currency  string `json:"currency"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	b := &provider.Balance{Currency: strings.ToUpper(firstNonEmpty(v.Currency, "USD"))}
	if v.Ledger != "" {
		current, err := parseAmount(v.Ledger)
		if err != nil {
			return nil, err
		}
		b.Current = current
	}
	if v.Available != "" {
		available, err := parseAmount(v.Available)
		if err != nil {
			return nil, err
		}
		b.Available = &available
	}
	return b, nil
}

type tellerTransaction struct {
	ID          string `json:"id"`
	Amount      string `json:"amount"`
	Date        string `json:"date"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Details     struct {
		Category     string `json:"category"`
		Counterparty struct {
			Name string `json:"name"`
		} `json:"counterparty"`
	} `json:"details"`
}

func decodeTellerTransactions(raw json.RawMessage) ([]provider.Transaction, int, error) {
	var v []tellerTransaction
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, 0, err
	}
	out := make([]provider.Transaction, 0, len(v))
	dropped := 0
	for _, t := range v {
		amount, err := parseAmount(t.Amount)
		if err != nil {
			dropRecord(provider.Teller, t.ID, err)
			dropped++
			continue
		}
		date, err := parseDate(t.Date)
		if err != nil {
			dropRecord(provider.Teller, t.ID, err)
			dropped++
			continue
		}
		pt := provider.Transaction{
			ID:          t.ID,
			Amount:      amount,
			Currency:    "USD",
			Date:        date,
			Name:        firstNonEmpty(t.Details.Counterparty.Name, t.Description),
			Description: t.Description,
			Pending:     t.Status == "pending",
		}
		if t.Details.Category != "" {
			c := t.Details.Category
			pt.Category = &c
		}
		out = append(out, pt)
	}
	return out, dropped, nil
}

// GoCardless (Bank Account Data requisitions)

func decodeGoCardlessStatus(raw json.RawMessage) (*provider.ConnectionStatus, error) {
	var v struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch v.Status {
	case "LN":
		return healthy(), nil
	case "EX":
		return unhealthy(provider.CodeExpired, "end user agreement expired"), nil
	case "RJ":
		return unhealthy(provider.CodeRevoked, "requisition rejected"), nil
	case "SU":
		return unhealthy(provider.CodeRevoked, "requisition suspended"), nil
	case "CR", "GC", "UA", "SA", "GA":
		return unhealthy(provider.CodeLoginRequired, "authorization not completed"), nil
	}
	return unhealthy(provider.CodeUnknown, "requisition status "+v.Status), nil
}

type gcAmount struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func decodeGoCardlessBalance(raw json.RawMessage) (*provider.Balance, error) {
	var v struct {
		Balances []struct {
			BalanceAmount gcAmount `json:"balanceAmount"`
			BalanceType   string   `json:"balanceType"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	amounts := make(map[string]gcAmount, len(v.Balances))
	for _, b := range v.Balances {
		amounts[b.BalanceType] = b.BalanceAmount
	}

	b := &provider.Balance{}
	for _, kind := range []string{"closingBooked", "interimBooked", "expected"} {
		if a, ok := amounts[kind]; ok {
			current, err := parseAmount(a.Amount)
			if err != nil {
				return nil, err
			}
			b.Current = current
			b.Currency = strings.ToUpper(a.Currency)
			break
		}
	}
	if a, ok := amounts["interimAvailable"]; ok {
		available, err := parseAmount(a.Amount)
		if err != nil {
			return nil, err
		}
		b.Available = &available
		if b.Currency == "" {
			b.Currency = strings.ToUpper(a.Currency)
		}
	}
	return b, nil
}

type gcTransaction struct {
	TransactionID                     string   `json:"transactionId"`
	InternalTransactionID             string   `json:"internalTransactionId"`
	BookingDate                       string   `json:"bookingDate"`
	ValueDate                         string   `json:"valueDate"`
	TransactionAmount                 gcAmount `json:"transactionAmount"`
	RemittanceInformationUnstructured string   `json:"remittanceInformationUnstructured"`
	CreditorName                      string   `json:"creditorName"`
	DebtorName                        string   `json:"debtorName"`
}

func decodeGoCardlessTransactions(raw json.RawMessage) ([]provider.Transaction, int, error) {
	var v struct {
		Transactions struct {
			Booked  []gcTransaction `json:"booked"`
			Pending []gcTransaction `json:"pending"`
		} `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, 0, err
	}

	out := make([]provider.Transaction, 0, len(v.Transactions.Booked)+len(v.Transactions.Pending))
	dropped := 0
	convert := func(t gcTransaction, pending bool) {
		id := firstNonEmpty(t.TransactionID, t.InternalTransactionID)
		amount, err := parseAmount(t.TransactionAmount.Amount)
		if err != nil {
			dropRecord(provider.GoCardless, id, err)
			dropped++
			return
		}
		date, err := parseDate(firstNonEmpty(t.BookingDate, t.ValueDate))
		if err != nil {
			dropRecord(provider.GoCardless, id, err)
			dropped++
			return
		}
		out = append(out, provider.Transaction{
			ID:          id,
			Amount:      amount,
			Currency:    strings.ToUpper(t.TransactionAmount.Currency),
			Date:        date,
			Name:        firstNonEmpty(t.CreditorName, t.DebtorName, t.RemittanceInformationUnstructured),
			Description: t.RemittanceInformationUnstructured,
			Pending:     pending,
		})
	}
	for _, t := range v.Transactions.Booked {
		convert(t, false)
	}
	for _, t := range v.Transactions.Pending {
		convert(t, true)
	}
	return out, dropped, nil
}

// Stripe Financial Connections. Amounts are integer minor units.

func decodeStripeStatus(raw json.RawMessage) (*provider.ConnectionStatus, error) {
	var v struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch v.Status {
	case "active":
		return healthy(), nil
	case "inactive":
		return unhealthy(provider.CodeLoginRequired, "account inactive"), nil
	case "disconnected":
		return unhealthy(provider.CodeRevoked, "account disconnected"), nil
	}
	return unhealthy(provider.CodeUnknown, "account status "+v.Status), nil
}

func fromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func decodeStripeBalance(raw json.RawMessage) (*provider.Balance, error) {
	var v struct {
		Balance struct {
			Current map[string]int64 `json:"current"`
			Cash    *struct {
				Available map[string]int64 `json:"available"`
			} `json:"cash"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	b := &provider.Balance{}
	for currency, cents := range v.Balance.Current {
		b.Current = fromMinorUnits(cents)
		b.Currency = strings.ToUpper(currency)
		break
	}
	if v.Balance.Cash != nil {
		if cents, ok := v.Balance.Cash.Available[strings.ToLower(b.Currency)]; ok {
			a := fromMinorUnits(cents)
			b.Available = &a
		}
	}
	return b, nil
}

type stripeTransaction struct {
	ID           string `json:"id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Description  string `json:"description"`
	Status       string `json:"status"`
	TransactedAt int64  `json:"transacted_at"`
}

func decodeStripeTransactions(raw json.RawMessage) ([]provider.Transaction, int, error) {
	var v struct {
		Data []stripeTransaction `json:"data"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, 0, err
	}
	out := make([]provider.Transaction, 0, len(v.Data))
	for _, t := range v.Data {
		if t.Status == "void" {
			continue
		}
		out = append(out, provider.Transaction{
			ID:          t.ID,
			Amount:      fromMinorUnits(t.Amount),
			Currency:    strings.ToUpper(t.Currency),
			Date:        time.Unix(t.TransactedAt, 0).UTC(),
			Name:        t.Description,
			Description: t.Description,
			Pending:     t.Status == "pending",
		})
	}
	return out, 0, nil
}

// Enable Banking

func decodeEnableBankingStatus(raw json.RawMessage) (*provider.ConnectionStatus, error) {
	var v struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch v.Status {
	case "AUTHORIZED":
		return healthy(), nil
	case "EXPIRED":
		return unhealthy(provider.CodeExpired, "session expired"), nil
	case "REVOKED", "CLOSED":
		return unhealthy(provider.CodeRevoked, "session "+strings.ToLower(v.Status)), nil
	case "PENDING_AUTHORIZATION", "RETURNED_FROM_BANK":
		return unhealthy(provider.CodeLoginRequired, "authorization not completed"), nil
	}
	return unhealthy(provider.CodeUnknown, "session status "+v.Status), nil
}

type ebAmount struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func decodeEnableBankingBalance(raw json.RawMessage) (*provider.Balance, error) {
	var v struct {
		Balances []struct {
			BalanceAmount ebAmount `json:"balance_amount"`
			BalanceType   string   `json:"balance_type"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	b := &provider.Balance{}
	found := false
	for _, bal := range v.Balances {
		amount, err := parseAmount(bal.BalanceAmount.Amount)
		if err != nil {
			return nil, err
		}
		switch bal.BalanceType {
		case "CLBD", "ITBD", "XPCD":
			if !found {
				b.Current = amount
				b.Currency = strings.ToUpper(bal.BalanceAmount.Currency)
				found = true
			}
		case "ITAV", "CLAV":
			a := amount
			b.Available = &a
		}
	}
	return b, nil
}

type ebTransaction struct {
	EntryReference        string   `json:"entry_reference"`
	TransactionID         string   `json:"transaction_id"`
	TransactionAmount     ebAmount `json:"transaction_amount"`
	CreditDebitIndicator  string   `json:"credit_debit_indicator"`
	Status                string   `json:"status"`
	BookingDate           string   `json:"booking_date"`
	ValueDate             string   `json:"value_date"`
	RemittanceInformation []string `json:"remittance_information"`
	Creditor              *struct {
		Name string `json:"name"`
	} `json:"creditor"`
	Debtor *struct {
		Name string `json:"name"`
	} `json:"debtor"`
}

// decodeEnableBankingTransactions signs unsigned amounts from the
// credit/debit indicator: debits are negative, credits positive.
func decodeEnableBankingTransactions(raw json.RawMessage) ([]provider.Transaction, int, error) {
	var v struct {
		Transactions []ebTransaction `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, 0, err
	}
	out := make([]provider.Transaction, 0, len(v.Transactions))
	dropped := 0
	for _, t := range v.Transactions {
		id := firstNonEmpty(t.TransactionID, t.EntryReference)
		amount, err := parseAmount(t.TransactionAmount.Amount)
		if err != nil {
			dropRecord(provider.EnableBanking, id, err)
			dropped++
			continue
		}
		amount = amount.Abs()
		if t.CreditDebitIndicator == "DBIT" {
			amount = amount.Neg()
		}
		date, err := parseDate(firstNonEmpty(t.BookingDate, t.ValueDate))
		if err != nil {
			dropRecord(provider.EnableBanking, id, err)
			dropped++
			continue
		}

		var counterparty string
		if t.CreditDebitIndicator == "CRDT" && t.Debtor != nil {
			counterparty = t.Debtor.Name
		} else if t.Creditor != nil {
			counterparty = t.Creditor.Name
		}
		description := strings.Join(t.RemittanceInformation, " ")

		out = append(out, provider.Transaction{
			ID:          id,
			Amount:      amount,
			Currency:    strings.ToUpper(t.TransactionAmount.Currency),
			Date:        date,
			Name:        firstNonEmpty(counterparty, description),
			Description: description,
			Pending:     t.Status == "PDNG",
		})
	}
	return out, dropped, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
