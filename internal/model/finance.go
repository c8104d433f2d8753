package model

import "time"

// BankAccount links a user to an account at a banking provider. The
// provider's account identifier is sealed.
type BankAccount struct {
	ID            string
	UserID        string
	AccountID     []byte
	InstitutionID string
	RequisitionID string
	LastSynced    time.Time
}

// AccountBalance is a sealed balance snapshot.
type AccountBalance struct {
	AccountID string
	Amount    []byte
	FetchedAt time.Time
}

// BankTransaction is a booked transaction. Amount is always present;
// the descriptive fields are optional and nil when absent.
type BankTransaction struct {
	ID              string
	UserID          string
	AccountID       string
	TransactionID   string
	Amount          []byte
	Date            time.Time
	Description     []byte
	UserDescription []byte
	Counterparty    []byte
}

// Account is the decrypted view of a BankAccount.
type Account struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"accountId"`
	InstitutionID string    `json:"institutionId"`
	RequisitionID string    `json:"requisitionId"`
	LastSynced    time.Time `json:"lastSynced"`
}

// Balance is the decrypted view of an AccountBalance.
type Balance struct {
	AccountID string    `json:"accountId"`
	Amount    string    `json:"amount"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Transaction is the decrypted view of a BankTransaction.
type Transaction struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"accountId"`
	TransactionID   string    `json:"transactionId"`
	Amount          string    `json:"amount"`
	Date            time.Time `json:"date"`
	Description     *string   `json:"description,omitempty"`
	UserDescription *string   `json:"userDescription,omitempty"`
	Counterparty    *string   `json:"counterparty,omitempty"`
}
