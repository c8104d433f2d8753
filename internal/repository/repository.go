// Package repository declares the storage interfaces the services depend
// on. Implementations store sealed bytes as given and never interpret them.
package repository

import (
	"context"

	"lifehub/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

type UserRepository interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByEmailHash(ctx context.Context, emailHash string) (*model.User, error)
	ListUsers(ctx context.Context, opts ListOptions) ([]model.User, error)
	UpdateUser(ctx context.Context, user *model.User) error
	DeleteUser(ctx context.Context, id string) error
}

type FinanceRepository interface {
	CreateAccount(ctx context.Context, account *model.BankAccount) error
	GetAccount(ctx context.Context, userID, id string) (*model.BankAccount, error)
	ListAccounts(ctx context.Context, userID string) ([]model.BankAccount, error)
	DeleteAccount(ctx context.Context, userID, id string) error

	AddBalance(ctx context.Context, balance *model.AccountBalance) error
	ListBalances(ctx context.Context, accountID string) ([]model.AccountBalance, error)

	CreateTransaction(ctx context.Context, txn *model.BankTransaction) error
	GetTransaction(ctx context.Context, userID, id string) (*model.BankTransaction, error)
	ListTransactions(ctx context.Context, userID, accountID string, opts ListOptions) ([]model.BankTransaction, error)
	UpdateTransaction(ctx context.Context, txn *model.BankTransaction) error
}

type ProviderTokenRepository interface {
	CreateProviderToken(ctx context.Context, token *model.ProviderToken) error
	GetProviderToken(ctx context.Context, userID, providerID string) (*model.ProviderToken, error)
	ListProviderTokens(ctx context.Context, userID string) ([]model.ProviderToken, error)
	UpdateProviderToken(ctx context.Context, token *model.ProviderToken) error
	DeleteProviderToken(ctx context.Context, userID, providerID string) error
}

// Store is every repository behind one connection or transaction.
type Store interface {
	UserRepository
	FinanceRepository
	ProviderTokenRepository

	// InTx runs fn against a Store bound to a single transaction. The
	// transaction commits if fn returns nil and rolls back otherwise.
	// Calling InTx on a Store that is already transactional runs fn in the
	// enclosing transaction.
	InTx(ctx context.Context, fn func(Store) error) error
}
