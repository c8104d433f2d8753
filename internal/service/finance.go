package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"lifehub/crypto"
	"lifehub/internal/apperror"
	"lifehub/internal/model"
	"lifehub/internal/repository"
)

// FinanceService stores bank accounts, balances and transactions with their
// identifying and monetary fields sealed under the owner's data key.
type FinanceService struct {
	store  repository.Store
	keys   KeyManager
	logger *slog.Logger
}

func NewFinanceService(store repository.Store, keys KeyManager, logger *slog.Logger) *FinanceService {
	return &FinanceService{store: store, keys: keys, logger: defaultLogger(logger)}
}

type NewAccount struct {
	AccountID     string
	InstitutionID string
	RequisitionID string
}

type NewTransaction struct {
	AccountID     string
	TransactionID string
	Amount        string
	Date          time.Time
	Description   *string
	Counterparty  *string
}

func (s *FinanceService) AddAccount(ctx context.Context, userID string, req NewAccount) (*model.Account, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return nil, apperror.ValidationFailed("accountId", "account id is required")
	}
	if strings.TrimSpace(req.InstitutionID) == "" {
		return nil, apperror.ValidationFailed("institutionId", "institution id is required")
	}

	_, cipher, err := userCipher(ctx, s.store, s.keys, userID)
	if err != nil {
		return nil, err
	}
	defer cipher.Close()

	sealed, err := cipher.EncryptString(ctx, req.AccountID)
	if err != nil {
		return nil, apperror.FromKeyError("failed to encrypt account", err)
	}
	account := &model.BankAccount{
		UserID:        userID,
		AccountID:     sealed,
		InstitutionID: req.InstitutionID,
		RequisitionID: req.RequisitionID,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, apperror.FromKeyError("failed to store account", err)
	}

	s.logger.Info("bank account added", slog.String("userID", userID), slog.String("accountID", account.ID))
	return &model.Account{
		ID:            account.ID,
		AccountID:     req.AccountID,
		InstitutionID: account.InstitutionID,
		RequisitionID: account.RequisitionID,
	}, nil
}

// ListAccounts decrypts all of the user's accounts with one cipher.
func (s *FinanceService) ListAccounts(ctx context.Context, userID string) ([]model.Account, error) {
	_, cipher, err := userCipher(ctx, s.store, s.keys, userID)
	if err != nil {
		return nil, err
	}
	defer cipher.Close()

	rows, err := s.store.ListAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}

	accounts := make([]model.Account, 0, len(rows))
	for _, row := range rows {
		id, err := cipher.DecryptString(ctx, row.AccountID)
		if err != nil {
			return nil, apperror.FromKeyError("failed to decrypt account", err)
		}
		accounts = append(accounts, model.Account{
			ID:            row.ID,
			AccountID:     id,
			InstitutionID: row.InstitutionID,
			RequisitionID: row.RequisitionID,
			LastSynced:    row.LastSynced,
		})
	}
	return accounts, nil
}

// DeleteAccount removes the account with its balances and transactions.
func (s *FinanceService) DeleteAccount(ctx context.Context, userID, accountID string) error {
	if err := s.store.DeleteAccount(ctx, userID, accountID); err != nil {
		return err
	}
	s.logger.Info("bank account deleted", slog.String("userID", userID), slog.String("accountID", accountID))
	return nil
}

func (s *FinanceService) RecordBalance(ctx context.Context, userID, accountID, amount string, fetchedAt time.Time) (*model.Balance, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if _, err := s.store.GetAccount(ctx, userID, accountID); err != nil {
		return nil, err
	}

	_, cipher, err := userCipher(ctx, s.store, s.keys, userID)
	if err != nil {
		return nil, err
	}
	defer cipher.Close()

	sealed, err := cipher.EncryptString(ctx, amount)
	if err != nil {
		return nil, apperror.FromKeyError("failed to encrypt balance", err)
	}
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}
	balance := &model.AccountBalance{AccountID: accountID, Amount: sealed, FetchedAt: fetchedAt.UTC()}
	if err := s.store.AddBalance(ctx, balance); err != nil {
		return nil, apperror.FromKeyError("failed to store balance", err)
	}
	return &model.Balance{AccountID: accountID, Amount: amount, FetchedAt: balance.FetchedAt}, nil
}

func (s *FinanceService) ListBalances(ctx context.Context, userID, accountID string) ([]model.Balance, error) {
	if _, err := s.store.GetAccount(ctx, userID, accountID); err != nil {
		return nil, err
	}
	_, cipher, err := userCipher(ctx, s.store, s.keys, userID)
	if err != nil {
		return nil, err
	}
	defer cipher.Close()

	rows, err := s.store.ListBalances(ctx, accountID)
	if err != nil {
		return nil, err
	}
	balances := make([]model.Balance, 0, len(rows))
	for _, row := range rows {
		amount, err := cipher.DecryptString(ctx, row.Amount)
		if err != nil {
			return nil, apperror.FromKeyError("failed to decrypt balance", err)
		}
		balances = append(balances, model.Balance{AccountID: row.AccountID, Amount: amount, FetchedAt: row.FetchedAt})
	}
	return balances, nil
}

func (s *FinanceService) AddTransaction(ctx context.Context, userID string, req NewTransaction) (*model.Transaction, error) {
	if strings.TrimSpace(req.TransactionID) == "" {
		return nil, apperror.ValidationFailed("transactionId", "transaction id is required")
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if _, err := s.store.GetAccount(ctx, userID, req.AccountID); err != nil {
		return nil, err
	}

	_, cipher, err := userCipher(ctx, s.store, s.keys, userID)
	if err != nil {
		return nil, err
	}
	defer cipher.Close()

	txn := &model.BankTransaction{
		UserID:        userID,
		AccountID:     req.AccountID,
		TransactionID: req.TransactionID,
		Date:          req.Date,
	}
	if txn.Amount, err = cipher.EncryptString(ctx, req.Amount); err != nil {
		return nil, apperror.FromKeyError("failed to encrypt transaction", err)
	}
	if txn.Description, err = cipher.Encrypt(ctx, req.Description); err != nil {
		return nil, apperror.FromKeyError("failed to encrypt transaction", err)
	}
	if txn.Counterparty, err = cipher.Encrypt(ctx, req.Counterparty); err != nil {
		return nil, apperror.FromKeyError("failed to encrypt transaction", err)
	}
	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		return nil, apperror.FromKeyError("failed to store transaction", err)
	}

	return &model.Transaction{
		ID:            txn.ID,
		AccountID:     txn.AccountID,
		TransactionID: txn.TransactionID,
		Amount:        req.Amount,
		Date:          txn.Date,
		Description:   req.Description,
		Counterparty:  req.Counterparty,
	}, nil
}

func (s *FinanceService) ListTransactions(ctx context.Context, userID, accountID string, opts repository.ListOptions) ([]model.Transaction, error) {
	_, cipher, err := userCipher(ctx, s.store, s.keys, userID)
	if err != nil {
		return nil, err
	}
	defer cipher.Close()

	rows, err := s.store.ListTransactions(ctx, userID, accountID, opts)
	if err != nil {
		return nil, err
	}

	txns := make([]model.Transaction, 0, len(rows))
	for _, row := range rows {
		t, err := decryptTransaction(ctx, cipher, row)
		if err != nil {
			return nil, apperror.FromKeyError("failed to decrypt transaction", err)
		}
		txns = append(txns, *t)
	}
	return txns, nil
}

// SetUserDescription replaces the user's own note on a transaction. A nil
// description clears it.
func (s *FinanceService) SetUserDescription(ctx context.Context, userID, transactionID string, description *string) (*model.Transaction, error) {
	row, err := s.store.GetTransaction(ctx, userID, transactionID)
	if err != nil {
		return nil, err
	}

	_, cipher, err := userCipher(ctx, s.store, s.keys, userID)
	if err != nil {
		return nil, err
	}
	defer cipher.Close()

	if row.UserDescription, err = cipher.Encrypt(ctx, description); err != nil {
		return nil, apperror.FromKeyError("failed to encrypt description", err)
	}
	if err := s.store.UpdateTransaction(ctx, row); err != nil {
		return nil, apperror.FromKeyError("failed to store transaction", err)
	}

	t, err := decryptTransaction(ctx, cipher, *row)
	if err != nil {
		return nil, apperror.FromKeyError("failed to decrypt transaction", err)
	}
	return t, nil
}

func decryptTransaction(ctx context.Context, cipher *crypto.FieldCipher, row model.BankTransaction) (*model.Transaction, error) {
	amount, err := cipher.DecryptString(ctx, row.Amount)
	if err != nil {
		return nil, err
	}
	t := &model.Transaction{
		ID:            row.ID,
		AccountID:     row.AccountID,
		TransactionID: row.TransactionID,
		Amount:        amount,
		Date:          row.Date,
	}
	if t.Description, err = cipher.Decrypt(ctx, row.Description); err != nil {
		return nil, err
	}
	if t.UserDescription, err = cipher.Decrypt(ctx, row.UserDescription); err != nil {
		return nil, err
	}
	if t.Counterparty, err = cipher.Decrypt(ctx, row.Counterparty); err != nil {
		return nil, err
	}
	return t, nil
}

func validateAmount(amount string) error {
	if _, err := strconv.ParseFloat(amount, 64); err != nil {
		return apperror.ValidationFailed("amount", fmt.Sprintf("amount %q is not a number", amount))
	}
	return nil
}
