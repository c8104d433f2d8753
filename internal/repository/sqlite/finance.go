package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"lifehub/internal/apperror"
	"lifehub/internal/model"
	"lifehub/internal/repository"
)

var _ repository.FinanceRepository = (*DB)(nil)

func (db *DB) CreateAccount(ctx context.Context, account *model.BankAccount) error {
	if err := checkSealed(sealedArg{AccountProviderID, account.AccountID}); err != nil {
		return fmt.Errorf("sqlite: creating account: %w", err)
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}

	_, err := db.q.ExecContext(ctx,
		`INSERT INTO bank_accounts (id, user_id, account_id, institution_id, requisition_id, last_synced)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		account.ID,
		account.UserID,
		AccountProviderID.Bind(account.AccountID),
		account.InstitutionID,
		account.RequisitionID,
		nullTime(account.LastSynced),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return apperror.NotFound("user", account.UserID)
		}
		if isUniqueViolation(err) {
			return apperror.Conflict("bank account", account.ID)
		}
		return fmt.Errorf("sqlite: inserting account for user %s: %w", account.UserID, err)
	}
	return nil
}

// GetAccount returns the account only when it belongs to userID.
func (db *DB) GetAccount(ctx context.Context, userID, id string) (*model.BankAccount, error) {
	row := db.q.QueryRowContext(ctx,
		`SELECT id, user_id, account_id, institution_id, requisition_id, last_synced
		 FROM bank_accounts WHERE id = ? AND user_id = ?`,
		id, userID,
	)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("bank account", id)
		}
		return nil, fmt.Errorf("sqlite: getting account %s: %w", id, err)
	}
	return a, nil
}

func (db *DB) ListAccounts(ctx context.Context, userID string) ([]model.BankAccount, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT id, user_id, account_id, institution_id, requisition_id, last_synced
		 FROM bank_accounts WHERE user_id = ?
		 ORDER BY institution_id, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing accounts for user %s: %w", userID, err)
	}
	defer rows.Close()

	var accounts []model.BankAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning account row: %w", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating accounts: %w", err)
	}
	return accounts, nil
}

// DeleteAccount removes the account with its balances and transactions.
func (db *DB) DeleteAccount(ctx context.Context, userID, id string) error {
	result, err := db.q.ExecContext(ctx,
		`DELETE FROM bank_accounts WHERE id = ? AND user_id = ?`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: deleting account %s: %w", id, err)
	}
	return checkAffected(result, apperror.NotFound("bank account", id))
}

func (db *DB) AddBalance(ctx context.Context, balance *model.AccountBalance) error {
	if err := checkSealed(sealedArg{BalanceAmount, balance.Amount}); err != nil {
		return fmt.Errorf("sqlite: adding balance: %w", err)
	}

	_, err := db.q.ExecContext(ctx,
		`INSERT INTO account_balances (account_id, amount, fetched_at) VALUES (?, ?, ?)`,
		balance.AccountID,
		BalanceAmount.Bind(balance.Amount),
		balance.FetchedAt.UTC(),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return apperror.NotFound("bank account", balance.AccountID)
		}
		if isUniqueViolation(err) {
			return apperror.Conflict("account balance", balance.AccountID)
		}
		return fmt.Errorf("sqlite: inserting balance for account %s: %w", balance.AccountID, err)
	}
	return nil
}

// ListBalances returns the account's balance snapshots, newest first.
func (db *DB) ListBalances(ctx context.Context, accountID string) ([]model.AccountBalance, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT account_id, amount, fetched_at FROM account_balances
		 WHERE account_id = ? ORDER BY fetched_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing balances for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var balances []model.AccountBalance
	for rows.Next() {
		var b model.AccountBalance
		if err := rows.Scan(&b.AccountID, BalanceAmount.Scan(&b.Amount), &b.FetchedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning balance row: %w", err)
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating balances: %w", err)
	}
	return balances, nil
}

func (db *DB) CreateTransaction(ctx context.Context, txn *model.BankTransaction) error {
	if err := checkTransaction(txn); err != nil {
		return fmt.Errorf("sqlite: creating transaction: %w", err)
	}
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}

	_, err := db.q.ExecContext(ctx,
		`INSERT INTO bank_transactions
		   (id, user_id, account_id, transaction_id, amount, date, description, user_description, counterparty)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.UserID,
		txn.AccountID,
		txn.TransactionID,
		TransactionAmount.Bind(txn.Amount),
		txn.Date.UTC(),
		TransactionDescription.Bind(txn.Description),
		TransactionUserDescription.Bind(txn.UserDescription),
		TransactionCounterparty.Bind(txn.Counterparty),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return apperror.NotFound("bank account", txn.AccountID)
		}
		if isUniqueViolation(err) {
			return apperror.Conflict("bank transaction", txn.TransactionID)
		}
		return fmt.Errorf("sqlite: inserting transaction %s: %w", txn.TransactionID, err)
	}
	return nil
}

const transactionColumns = `id, user_id, account_id, transaction_id, amount, date, description, user_description, counterparty`

func (db *DB) GetTransaction(ctx context.Context, userID, id string) (*model.BankTransaction, error) {
	row := db.q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM bank_transactions WHERE id = ? AND user_id = ?`,
		id, userID,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("bank transaction", id)
		}
		return nil, fmt.Errorf("sqlite: getting transaction %s: %w", id, err)
	}
	return t, nil
}

// ListTransactions returns the user's transactions on one account, newest
// first.
func (db *DB) ListTransactions(ctx context.Context, userID, accountID string, opts repository.ListOptions) ([]model.BankTransaction, error) {
	limit, offset := pageBounds(opts)

	rows, err := db.q.QueryContext(ctx,
		`SELECT `+transactionColumns+`
		 FROM bank_transactions
		 WHERE user_id = ? AND account_id = ?
		 ORDER BY date DESC, id
		 LIMIT ? OFFSET ?`,
		userID, accountID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing transactions for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var txns []model.BankTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning transaction row: %w", err)
		}
		txns = append(txns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating transactions: %w", err)
	}
	return txns, nil
}

// UpdateTransaction rewrites the sealed fields of a transaction. Used for
// user descriptions and key rotation.
func (db *DB) UpdateTransaction(ctx context.Context, txn *model.BankTransaction) error {
	if err := checkTransaction(txn); err != nil {
		return fmt.Errorf("sqlite: updating transaction %s: %w", txn.ID, err)
	}

	result, err := db.q.ExecContext(ctx,
		`UPDATE bank_transactions
		 SET amount = ?, description = ?, user_description = ?, counterparty = ?
		 WHERE id = ? AND user_id = ?`,
		TransactionAmount.Bind(txn.Amount),
		TransactionDescription.Bind(txn.Description),
		TransactionUserDescription.Bind(txn.UserDescription),
		TransactionCounterparty.Bind(txn.Counterparty),
		txn.ID,
		txn.UserID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating transaction %s: %w", txn.ID, err)
	}
	return checkAffected(result, apperror.NotFound("bank transaction", txn.ID))
}

func checkTransaction(txn *model.BankTransaction) error {
	return checkSealed(
		sealedArg{TransactionAmount, txn.Amount},
		sealedArg{TransactionDescription, txn.Description},
		sealedArg{TransactionUserDescription, txn.UserDescription},
		sealedArg{TransactionCounterparty, txn.Counterparty},
	)
}

func scanAccount(row rowScanner) (*model.BankAccount, error) {
	var (
		a          model.BankAccount
		lastSynced sql.NullTime
	)
	if err := row.Scan(
		&a.ID,
		&a.UserID,
		AccountProviderID.Scan(&a.AccountID),
		&a.InstitutionID,
		&a.RequisitionID,
		&lastSynced,
	); err != nil {
		return nil, err
	}
	a.LastSynced = lastSynced.Time
	return &a, nil
}

func scanTransaction(row rowScanner) (*model.BankTransaction, error) {
	var t model.BankTransaction
	if err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.AccountID,
		&t.TransactionID,
		TransactionAmount.Scan(&t.Amount),
		&t.Date,
		TransactionDescription.Scan(&t.Description),
		TransactionUserDescription.Scan(&t.UserDescription),
		TransactionCounterparty.Scan(&t.Counterparty),
	); err != nil {
		return nil, err
	}
	return &t, nil
}
