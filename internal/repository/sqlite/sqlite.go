// Package sqlite implements the repository interfaces on SQLite through the
// pure-Go modernc.org/sqlite driver. Encrypted columns are declared and bound
// through crypto.Column, so the schema carries a width check for every
// sealed field and writes of unsealed bytes fail before reaching the table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite"

	"lifehub/crypto"
	"lifehub/internal/repository"
)

// Sealed column widths. Each bounds the plaintext the column can hold.
var (
	UserEmail = crypto.NewColumn("email", 64)
	UserName  = crypto.NewColumn("name", 64)

	AccountProviderID = crypto.NewColumn("account_id", 64)
	BalanceAmount     = crypto.NewColumn("amount", 32)

	TransactionAmount          = crypto.NewColumn("amount", 32)
	TransactionDescription     = crypto.NewColumn("description", 256)
	TransactionUserDescription = crypto.NewColumn("user_description", 256)
	TransactionCounterparty    = crypto.NewColumn("counterparty", 128)

	TokenCredential = crypto.NewColumn("credential", 2048)
	TokenCustomURL  = crypto.NewColumn("custom_url", 256)
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is a repository.Store backed by a SQLite connection pool, or by one
// transaction when returned from InTx.
type DB struct {
	conn *sql.DB
	q    querier
	tx   *sql.Tx
}

var _ repository.Store = (*DB)(nil)

// New opens the database at dbPath and creates missing tables. Use
// ":memory:" only with a single connection; tests use a file in t.TempDir.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	db := &DB{conn: conn, q: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}
	return db, nil
}

// dsn applies connection pragmas through the driver's _pragma parameter so
// every pooled connection gets them, not just the first.
func dsn(path string) string {
	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "busy_timeout(5000)")
	if path != ":memory:" {
		params.Add("_pragma", "journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params.Encode()
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// InTx implements repository.Store.
func (db *DB) InTx(ctx context.Context, fn func(repository.Store) error) (err error) {
	if db.tx != nil {
		return fn(db)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&DB{conn: db.conn, q: tx, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("sqlite: rolling back: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing transaction: %w", err)
	}
	return nil
}

func (db *DB) migrate() error {
	stmts := []struct {
		name string
		sql  string
	}{
		{"users", `
			CREATE TABLE IF NOT EXISTS users (
				id            TEXT PRIMARY KEY,
				username      TEXT NOT NULL UNIQUE,
				email         ` + UserEmail.SQLiteType() + ` NOT NULL,
				email_hash    TEXT NOT NULL UNIQUE,
				name          ` + UserName.SQLiteType() + `,
				password_hash TEXT NOT NULL,
				verified      INTEGER NOT NULL DEFAULT 0,
				is_admin      INTEGER NOT NULL DEFAULT 0,
				data_key      TEXT,
				created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`},
		{"bank_accounts", `
			CREATE TABLE IF NOT EXISTS bank_accounts (
				id             TEXT PRIMARY KEY,
				user_id        TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				account_id     ` + AccountProviderID.SQLiteType() + ` NOT NULL,
				institution_id TEXT NOT NULL,
				requisition_id TEXT NOT NULL DEFAULT '',
				last_synced    DATETIME
			);
			CREATE INDEX IF NOT EXISTS idx_bank_accounts_user_id ON bank_accounts(user_id);`},
		{"account_balances", `
			CREATE TABLE IF NOT EXISTS account_balances (
				account_id TEXT NOT NULL REFERENCES bank_accounts(id) ON DELETE CASCADE,
				amount     ` + BalanceAmount.SQLiteType() + ` NOT NULL,
				fetched_at DATETIME NOT NULL,
				PRIMARY KEY (account_id, fetched_at)
			);`},
		{"bank_transactions", `
			CREATE TABLE IF NOT EXISTS bank_transactions (
				id               TEXT PRIMARY KEY,
				user_id          TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				account_id       TEXT NOT NULL REFERENCES bank_accounts(id) ON DELETE CASCADE,
				transaction_id   TEXT NOT NULL,
				amount           ` + TransactionAmount.SQLiteType() + ` NOT NULL,
				date             DATETIME NOT NULL,
				description      ` + TransactionDescription.SQLiteType() + `,
				user_description ` + TransactionUserDescription.SQLiteType() + `,
				counterparty     ` + TransactionCounterparty.SQLiteType() + `,
				UNIQUE (account_id, transaction_id)
			);
			CREATE INDEX IF NOT EXISTS idx_bank_transactions_account ON bank_transactions(account_id, date);`},
		{"provider_tokens", `
			CREATE TABLE IF NOT EXISTS provider_tokens (
				user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				provider_id TEXT NOT NULL,
				kind        TEXT NOT NULL,
				credential  ` + TokenCredential.SQLiteType() + ` NOT NULL,
				custom_url  ` + TokenCustomURL.SQLiteType() + `,
				created_at  DATETIME NOT NULL,
				expires_at  DATETIME,
				PRIMARY KEY (user_id, provider_id)
			);`},
	}

	for _, s := range stmts {
		if _, err := db.conn.Exec(s.sql); err != nil {
			return fmt.Errorf("creating %s table: %w", s.name, err)
		}
	}
	return nil
}

type sealedArg struct {
	col   crypto.Column
	value []byte
}

// checkSealed validates sealed values before a write so a schema violation
// surfaces as *crypto.SchemaViolationError rather than a driver error.
func checkSealed(args ...sealedArg) error {
	for _, a := range args {
		if err := a.col.Check(a.value); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func checkAffected(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func pageBounds(opts repository.ListOptions) (limit, offset int) {
	limit = opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset = opts.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
