package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lifehub/crypto"
	"lifehub/internal/apperror"
	"lifehub/internal/model"
	"lifehub/internal/repository"
)

var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, username, email, email_hash, name, password_hash, verified, is_admin, data_key, created_at`

// CreateUser inserts user and assigns its ID and CreatedAt. A nil Email is
// stored as the column's zero placeholder: the user's data key can only be
// derived once the row has an id, so the sealed email is written by a later
// UpdateUser in the same transaction.
func (db *DB) CreateUser(ctx context.Context, user *model.User) error {
	if user.Email == nil {
		user.Email = UserEmail.Zero()
	}
	if err := checkSealed(
		sealedArg{UserEmail, user.Email},
		sealedArg{UserName, user.Name},
	); err != nil {
		return fmt.Errorf("sqlite: creating user: %w", err)
	}

	user.ID = uuid.NewString()
	user.CreatedAt = time.Now().UTC()

	_, err := db.q.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Username,
		UserEmail.Bind(user.Email),
		user.EmailHash,
		UserName.Bind(user.Name),
		user.PasswordHash,
		user.Verified,
		user.IsAdmin,
		nullString(string(user.DataKey)),
		user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("user", user.Username)
		}
		return fmt.Errorf("sqlite: inserting user %s: %w", user.Username, err)
	}
	return nil
}

func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return db.getUser(ctx, "id", id)
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return db.getUser(ctx, "username", username)
}

func (db *DB) GetUserByEmailHash(ctx context.Context, emailHash string) (*model.User, error) {
	return db.getUser(ctx, "email_hash", emailHash)
}

// getUser looks a user up by one of its unique columns. column is never
// caller input.
func (db *DB) getUser(ctx context.Context, column, value string) (*model.User, error) {
	row := db.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`,
		value,
	)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", value)
		}
		return nil, fmt.Errorf("sqlite: getting user by %s: %w", column, err)
	}
	return u, nil
}

func (db *DB) ListUsers(ctx context.Context, opts repository.ListOptions) ([]model.User, error) {
	limit, offset := pageBounds(opts)

	rows, err := db.q.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 ORDER BY created_at, id
		 LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing users: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, limit)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating users: %w", err)
	}
	return users, nil
}

// UpdateUser writes every mutable column of user.
func (db *DB) UpdateUser(ctx context.Context, user *model.User) error {
	if err := checkSealed(
		sealedArg{UserEmail, user.Email},
		sealedArg{UserName, user.Name},
	); err != nil {
		return fmt.Errorf("sqlite: updating user %s: %w", user.ID, err)
	}

	result, err := db.q.ExecContext(ctx,
		`UPDATE users
		 SET email = ?, email_hash = ?, name = ?, password_hash = ?,
		     verified = ?, is_admin = ?, data_key = ?
		 WHERE id = ?`,
		UserEmail.Bind(user.Email),
		user.EmailHash,
		UserName.Bind(user.Name),
		user.PasswordHash,
		user.Verified,
		user.IsAdmin,
		nullString(string(user.DataKey)),
		user.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("user email", user.ID)
		}
		return fmt.Errorf("sqlite: updating user %s: %w", user.ID, err)
	}
	return checkAffected(result, apperror.NotFound("user", user.ID))
}

// DeleteUser removes the user; dependent rows go with it through ON DELETE
// CASCADE.
func (db *DB) DeleteUser(ctx context.Context, id string) error {
	result, err := db.q.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting user %s: %w", id, err)
	}
	return checkAffected(result, apperror.NotFound("user", id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u       model.User
		dataKey sql.NullString
	)
	err := row.Scan(
		&u.ID,
		&u.Username,
		UserEmail.Scan(&u.Email),
		&u.EmailHash,
		UserName.Scan(&u.Name),
		&u.PasswordHash,
		&u.Verified,
		&u.IsAdmin,
		&dataKey,
		&u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.DataKey = crypto.WrappedDEK(dataKey.String)
	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
