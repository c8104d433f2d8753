package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lifehub/internal/apperror"
	"lifehub/internal/model"
	"lifehub/internal/repository"
)

var _ repository.ProviderTokenRepository = (*DB)(nil)

const providerTokenColumns = `user_id, provider_id, kind, credential, custom_url, created_at, expires_at`

func (db *DB) CreateProviderToken(ctx context.Context, token *model.ProviderToken) error {
	if err := checkSealed(
		sealedArg{TokenCredential, token.Credential},
		sealedArg{TokenCustomURL, token.CustomURL},
	); err != nil {
		return fmt.Errorf("sqlite: creating provider token: %w", err)
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}

	_, err := db.q.ExecContext(ctx,
		`INSERT INTO provider_tokens (`+providerTokenColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token.UserID,
		token.ProviderID,
		string(token.Kind),
		TokenCredential.Bind(token.Credential),
		TokenCustomURL.Bind(token.CustomURL),
		token.CreatedAt,
		nullTimePtr(token.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("provider token", token.ProviderID)
		}
		if isForeignKeyViolation(err) {
			return apperror.NotFound("user", token.UserID)
		}
		return fmt.Errorf("sqlite: inserting provider token %s: %w", token.ProviderID, err)
	}
	return nil
}

func (db *DB) GetProviderToken(ctx context.Context, userID, providerID string) (*model.ProviderToken, error) {
	row := db.q.QueryRowContext(ctx,
		`SELECT `+providerTokenColumns+` FROM provider_tokens WHERE user_id = ? AND provider_id = ?`,
		userID, providerID,
	)
	t, err := scanProviderToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("provider token", providerID)
		}
		return nil, fmt.Errorf("sqlite: getting provider token %s: %w", providerID, err)
	}
	return t, nil
}

func (db *DB) ListProviderTokens(ctx context.Context, userID string) ([]model.ProviderToken, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT `+providerTokenColumns+` FROM provider_tokens WHERE user_id = ? ORDER BY provider_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing provider tokens for user %s: %w", userID, err)
	}
	defer rows.Close()

	var tokens []model.ProviderToken
	for rows.Next() {
		t, err := scanProviderToken(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning provider token row: %w", err)
		}
		tokens = append(tokens, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating provider tokens: %w", err)
	}
	return tokens, nil
}

func (db *DB) UpdateProviderToken(ctx context.Context, token *model.ProviderToken) error {
	if err := checkSealed(
		sealedArg{TokenCredential, token.Credential},
		sealedArg{TokenCustomURL, token.CustomURL},
	); err != nil {
		return fmt.Errorf("sqlite: updating provider token: %w", err)
	}

	result, err := db.q.ExecContext(ctx,
		`UPDATE provider_tokens
		 SET kind = ?, credential = ?, custom_url = ?, expires_at = ?
		 WHERE user_id = ? AND provider_id = ?`,
		string(token.Kind),
		TokenCredential.Bind(token.Credential),
		TokenCustomURL.Bind(token.CustomURL),
		nullTimePtr(token.ExpiresAt),
		token.UserID,
		token.ProviderID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating provider token %s: %w", token.ProviderID, err)
	}
	return checkAffected(result, apperror.NotFound("provider token", token.ProviderID))
}

func (db *DB) DeleteProviderToken(ctx context.Context, userID, providerID string) error {
	result, err := db.q.ExecContext(ctx,
		`DELETE FROM provider_tokens WHERE user_id = ? AND provider_id = ?`,
		userID, providerID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: deleting provider token %s: %w", providerID, err)
	}
	return checkAffected(result, apperror.NotFound("provider token", providerID))
}

func scanProviderToken(row rowScanner) (*model.ProviderToken, error) {
	var (
		t         model.ProviderToken
		kind      string
		expiresAt sql.NullTime
	)
	if err := row.Scan(
		&t.UserID,
		&t.ProviderID,
		&kind,
		TokenCredential.Scan(&t.Credential),
		TokenCustomURL.Scan(&t.CustomURL),
		&t.CreatedAt,
		&expiresAt,
	); err != nil {
		return nil, err
	}
	t.Kind = model.CredentialKind(kind)
	if expiresAt.Valid {
		exp := expiresAt.Time
		t.ExpiresAt = &exp
	}
	return &t, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}
