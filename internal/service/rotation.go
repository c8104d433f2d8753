package service

import (
	"context"
	"log/slog"

	"lifehub/crypto"
	"lifehub/internal/apperror"
	"lifehub/internal/model"
	"lifehub/internal/repository"
)

const rotationPageSize = 200

// Field names used in crypto.EncryptedRecord for bank transactions.
const (
	fieldAmount          = "amount"
	fieldDescription     = "description"
	fieldUserDescription = "user_description"
	fieldCounterparty    = "counterparty"
)

// RotationService runs the key maintenance jobs over the SQLite store.
type RotationService struct {
	store   repository.Store
	keys    *crypto.KeyManager
	rotator *crypto.Rotator
	logger  *slog.Logger
}

func NewRotationService(store repository.Store, keys *crypto.KeyManager, logger *slog.Logger) *RotationService {
	logger = defaultLogger(logger)
	return &RotationService{
		store:   store,
		keys:    keys,
		rotator: crypto.NewRotator(keys, logger),
		logger:  logger,
	}
}

// RotateUserKey rotates one user's KEK and stores the rewrapped data key.
func (s *RotationService) RotateUserKey(ctx context.Context, userID string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.DataKey == "" {
		return apperror.ValidationFailed("userId", "user has no data key")
	}

	wrapped, err := s.keys.RotateUserKEK(ctx, user.ID, user.DataKey)
	if err != nil {
		return apperror.FromKeyError("key rotation failed", err)
	}
	if err := s.saveDataKey(ctx, user.ID, wrapped); err != nil {
		return err
	}
	s.logger.Info("user key rotated", slog.String("userID", user.ID))
	return nil
}

// RotateAllKeys rotates the KEK of every provisioned user. Users whose
// rotation fails are counted and skipped.
func (s *RotationService) RotateAllKeys(ctx context.Context) (rotated, failed int, err error) {
	for offset := 0; ; offset += rotationPageSize {
		users, err := s.store.ListUsers(ctx, repository.ListOptions{Limit: rotationPageSize, Offset: offset})
		if err != nil {
			return rotated, failed, err
		}

		batch := make([]crypto.UserKey, 0, len(users))
		for _, u := range users {
			if u.DataKey != "" {
				batch = append(batch, crypto.UserKey{UserID: u.ID, Wrapped: u.DataKey})
			}
		}
		r, f, err := s.rotator.RotateUserKeys(ctx, batch, s.saveDataKey)
		rotated += r
		failed += f
		if err != nil {
			return rotated, failed, err
		}

		if len(users) < rotationPageSize {
			return rotated, failed, nil
		}
	}
}

func (s *RotationService) saveDataKey(ctx context.Context, userID string, wrapped crypto.WrappedDEK) error {
	return s.store.InTx(ctx, func(tx repository.Store) error {
		user, err := tx.GetUserByID(ctx, userID)
		if err != nil {
			return err
		}
		user.DataKey = wrapped
		return tx.UpdateUser(ctx, user)
	})
}

// ReencryptTransactions re-seals the user's transaction fields that were
// written under an older key version.
func (s *RotationService) ReencryptTransactions(ctx context.Context, userID string) (migrated, skipped int, err error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	accounts, err := s.store.ListAccounts(ctx, userID)
	if err != nil {
		return 0, 0, err
	}

	var records []crypto.EncryptedRecord
	for _, account := range accounts {
		for offset := 0; ; offset += rotationPageSize {
			txns, err := s.store.ListTransactions(ctx, userID, account.ID,
				repository.ListOptions{Limit: rotationPageSize, Offset: offset})
			if err != nil {
				return 0, 0, err
			}
			for _, t := range txns {
				records = append(records, transactionRecord(user.DataKey, t))
			}
			if len(txns) < rotationPageSize {
				break
			}
		}
	}

	migrated, skipped, err = s.rotator.ReencryptRecords(ctx, records, rotationPageSize,
		func(ctx context.Context, record *crypto.EncryptedRecord) error {
			return s.store.UpdateTransaction(ctx, &model.BankTransaction{
				ID:              record.ID,
				UserID:          record.UserID,
				Amount:          record.Fields[fieldAmount],
				Description:     record.Fields[fieldDescription],
				UserDescription: record.Fields[fieldUserDescription],
				Counterparty:    record.Fields[fieldCounterparty],
			})
		})
	if err != nil {
		return migrated, skipped, apperror.FromKeyError("re-encryption failed", err)
	}

	s.logger.Info("transactions re-encrypted",
		slog.String("userID", userID), slog.Int("migrated", migrated), slog.Int("skipped", skipped))
	return migrated, skipped, nil
}

func transactionRecord(wrapped crypto.WrappedDEK, t model.BankTransaction) crypto.EncryptedRecord {
	return crypto.EncryptedRecord{
		ID:         t.ID,
		UserID:     t.UserID,
		WrappedKey: wrapped,
		Fields: map[string][]byte{
			fieldAmount:          t.Amount,
			fieldDescription:     t.Description,
			fieldUserDescription: t.UserDescription,
			fieldCounterparty:    t.Counterparty,
		},
	}
}
