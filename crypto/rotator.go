package crypto

import (
	"context"
	"fmt"
	"log/slog"
)

const defaultBatchSize = 100

// EncryptedRecord is a stored row with sealed fields, owned by one user.
type EncryptedRecord struct {
	ID         string
	UserID     string
	WrappedKey WrappedDEK
	Fields     map[string][]byte
}

// UserKey pairs a user with their stored wrapped data key.
type UserKey struct {
	UserID  string
	Wrapped WrappedDEK
}

// Rotator migrates stored data across key generations. It supports two
// jobs: rewrapping data keys after KEK rotation, and re-sealing field
// values written under an older key version.
type Rotator struct {
	keys   *KeyManager
	logger *slog.Logger
}

// NewRotator creates a Rotator.
func NewRotator(keys *KeyManager, logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rotator{keys: keys, logger: logger}
}

// RotateUserKeys rotates each user's KEK and hands the rewrapped data key to
// save. Failures for one user are logged and counted; cancellation stops
// the run.
func (r *Rotator) RotateUserKeys(
	ctx context.Context,
	users []UserKey,
	save func(ctx context.Context, userID string, wrapped WrappedDEK) error,
) (rotated, failed int, err error) {
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return rotated, failed, err
		}

		wrapped, err := r.keys.RotateUserKEK(ctx, u.UserID, u.Wrapped)
		if err == nil {
			err = save(ctx, u.UserID, wrapped)
		}
		if err != nil {
			r.logger.Error("key rotation failed", slog.String("user_id", u.UserID), slog.Any("error", err))
			failed++
			continue
		}
		rotated++
	}

	r.logger.Info("key rotation completed", slog.Int("rotated", rotated), slog.Int("failed", failed))
	return rotated, failed, nil
}

// ReencryptRecords re-seals every field still under an older key version.
// Records are processed in batches; within a batch each user's data key is
// unwrapped at most once. update is called only for records that changed.
func (r *Rotator) ReencryptRecords(
	ctx context.Context,
	records []EncryptedRecord,
	batchSize int,
	update func(ctx context.Context, record *EncryptedRecord) error,
) (migrated, skipped int, err error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	total := len(records)
	for i := 0; i < total; i += batchSize {
		end := i + batchSize
		if end > total {
			end = total
		}

		batchMigrated, batchSkipped, err := r.reencryptBatch(ctx, records[i:end], update)
		migrated += batchMigrated
		skipped += batchSkipped

		r.logger.Info("re-encryption progress",
			slog.Int("processed", end), slog.Int("total", total),
			slog.Int("migrated", batchMigrated), slog.Int("skipped", batchSkipped))

		if err != nil {
			return migrated, skipped, fmt.Errorf("re-encryption failed at record %d: %w", i, err)
		}
	}

	return migrated, skipped, nil
}

func (r *Rotator) reencryptBatch(
	ctx context.Context,
	batch []EncryptedRecord,
	update func(ctx context.Context, record *EncryptedRecord) error,
) (migrated, skipped int, err error) {
	ciphers := make(map[string]*FieldCipher)
	defer func() {
		for _, c := range ciphers {
			c.Close()
		}
	}()

	for i := range batch {
		if err := ctx.Err(); err != nil {
			return migrated, skipped, err
		}

		record := &batch[i]
		c, ok := ciphers[record.UserID]
		if !ok {
			c = NewFieldCipher(r.keys, record.UserID, record.WrappedKey)
			ciphers[record.UserID] = c
		}

		changed := false
		for field, value := range record.Fields {
			sealed, rotated, err := c.Reencrypt(ctx, value)
			if err != nil {
				r.logger.Warn("skipping field", slog.String("record_id", record.ID), slog.String("field", field), slog.Any("error", err))
				skipped++
				continue
			}
			if rotated {
				record.Fields[field] = sealed
				changed = true
			}
		}

		if !changed {
			continue
		}
		if err := update(ctx, record); err != nil {
			r.logger.Warn("failed to update record", slog.String("record_id", record.ID), slog.Any("error", err))
			skipped++
			continue
		}
		migrated++
	}

	return migrated, skipped, nil
}
