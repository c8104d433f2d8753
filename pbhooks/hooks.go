// Package pbhooks wires per-user field encryption into a PocketBase app.
//
// Records of the auth collection get a wrapped data key when they are
// created and lose their KEK when they are deleted. Records of owned
// collections have their configured text fields sealed under the owner's
// data key on write and opened again on view and list requests.
package pbhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pocketbase/pocketbase/core"

	"lifehub/crypto"
)

const (
	DefaultAuthCollection = "users"
	DefaultDataKeyField   = "data_key"
	DefaultOwnerField     = "user"
)

// RecordLike is the part of *core.Record the hooks read and write.
type RecordLike interface {
	GetString(field string) string
	Set(field string, value any)
}

var _ RecordLike = (*core.Record)(nil)

// KeyManager is the part of *crypto.KeyManager the hooks use.
type KeyManager interface {
	crypto.DEKManager
	DeleteUserKey(ctx context.Context, userID string) error
}

// DataKeySource returns the wrapped data key stored for a user.
type DataKeySource interface {
	DataKey(ctx context.Context, userID string) (crypto.WrappedDEK, error)
}

// CollectionConfig names an owned collection, the relation field holding
// the owner's id, and the text fields to seal.
type CollectionConfig struct {
	Collection string   `json:"collection" yaml:"collection"`
	OwnerField string   `json:"owner_field" yaml:"owner_field"`
	Fields     []string `json:"fields" yaml:"fields"`
}

type Options struct {
	AuthCollection string
	DataKeyField   string
	Collections    []CollectionConfig
	Logger         *slog.Logger
}

// Hooks holds the encryption configuration for one app.
type Hooks struct {
	keys           KeyManager
	dataKeys       DataKeySource
	authCollection string
	dataKeyField   string
	collections    map[string]CollectionConfig
	logger         *slog.Logger
}

// New validates opts and creates Hooks. dataKeys may be nil, in which case
// Register installs a source that reads the auth collection.
func New(keys KeyManager, dataKeys DataKeySource, opts Options) (*Hooks, error) {
	h := &Hooks{
		keys:           keys,
		dataKeys:       dataKeys,
		authCollection: opts.AuthCollection,
		dataKeyField:   opts.DataKeyField,
		collections:    make(map[string]CollectionConfig),
		logger:         opts.Logger,
	}
	if h.authCollection == "" {
		h.authCollection = DefaultAuthCollection
	}
	if h.dataKeyField == "" {
		h.dataKeyField = DefaultDataKeyField
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	for _, cfg := range opts.Collections {
		if err := h.AddCollection(cfg); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// AddCollection registers an owned collection.
func (h *Hooks) AddCollection(cfg CollectionConfig) error {
	if cfg.Collection == "" {
		return errors.New("pbhooks: collection name cannot be empty")
	}
	if cfg.Collection == h.authCollection {
		return fmt.Errorf("pbhooks: %s is the auth collection and cannot be owned", cfg.Collection)
	}
	if len(cfg.Fields) == 0 {
		return fmt.Errorf("pbhooks: collection %s must have at least one field to encrypt", cfg.Collection)
	}
	if cfg.OwnerField == "" {
		cfg.OwnerField = DefaultOwnerField
	}
	existing := h.collections[cfg.Collection]
	cfg.Fields = append(existing.Fields, cfg.Fields...)
	h.collections[cfg.Collection] = cfg
	return nil
}

// Collection returns the configuration of an owned collection.
func (h *Hooks) Collection(name string) (CollectionConfig, bool) {
	cfg, ok := h.collections[name]
	return cfg, ok
}

// Register binds the hooks to app.
func (h *Hooks) Register(app core.App) {
	if h.dataKeys == nil {
		h.dataKeys = h.RecordDataKeys(app)
	}
	if h.logger == slog.Default() {
		h.logger = app.Logger().With(slog.String("component", "pbhooks"))
	}

	app.OnRecordAfterCreateSuccess(h.authCollection).BindFunc(func(e *core.RecordEvent) error {
		if err := h.provision(e.Context, e.App, e.Record); err != nil {
			return err
		}
		return e.Next()
	})

	app.OnRecordAfterDeleteSuccess(h.authCollection).BindFunc(func(e *core.RecordEvent) error {
		if err := h.keys.DeleteUserKey(e.Context, e.Record.Id); err != nil {
			h.logger.Error("revoking key of deleted user failed",
				slog.String("userID", e.Record.Id), slog.Any("error", err))
		}
		return e.Next()
	})

	for name, cfg := range h.collections {
		app.OnRecordCreateExecute(name).BindFunc(func(e *core.RecordEvent) error {
			if err := h.encryptRecord(e.Context, cfg, e.Record); err != nil {
				return err
			}
			return e.Next()
		})

		app.OnRecordUpdateExecute(name).BindFunc(func(e *core.RecordEvent) error {
			if err := h.encryptRecord(e.Context, cfg, e.Record); err != nil {
				return err
			}
			return e.Next()
		})

		app.OnRecordViewRequest(name).BindFunc(func(e *core.RecordRequestEvent) error {
			if err := h.decryptRecord(e.Request.Context(), cfg, e.Record); err != nil {
				h.logDecryptFailure(cfg, err)
				return e.InternalServerError("Failed to decrypt record.", nil)
			}
			return e.Next()
		})

		app.OnRecordsListRequest(name).BindFunc(func(e *core.RecordsListRequestEvent) error {
			records := make([]RecordLike, len(e.Records))
			for i, r := range e.Records {
				records[i] = r
			}
			if err := h.decryptRecords(e.Request.Context(), cfg, records); err != nil {
				h.logDecryptFailure(cfg, err)
				return e.InternalServerError("Failed to decrypt records.", nil)
			}
			return e.Next()
		})

		h.logger.Info("registered encryption hooks",
			slog.String("collection", name), slog.Any("fields", cfg.Fields))
	}
}

// recordStore is the part of core.App provisioning writes through.
type recordStore interface {
	Save(model core.Model) error
	Delete(model core.Model) error
}

// provision gives a freshly created auth record its wrapped data key. If
// that fails the record is deleted so no user exists without a key.
func (h *Hooks) provision(ctx context.Context, store recordStore, record *core.Record) error {
	if record.GetString(h.dataKeyField) != "" {
		return nil
	}

	err := h.setDataKey(ctx, record.Id, record)
	if err == nil {
		err = store.Save(record)
	}
	if err != nil {
		h.logger.Error("provisioning data key failed",
			slog.String("userID", record.Id), slog.Any("error", err))
		if delErr := store.Delete(record); delErr != nil {
			h.logger.Error("deleting unprovisioned user failed",
				slog.String("userID", record.Id), slog.Any("error", delErr))
		}
		return fmt.Errorf("pbhooks: provisioning data key for %s: %w", record.Id, err)
	}

	h.logger.Info("provisioned data key", slog.String("userID", record.Id))
	return nil
}

func (h *Hooks) setDataKey(ctx context.Context, userID string, record RecordLike) error {
	cipher := crypto.NewFieldCipher(h.keys, userID, "")
	defer cipher.Close()

	wrapped, err := cipher.GenerateEncryptedDataKey(ctx)
	if err != nil {
		return err
	}
	record.Set(h.dataKeyField, string(wrapped))
	return nil
}

// cipherSet hands out one cipher per owner, so a batch of records unwraps
// each owner's data key once.
type cipherSet struct {
	h       *Hooks
	ciphers map[string]*crypto.FieldCipher
}

func (h *Hooks) newCipherSet() *cipherSet {
	return &cipherSet{h: h, ciphers: make(map[string]*crypto.FieldCipher)}
}

func (s *cipherSet) forRecord(ctx context.Context, cfg CollectionConfig, record RecordLike) (*crypto.FieldCipher, error) {
	owner := record.GetString(cfg.OwnerField)
	if owner == "" {
		return nil, fmt.Errorf("pbhooks: %s record has no %s", cfg.Collection, cfg.OwnerField)
	}
	if c, ok := s.ciphers[owner]; ok {
		return c, nil
	}
	wrapped, err := s.h.dataKeys.DataKey(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("pbhooks: loading data key of %s: %w", owner, err)
	}
	c := crypto.NewFieldCipher(s.h.keys, owner, wrapped)
	s.ciphers[owner] = c
	return c, nil
}

// Close destroys every data key the set unwrapped.
func (s *cipherSet) Close() {
	for _, c := range s.ciphers {
		c.Close()
	}
}

// encryptRecord seals the configured fields that hold plaintext.
func (h *Hooks) encryptRecord(ctx context.Context, cfg CollectionConfig, record RecordLike) error {
	set := h.newCipherSet()
	defer set.Close()
	_, err := h.sealFields(ctx, cfg, set, record)
	return err
}

// sealFields seals every non-empty plaintext value and reports whether
// anything changed. A value carrying the encoded prefix is kept only if it
// opens under the owner's data key, so a client cannot store arbitrary
// bytes as a sealed value.
func (h *Hooks) sealFields(ctx context.Context, cfg CollectionConfig, set *cipherSet, record RecordLike) (bool, error) {
	changed := false
	for _, field := range cfg.Fields {
		value := record.GetString(field)
		if value == "" {
			continue
		}
		cipher, err := set.forRecord(ctx, cfg, record)
		if err != nil {
			return false, err
		}

		if strings.HasPrefix(value, EncodedPrefix) {
			sealed, err := DecodeField(value)
			if err != nil {
				return false, fmt.Errorf("pbhooks: %s.%s: %w", cfg.Collection, field, err)
			}
			if _, err := cipher.Decrypt(ctx, sealed); err != nil {
				return false, fmt.Errorf("pbhooks: %s.%s is not sealed under the owner's key: %w", cfg.Collection, field, err)
			}
			continue
		}

		sealed, err := cipher.EncryptString(ctx, value)
		if err != nil {
			return false, fmt.Errorf("pbhooks: encrypting %s.%s: %w", cfg.Collection, field, err)
		}
		record.Set(field, EncodeField(sealed))
		changed = true
	}
	return changed, nil
}

// decryptRecord opens the configured fields of one record. On error the
// record is left as it was.
func (h *Hooks) decryptRecord(ctx context.Context, cfg CollectionConfig, record RecordLike) error {
	return h.decryptRecords(ctx, cfg, []RecordLike{record})
}

// decryptRecords opens the configured fields of every record. Nothing is
// written back unless all of them open.
func (h *Hooks) decryptRecords(ctx context.Context, cfg CollectionConfig, records []RecordLike) error {
	set := h.newCipherSet()
	defer set.Close()

	opened := make([]map[string]string, len(records))
	for i, record := range records {
		values, err := h.openFields(ctx, cfg, set, record)
		if err != nil {
			return err
		}
		opened[i] = values
	}
	for i, record := range records {
		for field, value := range opened[i] {
			record.Set(field, value)
		}
	}
	return nil
}

// openFields returns the plaintext of each sealed field. Values without
// the encoded prefix predate encryption and are skipped.
func (h *Hooks) openFields(ctx context.Context, cfg CollectionConfig, set *cipherSet, record RecordLike) (map[string]string, error) {
	values := make(map[string]string)
	for _, field := range cfg.Fields {
		value := record.GetString(field)
		if !strings.HasPrefix(value, EncodedPrefix) {
			continue
		}
		sealed, err := DecodeField(value)
		if err != nil {
			return nil, fmt.Errorf("pbhooks: %s.%s: %w", cfg.Collection, field, err)
		}
		cipher, err := set.forRecord(ctx, cfg, record)
		if err != nil {
			return nil, err
		}
		plaintext, err := cipher.DecryptString(ctx, sealed)
		if err != nil {
			return nil, fmt.Errorf("pbhooks: decrypting %s.%s: %w", cfg.Collection, field, err)
		}
		values[field] = plaintext
	}
	return values, nil
}

func (h *Hooks) logDecryptFailure(cfg CollectionConfig, err error) {
	h.logger.Error("decryption failed",
		slog.String("collection", cfg.Collection), slog.Any("error", err))
}

// RecordDataKeys reads and writes wrapped data keys stored on auth records.
type RecordDataKeys struct {
	app        core.App
	collection string
	field      string
}

// RecordDataKeys returns the data key store the hooks use for app.
func (h *Hooks) RecordDataKeys(app core.App) *RecordDataKeys {
	return &RecordDataKeys{app: app, collection: h.authCollection, field: h.dataKeyField}
}

func (s *RecordDataKeys) DataKey(_ context.Context, userID string) (crypto.WrappedDEK, error) {
	record, err := s.app.FindRecordById(s.collection, userID)
	if err != nil {
		return "", err
	}
	wrapped := record.GetString(s.field)
	if wrapped == "" {
		return "", fmt.Errorf("user %s: %w", userID, crypto.ErrKeyNotFound)
	}
	return crypto.WrappedDEK(wrapped), nil
}

// SetDataKey replaces the wrapped data key on the user's auth record.
func (s *RecordDataKeys) SetDataKey(_ context.Context, userID string, wrapped crypto.WrappedDEK) error {
	record, err := s.app.FindRecordById(s.collection, userID)
	if err != nil {
		return err
	}
	record.Set(s.field, string(wrapped))
	return s.app.Save(record)
}
