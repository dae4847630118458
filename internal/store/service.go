// Package store persists collections and records in SQLite through GORM and
// implements the mutation surface the reconciliation pipeline depends on.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrCollectionNotFound indicates an unknown collection key.
	ErrCollectionNotFound = errors.New("store: collection not found")
	// ErrRecordNotFound indicates an unknown record identifier.
	ErrRecordNotFound = errors.New("store: record not found")
	noOpLogger        = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "store.service.new"
	opEnsureCollection  = "store.ensure_collection"
	opSetSchema         = "store.set_schema"
	opCreateRecord      = "store.create_record"
	opUpdateRecord      = "store.update_record"
	opListRecords       = "store.list_records"
	opListCollections   = "store.list_collections"
	opGetCollection     = "store.get_collection"
	opBundles           = "store.bundles"
	reasonInvalidInput  = "invalid_input"
	reasonNotFound      = "not_found"
	reasonSelectFailed  = "select_failed"
	reasonInsertFailed  = "insert_failed"
	reasonUpdateFailed  = "update_failed"
	reasonEncodeFailed  = "encode_failed"
	reasonDecodeFailed  = "decode_failed"
	reasonIDFailed      = "id_generation_failed"
	reasonMissingDB     = "missing_database"
	reasonMissingIDProv = "missing_id_provider"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service is the SQLite-backed collection and record store.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProv, errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// EnsureCollection returns the collection for name, creating it when absent.
func (s *Service) EnsureCollection(ctx context.Context, name string) (vault.Collection, error) {
	key, err := vault.NewCollectionKey(name)
	if err != nil {
		s.logError(opEnsureCollection, reasonInvalidInput, err)
		return vault.Collection{}, newServiceError(opEnsureCollection, reasonInvalidInput, err)
	}

	var model CollectionModel
	err = s.db.WithContext(ctx).Where("collection_key = ?", key).Take(&model).Error
	switch {
	case err == nil:
		return s.loadCollection(ctx, opEnsureCollection, model)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		s.logError(opEnsureCollection, reasonSelectFailed, err, zap.String("collection_key", key))
		return vault.Collection{}, newServiceError(opEnsureCollection, reasonSelectFailed, err)
	}

	now := s.clock().UTC().Unix()
	model = CollectionModel{
		Key:              key,
		Name:             name,
		SchemaJSON:       "[]",
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		s.logError(opEnsureCollection, reasonInsertFailed, err, zap.String("collection_key", key))
		return vault.Collection{}, newServiceError(opEnsureCollection, reasonInsertFailed, err)
	}
	s.logger.Debug("collection created", zap.String("collection_key", key))
	return model.toCollection(0)
}

// SetSchema replaces the ordered field list of a collection.
func (s *Service) SetSchema(ctx context.Context, key string, fields []string) error {
	encoded, err := encodeSchema(vault.OrderSchema(fields))
	if err != nil {
		s.logError(opSetSchema, reasonEncodeFailed, err, zap.String("collection_key", key))
		return newServiceError(opSetSchema, reasonEncodeFailed, err)
	}
	result := s.db.WithContext(ctx).
		Model(&CollectionModel{}).
		Where("collection_key = ?", key).
		Updates(map[string]any{
			"schema_json":  encoded,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opSetSchema, reasonUpdateFailed, result.Error, zap.String("collection_key", key))
		return newServiceError(opSetSchema, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSetSchema, reasonNotFound, ErrCollectionNotFound)
	}
	return nil
}

// CreateRecord inserts a record with a fresh identifier. The identifier and
// timestamps of the supplied record are ignored.
func (s *Service) CreateRecord(ctx context.Context, record vault.Record) (vault.Record, error) {
	key := record.CollectionKey
	encoded, err := encodeFields(record.Fields)
	if err != nil {
		s.logError(opCreateRecord, reasonEncodeFailed, err, zap.String("collection_key", key))
		return vault.Record{}, newServiceError(opCreateRecord, reasonEncodeFailed, err)
	}
	recordID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateRecord, reasonIDFailed, err, zap.String("collection_key", key))
		return vault.Record{}, newServiceError(opCreateRecord, reasonIDFailed, err)
	}

	now := s.clock().UTC().Unix()
	model := RecordModel{
		RecordID:         recordID,
		CollectionKey:    key,
		CollectionName:   record.CollectionName,
		FieldsJSON:       encoded,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		touched := tx.Model(&CollectionModel{}).
			Where("collection_key = ?", key).
			Update("updated_at_s", now)
		if touched.Error != nil {
			return newServiceError(opCreateRecord, reasonUpdateFailed, touched.Error)
		}
		if touched.RowsAffected == 0 {
			return newServiceError(opCreateRecord, reasonNotFound, ErrCollectionNotFound)
		}
		if err := tx.Create(&model).Error; err != nil {
			return newServiceError(opCreateRecord, reasonInsertFailed, err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateRecord, errorReason(txErr), txErr, zap.String("collection_key", key))
		return vault.Record{}, txErr
	}
	return model.toRecord()
}

// UpdateRecord replaces the fields of an existing record.
func (s *Service) UpdateRecord(ctx context.Context, key, id string, fields vault.Fields) error {
	encoded, err := encodeFields(fields)
	if err != nil {
		s.logError(opUpdateRecord, reasonEncodeFailed, err, zap.String("record_id", id))
		return newServiceError(opUpdateRecord, reasonEncodeFailed, err)
	}
	now := s.clock().UTC().Unix()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&RecordModel{}).
			Where("collection_key = ? AND record_id = ?", key, id).
			Updates(map[string]any{
				"fields_json":  encoded,
				"updated_at_s": now,
			})
		if result.Error != nil {
			return newServiceError(opUpdateRecord, reasonUpdateFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opUpdateRecord, reasonNotFound, ErrRecordNotFound)
		}
		if err := tx.Model(&CollectionModel{}).
			Where("collection_key = ?", key).
			Update("updated_at_s", now).Error; err != nil {
			return newServiceError(opUpdateRecord, reasonUpdateFailed, err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opUpdateRecord, errorReason(txErr), txErr,
			zap.String("collection_key", key),
			zap.String("record_id", id))
		return txErr
	}
	return nil
}

// ListRecords returns the records of a collection in insertion order.
func (s *Service) ListRecords(ctx context.Context, key string) ([]vault.Record, error) {
	var models []RecordModel
	if err := s.db.WithContext(ctx).
		Where("collection_key = ?", key).
		Order("created_at_s ASC").
		Order("rowid ASC").
		Find(&models).Error; err != nil {
		s.logError(opListRecords, reasonSelectFailed, err, zap.String("collection_key", key))
		return nil, newServiceError(opListRecords, reasonSelectFailed, err)
	}
	return s.decodeRecords(opListRecords, models)
}

// GetCollection returns one collection with its record count.
func (s *Service) GetCollection(ctx context.Context, key string) (vault.Collection, error) {
	validated, err := vault.ValidateCollectionKey(key)
	if err != nil {
		return vault.Collection{}, newServiceError(opGetCollection, reasonInvalidInput, err)
	}
	var model CollectionModel
	err = s.db.WithContext(ctx).Where("collection_key = ?", validated).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return vault.Collection{}, newServiceError(opGetCollection, reasonNotFound, ErrCollectionNotFound)
	}
	if err != nil {
		s.logError(opGetCollection, reasonSelectFailed, err, zap.String("collection_key", validated))
		return vault.Collection{}, newServiceError(opGetCollection, reasonSelectFailed, err)
	}
	return s.loadCollection(ctx, opGetCollection, model)
}

// ListCollections returns every collection with its record count, in
// creation order.
func (s *Service) ListCollections(ctx context.Context) ([]vault.Collection, error) {
	var models []CollectionModel
	if err := s.db.WithContext(ctx).
		Order("created_at_s ASC").
		Order("rowid ASC").
		Find(&models).Error; err != nil {
		s.logError(opListCollections, reasonSelectFailed, err)
		return nil, newServiceError(opListCollections, reasonSelectFailed, err)
	}

	counts, err := s.recordCounts(ctx)
	if err != nil {
		s.logError(opListCollections, reasonSelectFailed, err)
		return nil, newServiceError(opListCollections, reasonSelectFailed, err)
	}

	collections := make([]vault.Collection, 0, len(models))
	for _, model := range models {
		collection, err := model.toCollection(counts[model.Key])
		if err != nil {
			s.logError(opListCollections, reasonDecodeFailed, err, zap.String("collection_key", model.Key))
			return nil, newServiceError(opListCollections, reasonDecodeFailed, err)
		}
		collections = append(collections, collection)
	}
	return collections, nil
}

// Bundles loads a full in-memory snapshot of the store.
func (s *Service) Bundles(ctx context.Context) ([]vault.Bundle, error) {
	collections, err := s.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	bundles := make([]vault.Bundle, 0, len(collections))
	for _, collection := range collections {
		records, err := s.ListRecords(ctx, collection.Key)
		if err != nil {
			s.logError(opBundles, reasonSelectFailed, err, zap.String("collection_key", collection.Key))
			return nil, err
		}
		bundles = append(bundles, vault.Bundle{Collection: collection, Records: records})
	}
	return bundles, nil
}

type recordCount struct {
	CollectionKey string
	Total         int
}

func (s *Service) recordCounts(ctx context.Context) (map[string]int, error) {
	var rows []recordCount
	if err := s.db.WithContext(ctx).
		Model(&RecordModel{}).
		Select("collection_key, COUNT(*) AS total").
		Group("collection_key").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.CollectionKey] = row.Total
	}
	return counts, nil
}

func (s *Service) loadCollection(ctx context.Context, operation string, model CollectionModel) (vault.Collection, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&RecordModel{}).
		Where("collection_key = ?", model.Key).
		Count(&count).Error; err != nil {
		s.logError(operation, reasonSelectFailed, err, zap.String("collection_key", model.Key))
		return vault.Collection{}, newServiceError(operation, reasonSelectFailed, err)
	}
	collection, err := model.toCollection(int(count))
	if err != nil {
		s.logError(operation, reasonDecodeFailed, err, zap.String("collection_key", model.Key))
		return vault.Collection{}, newServiceError(operation, reasonDecodeFailed, err)
	}
	return collection, nil
}

func (s *Service) decodeRecords(operation string, models []RecordModel) ([]vault.Record, error) {
	records := make([]vault.Record, 0, len(models))
	for _, model := range models {
		record, err := model.toRecord()
		if err != nil {
			s.logError(operation, reasonDecodeFailed, err, zap.String("record_id", model.RecordID))
			return nil, newServiceError(operation, reasonDecodeFailed, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store service error", attrs...)
}

func errorReason(err error) string {
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		return "unknown"
	}
	code := serviceErr.Code()
	return code[strings.LastIndex(code, ".")+1:]
}
