package store

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
)

// CollectionModel is the persisted form of a collection.
type CollectionModel struct {
	Key              string `gorm:"column:collection_key;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:320;not null"`
	SchemaJSON       string `gorm:"column:schema_json;type:text;not null;default:'[]'"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CollectionModel) TableName() string {
	return "collections"
}

// RecordModel is the persisted form of a record. Fields are stored as an
// ordered JSON array so field-iteration order survives a round trip.
type RecordModel struct {
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	CollectionKey    string `gorm:"column:collection_key;size:190;not null;index:idx_records_collection_created,priority:1"`
	CollectionName   string `gorm:"column:collection_name;size:320;not null;default:''"`
	FieldsJSON       string `gorm:"column:fields_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_records_collection_created,priority:2"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RecordModel) TableName() string {
	return "records"
}

func (model CollectionModel) toCollection(recordCount int) (vault.Collection, error) {
	var schema []string
	if model.SchemaJSON != "" {
		if err := json.Unmarshal([]byte(model.SchemaJSON), &schema); err != nil {
			return vault.Collection{}, err
		}
	}
	return vault.Collection{
		Key:         model.Key,
		Name:        model.Name,
		Schema:      schema,
		RecordCount: recordCount,
		CreatedAt:   time.Unix(model.CreatedAtSeconds, 0).UTC(),
		UpdatedAt:   time.Unix(model.UpdatedAtSeconds, 0).UTC(),
	}, nil
}

func (model RecordModel) toRecord() (vault.Record, error) {
	var fields vault.Fields
	if err := json.Unmarshal([]byte(model.FieldsJSON), &fields); err != nil {
		return vault.Record{}, err
	}
	return vault.Record{
		ID:             model.RecordID,
		CollectionKey:  model.CollectionKey,
		CollectionName: model.CollectionName,
		Fields:         fields,
		CreatedAt:      time.Unix(model.CreatedAtSeconds, 0).UTC(),
		UpdatedAt:      time.Unix(model.UpdatedAtSeconds, 0).UTC(),
	}, nil
}

func encodeFields(fields vault.Fields) (string, error) {
	if fields == nil {
		fields = vault.Fields{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func encodeSchema(schema []string) (string, error) {
	if schema == nil {
		schema = []string{}
	}
	encoded, err := json.Marshal(schema)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
