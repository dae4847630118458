package server

import (
	"github.com/MarcoPoloResearchLab/vaultsync/internal/fuzzy"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/identity"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
)

type collectionPayload struct {
	Key              string   `json:"key"`
	Name             string   `json:"name"`
	Schema           []string `json:"schema"`
	RecordCount      int      `json:"record_count"`
	CreatedAtSeconds int64    `json:"created_at_s"`
	UpdatedAtSeconds int64    `json:"updated_at_s"`
}

type suggestionPayload struct {
	Key   string  `json:"key"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

type recordPayload struct {
	ID               string       `json:"id"`
	CollectionKey    string       `json:"collection_key"`
	CollectionName   string       `json:"collection_name"`
	Fields           vault.Fields `json:"fields"`
	CreatedAtSeconds int64        `json:"created_at_s"`
	UpdatedAtSeconds int64        `json:"updated_at_s"`
	Score            *float64     `json:"score,omitempty"`
}

type recordsResponsePayload struct {
	Collection collectionPayload `json:"collection"`
	Records    []recordPayload   `json:"records"`
}

type connectedCollectionPayload struct {
	Key     string          `json:"key"`
	Name    string          `json:"name"`
	Records []recordPayload `json:"records"`
}

type connectionsResponsePayload struct {
	Identifier       string                       `json:"identifier"`
	TotalCollections int                          `json:"total_collections"`
	TotalRecords     int                          `json:"total_records"`
	Collections      []connectedCollectionPayload `json:"collections"`
}

type conflictPayload struct {
	Sequence        int           `json:"sequence"`
	CollectionKey   string        `json:"collection_key"`
	CollectionName  string        `json:"collection_name"`
	IdentifierField string        `json:"identifier_field"`
	Existing        recordPayload `json:"existing"`
	Incoming        vault.Fields  `json:"incoming"`
}

type summaryPayload struct {
	Created            int    `json:"created"`
	Updated            int    `json:"updated"`
	Skipped            int    `json:"skipped"`
	CollectionsTouched int    `json:"collections_touched"`
	State              string `json:"state"`
}

type runStatusPayload struct {
	RunID             string           `json:"run_id"`
	State             string           `json:"state"`
	Pending           *conflictPayload `json:"pending,omitempty"`
	Summary           *summaryPayload  `json:"summary,omitempty"`
	Error             string           `json:"error,omitempty"`
	StartedAtSeconds  int64            `json:"started_at_s"`
	FinishedAtSeconds int64            `json:"finished_at_s,omitempty"`
}

type resolutionPayload struct {
	Action     string `json:"action"`
	ApplyToAll bool   `json:"apply_to_all"`
}

type runEventPayload struct {
	RunID         string             `json:"run_id"`
	State         string             `json:"state"`
	CollectionKey string             `json:"collection_key,omitempty"`
	Resolution    *resolutionPayload `json:"resolution,omitempty"`
	Status        runStatusPayload   `json:"status"`
	TimestampS    int64              `json:"timestamp_s"`
}

func newCollectionPayload(collection vault.Collection) collectionPayload {
	schema := collection.Schema
	if schema == nil {
		schema = []string{}
	}
	return collectionPayload{
		Key:              collection.Key,
		Name:             collection.Name,
		Schema:           schema,
		RecordCount:      collection.RecordCount,
		CreatedAtSeconds: collection.CreatedAt.Unix(),
		UpdatedAtSeconds: collection.UpdatedAt.Unix(),
	}
}

func newRecordPayload(record vault.Record) recordPayload {
	fields := record.Fields
	if fields == nil {
		fields = vault.Fields{}
	}
	return recordPayload{
		ID:               record.ID,
		CollectionKey:    record.CollectionKey,
		CollectionName:   record.CollectionName,
		Fields:           fields,
		CreatedAtSeconds: record.CreatedAt.Unix(),
		UpdatedAtSeconds: record.UpdatedAt.Unix(),
	}
}

func newRankedRecordPayloads(ranked []fuzzy.Ranked[vault.Record]) []recordPayload {
	payloads := make([]recordPayload, 0, len(ranked))
	for _, entry := range ranked {
		payload := newRecordPayload(entry.Item)
		score := entry.Score
		payload.Score = &score
		payloads = append(payloads, payload)
	}
	return payloads
}

func newConnectionsPayload(accounts identity.ConnectedAccounts) connectionsResponsePayload {
	response := connectionsResponsePayload{
		Identifier:       accounts.Identifier,
		TotalCollections: accounts.TotalCollections,
		TotalRecords:     accounts.TotalRecords,
		Collections:      make([]connectedCollectionPayload, 0, len(accounts.Collections)),
	}
	for _, collection := range accounts.Collections {
		records := make([]recordPayload, 0, len(collection.Records))
		for _, record := range collection.Records {
			records = append(records, newRecordPayload(record))
		}
		response.Collections = append(response.Collections, connectedCollectionPayload{
			Key:     collection.Key,
			Name:    collection.Name,
			Records: records,
		})
	}
	return response
}

func newRunStatusPayload(status RunStatus) runStatusPayload {
	payload := runStatusPayload{
		RunID:            status.RunID,
		State:            string(status.State),
		Error:            status.Error,
		StartedAtSeconds: status.StartedAt.Unix(),
	}
	if !status.FinishedAt.IsZero() {
		payload.FinishedAtSeconds = status.FinishedAt.Unix()
	}
	if status.Pending != nil {
		payload.Pending = newConflictPayload(*status.Pending)
	}
	if status.Summary != nil {
		payload.Summary = &summaryPayload{
			Created:            status.Summary.Created,
			Updated:            status.Summary.Updated,
			Skipped:            status.Summary.Skipped,
			CollectionsTouched: status.Summary.CollectionsTouched,
			State:              string(status.Summary.State),
		}
	}
	return payload
}

func newConflictPayload(conflict reconcile.Conflict) *conflictPayload {
	return &conflictPayload{
		Sequence:        conflict.Sequence,
		CollectionKey:   conflict.CollectionKey,
		CollectionName:  conflict.CollectionName,
		IdentifierField: conflict.IdentifierField,
		Existing:        newRecordPayload(conflict.Existing),
		Incoming:        conflict.Incoming,
	}
}

func newRunEventPayload(message RunMessage) runEventPayload {
	payload := runEventPayload{
		RunID:         message.RunID,
		State:         message.EventType,
		CollectionKey: message.CollectionKey,
		Status:        newRunStatusPayload(message.Status),
		TimestampS:    message.Timestamp.Unix(),
	}
	if message.Resolution != nil {
		payload.Resolution = &resolutionPayload{
			Action:     string(message.Resolution.Action),
			ApplyToAll: message.Resolution.ApplyToAll,
		}
	}
	return payload
}
