// Package reconcile imports parsed transfer collections into a store,
// detecting same-collection identity conflicts and asking a decision source
// how to settle each one.
//
// A run has two phases. Scanning prepares schemas and classifies every
// incoming record as new or conflicting, suspending on the decision source
// for one conflict at a time. Applying starts only after every conflict has a
// resolution and performs the queued creates and updates. A store failure
// while applying aborts the rest of the run; changes already committed stay
// committed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/identity"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/transfer"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"go.uber.org/zap"
)

const (
	opPipelineNew = "reconcile.pipeline.new"
	opRun         = "reconcile.run"

	reasonMissingStore           = "missing_store"
	reasonMissingDecisionSource  = "missing_decision_source"
	reasonEnsureCollectionFailed = "ensure_collection_failed"
	reasonSetSchemaFailed        = "set_schema_failed"
	reasonListRecordsFailed      = "list_records_failed"
	reasonDecisionFailed         = "decision_failed"
	reasonInvalidResolution      = "invalid_resolution"
	reasonLockFailed             = "lock_failed"
	reasonCreateFailed           = "create_failed"
	reasonUpdateFailed           = "update_failed"

	fallbackNameFormat = "Account %d"
)

var (
	errMissingStore          = errors.New("store is required")
	errMissingDecisionSource = errors.New("decision source is required")
	noOpLogger               = zap.NewNop()
)

// PipelineConfig describes the collaborators of a Pipeline.
type PipelineConfig struct {
	Store     Store
	Decisions DecisionSource
	Resolver  *identity.Resolver
	Locker    Locker
	Observer  Observer
	Logger    *zap.Logger
}

// Pipeline runs reconciliation imports against a store.
type Pipeline struct {
	store     Store
	decisions DecisionSource
	resolver  *identity.Resolver
	locker    Locker
	observer  Observer
	logger    *zap.Logger
}

// NewPipeline validates the configuration and constructs a Pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opPipelineNew, reasonMissingStore, errMissingStore)
	}
	if cfg.Decisions == nil {
		return nil, newServiceError(opPipelineNew, reasonMissingDecisionSource, errMissingDecisionSource)
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = identity.NewResolver(nil)
	}
	locker := cfg.Locker
	if locker == nil {
		locker = noopLocker{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Pipeline{
		store:     cfg.Store,
		decisions: cfg.Decisions,
		resolver:  resolver,
		locker:    locker,
		observer:  cfg.Observer,
		logger:    logger,
	}, nil
}

// incomingRecord is a normalized record plus the fields that were only defaulted.
type incomingRecord struct {
	record    vault.Record
	defaulted map[string]bool
}

type queuedCreate struct {
	collectionKey string
	record        incomingRecord
}

type queuedResolution struct {
	collectionKey string
	existing      vault.Record
	action        Action
	incoming      incomingRecord
}

// scanState is threaded through the scan. sticky holds the action of the
// first ApplyToAll resolution; it only affects conflicts found after it.
type scanState struct {
	sticky    *Action
	conflicts int
	creates   []queuedCreate
	resolves  []queuedResolution
	touched   []string
}

// Run imports parsed collections and returns the run summary. On failure the
// summary carries the counters reached before the abort.
func (p *Pipeline) Run(ctx context.Context, parsed []transfer.ParsedCollection) (Summary, error) {
	state := &scanState{}
	if err := p.scan(ctx, parsed, state); err != nil {
		return p.abort(Summary{CollectionsTouched: len(state.touched)}, err)
	}

	summary, err := p.apply(ctx, state)
	if err != nil {
		return p.abort(summary, err)
	}

	summary.State = StateDone
	p.emit(Event{State: StateDone, Summary: &summary})
	p.logger.Info("reconciliation completed",
		zap.Int("created", summary.Created),
		zap.Int("updated", summary.Updated),
		zap.Int("skipped", summary.Skipped),
		zap.Int("collections_touched", summary.CollectionsTouched))
	return summary, nil
}

func (p *Pipeline) abort(summary Summary, err error) (Summary, error) {
	summary.State = StateAborted
	p.emit(Event{State: StateAborted, Summary: &summary, Err: err})
	return summary, err
}

func (p *Pipeline) scan(ctx context.Context, parsed []transfer.ParsedCollection, state *scanState) error {
	for _, parsedCollection := range parsed {
		if len(parsedCollection.Records) == 0 {
			continue
		}

		collection, err := p.store.EnsureCollection(ctx, parsedCollection.Name)
		if err != nil {
			return p.fail(reasonEnsureCollectionFailed, err, zap.String("collection_name", parsedCollection.Name))
		}
		if !slices.Contains(state.touched, collection.Key) {
			state.touched = append(state.touched, collection.Key)
		}
		p.emit(Event{State: StateScanning, CollectionKey: collection.Key})

		incoming := make([]incomingRecord, 0, len(parsedCollection.Records))
		for index, fields := range parsedCollection.Records {
			incoming = append(incoming, p.normalize(collection, fields, index+1))
		}

		schemaInputs := make([]vault.Fields, 0, len(incoming))
		for _, record := range incoming {
			schemaInputs = append(schemaInputs, record.record.Fields)
		}
		if err := p.store.SetSchema(ctx, collection.Key, vault.MergeSchema(collection.Schema, schemaInputs...)); err != nil {
			return p.fail(reasonSetSchemaFailed, err, zap.String("collection_key", collection.Key))
		}

		existing, err := p.store.ListRecords(ctx, collection.Key)
		if err != nil {
			return p.fail(reasonListRecordsFailed, err, zap.String("collection_key", collection.Key))
		}

		for _, record := range incoming {
			match, identifier, found := p.findExisting(existing, record.record.Fields)
			if !found {
				state.creates = append(state.creates, queuedCreate{collectionKey: collection.Key, record: record})
				p.emit(Event{State: StateNew, CollectionKey: collection.Key})
				continue
			}

			state.conflicts++
			conflict := Conflict{
				Sequence:        state.conflicts,
				CollectionKey:   collection.Key,
				CollectionName:  collection.Name,
				Existing:        match,
				Incoming:        record.record.Fields.Clone(),
				IdentifierField: identifier.Field,
			}
			action, err := p.decide(ctx, conflict, state)
			if err != nil {
				return err
			}
			state.resolves = append(state.resolves, queuedResolution{
				collectionKey: collection.Key,
				existing:      match,
				action:        action,
				incoming:      record,
			})
		}
	}
	return nil
}

// normalize fills in the name and password defaults for an incoming record and
// stamps it with the collection it is imported into.
func (p *Pipeline) normalize(collection vault.Collection, fields vault.Fields, ordinal int) incomingRecord {
	normalized := fields.Clone()
	defaulted := make(map[string]bool, 2)

	if name, _ := normalized.Get(vault.FieldName); strings.TrimSpace(name) == "" {
		derived := fmt.Sprintf(fallbackNameFormat, ordinal)
		if primary, ok := p.resolver.PrimaryIdentifier(normalized); ok {
			if localPart, _, _ := strings.Cut(primary.Value, "@"); strings.TrimSpace(localPart) != "" {
				derived = strings.TrimSpace(localPart)
			}
		}
		if normalized.Has(vault.FieldName) {
			normalized = normalized.Set(vault.FieldName, derived)
		} else {
			normalized = append(vault.Fields{{Name: vault.FieldName, Value: derived}}, normalized...)
		}
		defaulted[vault.FieldName] = true
	}
	if !normalized.Has(vault.FieldPassword) {
		normalized = normalized.Set(vault.FieldPassword, "")
		defaulted[vault.FieldPassword] = true
	}
	return incomingRecord{
		record: vault.Record{
			CollectionKey:  collection.Key,
			CollectionName: collection.Name,
			Fields:         normalized,
		},
		defaulted: defaulted,
	}
}

func (p *Pipeline) findExisting(existing []vault.Record, fields vault.Fields) (vault.Record, identity.Identifier, bool) {
	incoming, ok := p.resolver.PrimaryIdentifier(fields)
	if !ok {
		return vault.Record{}, identity.Identifier{}, false
	}
	for _, record := range existing {
		current, ok := p.resolver.PrimaryIdentifier(record.Fields)
		if ok && identity.SameIdentifier(current, incoming) {
			return record, incoming, true
		}
	}
	return vault.Record{}, identity.Identifier{}, false
}

// decide settles one conflict, reusing the sticky action when one was recorded.
func (p *Pipeline) decide(ctx context.Context, conflict Conflict, state *scanState) (Action, error) {
	if state.sticky != nil {
		resolution := Resolution{Action: *state.sticky, ApplyToAll: true}
		p.emit(Event{State: StateConflictResolved, CollectionKey: conflict.CollectionKey, Conflict: &conflict, Resolution: &resolution})
		return *state.sticky, nil
	}

	p.emit(Event{State: StateConflictPending, CollectionKey: conflict.CollectionKey, Conflict: &conflict})
	resolution, err := p.decisions.ResolveConflict(ctx, conflict)
	if err != nil {
		return "", p.fail(reasonDecisionFailed, fmt.Errorf("%w: %w", ErrDecisionFailed, err),
			zap.String("collection_key", conflict.CollectionKey),
			zap.String("record_id", conflict.Existing.ID))
	}
	action, err := ParseAction(string(resolution.Action))
	if err != nil {
		return "", p.fail(reasonInvalidResolution, err, zap.String("collection_key", conflict.CollectionKey))
	}
	resolution.Action = action
	if resolution.ApplyToAll {
		state.sticky = &action
	}
	p.emit(Event{State: StateConflictResolved, CollectionKey: conflict.CollectionKey, Conflict: &conflict, Resolution: &resolution})
	return action, nil
}

func (p *Pipeline) apply(ctx context.Context, state *scanState) (Summary, error) {
	summary := Summary{CollectionsTouched: len(state.touched)}

	unlock, err := p.locker.Lock(ctx, state.touched)
	if err != nil {
		return summary, p.fail(reasonLockFailed, err)
	}
	defer unlock()

	p.emit(Event{State: StateApplying})
	for _, queued := range state.creates {
		if _, err := p.store.CreateRecord(ctx, queued.record.record); err != nil {
			return summary, p.fail(reasonCreateFailed, fmt.Errorf("%w: %w", ErrApplyFailed, err),
				zap.String("collection_key", queued.collectionKey))
		}
		summary.Created++
	}

	for _, queued := range state.resolves {
		if queued.action == ActionSkip {
			summary.Skipped++
			continue
		}
		merged := queued.existing.Fields.Overlay(queued.incoming.record.Fields, queued.incoming.defaulted)
		if err := p.store.UpdateRecord(ctx, queued.collectionKey, queued.existing.ID, merged); err != nil {
			return summary, p.fail(reasonUpdateFailed, fmt.Errorf("%w: %w", ErrApplyFailed, err),
				zap.String("collection_key", queued.collectionKey),
				zap.String("record_id", queued.existing.ID))
		}
		summary.Updated++
	}
	return summary, nil
}

func (p *Pipeline) emit(event Event) {
	if p.observer != nil {
		p.observer(event)
	}
}

func (p *Pipeline) fail(reason string, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", opRun),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	p.logger.Error("reconciliation error", attrs...)
	return newServiceError(opRun, reason, err)
}
