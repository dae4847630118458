package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
)

// State enumerates the phases of a reconciliation run.
type State string

const (
	// StateScanning covers schema preparation and identity checks.
	StateScanning State = "scanning"
	// StateNew marks an incoming record queued for creation.
	StateNew State = "new"
	// StateConflictPending marks a conflict awaiting a resolution.
	StateConflictPending State = "conflict_pending"
	// StateConflictResolved marks a conflict that received its resolution.
	StateConflictResolved State = "conflict_resolved"
	// StateApplying covers the batched record mutations.
	StateApplying State = "applying"
	// StateDone marks a run that applied every queued change.
	StateDone State = "done"
	// StateAborted marks a run that stopped on an error.
	StateAborted State = "aborted"
)

// Action is the outcome chosen for a conflict.
type Action string

const (
	// ActionUpdate overwrites the existing record with the incoming fields.
	ActionUpdate Action = "update"
	// ActionSkip leaves the existing record untouched.
	ActionSkip Action = "skip"
)

var (
	// ErrInvalidAction indicates an unknown conflict action.
	ErrInvalidAction = errors.New("reconcile: invalid action")
	// ErrDecisionFailed indicates the decision source did not produce a resolution.
	ErrDecisionFailed = errors.New("reconcile: decision failed")
	// ErrApplyFailed indicates a store mutation failed while applying queued changes.
	ErrApplyFailed = errors.New("reconcile: apply failed")
)

// ParseAction validates a raw action string.
func ParseAction(value string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(value))) {
	case ActionUpdate:
		return ActionUpdate, nil
	case ActionSkip:
		return ActionSkip, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, value)
	}
}

// Resolution is the decision returned for exactly one conflict. ApplyToAll
// makes the action sticky for every conflict discovered afterwards in the run.
type Resolution struct {
	Action     Action
	ApplyToAll bool
}

// Conflict pairs an existing record with an incoming one sharing its primary identifier.
type Conflict struct {
	Sequence        int
	CollectionKey   string
	CollectionName  string
	Existing        vault.Record
	Incoming        vault.Fields
	IdentifierField string
}

// Summary reports the counters of a finished run.
type Summary struct {
	Created            int
	Updated            int
	Skipped            int
	CollectionsTouched int
	State              State
}

// Store is the mutation surface the pipeline needs from the caller-owned store.
type Store interface {
	EnsureCollection(ctx context.Context, name string) (vault.Collection, error)
	SetSchema(ctx context.Context, key string, fields []string) error
	CreateRecord(ctx context.Context, record vault.Record) (vault.Record, error)
	UpdateRecord(ctx context.Context, key, id string, fields vault.Fields) error
	ListRecords(ctx context.Context, key string) ([]vault.Record, error)
}

// DecisionSource produces a resolution for a conflict. It is called at most
// once per conflict and never concurrently with itself; it must eventually
// return, either with a resolution or with an error.
type DecisionSource interface {
	ResolveConflict(ctx context.Context, conflict Conflict) (Resolution, error)
}

// DecisionFunc adapts a function to DecisionSource.
type DecisionFunc func(ctx context.Context, conflict Conflict) (Resolution, error)

// ResolveConflict calls f.
func (f DecisionFunc) ResolveConflict(ctx context.Context, conflict Conflict) (Resolution, error) {
	return f(ctx, conflict)
}

// FixedDecision resolves every conflict of a run with the same action.
func FixedDecision(action Action) DecisionSource {
	return DecisionFunc(func(context.Context, Conflict) (Resolution, error) {
		return Resolution{Action: action, ApplyToAll: true}, nil
	})
}

// Event describes a state transition observed during a run.
type Event struct {
	State         State
	CollectionKey string
	Conflict      *Conflict
	Resolution    *Resolution
	Summary       *Summary
	Err           error
}

// Observer receives run events synchronously, in order.
type Observer func(Event)

// ServiceError carries a stable "operation.reason" code alongside its cause.
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

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}
