package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/identity"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/transfer"
	"go.uber.org/zap"
)

const (
	defaultDecisionTimeout = 10 * time.Minute
	maxRetainedRuns        = 256
)

var (
	// ErrRunNotFound indicates an unknown import run id.
	ErrRunNotFound = errors.New("import run not found")
	// ErrNoPendingConflict indicates a resolution posted while no conflict awaits one.
	ErrNoPendingConflict = errors.New("import run has no pending conflict")
	// ErrDecisionTimeout indicates a conflict that was not resolved in time.
	ErrDecisionTimeout = errors.New("conflict decision timed out")
	// ErrManagerClosed indicates an import started after shutdown began.
	ErrManagerClosed = errors.New("import manager closed")

	errMissingImportStore = errors.New("import store dependency required")
	errMissingIDProvider  = errors.New("id provider dependency required")
)

// IDProvider issues run identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// RunStatus is a point-in-time view of an import run.
type RunStatus struct {
	RunID      string
	State      reconcile.State
	Pending    *reconcile.Conflict
	Summary    *reconcile.Summary
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Finished reports whether the run reached a terminal state.
func (s RunStatus) Finished() bool {
	return s.State == reconcile.StateDone || s.State == reconcile.StateAborted
}

// ImportManagerConfig describes the collaborators of an ImportManager.
type ImportManagerConfig struct {
	Store           reconcile.Store
	Resolver        *identity.Resolver
	Locker          reconcile.Locker
	Dispatcher      *RunEventDispatcher
	IDProvider      IDProvider
	DecisionTimeout time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// ImportManager runs imports in the background. Each run pauses on a
// conflict until a resolution is posted or the decision timeout elapses.
type ImportManager struct {
	store           reconcile.Store
	resolver        *identity.Resolver
	locker          reconcile.Locker
	dispatcher      *RunEventDispatcher
	idProvider      IDProvider
	decisionTimeout time.Duration
	clock           func() time.Time
	logger          *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*importRun
	order  []string
	closed bool
}

type importRun struct {
	mu        sync.Mutex
	status    RunStatus
	decisions chan reconcile.Resolution
	done      chan struct{}
}

func NewImportManager(cfg ImportManagerConfig) (*ImportManager, error) {
	if cfg.Store == nil {
		return nil, errMissingImportStore
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewRunEventDispatcher()
	}
	timeout := cfg.DecisionTimeout
	if timeout <= 0 {
		timeout = defaultDecisionTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ImportManager{
		store:           cfg.Store,
		resolver:        cfg.Resolver,
		locker:          cfg.Locker,
		dispatcher:      dispatcher,
		idProvider:      cfg.IDProvider,
		decisionTimeout: timeout,
		clock:           clock,
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
		runs:            make(map[string]*importRun),
	}, nil
}

// Dispatcher exposes the event fan-out used by the runs.
func (m *ImportManager) Dispatcher() *RunEventDispatcher {
	return m.dispatcher
}

// Start parses text and launches a background run, returning its id.
func (m *ImportManager) Start(text string) (string, error) {
	parsed := transfer.Parse(text)

	runID, err := m.idProvider.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	run := &importRun{
		status: RunStatus{
			RunID:     runID,
			State:     reconcile.StateScanning,
			StartedAt: m.clock().UTC(),
		},
		decisions: make(chan reconcile.Resolution, 1),
		done:      make(chan struct{}),
	}

	pipeline, err := reconcile.NewPipeline(reconcile.PipelineConfig{
		Store:     m.store,
		Decisions: m.awaitDecision(run),
		Resolver:  m.resolver,
		Locker:    m.locker,
		Observer:  m.observe(run),
		Logger:    m.logger.With(zap.String("run_id", runID)),
	})
	if err != nil {
		return "", err
	}

	if err := m.register(runID, run); err != nil {
		return "", err
	}

	m.logger.Info("import run started",
		zap.String("run_id", runID),
		zap.Int("collections", len(parsed)))

	go func() {
		defer m.wg.Done()
		defer close(run.done)
		if _, err := pipeline.Run(m.ctx, parsed); err != nil {
			m.logger.Warn("import run aborted", zap.String("run_id", runID), zap.Error(err))
		}
	}()
	return runID, nil
}

// Status returns the current view of a run.
func (m *ImportManager) Status(runID string) (RunStatus, error) {
	run, ok := m.lookup(runID)
	if !ok {
		return RunStatus{}, ErrRunNotFound
	}
	return run.snapshot(), nil
}

// Done returns a channel closed once the run stops.
func (m *ImportManager) Done(runID string) (<-chan struct{}, error) {
	run, ok := m.lookup(runID)
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.done, nil
}

// Resolve settles the pending conflict of a run. Each conflict accepts
// exactly one resolution.
func (m *ImportManager) Resolve(runID string, resolution reconcile.Resolution) error {
	action, err := reconcile.ParseAction(string(resolution.Action))
	if err != nil {
		return err
	}
	resolution.Action = action

	run, ok := m.lookup(runID)
	if !ok {
		return ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.status.Pending == nil {
		return ErrNoPendingConflict
	}
	run.status.Pending = nil
	select {
	case run.decisions <- resolution:
	default:
		return ErrNoPendingConflict
	}
	return nil
}

// Wait blocks until runID stops or ctx ends.
func (m *ImportManager) Wait(ctx context.Context, runID string) (RunStatus, error) {
	done, err := m.Done(runID)
	if err != nil {
		return RunStatus{}, err
	}
	select {
	case <-done:
		return m.Status(runID)
	case <-ctx.Done():
		return RunStatus{}, ctx.Err()
	}
}

// Close cancels outstanding runs and waits for them to stop. Runs paused on
// a conflict abort without mutating the store.
func (m *ImportManager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func (m *ImportManager) awaitDecision(run *importRun) reconcile.DecisionFunc {
	return func(ctx context.Context, _ reconcile.Conflict) (reconcile.Resolution, error) {
		timer := time.NewTimer(m.decisionTimeout)
		defer timer.Stop()
		select {
		case resolution := <-run.decisions:
			return resolution, nil
		case <-timer.C:
			return reconcile.Resolution{}, ErrDecisionTimeout
		case <-ctx.Done():
			return reconcile.Resolution{}, ctx.Err()
		}
	}
}

func (m *ImportManager) observe(run *importRun) reconcile.Observer {
	return func(event reconcile.Event) {
		run.mu.Lock()
		status := &run.status
		status.State = event.State
		switch event.State {
		case reconcile.StateConflictPending:
			conflict := *event.Conflict
			status.Pending = &conflict
		case reconcile.StateConflictResolved:
			status.Pending = nil
		case reconcile.StateDone, reconcile.StateAborted:
			status.Pending = nil
			status.FinishedAt = m.clock().UTC()
			if event.Summary != nil {
				summary := *event.Summary
				status.Summary = &summary
			}
			if event.Err != nil {
				status.Error = errorCode(event.Err)
			}
		}
		snapshot := run.snapshotLocked()
		run.mu.Unlock()

		m.dispatcher.Publish(RunMessage{
			RunID:         snapshot.RunID,
			EventType:     string(event.State),
			CollectionKey: event.CollectionKey,
			Resolution:    event.Resolution,
			Status:        snapshot,
			Timestamp:     m.clock().UTC(),
		})
	}
}

func (m *ImportManager) register(runID string, run *importRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.runs[runID] = run
	m.order = append(m.order, runID)
	m.evictLocked()
	m.wg.Add(1)
	return nil
}

// evictLocked drops the oldest finished runs beyond the retention cap.
func (m *ImportManager) evictLocked() {
	if len(m.order) <= maxRetainedRuns {
		return
	}
	kept := m.order[:0]
	excess := len(m.order) - maxRetainedRuns
	for _, runID := range m.order {
		if excess > 0 && m.runs[runID].snapshot().Finished() {
			delete(m.runs, runID)
			excess--
			continue
		}
		kept = append(kept, runID)
	}
	m.order = kept
}

func (m *ImportManager) lookup(runID string) (*importRun, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	return run, ok
}

func (r *importRun) snapshot() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *importRun) snapshotLocked() RunStatus {
	status := r.status
	if status.Pending != nil {
		pending := *status.Pending
		status.Pending = &pending
	}
	if status.Summary != nil {
		summary := *status.Summary
		status.Summary = &summary
	}
	return status
}
