package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/reconcile"
)

func TestImportManagerCreatesRecordsWithoutConflicts(t *testing.T) {
	service := newTestStore(t)
	manager := newTestImportManager(t, service, time.Second)

	runID, err := manager.Start("GitHub\n\nEmail - octo@x.com\nPassword - pw")
	if err != nil {
		t.Fatalf("start import: %v", err)
	}
	status := waitForRun(t, manager, runID)

	if status.State != reconcile.StateDone {
		t.Fatalf("expected done, got %s (%s)", status.State, status.Error)
	}
	if status.Summary == nil || status.Summary.Created != 1 || status.Summary.CollectionsTouched != 1 {
		t.Fatalf("unexpected summary: %+v", status.Summary)
	}
	records, err := service.ListRecords(context.Background(), "github")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].Name() != "octo" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestImportManagerPausesOnConflictUntilResolved(t *testing.T) {
	service := newTestStore(t)
	seedRecord(t, service, "GitHub", "name", "Work", "email", "a@x.com")
	manager := newTestImportManager(t, service, 5*time.Second)

	runID, err := manager.Start("GitHub\n\nName - Work Laptop\nEmail - A@X.com")
	if err != nil {
		t.Fatalf("start import: %v", err)
	}
	status := waitForPending(t, manager, runID)
	if status.State != reconcile.StateConflictPending {
		t.Fatalf("expected conflict_pending, got %s", status.State)
	}
	if status.Pending.Existing.Name() != "Work" || status.Pending.IdentifierField != "email" {
		t.Fatalf("unexpected pending conflict: %+v", status.Pending)
	}

	records, err := service.ListRecords(context.Background(), "github")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if records[0].Name() != "Work" {
		t.Fatalf("expected no mutation before resolution, got %q", records[0].Name())
	}

	if err := manager.Resolve(runID, reconcile.Resolution{Action: reconcile.ActionUpdate}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := manager.Resolve(runID, reconcile.Resolution{Action: reconcile.ActionUpdate}); !errors.Is(err, ErrNoPendingConflict) {
		t.Fatalf("expected no pending conflict, got %v", err)
	}

	status = waitForRun(t, manager, runID)
	if status.State != reconcile.StateDone || status.Summary.Updated != 1 {
		t.Fatalf("unexpected final status: %+v", status)
	}
	records, err = service.ListRecords(context.Background(), "github")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].Name() != "Work Laptop" {
		t.Fatalf("expected updated record, got %+v", records)
	}
}

func TestImportManagerAbortsOnDecisionTimeout(t *testing.T) {
	service := newTestStore(t)
	seedRecord(t, service, "GitHub", "name", "Work", "email", "a@x.com")
	manager := newTestImportManager(t, service, 50*time.Millisecond)

	text := "Amazon\n\nEmail - shop@x.com\n\n\nGitHub\n\nName - Work Laptop\nEmail - a@x.com"
	runID, err := manager.Start(text)
	if err != nil {
		t.Fatalf("start import: %v", err)
	}
	status := waitForRun(t, manager, runID)

	if status.State != reconcile.StateAborted {
		t.Fatalf("expected aborted, got %s", status.State)
	}
	if !strings.HasPrefix(status.Error, "reconcile.run.decision_failed") {
		t.Fatalf("unexpected error code %q", status.Error)
	}
	amazon, err := service.ListRecords(context.Background(), "amazon")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(amazon) != 0 {
		t.Fatalf("expected queued creates to be dropped, got %d records", len(amazon))
	}
	github, err := service.ListRecords(context.Background(), "github")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if github[0].Name() != "Work" {
		t.Fatalf("expected existing record untouched, got %q", github[0].Name())
	}
}

func TestImportManagerResolveValidation(t *testing.T) {
	service := newTestStore(t)
	manager := newTestImportManager(t, service, time.Second)

	if err := manager.Resolve("run-1", reconcile.Resolution{Action: "merge"}); !errors.Is(err, reconcile.ErrInvalidAction) {
		t.Fatalf("expected invalid action, got %v", err)
	}
	if err := manager.Resolve("missing", reconcile.Resolution{Action: reconcile.ActionSkip}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected run not found, got %v", err)
	}

	runID, err := manager.Start("GitHub\n\nEmail - octo@x.com")
	if err != nil {
		t.Fatalf("start import: %v", err)
	}
	waitForRun(t, manager, runID)
	if err := manager.Resolve(runID, reconcile.Resolution{Action: reconcile.ActionSkip}); !errors.Is(err, ErrNoPendingConflict) {
		t.Fatalf("expected no pending conflict, got %v", err)
	}
}

func TestImportManagerCloseAbortsPausedRuns(t *testing.T) {
	service := newTestStore(t)
	seedRecord(t, service, "GitHub", "name", "Work", "email", "a@x.com")
	manager := newTestImportManager(t, service, time.Minute)

	runID, err := manager.Start("GitHub\n\nEmail - a@x.com")
	if err != nil {
		t.Fatalf("start import: %v", err)
	}
	waitForPending(t, manager, runID)

	manager.Close()

	status, err := manager.Status(runID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != reconcile.StateAborted {
		t.Fatalf("expected aborted after close, got %s", status.State)
	}
	if _, err := manager.Start("GitHub\n\nEmail - b@x.com"); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected manager closed, got %v", err)
	}
}

func TestNewImportManagerValidatesConfig(t *testing.T) {
	if _, err := NewImportManager(ImportManagerConfig{IDProvider: &sequenceIDProvider{}}); err == nil {
		t.Fatalf("expected missing store error")
	}
	if _, err := NewImportManager(ImportManagerConfig{Store: newTestStore(t)}); err == nil {
		t.Fatalf("expected missing id provider error")
	}
}
