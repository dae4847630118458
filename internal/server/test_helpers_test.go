package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/database"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/identity"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/store"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("run-%d", p.next), nil
}

func newTestStore(t *testing.T) *store.Service {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "vault.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	service, err := store.NewService(store.ServiceConfig{
		Database:   db,
		IDProvider: store.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return service
}

func seedRecord(t *testing.T, service *store.Service, collectionName string, pairs ...string) vault.Record {
	t.Helper()
	ctx := context.Background()
	var fields vault.Fields
	for index := 0; index+1 < len(pairs); index += 2 {
		fields = fields.Set(pairs[index], pairs[index+1])
	}
	collection, err := service.EnsureCollection(ctx, collectionName)
	if err != nil {
		t.Fatalf("ensure collection: %v", err)
	}
	if err := service.SetSchema(ctx, collection.Key, vault.MergeSchema(collection.Schema, fields)); err != nil {
		t.Fatalf("set schema: %v", err)
	}
	record, err := service.CreateRecord(ctx, vault.Record{
		CollectionKey:  collection.Key,
		CollectionName: collection.Name,
		Fields:         fields,
	})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	return record
}

func newTestImportManager(t *testing.T, service *store.Service, timeout time.Duration) *ImportManager {
	t.Helper()
	manager, err := NewImportManager(ImportManagerConfig{
		Store:           service,
		Resolver:        identity.NewResolver(nil),
		Locker:          reconcile.NewKeyedLocker(),
		IDProvider:      &sequenceIDProvider{},
		DecisionTimeout: timeout,
	})
	if err != nil {
		t.Fatalf("failed to construct import manager: %v", err)
	}
	t.Cleanup(manager.Close)
	return manager
}

func newTestHandler(t *testing.T, service *store.Service, manager *ImportManager) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Store:             service,
		Imports:           manager,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return handler
}

func waitForPending(t *testing.T, manager *ImportManager, runID string) RunStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := manager.Status(runID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if status.Pending != nil {
			return status
		}
		if status.Finished() {
			t.Fatalf("run finished before a conflict was raised: %+v", status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for pending conflict")
	return RunStatus{}
}

func waitForRun(t *testing.T, manager *ImportManager, runID string) RunStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := manager.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("wait for run: %v", err)
	}
	return status
}
