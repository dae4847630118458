package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/identity"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/ranking"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/store"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/transfer"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxImportBytes = 8 << 20

var (
	errMissingStore         = errors.New("store dependency required")
	errMissingImportManager = errors.New("import manager dependency required")
)

// VaultStore is the query and mutation surface the HTTP API needs.
type VaultStore interface {
	reconcile.Store
	GetCollection(ctx context.Context, key string) (vault.Collection, error)
	ListCollections(ctx context.Context) ([]vault.Collection, error)
	Bundles(ctx context.Context) ([]vault.Bundle, error)
}

type Dependencies struct {
	Store             VaultStore
	Imports           *ImportManager
	Resolver          *identity.Resolver
	Search            ranking.SearchOptions
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Imports == nil {
		return nil, errMissingImportManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = identity.NewResolver(nil)
	}
	search := deps.Search
	if search.Weights == nil {
		search = ranking.DefaultSearchOptions()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		store:     deps.Store,
		imports:   deps.Imports,
		resolver:  resolver,
		search:    search,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/collections", handler.handleListCollections)
	router.GET("/collections/suggest", handler.handleSuggestCollections)
	router.GET("/collections/:key/records", handler.handleListRecords)
	router.GET("/identities/connections", handler.handleConnections)
	router.GET("/identities/linked", handler.handleLinked)
	router.POST("/imports", handler.handleStartImport)
	router.GET("/imports/:id", handler.handleImportStatus)
	router.GET("/imports/:id/events", handler.handleImportEvents)
	router.POST("/imports/:id/resolution", handler.handleImportResolution)
	router.GET("/export", handler.handleExport)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(started)))
	}
}

type httpHandler struct {
	store     VaultStore
	imports   *ImportManager
	resolver  *identity.Resolver
	search    ranking.SearchOptions
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListCollections(c *gin.Context) {
	option, err := ranking.ParseSortOption(c.Query("sort"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sort"})
		return
	}
	collections, err := h.store.ListCollections(c.Request.Context())
	if err != nil {
		h.respondStoreError(c, "list collections", err)
		return
	}
	sorted, err := ranking.SortCollections(collections, option)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sort"})
		return
	}
	response := make([]collectionPayload, 0, len(sorted))
	for _, collection := range sorted {
		response = append(response, newCollectionPayload(collection))
	}
	c.JSON(http.StatusOK, gin.H{"collections": response})
}

func (h *httpHandler) handleSuggestCollections(c *gin.Context) {
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_name"})
		return
	}
	collections, err := h.store.ListCollections(c.Request.Context())
	if err != nil {
		h.respondStoreError(c, "suggest collections", err)
		return
	}
	ranked := ranking.SuggestCollections(collections, name, h.search.MaxDistance)
	response := make([]suggestionPayload, 0, len(ranked))
	for _, entry := range ranked {
		response = append(response, suggestionPayload{
			Key:   entry.Item.Key,
			Name:  entry.Item.Name,
			Score: entry.Score,
		})
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": response})
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	ctx := c.Request.Context()
	collection, err := h.store.GetCollection(ctx, c.Param("key"))
	if err != nil {
		h.respondStoreError(c, "get collection", err)
		return
	}
	records, err := h.store.ListRecords(ctx, collection.Key)
	if err != nil {
		h.respondStoreError(c, "list records", err)
		return
	}

	response := recordsResponsePayload{Collection: newCollectionPayload(collection)}
	if query := strings.TrimSpace(c.Query("q")); query != "" {
		response.Records = newRankedRecordPayloads(ranking.RankRecordsBySearch(records, query, h.search))
		c.JSON(http.StatusOK, response)
		return
	}

	option, err := ranking.ParseSortOption(c.Query("sort"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sort"})
		return
	}
	sorted, err := ranking.SortRecords(records, option)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sort"})
		return
	}
	response.Records = make([]recordPayload, 0, len(sorted))
	for _, record := range sorted {
		response.Records = append(response.Records, newRecordPayload(record))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleConnections(c *gin.Context) {
	identifier := strings.TrimSpace(c.Query("identifier"))
	if identifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_identifier"})
		return
	}
	bundles, err := h.store.Bundles(c.Request.Context())
	if err != nil {
		h.respondStoreError(c, "load bundles", err)
		return
	}
	pin := identity.Pin{
		CollectionKey: strings.TrimSpace(c.Query("pin_collection")),
		RecordID:      strings.TrimSpace(c.Query("pin_record")),
	}
	accounts := h.resolver.FindConnectedAccounts(bundles, identifier, pin)
	c.JSON(http.StatusOK, newConnectionsPayload(accounts))
}

func (h *httpHandler) handleLinked(c *gin.Context) {
	identifier := strings.TrimSpace(c.Query("identifier"))
	if identifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_identifier"})
		return
	}
	bundles, err := h.store.Bundles(c.Request.Context())
	if err != nil {
		h.respondStoreError(c, "load bundles", err)
		return
	}
	count := h.resolver.CountLinkedCollections(bundles, identifier, strings.TrimSpace(c.Query("exclude")))
	c.JSON(http.StatusOK, gin.H{"identifier": identifier, "linked_collections": count})
}

func (h *httpHandler) handleStartImport(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxImportBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "import_too_large"})
		return
	}
	if strings.TrimSpace(string(body)) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_import"})
		return
	}
	runID, err := h.imports.Start(string(body))
	if err != nil {
		if errors.Is(err, ErrManagerClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down"})
			return
		}
		h.logger.Error("failed to start import", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "import_start_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func (h *httpHandler) handleImportStatus(c *gin.Context) {
	status, err := h.imports.Status(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run_not_found"})
		return
	}
	c.JSON(http.StatusOK, newRunStatusPayload(status))
}

func (h *httpHandler) handleImportResolution(c *gin.Context) {
	var request resolutionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.imports.Resolve(c.Param("id"), reconcile.Resolution{
		Action:     reconcile.Action(request.Action),
		ApplyToAll: request.ApplyToAll,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	case errors.Is(err, reconcile.ErrInvalidAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action"})
	case errors.Is(err, ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run_not_found"})
	case errors.Is(err, ErrNoPendingConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "no_pending_conflict"})
	default:
		h.logger.Error("failed to resolve conflict", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolution_failed"})
	}
}

// handleImportEvents streams run events as Server-Sent Events. The stream
// opens with the current status and closes after the terminal event.
func (h *httpHandler) handleImportEvents(c *gin.Context) {
	runID := c.Param("id")
	if _, err := h.imports.Status(runID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run_not_found"})
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.imports.Dispatcher().Subscribe(ctx, runID)
	defer cleanup()
	done, err := h.imports.Done(runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run_not_found"})
		return
	}
	status, err := h.imports.Status(runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run_not_found"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent(runEventStatus, newRunStatusPayload(status))
	c.Writer.Flush()
	if status.Finished() {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, newRunEventPayload(message))
			return !isTerminalEvent(message.EventType)
		case <-done:
			h.drainRunEvents(c, runID, stream)
			return false
		case <-ticker.C:
			c.SSEvent(runEventHeartbeat, gin.H{"source": runEventSource})
			return true
		}
	})
}

// drainRunEvents forwards buffered events after a run stops and ends with
// the final status when the terminal event was dropped.
func (h *httpHandler) drainRunEvents(c *gin.Context, runID string, stream <-chan RunMessage) {
	for {
		select {
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, newRunEventPayload(message))
			if isTerminalEvent(message.EventType) {
				return
			}
		default:
			if status, err := h.imports.Status(runID); err == nil {
				c.SSEvent(runEventStatus, newRunStatusPayload(status))
			}
			return
		}
	}
}

func isTerminalEvent(eventType string) bool {
	return eventType == string(reconcile.StateDone) || eventType == string(reconcile.StateAborted)
}

func (h *httpHandler) handleExport(c *gin.Context) {
	bundles, err := h.store.Bundles(c.Request.Context())
	if err != nil {
		h.respondStoreError(c, "export", err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="vault.txt"`)
	c.String(http.StatusOK, transfer.Serialize(bundles))
}

func (h *httpHandler) respondStoreError(c *gin.Context, action string, err error) {
	switch {
	case errors.Is(err, store.ErrCollectionNotFound), errors.Is(err, store.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": errorCode(err)})
	case errors.Is(err, vault.ErrInvalidCollectionKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCode(err)})
	default:
		h.logger.Error("store request failed", zap.String("action", action), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCode(err)})
	}
}

type codedError interface {
	Code() string
}

// errorCode returns the stable code carried by a service error, or the
// error text when none is present.
func errorCode(err error) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return err.Error()
}
