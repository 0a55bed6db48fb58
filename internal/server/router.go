// Package server exposes open documents over HTTP: record reads and writes, snapshots,
// change feeds, a realtime event stream, and Prometheus metrics.
package server

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/recordstore/internal/documents"
	"github.com/MarcoPoloResearchLab/recordstore/internal/migrations"
	"github.com/MarcoPoloResearchLab/recordstore/internal/records"
	"github.com/MarcoPoloResearchLab/recordstore/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const subjectContextKey = "recordstore_subject"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingDocuments     = errors.New("document registry dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type TokenManager interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Documents    *documents.Registry
	TokenManager TokenManager
	Realtime     *RealtimeDispatcher
	// MetricsHandler serves /metrics; defaults to the global Prometheus registry.
	MetricsHandler http.Handler
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Documents == nil {
		return nil, errMissingDocuments
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Realtime
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		documents: deps.Documents,
		tokens:    deps.TokenManager,
		realtime:  dispatcher,
		feeds:     newDocumentFeeds(dispatcher, logger),
		logger:    logger,
	}

	router.GET("/metrics", gin.WrapH(metricsHandler))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/documents/:id/records", handler.handleListRecords)
	protected.GET("/documents/:id/snapshot", handler.handleGetSnapshot)
	protected.GET("/documents/:id/changes", handler.handleChanges)
	protected.GET("/documents/:id/stream", handler.handleStream)
	protected.PUT("/documents/:id/snapshot", handler.handleLoadSnapshot)
	protected.POST("/documents/:id/records", handler.handlePutRecords)
	protected.DELETE("/documents/:id/records/:recordId", handler.handleRemoveRecord)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		config.AllowOrigins = allowedOrigins
	} else {
		config.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(config)
}

type httpHandler struct {
	documents *documents.Registry
	tokens    TokenManager
	realtime  *RealtimeDispatcher
	feeds     *documentFeeds
	logger    *zap.Logger
}

type updatePayload struct {
	From records.Record `json:"from"`
	To   records.Record `json:"to"`
}

type changePayload struct {
	Added   []records.Record `json:"added"`
	Updated []updatePayload  `json:"updated"`
	Removed []records.Record `json:"removed"`
}

func newChangePayload(diff records.Diff) changePayload {
	payload := changePayload{
		Added:   make([]records.Record, 0, len(diff.Added)),
		Updated: make([]updatePayload, 0, len(diff.Updated)),
		Removed: make([]records.Record, 0, len(diff.Removed)),
	}
	for _, record := range diff.Added {
		payload.Added = append(payload.Added, record)
	}
	for _, update := range diff.Updated {
		payload.Updated = append(payload.Updated, updatePayload{From: update.From, To: update.To})
	}
	for _, record := range diff.Removed {
		payload.Removed = append(payload.Removed, record)
	}
	records.SortRecords(payload.Added)
	records.SortRecords(payload.Removed)
	sortUpdates(payload.Updated)
	return payload
}

func sortUpdates(updates []updatePayload) {
	sort.Slice(updates, func(i, j int) bool { return updates[i].To.ID < updates[j].To.ID })
}

type entryPayload struct {
	Epoch   uint64        `json:"epoch"`
	Source  string        `json:"source"`
	Changes changePayload `json:"changes"`
}

type changesResponsePayload struct {
	Epoch   uint64         `json:"epoch"`
	Reset   bool           `json:"reset"`
	Entries []entryPayload `json:"entries,omitempty"`
}

type putRecordsPayload struct {
	Records []records.Record `json:"records"`
}

type mutationResponsePayload struct {
	Epoch uint64 `json:"epoch"`
}

func (h *httpHandler) openDocument(c *gin.Context) (*documents.Handle, bool) {
	handle, err := h.documents.Open(c.Request.Context(), c.Param("id"))
	if errors.Is(err, documents.ErrInvalidDocumentID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to open document", zap.String("document_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "document_unavailable"})
		return nil, false
	}
	return handle, true
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	scope, err := records.ParseScope(c.Query("scope"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
		return
	}
	handle, ok := h.openDocument(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": handle.Store().Serialize(scope)})
}

func (h *httpHandler) handleGetSnapshot(c *gin.Context) {
	handle, ok := h.openDocument(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, handle.GetSnapshot(records.ScopeAll))
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}
	handle, ok := h.openDocument(c)
	if !ok {
		return
	}
	documentStore := handle.Store()
	epoch := documentStore.Epoch()
	entries, retained := documentStore.HistorySince(since)
	// A client ahead of the store saw an earlier incarnation of the document.
	if !retained || since > epoch {
		c.JSON(http.StatusOK, changesResponsePayload{Epoch: epoch, Reset: true})
		return
	}
	response := changesResponsePayload{Epoch: epoch, Entries: make([]entryPayload, 0, len(entries))}
	for _, entry := range entries {
		if entry.Epoch > response.Epoch {
			response.Epoch = entry.Epoch
		}
		response.Entries = append(response.Entries, entryPayload{
			Epoch:   entry.Epoch,
			Source:  string(entry.Source),
			Changes: newChangePayload(entry.Diff),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleLoadSnapshot(c *gin.Context) {
	var snapshot store.Snapshot
	if err := c.ShouldBindJSON(&snapshot); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	handle, ok := h.openDocument(c)
	if !ok {
		return
	}
	var epoch uint64
	err := handle.Mutate(func(s *store.Store) error {
		if err := s.LoadSnapshot(snapshot); err != nil {
			return err
		}
		epoch = s.Epoch()
		return nil
	})
	if err != nil {
		status, code := classifySnapshotError(err)
		h.logger.Warn("snapshot rejected",
			zap.String("document_id", handle.ID()),
			zap.String("subject", c.GetString(subjectContextKey)),
			zap.Error(err))
		c.JSON(status, gin.H{"error": code, "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, mutationResponsePayload{Epoch: epoch})
}

func classifySnapshotError(err error) (int, string) {
	switch {
	case errors.Is(err, migrations.ErrTargetVersionTooOld):
		return http.StatusBadRequest, "target_version_too_old"
	case errors.Is(err, migrations.ErrMigrationFailure):
		return http.StatusBadRequest, "migration_failed"
	case errors.Is(err, migrations.ErrIncompatibleSchema):
		return http.StatusBadRequest, "incompatible_schema"
	case errors.Is(err, records.ErrSchemaMismatch):
		return http.StatusBadRequest, "schema_mismatch"
	case errors.Is(err, records.ErrInvalidRecord):
		return http.StatusBadRequest, "invalid_record"
	default:
		return http.StatusInternalServerError, "load_failed"
	}
}

func (h *httpHandler) handlePutRecords(c *gin.Context) {
	var request putRecordsPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Records) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	handle, ok := h.openDocument(c)
	if !ok {
		return
	}
	var epoch uint64
	err := handle.Mutate(func(s *store.Store) error {
		if err := s.Put(request.Records...); err != nil {
			return err
		}
		epoch = s.Epoch()
		return nil
	})
	if errors.Is(err, records.ErrInvalidRecord) || errors.Is(err, records.ErrSchemaMismatch) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_record", "detail": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("failed to put records", zap.String("document_id", handle.ID()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "put_failed"})
		return
	}
	c.JSON(http.StatusOK, mutationResponsePayload{Epoch: epoch})
}

func (h *httpHandler) handleRemoveRecord(c *gin.Context) {
	recordID := records.ID(strings.TrimSpace(c.Param("recordId")))
	if recordID.TypeName() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record_id"})
		return
	}
	handle, ok := h.openDocument(c)
	if !ok {
		return
	}
	var epoch uint64
	_ = handle.Mutate(func(s *store.Store) error {
		s.Remove(recordID)
		epoch = s.Epoch()
		return nil
	})
	c.JSON(http.StatusOK, mutationResponsePayload{Epoch: epoch})
}

func (h *httpHandler) handleStream(c *gin.Context) {
	handle, ok := h.openDocument(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, handle.ID())
	h.feeds.ensure(handle)
	defer func() {
		cleanup()
		h.feeds.release(handle.ID())
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, gin.H{
				"documentId": message.DocumentID,
				"epoch":      message.Epoch,
				"source":     string(message.Source),
				"changes":    message.Changes,
				"timestamp":  message.Timestamp.Unix(),
			})
			c.Writer.Flush()
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC().Unix()})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

// documentFeeds keeps one store listener per streamed document, publishing its changes to
// the realtime dispatcher while at least one stream is subscribed.
type documentFeeds struct {
	mu         sync.Mutex
	dispatcher *RealtimeDispatcher
	feeds      map[string]documentFeed
	logger     *zap.Logger
}

type documentFeed struct {
	handle      *documents.Handle
	unsubscribe func()
}

func newDocumentFeeds(dispatcher *RealtimeDispatcher, logger *zap.Logger) *documentFeeds {
	return &documentFeeds{dispatcher: dispatcher, feeds: make(map[string]documentFeed), logger: logger}
}

func (f *documentFeeds) ensure(handle *documents.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	documentID := handle.ID()
	if existing, ok := f.feeds[documentID]; ok {
		if existing.handle == handle {
			return
		}
		// The document was closed and reopened under the same id.
		existing.unsubscribe()
	}
	unsubscribe := handle.Store().Listen(func(change store.Change) {
		f.dispatcher.Publish(RealtimeMessage{
			DocumentID: documentID,
			EventType:  RealtimeEventRecordsChanged,
			Epoch:      change.Epoch,
			Source:     change.Source,
			Changes:    newChangePayload(change.Changes),
			Timestamp:  time.Now().UTC(),
		})
	}, store.ListenerFilter{})
	f.feeds[documentID] = documentFeed{handle: handle, unsubscribe: unsubscribe}
	f.logger.Debug("document feed attached", zap.String("document_id", documentID))
}

func (f *documentFeeds) release(documentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatcher.SubscriberCount(documentID) > 0 {
		return
	}
	if feed, ok := f.feeds[documentID]; ok {
		feed.unsubscribe()
		delete(f.feeds, documentID)
		f.logger.Debug("document feed detached", zap.String("document_id", documentID))
	}
}
