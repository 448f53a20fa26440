package server

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nuibits/userbase/internal/ledger"
)

const userIDContextKey = "userbase_user_id"

const bundleLockHeader = "X-Bundle-Lock"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingEngine         = errors.New("transaction engine dependency required")
	errMissingReadPath       = errors.New("read path dependency required")
	errMissingBundles        = errors.New("bundle coordinator dependency required")
	errMissingLocks          = errors.New("bundle lock dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns the user id it names.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// TransactionSubmitter is the engine surface the router drives.
type TransactionSubmitter interface {
	Submit(ctx context.Context, req ledger.SubmitRequest) (ledger.SequenceNo, error)
	SubmitBatch(ctx context.Context, reqs []ledger.SubmitRequest) ([]ledger.SequenceNo, error)
}

// LogReader serves tail reads and snapshot downloads.
type LogReader interface {
	QueryTransactionLog(ctx context.Context, userID ledger.UserID) (ledger.LogTail, error)
	QueryDbState(ctx context.Context, userID ledger.UserID, bundleSeqNo ledger.SequenceNo) (ledger.BlobObject, error)
}

// BundleUploader accepts snapshot uploads.
type BundleUploader interface {
	UploadBundle(ctx context.Context, userID ledger.UserID, proposedBundleSeqNo ledger.SequenceNo, lockID string, body io.Reader, contentLength int64, contentType string) error
}

// LockManager grants and releases bundle locks.
type LockManager interface {
	AcquireLock(userID ledger.UserID) (string, bool)
	ReleaseLock(userID ledger.UserID, lockID string) bool
}

// Dependencies wires the HTTP surface onto the engine.
type Dependencies struct {
	Tokens   TokenValidator
	Engine   TransactionSubmitter
	Reads    LogReader
	Bundles  BundleUploader
	Locks    LockManager
	Realtime *RealtimeDispatcher
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router around the engine surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Reads == nil {
		return nil, errMissingReadPath
	}
	if deps.Bundles == nil {
		return nil, errMissingBundles
	}
	if deps.Locks == nil {
		return nil, errMissingLocks
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", bundleLockHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.Tokens,
		engine:   deps.Engine,
		reads:    deps.Reads,
		bundles:  deps.Bundles,
		locks:    deps.Locks,
		realtime: deps.Realtime,
		logger:   logger,
	}

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.POST("/transactions", handler.handleSubmit)
	protected.POST("/transactions/batch", handler.handleSubmitBatch)
	protected.GET("/transactions", handler.handleQueryTransactionLog)
	protected.POST("/bundles/lock", handler.handleAcquireLock)
	protected.DELETE("/bundles/lock", handler.handleReleaseLock)
	protected.PUT("/bundles/:seq", handler.handleUploadBundle)
	protected.GET("/bundles/:seq", handler.handleDownloadBundle)
	protected.GET("/stream", handler.handleStream)

	return router, nil
}

type httpHandler struct {
	tokens   TokenValidator
	engine   TransactionSubmitter
	reads    LogReader
	bundles  BundleUploader
	locks    LockManager
	realtime *RealtimeDispatcher
	logger   *zap.Logger
}

type submitRequestPayload struct {
	ItemID    string `json:"item_id"`
	Command   string `json:"command"`
	RecordB64 string `json:"record_b64"`
}

type submitResponsePayload struct {
	SequenceNo int64 `json:"sequence_no"`
}

type batchRequestPayload struct {
	Operations []submitRequestPayload `json:"operations"`
}

type batchResponsePayload struct {
	SequenceNos []int64 `json:"sequence_nos"`
}

type transactionPayload struct {
	SequenceNo int64  `json:"sequence_no"`
	ItemID     string `json:"item_id"`
	Command    string `json:"command"`
	RecordB64  string `json:"record_b64,omitempty"`
}

type transactionLogPayload struct {
	BundleSeqNo  int64                `json:"bundle_seq_no"`
	Transactions []transactionPayload `json:"transactions"`
}

type lockResponsePayload struct {
	LockID string `json:"lock_id"`
}

type releaseLockRequestPayload struct {
	LockID string `json:"lock_id"`
}

type releaseLockResponsePayload struct {
	Released bool `json:"released"`
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	var request submitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	submitRequest, ok := h.buildSubmitRequest(c, userID, request)
	if !ok {
		return
	}

	sequenceNo, err := h.engine.Submit(c.Request.Context(), submitRequest)
	if err != nil {
		h.respondError(c, err, "submit failed")
		return
	}

	h.publishCommit(userID, []string{submitRequest.ItemID.String()}, []int64{sequenceNo.Int64()})
	c.JSON(http.StatusOK, submitResponsePayload{SequenceNo: sequenceNo.Int64()})
}

func (h *httpHandler) handleSubmitBatch(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	var request batchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Operations) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	submitRequests := make([]ledger.SubmitRequest, 0, len(request.Operations))
	itemIDs := make([]string, 0, len(request.Operations))
	for _, operation := range request.Operations {
		submitRequest, ok := h.buildSubmitRequest(c, userID, operation)
		if !ok {
			return
		}
		submitRequests = append(submitRequests, submitRequest)
		itemIDs = append(itemIDs, submitRequest.ItemID.String())
	}

	sequenceNos, err := h.engine.SubmitBatch(c.Request.Context(), submitRequests)
	if err != nil {
		h.respondError(c, err, "batch submit failed")
		return
	}

	rawSequenceNos := make([]int64, 0, len(sequenceNos))
	for _, sequenceNo := range sequenceNos {
		rawSequenceNos = append(rawSequenceNos, sequenceNo.Int64())
	}
	h.publishCommit(userID, itemIDs, rawSequenceNos)
	c.JSON(http.StatusOK, batchResponsePayload{SequenceNos: rawSequenceNos})
}

func (h *httpHandler) handleQueryTransactionLog(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	tail, err := h.reads.QueryTransactionLog(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err, "transaction log query failed")
		return
	}

	response := transactionLogPayload{
		BundleSeqNo:  tail.BundleSeqNo.Int64(),
		Transactions: make([]transactionPayload, 0, len(tail.Transactions)),
	}
	for _, tx := range tail.Transactions {
		payload := transactionPayload{
			SequenceNo: tx.SequenceNo.Int64(),
			ItemID:     tx.ItemID.String(),
			Command:    string(tx.Command),
		}
		if len(tx.Record) > 0 {
			payload.RecordB64 = base64.StdEncoding.EncodeToString(tx.Record)
		}
		response.Transactions = append(response.Transactions, payload)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleAcquireLock(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	lockID, ok := h.locks.AcquireLock(userID)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "lock_held"})
		return
	}
	c.JSON(http.StatusOK, lockResponsePayload{LockID: lockID})
}

func (h *httpHandler) handleReleaseLock(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	var request releaseLockRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.LockID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	released := h.locks.ReleaseLock(userID, request.LockID)
	c.JSON(http.StatusOK, releaseLockResponsePayload{Released: released})
}

func (h *httpHandler) handleUploadBundle(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	bundleSeqNo, ok := h.bundleSeqParam(c)
	if !ok {
		return
	}
	lockID := strings.TrimSpace(c.GetHeader(bundleLockHeader))
	if lockID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_lock_id"})
		return
	}
	if c.Request.ContentLength < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "length_required"})
		return
	}

	err := h.bundles.UploadBundle(
		c.Request.Context(),
		userID,
		bundleSeqNo,
		lockID,
		c.Request.Body,
		c.Request.ContentLength,
		c.ContentType(),
	)
	if err != nil {
		h.respondError(c, err, "bundle upload failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"bundle_seq_no": bundleSeqNo.Int64()})
}

func (h *httpHandler) handleDownloadBundle(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	bundleSeqNo, ok := h.bundleSeqParam(c)
	if !ok {
		return
	}

	object, err := h.reads.QueryDbState(c.Request.Context(), userID, bundleSeqNo)
	if err != nil {
		h.respondError(c, err, "bundle download failed")
		return
	}
	defer object.Body.Close()

	contentType := object.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, object.ContentLength, contentType, object.Body, nil)
}

func (h *httpHandler) handleStream(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	if h.realtime == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream_unavailable"})
		return
	}

	// Subscribe before the 200 is flushed; a write racing the stream open
	// must already land in the subscriber buffer.
	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), userID.String())
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": time.Now().UTC().Unix()})
			c.Writer.Flush()
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, gin.H{
				"itemIds":     message.ItemIDs,
				"sequenceNos": message.SequenceNos,
			})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for EventSource clients that cannot set
// headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}

func (h *httpHandler) requestUserID(c *gin.Context) (ledger.UserID, bool) {
	raw := c.GetString(userIDContextKey)
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) buildSubmitRequest(c *gin.Context, userID ledger.UserID, payload submitRequestPayload) (ledger.SubmitRequest, bool) {
	itemID, err := ledger.NewItemID(payload.ItemID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return ledger.SubmitRequest{}, false
	}
	command, err := ledger.ParseCommand(payload.Command)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_command"})
		return ledger.SubmitRequest{}, false
	}

	var record []byte
	if payload.RecordB64 != "" {
		record, err = base64.StdEncoding.DecodeString(payload.RecordB64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record"})
			return ledger.SubmitRequest{}, false
		}
	}

	return ledger.SubmitRequest{
		UserID:  userID,
		ItemID:  itemID,
		Command: command,
		Record:  record,
	}, true
}

func (h *httpHandler) bundleSeqParam(c *gin.Context) (ledger.SequenceNo, bool) {
	raw := c.Param("seq")
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bundle_seq_no"})
		return 0, false
	}
	bundleSeqNo, err := ledger.NewSequenceNo(value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bundle_seq_no"})
		return 0, false
	}
	return bundleSeqNo, true
}

func (h *httpHandler) publishCommit(userID ledger.UserID, itemIDs []string, sequenceNos []int64) {
	if h.realtime == nil {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		UserID:      userID.String(),
		EventType:   RealtimeEventTransactionCommitted,
		ItemIDs:     itemIDs,
		SequenceNos: sequenceNos,
		Timestamp:   time.Now().UTC(),
	})
}

func (h *httpHandler) respondError(c *gin.Context, err error, logMessage string) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, ledger.ErrBadInput):
		status = http.StatusBadRequest
		code = "bad_input"
	case errors.Is(err, ledger.ErrUnauthorized):
		status = http.StatusUnauthorized
		code = "unauthorized"
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ledger.ErrTransientWrite):
		status = http.StatusServiceUnavailable
		code = "transient_write_failure"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(logMessage, zap.Error(err))
	} else {
		h.logger.Warn(logMessage, zap.Error(err))
	}

	var serviceError *ledger.Error
	if errors.As(err, &serviceError) {
		c.JSON(status, gin.H{"error": code, "code": serviceError.Code()})
		return
	}
	c.JSON(status, gin.H{"error": code})
}
