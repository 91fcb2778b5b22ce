package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fieldday/tripledger/internal/bundle"
	"github.com/fieldday/tripledger/internal/checkpoint"
	"github.com/fieldday/tripledger/internal/ledger"
	"github.com/fieldday/tripledger/internal/syncer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingCache    = errors.New("bundle manager dependency required")
	errMissingLedger   = errors.New("ledger store dependency required")
	errMissingMachine  = errors.New("checkpoint machine dependency required")
	errMissingOutbox   = errors.New("sync outbox dependency required")
	errMissingProvider = errors.New("id provider dependency required")
)

// TripCache is the bundle manager surface the handlers consume.
type TripCache interface {
	ListTrips(ctx context.Context) ([]bundle.TripSummary, error)
	Download(ctx context.Context, tripID ledger.TripID) error
	State(tripID ledger.TripID) bundle.DownloadState
	Ready(ctx context.Context, tripID ledger.TripID) (bool, error)
}

// LedgerReader is the ledger surface the handlers consume.
type LedgerReader interface {
	StudentsFor(ctx context.Context, tripID ledger.TripID) ([]ledger.StudentRecord, error)
	CheckpointsFor(ctx context.Context, tripID ledger.TripID) ([]ledger.CheckpointRecord, error)
	CreateCheckpoint(ctx context.Context, tripID ledger.TripID, checkpointID ledger.CheckpointID, name string) (ledger.CheckpointRecord, error)
	EventsFor(ctx context.Context, checkpointID ledger.CheckpointID) ([]ledger.AttendanceEvent, error)
}

// Lifecycle is the checkpoint state machine surface the handlers consume.
type Lifecycle interface {
	Close(ctx context.Context, tripID ledger.TripID, checkpointID ledger.CheckpointID) error
}

// Backlog is the sync outbox surface the handlers consume.
type Backlog interface {
	Pending(ctx context.Context) ([]ledger.AttendanceEvent, error)
	Acknowledge(ctx context.Context, report syncer.Report) error
}

// RemoteCheckpoints announces field-created checkpoints upstream, best effort.
type RemoteCheckpoints interface {
	CreateCheckpoint(ctx context.Context, tripID ledger.TripID, name string) error
}

// IDProvider issues identifiers for field-created checkpoints.
type IDProvider interface {
	NewID() (string, error)
}

// Dependencies carries everything the HTTP surface needs.
type Dependencies struct {
	Cache      TripCache
	Ledger     LedgerReader
	Machine    Lifecycle
	Outbox     Backlog
	Remote     RemoteCheckpoints
	IDProvider IDProvider
	Logger     *zap.Logger
}

// NewHTTPHandler wires the companion API the device UI layer talks to.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Cache == nil {
		return nil, errMissingCache
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}
	if deps.Machine == nil {
		return nil, errMissingMachine
	}
	if deps.Outbox == nil {
		return nil, errMissingOutbox
	}
	if deps.IDProvider == nil {
		return nil, errMissingProvider
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		cache:      deps.Cache,
		ledger:     deps.Ledger,
		machine:    deps.Machine,
		outbox:     deps.Outbox,
		remote:     deps.Remote,
		idProvider: deps.IDProvider,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/trips", handler.handleListTrips)
	router.POST("/trips/:tripID/download", handler.handleDownload)
	router.GET("/trips/:tripID/readiness", handler.handleReadiness)
	router.GET("/trips/:tripID/students", handler.handleStudents)
	router.GET("/trips/:tripID/checkpoints", handler.handleCheckpoints)
	router.POST("/trips/:tripID/checkpoints", handler.handleCreateCheckpoint)
	router.POST("/trips/:tripID/checkpoints/:checkpointID/close", handler.handleCloseCheckpoint)
	router.GET("/trips/:tripID/checkpoints/:checkpointID/events", handler.handleEvents)
	router.GET("/sync/pending", handler.handlePending)
	router.POST("/sync/ack", handler.handleAck)

	return router, nil
}

type httpHandler struct {
	cache      TripCache
	ledger     LedgerReader
	machine    Lifecycle
	outbox     Backlog
	remote     RemoteCheckpoints
	idProvider IDProvider
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type tripSummaryResponse struct {
	ID           string `json:"id"`
	Destination  string `json:"destination"`
	DateSeconds  int64  `json:"date_s"`
	Status       string `json:"status"`
	StudentCount int    `json:"student_count"`
}

func (h *httpHandler) handleListTrips(c *gin.Context) {
	trips, err := h.cache.ListTrips(c.Request.Context())
	if err != nil {
		h.logger.Warn("trip listing failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "remote_unavailable"})
		return
	}

	response := make([]tripSummaryResponse, 0, len(trips))
	for _, trip := range trips {
		response = append(response, tripSummaryResponse{
			ID:           trip.TripID,
			Destination:  trip.Destination,
			DateSeconds:  trip.DateSeconds,
			Status:       trip.Status,
			StudentCount: trip.StudentCount,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) tripID(c *gin.Context) (ledger.TripID, bool) {
	tripID, err := ledger.NewTripID(c.Param("tripID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_trip_id"})
		return "", false
	}
	return tripID, true
}

func (h *httpHandler) checkpointID(c *gin.Context) (ledger.CheckpointID, bool) {
	checkpointID, err := ledger.NewCheckpointID(c.Param("checkpointID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_checkpoint_id"})
		return "", false
	}
	return checkpointID, true
}

type downloadStateResponse struct {
	Status             string `json:"status"`
	Message            string `json:"message,omitempty"`
	CompletedAtSeconds int64  `json:"completed_at_s,omitempty"`
}

func (h *httpHandler) handleDownload(c *gin.Context) {
	tripID, ok := h.tripID(c)
	if !ok {
		return
	}

	err := h.cache.Download(c.Request.Context(), tripID)
	state := h.cache.State(tripID)
	response := downloadStateResponse{
		Status:             string(state.Status),
		Message:            state.Message,
		CompletedAtSeconds: state.CompletedAtSeconds,
	}

	switch {
	case errors.Is(err, bundle.ErrDownloadInProgress):
		c.JSON(http.StatusConflict, response)
	case err != nil:
		c.JSON(http.StatusBadGateway, response)
	default:
		c.JSON(http.StatusOK, response)
	}
}

func (h *httpHandler) handleReadiness(c *gin.Context) {
	tripID, ok := h.tripID(c)
	if !ok {
		return
	}

	ready, err := h.cache.Ready(c.Request.Context(), tripID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "readiness_check_failed"})
		return
	}

	state := h.cache.State(tripID)
	c.JSON(http.StatusOK, gin.H{
		"ready":  ready,
		"status": string(state.Status),
	})
}

type studentResponse struct {
	ID             string `json:"id"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	TokenUID       string `json:"token_uid,omitempty"`
	AssignmentType string `json:"assignment_type,omitempty"`
}

func (h *httpHandler) handleStudents(c *gin.Context) {
	tripID, ok := h.tripID(c)
	if !ok {
		return
	}

	students, err := h.ledger.StudentsFor(c.Request.Context(), tripID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "students_query_failed"})
		return
	}

	response := make([]studentResponse, 0, len(students))
	for _, student := range students {
		response = append(response, studentResponse{
			ID:             student.StudentID,
			FirstName:      student.FirstName,
			LastName:       student.LastName,
			TokenUID:       student.TokenUID,
			AssignmentType: student.AssignmentType,
		})
	}
	c.JSON(http.StatusOK, response)
}

type checkpointResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SequenceOrder int64  `json:"sequence_order"`
	Status        string `json:"status"`
}

func (h *httpHandler) handleCheckpoints(c *gin.Context) {
	tripID, ok := h.tripID(c)
	if !ok {
		return
	}

	checkpoints, err := h.ledger.CheckpointsFor(c.Request.Context(), tripID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkpoints_query_failed"})
		return
	}

	response := make([]checkpointResponse, 0, len(checkpoints))
	for _, record := range checkpoints {
		response = append(response, checkpointResponse{
			ID:            record.CheckpointID,
			Name:          record.Name,
			SequenceOrder: record.SequenceOrder,
			Status:        string(record.Status),
		})
	}
	c.JSON(http.StatusOK, response)
}

type createCheckpointRequest struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleCreateCheckpoint(c *gin.Context) {
	tripID, ok := h.tripID(c)
	if !ok {
		return
	}

	var request createCheckpointRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	rawID, err := h.idProvider.NewID()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "id_generation_failed"})
		return
	}
	checkpointID, err := ledger.NewCheckpointID(rawID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "id_generation_failed"})
		return
	}

	record, err := h.ledger.CreateCheckpoint(c.Request.Context(), tripID, checkpointID, strings.TrimSpace(request.Name))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkpoint_create_failed"})
		return
	}

	// Offline-first: the upstream announcement is best effort and its failure
	// never surfaces to the operator.
	if h.remote != nil {
		if err := h.remote.CreateCheckpoint(c.Request.Context(), tripID, record.Name); err != nil {
			h.logger.Warn("remote checkpoint announcement failed",
				zap.String("trip_id", tripID.String()),
				zap.Error(err))
		}
	}

	c.JSON(http.StatusCreated, checkpointResponse{
		ID:            record.CheckpointID,
		Name:          record.Name,
		SequenceOrder: record.SequenceOrder,
		Status:        string(record.Status),
	})
}

func (h *httpHandler) handleCloseCheckpoint(c *gin.Context) {
	tripID, ok := h.tripID(c)
	if !ok {
		return
	}
	checkpointID, ok := h.checkpointID(c)
	if !ok {
		return
	}

	err := h.machine.Close(c.Request.Context(), tripID, checkpointID)
	switch {
	case errors.Is(err, checkpoint.ErrCheckpointNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "checkpoint_not_active"})
	case errors.Is(err, checkpoint.ErrCheckpointAlreadyClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "checkpoint_already_closed"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkpoint_close_failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": string(ledger.CheckpointStatusClosed)})
	}
}

type eventResponse struct {
	ID                string `json:"id"`
	TripID            string `json:"trip_id"`
	CheckpointID      string `json:"checkpoint_id"`
	StudentID         string `json:"student_id"`
	ObservedAtSeconds int64  `json:"observed_at_s"`
	Method            string `json:"scan_method"`
	ScanSequence      int64  `json:"scan_sequence"`
	IsManual          bool   `json:"is_manual"`
	Justification     string `json:"justification,omitempty"`
	Comment           string `json:"comment,omitempty"`
	SyncedAtSeconds   *int64 `json:"synced_at_s,omitempty"`
}

func toEventResponse(event ledger.AttendanceEvent) eventResponse {
	return eventResponse{
		ID:                event.EventID,
		TripID:            event.TripID,
		CheckpointID:      event.CheckpointID,
		StudentID:         event.StudentID,
		ObservedAtSeconds: event.ObservedAtSeconds,
		Method:            string(event.Method),
		ScanSequence:      event.ScanSequence,
		IsManual:          event.IsManual,
		Justification:     event.Justification,
		Comment:           event.Comment,
		SyncedAtSeconds:   event.SyncedAtSeconds,
	}
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	if _, ok := h.tripID(c); !ok {
		return
	}
	checkpointID, ok := h.checkpointID(c)
	if !ok {
		return
	}

	events, err := h.ledger.EventsFor(c.Request.Context(), checkpointID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "events_query_failed"})
		return
	}

	response := make([]eventResponse, 0, len(events))
	for _, event := range events {
		response = append(response, toEventResponse(event))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePending(c *gin.Context) {
	events, err := h.outbox.Pending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pending_query_failed"})
		return
	}

	response := make([]eventResponse, 0, len(events))
	for _, event := range events {
		response = append(response, toEventResponse(event))
	}
	c.JSON(http.StatusOK, response)
}

type ackRequest struct {
	Accepted  []string `json:"accepted"`
	Duplicate []string `json:"duplicate"`
}

func (h *httpHandler) handleAck(c *gin.Context) {
	var request ackRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	report := syncer.Report{
		Accepted:      request.Accepted,
		Duplicate:     request.Duplicate,
		TotalReceived: len(request.Accepted) + len(request.Duplicate),
		TotalInserted: len(request.Accepted),
	}
	if err := h.outbox.Acknowledge(c.Request.Context(), report); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ack_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"acknowledged": report.TotalReceived,
	})
}
