package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FreshnessTTL bounds how long a cached bundle may be used for field work
// without a re-download.
const FreshnessTTL = 7 * 24 * time.Hour

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrTokenNotFound indicates that no active assignment matches a token UID.
	ErrTokenNotFound = errors.New("ledger: token not found")
	// ErrTripNotCached indicates that no snapshot exists for a trip.
	ErrTripNotCached = errors.New("ledger: trip not cached")
)

// StoreError wraps a ledger failure with an operation.reason code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable operation.reason code.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew            = "ledger.store.new"
	opReplaceBundle       = "ledger.replace_bundle"
	opIsFresh             = "ledger.is_fresh"
	opResolveToken        = "ledger.resolve_token"
	opRecordEvent         = "ledger.record_event"
	opEventsFor           = "ledger.events_for"
	opPendingEvents       = "ledger.pending_events"
	opMarkSynchronized    = "ledger.mark_synchronized"
	opCreateCheckpoint    = "ledger.create_checkpoint"
	opSetCheckpointStatus = "ledger.set_checkpoint_status"
	opCheckpointStatus    = "ledger.checkpoint_status"
	opCheckpointsFor      = "ledger.checkpoints_for"
	opStudentsFor         = "ledger.students_for"
	opTripSnapshot        = "ledger.trip_snapshot"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig carries the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable on-device ledger: the sole source of truth while
// offline. All mutation of persisted state goes through its methods, each of
// which is a short self-contained transaction.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// ReplaceBundle atomically swaps the cached snapshot of one trip: the trip
// row, its students and its checkpoints are deleted and re-inserted from the
// bundle inside a single transaction, and the freshness timestamp is reset.
// Attendance events are never touched, so presence history survives
// re-downloads. Locally created checkpoints that were never pushed upstream
// are overwritten by the server's set.
func (s *Store) ReplaceBundle(ctx context.Context, bundle Bundle) error {
	downloadedAt := s.clock().UTC().Unix()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tripID := bundle.TripID.String()

		if err := tx.Where("trip_id = ?", tripID).Delete(&StudentRecord{}).Error; err != nil {
			return newStoreError(opReplaceBundle, "student_delete_failed", err)
		}
		if err := tx.Where("trip_id = ?", tripID).Delete(&CheckpointRecord{}).Error; err != nil {
			return newStoreError(opReplaceBundle, "checkpoint_delete_failed", err)
		}
		if err := tx.Where("trip_id = ?", tripID).Delete(&TripSnapshot{}).Error; err != nil {
			return newStoreError(opReplaceBundle, "trip_delete_failed", err)
		}

		snapshot := TripSnapshot{
			TripID:              tripID,
			Destination:         bundle.Destination,
			DateSeconds:         bundle.DateSeconds,
			Description:         bundle.Description,
			Status:              bundle.Status,
			DownloadedAtSeconds: downloadedAt,
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			return newStoreError(opReplaceBundle, "trip_insert_failed", err)
		}

		for _, student := range bundle.Students {
			record := StudentRecord{
				StudentID:      student.StudentID.String(),
				TripID:         tripID,
				FirstName:      student.FirstName,
				LastName:       student.LastName,
				TokenUID:       CanonicalTokenUID(student.TokenUID),
				AssignmentType: student.AssignmentType,
			}
			if err := tx.Create(&record).Error; err != nil {
				return newStoreError(opReplaceBundle, "student_insert_failed", err)
			}
		}

		for _, checkpoint := range bundle.Checkpoints {
			record := CheckpointRecord{
				CheckpointID:  checkpoint.CheckpointID.String(),
				TripID:        tripID,
				Name:          checkpoint.Name,
				SequenceOrder: checkpoint.SequenceOrder,
				Status:        checkpoint.Status,
			}
			if err := tx.Create(&record).Error; err != nil {
				return newStoreError(opReplaceBundle, "checkpoint_insert_failed", err)
			}
		}

		return nil
	})

	if txErr != nil {
		s.logError(opReplaceBundle, "transaction_failed", txErr, zap.String("trip_id", bundle.TripID.String()))
		return txErr
	}

	s.logger.Info("bundle replaced",
		zap.String("trip_id", bundle.TripID.String()),
		zap.Int("students", len(bundle.Students)),
		zap.Int("checkpoints", len(bundle.Checkpoints)))
	return nil
}

// IsFresh reports whether a snapshot exists for the trip and was downloaded
// within the freshness TTL.
func (s *Store) IsFresh(ctx context.Context, tripID TripID) (bool, error) {
	var snapshot TripSnapshot
	err := s.db.WithContext(ctx).Where("trip_id = ?", tripID.String()).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		s.logError(opIsFresh, "query_failed", err, zap.String("trip_id", tripID.String()))
		return false, newStoreError(opIsFresh, "query_failed", err)
	}

	age := s.clock().UTC().Sub(time.Unix(snapshot.DownloadedAtSeconds, 0).UTC())
	return age < FreshnessTTL, nil
}

// TripSnapshotFor returns the cached snapshot row for a trip, or
// ErrTripNotCached when no snapshot exists.
func (s *Store) TripSnapshotFor(ctx context.Context, tripID TripID) (TripSnapshot, error) {
	var snapshot TripSnapshot
	err := s.db.WithContext(ctx).Where("trip_id = ?", tripID.String()).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TripSnapshot{}, newStoreError(opTripSnapshot, "not_cached", ErrTripNotCached)
	}
	if err != nil {
		s.logError(opTripSnapshot, "query_failed", err, zap.String("trip_id", tripID.String()))
		return TripSnapshot{}, newStoreError(opTripSnapshot, "query_failed", err)
	}
	return snapshot, nil
}

// StudentsFor returns the cached students of a trip ordered by family name
// then first name, matching the order the bundle was generated with.
func (s *Store) StudentsFor(ctx context.Context, tripID TripID) ([]StudentRecord, error) {
	var students []StudentRecord
	if err := s.db.WithContext(ctx).
		Where("trip_id = ?", tripID.String()).
		Order("last_name ASC, first_name ASC").
		Find(&students).Error; err != nil {
		s.logError(opStudentsFor, "query_failed", err, zap.String("trip_id", tripID.String()))
		return nil, newStoreError(opStudentsFor, "query_failed", err)
	}
	return students, nil
}

// ResolveToken performs an exact-match lookup of an active assignment's token
// UID scoped to one trip. A miss returns ErrTokenNotFound; ambiguity is
// impossible because the server enforces at most one active assignment per
// student per trip.
func (s *Store) ResolveToken(ctx context.Context, uid TokenUID, tripID TripID) (StudentRecord, error) {
	var student StudentRecord
	err := s.db.WithContext(ctx).
		Where("trip_id = ? AND token_uid = ?", tripID.String(), uid.String()).
		Take(&student).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StudentRecord{}, newStoreError(opResolveToken, "not_found", ErrTokenNotFound)
	}
	if err != nil {
		s.logError(opResolveToken, "query_failed", err,
			zap.String("trip_id", tripID.String()),
			zap.String("token_uid", uid.String()))
		return StudentRecord{}, newStoreError(opResolveToken, "query_failed", err)
	}
	return student, nil
}

// RecordEvent persists a presence observation. The scan sequence is computed
// as 1 + the count of prior events for the (checkpoint, student) pair inside
// the same locking transaction as the insert, so two observations of the same
// badge can never be assigned the same sequence number.
func (s *Store) RecordEvent(ctx context.Context, draft EventDraft) (AttendanceEvent, error) {
	if draft.IsManual && draft.Justification == "" {
		return AttendanceEvent{}, newStoreError(opRecordEvent, "missing_justification", ErrInvalidJustification)
	}

	event := AttendanceEvent{
		EventID:           draft.EventID,
		TripID:            draft.TripID.String(),
		CheckpointID:      draft.CheckpointID.String(),
		StudentID:         draft.StudentID.String(),
		ObservedAtSeconds: s.clock().UTC().Unix(),
		Method:            draft.Method,
		IsManual:          draft.IsManual,
		Justification:     string(draft.Justification),
		Comment:           draft.Comment,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var priorCount int64
		if err := tx.Model(&AttendanceEvent{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("checkpoint_id = ? AND student_id = ?", event.CheckpointID, event.StudentID).
			Count(&priorCount).Error; err != nil {
			return newStoreError(opRecordEvent, "count_failed", err)
		}

		event.ScanSequence = priorCount + 1

		if err := tx.Create(&event).Error; err != nil {
			return newStoreError(opRecordEvent, "insert_failed", err)
		}
		return nil
	})

	if txErr != nil {
		s.logError(opRecordEvent, "transaction_failed", txErr,
			zap.String("checkpoint_id", event.CheckpointID),
			zap.String("student_id", event.StudentID))
		return AttendanceEvent{}, txErr
	}

	return event, nil
}

// EventsFor returns every event recorded against a checkpoint, ascending by
// observation time.
func (s *Store) EventsFor(ctx context.Context, checkpointID CheckpointID) ([]AttendanceEvent, error) {
	var events []AttendanceEvent
	if err := s.db.WithContext(ctx).
		Where("checkpoint_id = ?", checkpointID.String()).
		Order("observed_at_s ASC, scan_sequence ASC").
		Find(&events).Error; err != nil {
		s.logError(opEventsFor, "query_failed", err, zap.String("checkpoint_id", checkpointID.String()))
		return nil, newStoreError(opEventsFor, "query_failed", err)
	}
	return events, nil
}

// PendingEvents returns the backlog of events not yet acknowledged by the
// remote collaborator, oldest first.
func (s *Store) PendingEvents(ctx context.Context) ([]AttendanceEvent, error) {
	var events []AttendanceEvent
	if err := s.db.WithContext(ctx).
		Where("synced_at_s IS NULL").
		Order("observed_at_s ASC").
		Find(&events).Error; err != nil {
		s.logError(opPendingEvents, "query_failed", err)
		return nil, newStoreError(opPendingEvents, "query_failed", err)
	}
	return events, nil
}

// MarkSynchronized stamps a synchronization timestamp on exactly the given
// event ids. Re-marking an already synchronized id is a no-op, so the call is
// idempotent.
func (s *Store) MarkSynchronized(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	syncedAt := s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Model(&AttendanceEvent{}).
		Where("event_id IN ? AND synced_at_s IS NULL", eventIDs).
		Update("synced_at_s", syncedAt).Error; err != nil {
		s.logError(opMarkSynchronized, "update_failed", err, zap.Int("ids", len(eventIDs)))
		return newStoreError(opMarkSynchronized, "update_failed", err)
	}
	return nil
}

// CreateCheckpoint inserts a field-created checkpoint in DRAFT with sequence
// order max+1 for the trip. The max lookup and the insert share one locking
// transaction so two concurrent creations cannot claim the same order.
func (s *Store) CreateCheckpoint(ctx context.Context, tripID TripID, checkpointID CheckpointID, name string) (CheckpointRecord, error) {
	record := CheckpointRecord{
		CheckpointID: checkpointID.String(),
		TripID:       tripID.String(),
		Name:         name,
		Status:       CheckpointStatusDraft,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxOrder int64
		row := tx.Model(&CheckpointRecord{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("trip_id = ?", tripID.String()).
			Select("COALESCE(MAX(sequence_order), 0)").
			Row()
		if err := row.Scan(&maxOrder); err != nil {
			return newStoreError(opCreateCheckpoint, "max_order_failed", err)
		}

		record.SequenceOrder = maxOrder + 1

		if err := tx.Create(&record).Error; err != nil {
			return newStoreError(opCreateCheckpoint, "insert_failed", err)
		}
		return nil
	})

	if txErr != nil {
		s.logError(opCreateCheckpoint, "transaction_failed", txErr, zap.String("trip_id", tripID.String()))
		return CheckpointRecord{}, txErr
	}

	s.logger.Info("checkpoint created locally",
		zap.String("trip_id", tripID.String()),
		zap.String("checkpoint_id", record.CheckpointID),
		zap.Int64("sequence_order", record.SequenceOrder))
	return record, nil
}

// CheckpointsFor returns the cached checkpoints of a trip ascending by
// sequence order.
func (s *Store) CheckpointsFor(ctx context.Context, tripID TripID) ([]CheckpointRecord, error) {
	var checkpoints []CheckpointRecord
	if err := s.db.WithContext(ctx).
		Where("trip_id = ?", tripID.String()).
		Order("sequence_order ASC").
		Find(&checkpoints).Error; err != nil {
		s.logError(opCheckpointsFor, "query_failed", err, zap.String("trip_id", tripID.String()))
		return nil, newStoreError(opCheckpointsFor, "query_failed", err)
	}
	return checkpoints, nil
}

// SetCheckpointStatus writes a checkpoint status unconditionally. Transition
// legality is the state machine's responsibility, not the ledger's.
func (s *Store) SetCheckpointStatus(ctx context.Context, tripID TripID, checkpointID CheckpointID, status CheckpointStatus) error {
	if err := s.db.WithContext(ctx).Model(&CheckpointRecord{}).
		Where("trip_id = ? AND checkpoint_id = ?", tripID.String(), checkpointID.String()).
		Update("status", status).Error; err != nil {
		s.logError(opSetCheckpointStatus, "update_failed", err,
			zap.String("trip_id", tripID.String()),
			zap.String("checkpoint_id", checkpointID.String()))
		return newStoreError(opSetCheckpointStatus, "update_failed", err)
	}
	return nil
}

// CheckpointStatusFor returns the cached status of a checkpoint. A checkpoint
// absent from the cache defaults to ACTIVE so that scanning is never blocked
// by a missing status row; the fallback is logged distinctly so operators can
// tell it apart from a genuine ACTIVE status.
func (s *Store) CheckpointStatusFor(ctx context.Context, tripID TripID, checkpointID CheckpointID) (CheckpointStatus, error) {
	var record CheckpointRecord
	err := s.db.WithContext(ctx).
		Where("trip_id = ? AND checkpoint_id = ?", tripID.String(), checkpointID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn("checkpoint missing from cache, assuming active",
			zap.String("trip_id", tripID.String()),
			zap.String("checkpoint_id", checkpointID.String()))
		return CheckpointStatusActive, nil
	}
	if err != nil {
		s.logError(opCheckpointStatus, "query_failed", err,
			zap.String("trip_id", tripID.String()),
			zap.String("checkpoint_id", checkpointID.String()))
		return "", newStoreError(opCheckpointStatus, "query_failed", err)
	}
	return record.Status, nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("ledger store error", attrs...)
}
