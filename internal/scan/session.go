package scan

import (
	"context"
	"errors"
	"sync"

	"github.com/fieldday/tripledger/internal/ledger"
	"go.uber.org/zap"
)

var (
	// ErrSessionPaused indicates a scan arrived while the previous result was
	// still being displayed; the caller must Resume first.
	ErrSessionPaused = errors.New("scan: session paused")
	// ErrSessionNotStarted indicates an operation before Start.
	ErrSessionNotStarted = errors.New("scan: session not started")
	// ErrStudentNotInSession indicates a manual mark for a student outside the roster.
	ErrStudentNotInSession = errors.New("scan: student not in session roster")

	errMissingResolver = errors.New("resolver dependency is required")
	errMissingMachine  = errors.New("checkpoint machine dependency is required")
)

// SessionStore is the slice of the ledger a session reads and appends to.
type SessionStore interface {
	EventsFor(ctx context.Context, checkpointID ledger.CheckpointID) ([]ledger.AttendanceEvent, error)
	RecordEvent(ctx context.Context, draft ledger.EventDraft) (ledger.AttendanceEvent, error)
}

// Lifecycle is the slice of the checkpoint state machine a session drives.
type Lifecycle interface {
	Status(ctx context.Context, tripID ledger.TripID, checkpointID ledger.CheckpointID) (ledger.CheckpointStatus, error)
	EnsureActive(ctx context.Context, tripID ledger.TripID, checkpointID ledger.CheckpointID) error
	Close(ctx context.Context, tripID ledger.TripID, checkpointID ledger.CheckpointID) error
}

// SessionConfig carries the dependencies of a Session.
type SessionConfig struct {
	Store          SessionStore
	Resolver       *Resolver
	Machine        Lifecycle
	IDProvider     IDProvider
	TripID         ledger.TripID
	CheckpointID   ledger.CheckpointID
	RadioAvailable bool
	Logger         *zap.Logger
}

// Session orchestrates one checkpoint's live attendance loop: it consumes
// resolver results, applies duplicate detection, triggers checkpoint
// activation, maintains the present/missing projections and supports manual
// marking. Projections are owned exclusively by the session and discarded
// with it; they can be rebuilt from the ledger at any time.
type Session struct {
	store          SessionStore
	resolver       *Resolver
	machine        Lifecycle
	idProvider     IDProvider
	tripID         ledger.TripID
	checkpointID   ledger.CheckpointID
	radioAvailable bool
	logger         *zap.Logger

	mu         sync.Mutex
	started    bool
	paused     bool
	status     ledger.CheckpointStatus
	students   []ledger.StudentRecord
	events     []ledger.AttendanceEvent
	projection Projection
	lastResult *Result
	lastErr    error
}

// NewSession validates the configuration and returns a Session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	if cfg.Machine == nil {
		return nil, errMissingMachine
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Session{
		store:          cfg.Store,
		resolver:       cfg.Resolver,
		machine:        cfg.Machine,
		idProvider:     cfg.IDProvider,
		tripID:         cfg.TripID,
		checkpointID:   cfg.CheckpointID,
		radioAvailable: cfg.RadioAvailable,
		logger:         logger,
	}, nil
}

// Start loads the checkpoint's current status and prior events, then builds
// the initial present/missing projections for the given roster.
func (s *Session) Start(ctx context.Context, students []ledger.StudentRecord) error {
	status, err := s.machine.Status(ctx, s.tripID, s.checkpointID)
	if err != nil {
		return err
	}

	events, err := s.store.EventsFor(ctx, s.checkpointID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.paused = false
	s.status = status
	s.students = students
	s.events = events
	s.projection = project(events, students)
	s.lastResult = nil
	s.lastErr = nil

	s.logger.Info("scan session started",
		zap.String("trip_id", s.tripID.String()),
		zap.String("checkpoint_id", s.checkpointID.String()),
		zap.String("status", string(status)),
		zap.Int("roster", len(students)),
		zap.Int("prior_events", len(events)))
	return nil
}

// OnScan processes one raw detection. While the session is paused, further
// detections are rejected untouched; this gate is what serializes
// back-to-back scans of the same badge so they cannot race on the sequence
// number. A successful non-duplicate scan updates the projections and fires
// the DRAFT to ACTIVE transition; a duplicate only updates the displayed
// result; an error mutates nothing.
func (s *Session) OnScan(ctx context.Context, input Input) (Result, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return Result{}, ErrSessionNotStarted
	}
	if s.paused {
		s.mu.Unlock()
		return Result{}, ErrSessionPaused
	}
	s.paused = true
	s.mu.Unlock()

	result, err := s.resolver.Resolve(ctx, input, s.tripID, s.checkpointID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.lastResult = nil
		s.lastErr = err
		return Result{}, err
	}

	s.applyResult(ctx, result)
	return result, nil
}

// Resume clears the pause gate and the last displayed result, returning the
// session to a ready-to-scan state.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.lastResult = nil
	s.lastErr = nil
}

// MarkManually records a MANUAL presence event with a mandatory
// justification. The event is always persisted, even for an already-present
// student, producing a second audit row; the projections and counters only
// move the first time the student transitions from missing to present.
func (s *Session) MarkManually(ctx context.Context, studentID ledger.StudentID, justification ledger.Justification, comment string) (Result, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return Result{}, ErrSessionNotStarted
	}
	var student *ledger.StudentRecord
	for i := range s.students {
		if s.students[i].StudentID == studentID.String() {
			student = &s.students[i]
			break
		}
	}
	s.mu.Unlock()

	if student == nil {
		return Result{}, ErrStudentNotInSession
	}
	if _, err := ledger.ParseJustification(string(justification)); err != nil {
		return Result{}, err
	}

	eventID, err := s.idProvider.NewID()
	if err != nil {
		return Result{}, err
	}

	event, err := s.store.RecordEvent(ctx, ledger.EventDraft{
		EventID:       eventID,
		TripID:        s.tripID,
		CheckpointID:  s.checkpointID,
		StudentID:     studentID,
		Method:        ledger.ScanMethodManual,
		IsManual:      true,
		Justification: justification,
		Comment:       comment,
	})
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Student:           *student,
		Method:            ledger.ScanMethodManual,
		Duplicate:         event.ScanSequence > 1,
		ScanSequence:      event.ScanSequence,
		ObservedAtSeconds: event.ObservedAtSeconds,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyEvent(ctx, event, result)
	return result, nil
}

// Close delegates the ACTIVE to CLOSED transition to the state machine and
// caches the new status. No presence events may be accepted afterward; the
// surrounding screen enforces that guard.
func (s *Session) Close(ctx context.Context) error {
	if err := s.machine.Close(ctx, s.tripID, s.checkpointID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = ledger.CheckpointStatusClosed
	return nil
}

// Present returns the students observed at least once, most recent first.
func (s *Session) Present() []Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Observation, len(s.projection.Present))
	copy(out, s.projection.Present)
	return out
}

// Missing returns the complement of Present, ordered by family name.
func (s *Session) Missing() []ledger.StudentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.StudentRecord, len(s.projection.Missing))
	copy(out, s.projection.Missing)
	return out
}

// PresentCount returns the number of distinct students observed so far.
func (s *Session) PresentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.projection.Present)
}

// Status returns the session's cached checkpoint status.
func (s *Session) Status() ledger.CheckpointStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Paused reports whether the session is waiting for Resume.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// RadioAvailable reports whether near-field scanning is usable on this
// device. When false the session degrades to camera-only input.
func (s *Session) RadioAvailable() bool {
	return s.radioAvailable
}

// LastResult returns the result currently displayed to the operator, if any.
func (s *Session) LastResult() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastResult == nil {
		return Result{}, false
	}
	return *s.lastResult, true
}

// LastError returns the failure currently displayed to the operator, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// applyResult folds a resolver result into session state. Caller holds the lock.
func (s *Session) applyResult(ctx context.Context, result Result) {
	event := ledger.AttendanceEvent{
		TripID:            s.tripID.String(),
		CheckpointID:      s.checkpointID.String(),
		StudentID:         result.Student.StudentID,
		Method:            result.Method,
		ObservedAtSeconds: result.ObservedAtSeconds,
		ScanSequence:      result.ScanSequence,
	}
	s.applyEvent(ctx, event, result)
}

// applyEvent refreshes the in-memory event log and projection after an event
// was persisted, and fires checkpoint activation on the first non-duplicate
// observation. Caller holds the lock.
func (s *Session) applyEvent(ctx context.Context, event ledger.AttendanceEvent, result Result) {
	if events, err := s.store.EventsFor(ctx, s.checkpointID); err == nil {
		s.events = events
	} else {
		s.events = append(s.events, event)
	}
	s.projection = project(s.events, s.students)
	s.lastResult = &result
	s.lastErr = nil

	if !result.Duplicate {
		if err := s.machine.EnsureActive(ctx, s.tripID, s.checkpointID); err != nil {
			s.logger.Warn("checkpoint activation failed",
				zap.String("checkpoint_id", s.checkpointID.String()),
				zap.Error(err))
		} else if s.status == ledger.CheckpointStatusDraft {
			s.status = ledger.CheckpointStatusActive
		}
	}
}
