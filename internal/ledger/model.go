package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// ScanMethod enumerates how a presence observation was captured.
type ScanMethod string

const (
	// ScanMethodNFCPhysical is a physical NFC bracelet read over the radio.
	ScanMethodNFCPhysical ScanMethod = "NFC_PHYSICAL"
	// ScanMethodQRPhysical is a printed QR badge read by the camera.
	ScanMethodQRPhysical ScanMethod = "QR_PHYSICAL"
	// ScanMethodQRDigital is an emailed QR code read by the camera.
	ScanMethodQRDigital ScanMethod = "QR_DIGITAL"
	// ScanMethodManual is an operator mark without any token.
	ScanMethodManual ScanMethod = "MANUAL"
)

// CheckpointStatus enumerates the checkpoint lifecycle states.
type CheckpointStatus string

const (
	// CheckpointStatusDraft marks a checkpoint that has not recorded any presence yet.
	CheckpointStatusDraft CheckpointStatus = "DRAFT"
	// CheckpointStatusActive marks a checkpoint currently taking attendance.
	CheckpointStatusActive CheckpointStatus = "ACTIVE"
	// CheckpointStatusClosed marks a terminally closed checkpoint.
	CheckpointStatusClosed CheckpointStatus = "CLOSED"
)

// Justification enumerates the fixed vocabulary for manual marks.
type Justification string

const (
	// JustificationBadgeMissing covers a student who lost or forgot the badge.
	JustificationBadgeMissing Justification = "BADGE_MISSING"
	// JustificationBadgeDamaged covers an unreadable badge.
	JustificationBadgeDamaged Justification = "BADGE_DAMAGED"
	// JustificationScannerFailure covers a device-side capture failure.
	JustificationScannerFailure Justification = "SCANNER_FAILURE"
	// JustificationTeacherConfirmation covers presence vouched by a teacher.
	JustificationTeacherConfirmation Justification = "TEACHER_CONFIRMATION"
	// JustificationOther covers everything else; pair it with a comment.
	JustificationOther Justification = "OTHER"
)

const (
	// TokenPrefixQRDigital marks an emailed digital QR payload.
	TokenPrefixQRDigital = "QRD-"
	// TokenPrefixQRPhysical marks a printed QR badge payload.
	TokenPrefixQRPhysical = "QRP-"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidTripID indicates that a trip identifier is empty or exceeds storage bounds.
	ErrInvalidTripID = errors.New("ledger: invalid trip id")
	// ErrInvalidStudentID indicates that a student identifier is empty or exceeds storage bounds.
	ErrInvalidStudentID = errors.New("ledger: invalid student id")
	// ErrInvalidCheckpointID indicates that a checkpoint identifier is empty or exceeds storage bounds.
	ErrInvalidCheckpointID = errors.New("ledger: invalid checkpoint id")
	// ErrInvalidTokenUID indicates that a token UID is empty or exceeds storage bounds.
	ErrInvalidTokenUID = errors.New("ledger: invalid token uid")
	// ErrInvalidJustification indicates a manual justification outside the fixed vocabulary.
	ErrInvalidJustification = errors.New("ledger: invalid justification")
)

// TripID represents a validated trip identifier.
type TripID string

// NewTripID validates raw input and returns a TripID.
func NewTripID(rawInput string) (TripID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTripID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTripID, maxIdentifierLength)
	}
	return TripID(trimmed), nil
}

// String returns the underlying string identifier.
func (id TripID) String() string {
	return string(id)
}

// StudentID represents a validated student identifier.
type StudentID string

// NewStudentID validates raw input and returns a StudentID.
func NewStudentID(rawInput string) (StudentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidStudentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidStudentID, maxIdentifierLength)
	}
	return StudentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id StudentID) String() string {
	return string(id)
}

// CheckpointID represents a validated checkpoint identifier.
type CheckpointID string

// NewCheckpointID validates raw input and returns a CheckpointID.
func NewCheckpointID(rawInput string) (CheckpointID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCheckpointID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCheckpointID, maxIdentifierLength)
	}
	return CheckpointID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CheckpointID) String() string {
	return string(id)
}

// TokenUID represents a validated canonical token UID (prefix already stripped).
type TokenUID string

// NewTokenUID validates raw input and returns a TokenUID.
func NewTokenUID(rawInput string) (TokenUID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTokenUID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTokenUID, maxIdentifierLength)
	}
	return TokenUID(trimmed), nil
}

// String returns the underlying string value.
func (uid TokenUID) String() string {
	return string(uid)
}

// CanonicalTokenUID reduces a raw token value to the canonical form the
// ledger stores and matches: trimmed, uppercased, with a known payload prefix
// stripped. Upstream assignments may carry the full prefixed payload the QR
// image encodes, so every caching path funnels through this before an
// exact-match lookup can be trusted.
func CanonicalTokenUID(rawInput string) string {
	trimmed := strings.ToUpper(strings.TrimSpace(rawInput))
	trimmed = strings.TrimPrefix(trimmed, TokenPrefixQRDigital)
	trimmed = strings.TrimPrefix(trimmed, TokenPrefixQRPhysical)
	return trimmed
}

// ParseJustification validates a manual justification against the fixed vocabulary.
func ParseJustification(rawInput string) (Justification, error) {
	switch Justification(strings.TrimSpace(rawInput)) {
	case JustificationBadgeMissing:
		return JustificationBadgeMissing, nil
	case JustificationBadgeDamaged:
		return JustificationBadgeDamaged, nil
	case JustificationScannerFailure:
		return JustificationScannerFailure, nil
	case JustificationTeacherConfirmation:
		return JustificationTeacherConfirmation, nil
	case JustificationOther:
		return JustificationOther, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidJustification, rawInput)
	}
}

// TripSnapshot models the cached trip row. It is replaced wholesale by a
// bundle download and never partially updated.
type TripSnapshot struct {
	TripID              string `gorm:"column:trip_id;primaryKey;size:190;not null"`
	Destination         string `gorm:"column:destination;not null"`
	DateSeconds         int64  `gorm:"column:date_s;not null"`
	Description         string `gorm:"column:description;type:text;not null;default:''"`
	Status              string `gorm:"column:status;size:30;not null"`
	DownloadedAtSeconds int64  `gorm:"column:downloaded_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TripSnapshot) TableName() string {
	return "trips"
}

// StudentRecord models one student inside a cached trip bundle. A student may
// appear in several cached trips on the same device, hence the composite key.
// TokenUID is empty when the student has no active assignment.
type StudentRecord struct {
	StudentID      string `gorm:"column:student_id;primaryKey;size:190;not null"`
	TripID         string `gorm:"column:trip_id;primaryKey;size:190;not null;index:idx_students_trip_token,priority:1"`
	FirstName      string `gorm:"column:first_name;not null"`
	LastName       string `gorm:"column:last_name;not null"`
	TokenUID       string `gorm:"column:token_uid;size:190;not null;default:'';index:idx_students_trip_token,priority:2"`
	AssignmentType string `gorm:"column:assignment_type;size:20;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (StudentRecord) TableName() string {
	return "students"
}

// HasAssignment reports whether the student carries an active token assignment.
func (s StudentRecord) HasAssignment() bool {
	return s.TokenUID != ""
}

// CheckpointRecord models a checkpoint of a cached trip. Sequence order is
// unique per trip, assigned remotely for downloaded checkpoints and computed
// locally (max+1) for field-created ones.
type CheckpointRecord struct {
	CheckpointID  string           `gorm:"column:checkpoint_id;primaryKey;size:190;not null"`
	TripID        string           `gorm:"column:trip_id;primaryKey;size:190;not null"`
	Name          string           `gorm:"column:name;not null"`
	SequenceOrder int64            `gorm:"column:sequence_order;not null"`
	Status        CheckpointStatus `gorm:"column:status;size:20;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CheckpointRecord) TableName() string {
	return "checkpoints"
}

// AttendanceEvent is one immutable presence observation. The log is
// append-only: a repeat observation of the same (checkpoint, student) pair
// produces a new row with an incremented scan sequence, never an update. The
// only mutation ever applied is stamping SyncedAtSeconds.
type AttendanceEvent struct {
	EventID           string     `gorm:"column:event_id;primaryKey;size:190;not null"`
	TripID            string     `gorm:"column:trip_id;size:190;not null"`
	CheckpointID      string     `gorm:"column:checkpoint_id;size:190;not null;index:idx_events_checkpoint_student,priority:1"`
	StudentID         string     `gorm:"column:student_id;size:190;not null;index:idx_events_checkpoint_student,priority:2"`
	ObservedAtSeconds int64      `gorm:"column:observed_at_s;not null"`
	Method            ScanMethod `gorm:"column:scan_method;size:20;not null"`
	ScanSequence      int64      `gorm:"column:scan_sequence;not null;default:1"`
	IsManual          bool       `gorm:"column:is_manual;not null;default:false"`
	Justification     string     `gorm:"column:justification;size:50;not null;default:''"`
	Comment           string     `gorm:"column:comment;type:text;not null;default:''"`
	SyncedAtSeconds   *int64     `gorm:"column:synced_at_s;index:idx_events_synced"`
}

// TableName provides the explicit table binding for GORM.
func (AttendanceEvent) TableName() string {
	return "attendance_events"
}

// Pending reports whether the event still awaits remote acknowledgement.
func (e AttendanceEvent) Pending() bool {
	return e.SyncedAtSeconds == nil
}

// BundleStudent is one student entry of a downloaded bundle.
type BundleStudent struct {
	StudentID      StudentID
	FirstName      string
	LastName       string
	TokenUID       string
	AssignmentType string
}

// BundleCheckpoint is one checkpoint entry of a downloaded bundle.
type BundleCheckpoint struct {
	CheckpointID  CheckpointID
	Name          string
	SequenceOrder int64
	Status        CheckpointStatus
}

// Bundle is a consistent snapshot of one trip's students and checkpoints as
// fetched from the remote collaborator.
type Bundle struct {
	TripID             TripID
	Destination        string
	DateSeconds        int64
	Description        string
	Status             string
	Students           []BundleStudent
	Checkpoints        []BundleCheckpoint
	GeneratedAtSeconds int64
}

// EventDraft describes a presence observation before the ledger assigns its
// scan sequence and observation timestamp.
type EventDraft struct {
	EventID       string
	TripID        TripID
	CheckpointID  CheckpointID
	StudentID     StudentID
	Method        ScanMethod
	IsManual      bool
	Justification Justification
	Comment       string
}
