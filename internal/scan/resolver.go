package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fieldday/tripledger/internal/ledger"
	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates an empty or whitespace-only scan payload.
	ErrEmptyInput = errors.New("scan: empty input")
	// ErrUnknownToken indicates a token UID with no active assignment in the cached trip.
	ErrUnknownToken = errors.New("scan: unknown token")

	errMissingStore      = errors.New("ledger store dependency is required")
	errMissingIDProvider = errors.New("id provider dependency is required")
)

// ResolutionError is a resolver failure that retains the attempted,
// already-normalized token UID for display and audit. It never carries a UID
// for empty input.
type ResolutionError struct {
	TokenUID string
	cause    error
}

func (e *ResolutionError) Error() string {
	if e.TokenUID == "" {
		return e.cause.Error()
	}
	return fmt.Sprintf("%v: %s", e.cause, e.TokenUID)
}

func (e *ResolutionError) Unwrap() error {
	return e.cause
}

// InputKind distinguishes the capture channel of a scan.
type InputKind string

const (
	// InputKindCamera is an optical QR read.
	InputKindCamera InputKind = "camera"
	// InputKindRadio is a near-field tag read.
	InputKindRadio InputKind = "radio"
)

// Input is one raw scan as delivered by the capture hardware.
type Input struct {
	Kind InputKind
	// Raw is the decoded QR payload for camera input.
	Raw string
	// TagID is the hardware tag identifier for radio input.
	TagID []byte
}

// CameraInput wraps a decoded QR payload.
func CameraInput(raw string) Input {
	return Input{Kind: InputKindCamera, Raw: raw}
}

// RadioInput wraps an NFC tag identifier.
func RadioInput(tagID []byte) Input {
	return Input{Kind: InputKindRadio, TagID: tagID}
}

// Result is a successful resolution: the student behind the token, how the
// token was read, and whether this observation repeats an earlier one at the
// same checkpoint.
type Result struct {
	Student           ledger.StudentRecord
	Method            ledger.ScanMethod
	TokenUID          string
	Duplicate         bool
	ScanSequence      int64
	ObservedAtSeconds int64
}

// Notifier is the haptic/acoustic side-channel that distinguishes first-time,
// repeat and failed scans for the operator.
type Notifier interface {
	FirstScan()
	RepeatScan()
	ScanFailed()
}

type noOpNotifier struct{}

func (noOpNotifier) FirstScan()  {}
func (noOpNotifier) RepeatScan() {}
func (noOpNotifier) ScanFailed() {}

// EventStore is the slice of the ledger the resolver needs.
type EventStore interface {
	ResolveToken(ctx context.Context, uid ledger.TokenUID, tripID ledger.TripID) (ledger.StudentRecord, error)
	RecordEvent(ctx context.Context, draft ledger.EventDraft) (ledger.AttendanceEvent, error)
}

// ResolverConfig carries the dependencies of a Resolver.
type ResolverConfig struct {
	Store      EventStore
	IDProvider IDProvider
	Notifier   Notifier
	Logger     *zap.Logger
}

// Resolver turns a raw scanned string into a student identity and persists
// the observation, independent of whether the signal arrived over radio or
// through the camera.
type Resolver struct {
	store      EventStore
	idProvider IDProvider
	notifier   Notifier
	logger     *zap.Logger
}

// NewResolver validates the configuration and returns a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = noOpNotifier{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Resolver{
		store:      cfg.Store,
		idProvider: cfg.IDProvider,
		notifier:   notifier,
		logger:     logger,
	}, nil
}

// Normalize reduces a raw scan to its canonical token UID and scan method
// without touching the ledger.
//
// Camera payloads carry a literal prefix: "QRD-" marks an emailed digital
// code, "QRP-" a printed one, and an unprefixed payload is treated as
// physical because most printed badges are unprefixed legacy stock. Radio
// reads are always NFC with the tag id rendered as colon-separated uppercase
// hex bytes.
func Normalize(input Input) (ledger.TokenUID, ledger.ScanMethod, error) {
	switch input.Kind {
	case InputKindRadio:
		if len(input.TagID) == 0 {
			return "", "", &ResolutionError{cause: ErrEmptyInput}
		}
		parts := make([]string, len(input.TagID))
		for i, b := range input.TagID {
			parts[i] = fmt.Sprintf("%02X", b)
		}
		uid, err := ledger.NewTokenUID(strings.Join(parts, ":"))
		if err != nil {
			return "", "", &ResolutionError{cause: err}
		}
		return uid, ledger.ScanMethodNFCPhysical, nil
	default:
		trimmed := strings.TrimSpace(input.Raw)
		if trimmed == "" {
			return "", "", &ResolutionError{cause: ErrEmptyInput}
		}

		method := ledger.ScanMethodQRPhysical
		switch {
		case strings.HasPrefix(trimmed, ledger.TokenPrefixQRDigital):
			method = ledger.ScanMethodQRDigital
			trimmed = trimmed[len(ledger.TokenPrefixQRDigital):]
		case strings.HasPrefix(trimmed, ledger.TokenPrefixQRPhysical):
			method = ledger.ScanMethodQRPhysical
			trimmed = trimmed[len(ledger.TokenPrefixQRPhysical):]
		}

		uid, err := ledger.NewTokenUID(strings.ToUpper(trimmed))
		if err != nil {
			return "", "", &ResolutionError{cause: err}
		}
		return uid, method, nil
	}
}

// Resolve normalizes the input, matches it against the cached trip and
// persists the observation. The duplicate flag comes from the scan sequence
// the ledger assigned inside its recording transaction, so it can never
// disagree with the stored sequence number. Failures carry the attempted UID
// and leave the ledger untouched.
func (r *Resolver) Resolve(ctx context.Context, input Input, tripID ledger.TripID, checkpointID ledger.CheckpointID) (Result, error) {
	uid, method, err := Normalize(input)
	if err != nil {
		r.notifier.ScanFailed()
		return Result{}, err
	}

	student, err := r.store.ResolveToken(ctx, uid, tripID)
	if err != nil {
		r.notifier.ScanFailed()
		if errors.Is(err, ledger.ErrTokenNotFound) {
			r.logger.Warn("unknown token scanned",
				zap.String("trip_id", tripID.String()),
				zap.String("token_uid", uid.String()))
			return Result{}, &ResolutionError{TokenUID: uid.String(), cause: ErrUnknownToken}
		}
		return Result{}, err
	}

	studentID, err := ledger.NewStudentID(student.StudentID)
	if err != nil {
		r.notifier.ScanFailed()
		return Result{}, err
	}

	eventID, err := r.idProvider.NewID()
	if err != nil {
		r.notifier.ScanFailed()
		return Result{}, err
	}

	event, err := r.store.RecordEvent(ctx, ledger.EventDraft{
		EventID:      eventID,
		TripID:       tripID,
		CheckpointID: checkpointID,
		StudentID:    studentID,
		Method:       method,
	})
	if err != nil {
		r.notifier.ScanFailed()
		return Result{}, err
	}

	duplicate := event.ScanSequence > 1
	if duplicate {
		r.notifier.RepeatScan()
	} else {
		r.notifier.FirstScan()
	}

	return Result{
		Student:           student,
		Method:            method,
		TokenUID:          uid.String(),
		Duplicate:         duplicate,
		ScanSequence:      event.ScanSequence,
		ObservedAtSeconds: event.ObservedAtSeconds,
	}, nil
}
