package checkpoint

import (
	"context"
	"errors"

	"github.com/fieldday/tripledger/internal/ledger"
	"go.uber.org/zap"
)

var (
	// ErrCheckpointClosed indicates an activation attempt against a terminally closed checkpoint.
	ErrCheckpointClosed = errors.New("checkpoint: checkpoint is closed")
	// ErrCheckpointNotActive indicates a close attempt on a checkpoint still in draft.
	ErrCheckpointNotActive = errors.New("checkpoint: checkpoint is not active")
	// ErrCheckpointAlreadyClosed indicates a close attempt on an already closed checkpoint.
	ErrCheckpointAlreadyClosed = errors.New("checkpoint: checkpoint already closed")

	errMissingLedger = errors.New("ledger dependency is required")
)

// StatusStore is the slice of the ledger the state machine reads and writes.
type StatusStore interface {
	CheckpointStatusFor(ctx context.Context, tripID ledger.TripID, checkpointID ledger.CheckpointID) (ledger.CheckpointStatus, error)
	SetCheckpointStatus(ctx context.Context, tripID ledger.TripID, checkpointID ledger.CheckpointID, status ledger.CheckpointStatus) error
}

// Machine owns the checkpoint lifecycle. It is the only component allowed to
// transition a checkpoint between DRAFT, ACTIVE and CLOSED; the ledger itself
// performs no legality checks.
type Machine struct {
	store  StatusStore
	logger *zap.Logger
}

// NewMachine validates dependencies and returns a Machine.
func NewMachine(store StatusStore, logger *zap.Logger) (*Machine, error) {
	if store == nil {
		return nil, errMissingLedger
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{store: store, logger: logger}, nil
}

// Status returns the current lifecycle state of a checkpoint. A checkpoint
// absent from the cache reads as ACTIVE.
func (m *Machine) Status(ctx context.Context, tripID ledger.TripID, checkpointID ledger.CheckpointID) (ledger.CheckpointStatus, error) {
	return m.store.CheckpointStatusFor(ctx, tripID, checkpointID)
}

// EnsureActive performs the DRAFT to ACTIVE transition the first time a
// non-duplicate presence event lands on the checkpoint. Once ACTIVE the call
// is a no-op; once CLOSED it fails, a closed checkpoint never reopens.
func (m *Machine) EnsureActive(ctx context.Context, tripID ledger.TripID, checkpointID ledger.CheckpointID) error {
	status, err := m.store.CheckpointStatusFor(ctx, tripID, checkpointID)
	if err != nil {
		return err
	}

	switch status {
	case ledger.CheckpointStatusActive:
		return nil
	case ledger.CheckpointStatusClosed:
		return ErrCheckpointClosed
	case ledger.CheckpointStatusDraft:
		if err := m.store.SetCheckpointStatus(ctx, tripID, checkpointID, ledger.CheckpointStatusActive); err != nil {
			return err
		}
		m.logger.Info("checkpoint activated",
			zap.String("trip_id", tripID.String()),
			zap.String("checkpoint_id", checkpointID.String()))
		return nil
	default:
		return ErrCheckpointNotActive
	}
}

// Close performs the ACTIVE to CLOSED transition on explicit operator action.
// Closing a DRAFT checkpoint is rejected, and CLOSED is terminal.
func (m *Machine) Close(ctx context.Context, tripID ledger.TripID, checkpointID ledger.CheckpointID) error {
	status, err := m.store.CheckpointStatusFor(ctx, tripID, checkpointID)
	if err != nil {
		return err
	}

	switch status {
	case ledger.CheckpointStatusDraft:
		return ErrCheckpointNotActive
	case ledger.CheckpointStatusClosed:
		return ErrCheckpointAlreadyClosed
	case ledger.CheckpointStatusActive:
		if err := m.store.SetCheckpointStatus(ctx, tripID, checkpointID, ledger.CheckpointStatusClosed); err != nil {
			return err
		}
		m.logger.Info("checkpoint closed",
			zap.String("trip_id", tripID.String()),
			zap.String("checkpoint_id", checkpointID.String()))
		return nil
	default:
		return ErrCheckpointNotActive
	}
}
