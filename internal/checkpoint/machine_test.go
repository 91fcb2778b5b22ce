package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/fieldday/tripledger/internal/ledger"
)

type fakeStatusStore struct {
	statuses map[string]ledger.CheckpointStatus
	writes   int
}

func newFakeStatusStore() *fakeStatusStore {
	return &fakeStatusStore{statuses: make(map[string]ledger.CheckpointStatus)}
}

func (f *fakeStatusStore) CheckpointStatusFor(_ context.Context, _ ledger.TripID, checkpointID ledger.CheckpointID) (ledger.CheckpointStatus, error) {
	status, ok := f.statuses[checkpointID.String()]
	if !ok {
		// Missing rows read as ACTIVE, matching the ledger.
		return ledger.CheckpointStatusActive, nil
	}
	return status, nil
}

func (f *fakeStatusStore) SetCheckpointStatus(_ context.Context, _ ledger.TripID, checkpointID ledger.CheckpointID, status ledger.CheckpointStatus) error {
	f.statuses[checkpointID.String()] = status
	f.writes++
	return nil
}

func testIDs(t *testing.T) (ledger.TripID, ledger.CheckpointID) {
	t.Helper()
	tripID, err := ledger.NewTripID("trip-1")
	if err != nil {
		t.Fatalf("unexpected trip id error: %v", err)
	}
	checkpointID, err := ledger.NewCheckpointID("cp-1")
	if err != nil {
		t.Fatalf("unexpected checkpoint id error: %v", err)
	}
	return tripID, checkpointID
}

func TestEnsureActivePromotesDraftOnce(t *testing.T) {
	store := newFakeStatusStore()
	store.statuses["cp-1"] = ledger.CheckpointStatusDraft
	machine, err := NewMachine(store, nil)
	if err != nil {
		t.Fatalf("unexpected machine error: %v", err)
	}
	tripID, checkpointID := testIDs(t)

	if err := machine.EnsureActive(context.Background(), tripID, checkpointID); err != nil {
		t.Fatalf("unexpected activation error: %v", err)
	}
	if store.statuses["cp-1"] != ledger.CheckpointStatusActive {
		t.Fatalf("expected ACTIVE after first event, got %s", store.statuses["cp-1"])
	}

	if err := machine.EnsureActive(context.Background(), tripID, checkpointID); err != nil {
		t.Fatalf("re-entrant activation must be a no-op, got %v", err)
	}
	if store.writes != 1 {
		t.Fatalf("expected exactly one status write, got %d", store.writes)
	}
}

func TestEnsureActiveRejectsClosedCheckpoint(t *testing.T) {
	store := newFakeStatusStore()
	store.statuses["cp-1"] = ledger.CheckpointStatusClosed
	machine, err := NewMachine(store, nil)
	if err != nil {
		t.Fatalf("unexpected machine error: %v", err)
	}
	tripID, checkpointID := testIDs(t)

	err = machine.EnsureActive(context.Background(), tripID, checkpointID)
	if !errors.Is(err, ErrCheckpointClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if store.writes != 0 {
		t.Fatalf("closed checkpoint must never be written, got %d writes", store.writes)
	}
}

func TestCloseTransitions(t *testing.T) {
	tests := []struct {
		name        string
		initial     ledger.CheckpointStatus
		expectError error
		expectFinal ledger.CheckpointStatus
	}{
		{name: "active-closes", initial: ledger.CheckpointStatusActive, expectFinal: ledger.CheckpointStatusClosed},
		{name: "draft-rejected", initial: ledger.CheckpointStatusDraft, expectError: ErrCheckpointNotActive, expectFinal: ledger.CheckpointStatusDraft},
		{name: "closed-terminal", initial: ledger.CheckpointStatusClosed, expectError: ErrCheckpointAlreadyClosed, expectFinal: ledger.CheckpointStatusClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStatusStore()
			store.statuses["cp-1"] = tt.initial
			machine, err := NewMachine(store, nil)
			if err != nil {
				t.Fatalf("unexpected machine error: %v", err)
			}
			tripID, checkpointID := testIDs(t)

			err = machine.Close(context.Background(), tripID, checkpointID)
			if tt.expectError == nil && err != nil {
				t.Fatalf("unexpected close error: %v", err)
			}
			if tt.expectError != nil && !errors.Is(err, tt.expectError) {
				t.Fatalf("expected %v, got %v", tt.expectError, err)
			}
			if store.statuses["cp-1"] != tt.expectFinal {
				t.Fatalf("unexpected final status %s", store.statuses["cp-1"])
			}
		})
	}
}

func TestMissingCheckpointReadsAsActive(t *testing.T) {
	machine, err := NewMachine(newFakeStatusStore(), nil)
	if err != nil {
		t.Fatalf("unexpected machine error: %v", err)
	}
	tripID, checkpointID := testIDs(t)

	status, err := machine.Status(context.Background(), tripID, checkpointID)
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if status != ledger.CheckpointStatusActive {
		t.Fatalf("expected ACTIVE for missing checkpoint, got %s", status)
	}
}
