package syncer

import (
	"context"
	"testing"

	"github.com/fieldday/tripledger/internal/ledger"
)

type fakeBacklogStore struct {
	pending []ledger.AttendanceEvent
	marked  [][]string
}

func (f *fakeBacklogStore) PendingEvents(_ context.Context) ([]ledger.AttendanceEvent, error) {
	return f.pending, nil
}

func (f *fakeBacklogStore) MarkSynchronized(_ context.Context, eventIDs []string) error {
	f.marked = append(f.marked, eventIDs)
	return nil
}

func TestAcknowledgeStampsAcceptedAndDuplicateIDs(t *testing.T) {
	store := &fakeBacklogStore{}
	outbox, err := NewOutbox(store, nil)
	if err != nil {
		t.Fatalf("unexpected outbox error: %v", err)
	}

	report := Report{
		Accepted:      []string{"event-1", "event-2"},
		Duplicate:     []string{"event-3"},
		TotalReceived: 3,
		TotalInserted: 2,
	}
	if err := outbox.Acknowledge(context.Background(), report); err != nil {
		t.Fatalf("unexpected acknowledge error: %v", err)
	}

	if len(store.marked) != 1 {
		t.Fatalf("expected one stamp call, got %d", len(store.marked))
	}
	got := store.marked[0]
	if len(got) != 3 || got[0] != "event-1" || got[2] != "event-3" {
		t.Fatalf("duplicates must be stamped too, got %v", got)
	}
}

func TestPendingDelegatesToLedger(t *testing.T) {
	store := &fakeBacklogStore{pending: []ledger.AttendanceEvent{{EventID: "event-1"}}}
	outbox, err := NewOutbox(store, nil)
	if err != nil {
		t.Fatalf("unexpected outbox error: %v", err)
	}

	pending, err := outbox.Pending(context.Background())
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if len(pending) != 1 || pending[0].EventID != "event-1" {
		t.Fatalf("unexpected backlog %v", pending)
	}
}
