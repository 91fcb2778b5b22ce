package scan

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldday/tripledger/internal/checkpoint"
	"github.com/fieldday/tripledger/internal/ledger"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type countingNotifier struct {
	first  int
	repeat int
	failed int
}

func (n *countingNotifier) FirstScan()  { n.first++ }
func (n *countingNotifier) RepeatScan() { n.repeat++ }
func (n *countingNotifier) ScanFailed() { n.failed++ }

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestLedger(t *testing.T) *ledger.Store {
	t.Helper()

	databasePath := filepath.Join(t.TempDir(), "scan.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&ledger.TripSnapshot{},
		&ledger.StudentRecord{},
		&ledger.CheckpointRecord{},
		&ledger.AttendanceEvent{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &testClock{now: time.Unix(1760000000, 0).UTC()}
	store, err := ledger.NewStore(ledger.StoreConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func mustTripID(t *testing.T, value string) ledger.TripID {
	t.Helper()
	id, err := ledger.NewTripID(value)
	if err != nil {
		t.Fatalf("unexpected trip id error: %v", err)
	}
	return id
}

func mustStudentID(t *testing.T, value string) ledger.StudentID {
	t.Helper()
	id, err := ledger.NewStudentID(value)
	if err != nil {
		t.Fatalf("unexpected student id error: %v", err)
	}
	return id
}

func mustCheckpointID(t *testing.T, value string) ledger.CheckpointID {
	t.Helper()
	id, err := ledger.NewCheckpointID(value)
	if err != nil {
		t.Fatalf("unexpected checkpoint id error: %v", err)
	}
	return id
}

func seedTrip(t *testing.T, store *ledger.Store) {
	t.Helper()
	bundle := ledger.Bundle{
		TripID:      mustTripID(t, "trip-1"),
		Destination: "Normandy",
		DateSeconds: 1760400000,
		Status:      "ACTIVE",
		Students: []ledger.BundleStudent{
			{StudentID: mustStudentID(t, "student-1"), FirstName: "Ada", LastName: "Martin", TokenUID: "AA:BB:CC:DD", AssignmentType: "NFC_PHYSICAL"},
			{StudentID: mustStudentID(t, "student-2"), FirstName: "Noah", LastName: "Bernard", TokenUID: "BB:BB:BB:BB", AssignmentType: "QR_PHYSICAL"},
			{StudentID: mustStudentID(t, "student-3"), FirstName: "Lina", LastName: "Dupont"},
		},
		Checkpoints: []ledger.BundleCheckpoint{
			{CheckpointID: mustCheckpointID(t, "cp-1"), Name: "Bus departure", SequenceOrder: 1, Status: ledger.CheckpointStatusDraft},
		},
		GeneratedAtSeconds: 1760000000,
	}
	if err := store.ReplaceBundle(context.Background(), bundle); err != nil {
		t.Fatalf("failed to seed trip: %v", err)
	}
}

func rosterFor(t *testing.T, store *ledger.Store) []ledger.StudentRecord {
	t.Helper()
	students, err := store.StudentsFor(context.Background(), mustTripID(t, "trip-1"))
	if err != nil {
		t.Fatalf("failed to load roster: %v", err)
	}
	return students
}

func newTestSession(t *testing.T, store *ledger.Store, ids []string) (*Session, *countingNotifier) {
	t.Helper()

	notifier := &countingNotifier{}
	resolver, err := NewResolver(ResolverConfig{
		Store:      store,
		IDProvider: &staticIDGenerator{ids: ids},
		Notifier:   notifier,
	})
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}

	machine, err := checkpoint.NewMachine(store, nil)
	if err != nil {
		t.Fatalf("failed to build machine: %v", err)
	}

	manualIDs := make([]string, 0, len(ids))
	for i := range ids {
		manualIDs = append(manualIDs, fmt.Sprintf("manual-%d", i+1))
	}
	session, err := NewSession(SessionConfig{
		Store:          store,
		Resolver:       resolver,
		Machine:        machine,
		IDProvider:     &staticIDGenerator{ids: manualIDs},
		TripID:         mustTripID(t, "trip-1"),
		CheckpointID:   mustCheckpointID(t, "cp-1"),
		RadioAvailable: true,
	})
	if err != nil {
		t.Fatalf("failed to build session: %v", err)
	}
	return session, notifier
}
