package scan

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fieldday/tripledger/internal/ledger"
	"github.com/fieldday/tripledger/internal/qrmail"
)

func TestNormalizeCameraDetectsPrefixes(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		expectUID  string
		expectKind ledger.ScanMethod
	}{
		{name: "digital-prefix", raw: "QRD-1A2B3C4D", expectUID: "1A2B3C4D", expectKind: ledger.ScanMethodQRDigital},
		{name: "physical-prefix", raw: "QRP-AA:BB:CC:DD", expectUID: "AA:BB:CC:DD", expectKind: ledger.ScanMethodQRPhysical},
		{name: "unprefixed-legacy", raw: "AA:BB:CC:DD", expectUID: "AA:BB:CC:DD", expectKind: ledger.ScanMethodQRPhysical},
		{name: "lowercase-normalized", raw: "aa:bb:cc:dd", expectUID: "AA:BB:CC:DD", expectKind: ledger.ScanMethodQRPhysical},
		{name: "surrounding-whitespace", raw: "  QRD-1A2B3C4D \n", expectUID: "1A2B3C4D", expectKind: ledger.ScanMethodQRDigital},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uid, method, err := Normalize(CameraInput(tt.raw))
			if err != nil {
				t.Fatalf("unexpected normalize error: %v", err)
			}
			if uid.String() != tt.expectUID {
				t.Fatalf("expected uid %s, got %s", tt.expectUID, uid)
			}
			if method != tt.expectKind {
				t.Fatalf("expected method %s, got %s", tt.expectKind, method)
			}
		})
	}
}

func TestNormalizeRadioRendersColonHex(t *testing.T) {
	uid, method, err := Normalize(RadioInput([]byte{0xAA, 0xBB, 0xCC, 0xDD}))
	if err != nil {
		t.Fatalf("unexpected normalize error: %v", err)
	}
	if uid.String() != "AA:BB:CC:DD" {
		t.Fatalf("expected colon-separated uppercase hex, got %s", uid)
	}
	if method != ledger.ScanMethodNFCPhysical {
		t.Fatalf("radio input must resolve to NFC, got %s", method)
	}
}

func TestNormalizeRejectsEmptyInput(t *testing.T) {
	for _, input := range []Input{CameraInput(""), CameraInput("   \t"), RadioInput(nil)} {
		_, _, err := Normalize(input)
		if !errors.Is(err, ErrEmptyInput) {
			t.Fatalf("expected empty input error, got %v", err)
		}
		var resolutionErr *ResolutionError
		if !errors.As(err, &resolutionErr) {
			t.Fatalf("expected resolution error type, got %T", err)
		}
		if resolutionErr.TokenUID != "" {
			t.Fatalf("empty input must carry no uid, got %q", resolutionErr.TokenUID)
		}
	}
}

func TestResolveUnknownTokenCarriesUIDWithoutMutation(t *testing.T) {
	store := newTestLedger(t)
	seedTrip(t, store)

	notifier := &countingNotifier{}
	resolver, err := NewResolver(ResolverConfig{
		Store:      store,
		IDProvider: &staticIDGenerator{ids: []string{"event-1"}},
		Notifier:   notifier,
	})
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}

	_, err = resolver.Resolve(context.Background(), CameraInput("FF:FF:FF:FF"), mustTripID(t, "trip-1"), mustCheckpointID(t, "cp-1"))
	if !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected unknown token error, got %v", err)
	}
	var resolutionErr *ResolutionError
	if !errors.As(err, &resolutionErr) {
		t.Fatalf("expected resolution error type, got %T", err)
	}
	if resolutionErr.TokenUID != "FF:FF:FF:FF" {
		t.Fatalf("error must retain the attempted uid, got %q", resolutionErr.TokenUID)
	}

	events, err := store.EventsFor(context.Background(), mustCheckpointID(t, "cp-1"))
	if err != nil {
		t.Fatalf("unexpected events error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("unknown token must not mutate the ledger, found %d events", len(events))
	}
	if notifier.failed == 0 {
		t.Fatalf("expected failure notification")
	}
}

func TestResolveEmailedDigitalTokenRoundTrip(t *testing.T) {
	store := newTestLedger(t)

	// The upstream assignment holds the full prefixed payload the mailer
	// issued; the cached copy must still resolve when that QR is scanned.
	issued := qrmail.NewDigitalTokenUID()
	bundle := ledger.Bundle{
		TripID:      mustTripID(t, "trip-1"),
		Destination: "Normandy",
		DateSeconds: 1760400000,
		Status:      "ACTIVE",
		Students: []ledger.BundleStudent{
			{StudentID: mustStudentID(t, "student-1"), FirstName: "Ada", LastName: "Martin", TokenUID: issued, AssignmentType: "QR_DIGITAL"},
		},
		Checkpoints: []ledger.BundleCheckpoint{
			{CheckpointID: mustCheckpointID(t, "cp-1"), Name: "Bus departure", SequenceOrder: 1, Status: ledger.CheckpointStatusDraft},
		},
		GeneratedAtSeconds: 1760000000,
	}
	if err := store.ReplaceBundle(context.Background(), bundle); err != nil {
		t.Fatalf("failed to cache bundle: %v", err)
	}

	resolver, err := NewResolver(ResolverConfig{
		Store:      store,
		IDProvider: &staticIDGenerator{ids: []string{"event-1"}},
	})
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}

	result, err := resolver.Resolve(context.Background(), CameraInput(issued), mustTripID(t, "trip-1"), mustCheckpointID(t, "cp-1"))
	if err != nil {
		t.Fatalf("issued token must resolve when scanned: %v", err)
	}
	if result.Student.StudentID != "student-1" {
		t.Fatalf("resolved wrong student %s", result.Student.StudentID)
	}
	if result.Method != ledger.ScanMethodQRDigital {
		t.Fatalf("expected digital method, got %s", result.Method)
	}
	if want := strings.TrimPrefix(issued, ledger.TokenPrefixQRDigital); result.TokenUID != want {
		t.Fatalf("expected canonical uid %s, got %s", want, result.TokenUID)
	}
}

func TestResolveFlagsDuplicateFromAssignedSequence(t *testing.T) {
	store := newTestLedger(t)
	seedTrip(t, store)

	notifier := &countingNotifier{}
	resolver, err := NewResolver(ResolverConfig{
		Store:      store,
		IDProvider: &staticIDGenerator{ids: []string{"event-1", "event-2"}},
		Notifier:   notifier,
	})
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}

	first, err := resolver.Resolve(context.Background(), RadioInput([]byte{0xAA, 0xBB, 0xCC, 0xDD}), mustTripID(t, "trip-1"), mustCheckpointID(t, "cp-1"))
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if first.Duplicate || first.ScanSequence != 1 {
		t.Fatalf("first observation must be sequence 1 non-duplicate, got %+v", first)
	}
	if first.Student.StudentID != "student-1" {
		t.Fatalf("resolved wrong student %s", first.Student.StudentID)
	}
	if first.Method != ledger.ScanMethodNFCPhysical {
		t.Fatalf("unexpected method %s", first.Method)
	}

	second, err := resolver.Resolve(context.Background(), RadioInput([]byte{0xAA, 0xBB, 0xCC, 0xDD}), mustTripID(t, "trip-1"), mustCheckpointID(t, "cp-1"))
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if !second.Duplicate || second.ScanSequence != 2 {
		t.Fatalf("repeat observation must be sequence 2 duplicate, got %+v", second)
	}

	if notifier.first != 1 || notifier.repeat != 1 {
		t.Fatalf("unexpected notifications first=%d repeat=%d", notifier.first, notifier.repeat)
	}
}
