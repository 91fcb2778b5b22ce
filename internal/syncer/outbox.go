package syncer

import (
	"context"
	"errors"

	"github.com/fieldday/tripledger/internal/ledger"
	"go.uber.org/zap"
)

var errMissingStore = errors.New("ledger store dependency is required")

// BacklogStore is the slice of the ledger the outbox reads and stamps.
type BacklogStore interface {
	PendingEvents(ctx context.Context) ([]ledger.AttendanceEvent, error)
	MarkSynchronized(ctx context.Context, eventIDs []string) error
}

// Report summarizes one acknowledgement round against the remote ledger.
// Events the remote already knew (by their idempotency key) come back as
// duplicates; both accepted and duplicate ids are stamped locally since
// either way the remote now holds the event.
type Report struct {
	Accepted      []string
	Duplicate     []string
	TotalReceived int
	TotalInserted int
}

// Outbox exposes the backlog of not-yet-uploaded attendance events and
// applies remote acknowledgements. The push transport itself belongs to an
// external synchronizer that consumes this surface.
type Outbox struct {
	store  BacklogStore
	logger *zap.Logger
}

// NewOutbox validates dependencies and returns an Outbox.
func NewOutbox(store BacklogStore, logger *zap.Logger) (*Outbox, error) {
	if store == nil {
		return nil, errMissingStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{store: store, logger: logger}, nil
}

// Pending returns the backlog of events awaiting upload, oldest first.
func (o *Outbox) Pending(ctx context.Context) ([]ledger.AttendanceEvent, error) {
	return o.store.PendingEvents(ctx)
}

// Acknowledge stamps the events the remote reported as accepted or already
// known. Re-acknowledging an id is a no-op, so replaying a remote response
// after a crash is harmless.
func (o *Outbox) Acknowledge(ctx context.Context, report Report) error {
	ids := make([]string, 0, len(report.Accepted)+len(report.Duplicate))
	ids = append(ids, report.Accepted...)
	ids = append(ids, report.Duplicate...)

	if err := o.store.MarkSynchronized(ctx, ids); err != nil {
		return err
	}

	o.logger.Info("sync acknowledgement applied",
		zap.Int("accepted", len(report.Accepted)),
		zap.Int("duplicate", len(report.Duplicate)))
	return nil
}
