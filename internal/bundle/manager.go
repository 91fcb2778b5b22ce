package bundle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fieldday/tripledger/internal/ledger"
	"go.uber.org/zap"
)

// DownloadStatus enumerates the per-trip download states.
type DownloadStatus string

const (
	// DownloadStatusIdle marks a trip with no download attempt yet.
	DownloadStatusIdle DownloadStatus = "idle"
	// DownloadStatusDownloading marks an in-flight fetch.
	DownloadStatusDownloading DownloadStatus = "downloading"
	// DownloadStatusDone marks a successfully cached snapshot.
	DownloadStatusDone DownloadStatus = "done"
	// DownloadStatusError marks a failed fetch; the previous snapshot, if any, is intact.
	DownloadStatusError DownloadStatus = "error"
)

var (
	// ErrDownloadInProgress indicates a second download requested while one is in flight.
	ErrDownloadInProgress = errors.New("bundle: download already in progress")

	errMissingRemote = errors.New("remote client dependency is required")
	errMissingStore  = errors.New("ledger store dependency is required")
)

// DownloadState is the observable state of one trip's cache.
type DownloadState struct {
	Status             DownloadStatus
	Message            string
	CompletedAtSeconds int64
}

// CacheStore is the slice of the ledger the manager writes bundles into.
type CacheStore interface {
	ReplaceBundle(ctx context.Context, bundle ledger.Bundle) error
	IsFresh(ctx context.Context, tripID ledger.TripID) (bool, error)
}

// ManagerConfig carries the dependencies of a Manager.
type ManagerConfig struct {
	Remote RemoteClient
	Store  CacheStore
	Clock  func() time.Time
	Logger *zap.Logger
}

// Manager mediates between the remote collaborator and the local ledger. It
// tracks a per-trip download state machine (idle, downloading, done, error),
// each trip independent of the others, and only ever writes the ledger on a
// successful fetch so a failed refresh can never corrupt a valid cache.
type Manager struct {
	remote RemoteClient
	store  CacheStore
	clock  func() time.Time
	logger *zap.Logger

	mu     sync.Mutex
	states map[ledger.TripID]DownloadState
}

// NewManager validates the configuration and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		remote: cfg.Remote,
		store:  cfg.Store,
		clock:  clock,
		logger: logger,
		states: make(map[ledger.TripID]DownloadState),
	}, nil
}

// ListTrips delegates to the remote collaborator without touching the ledger.
func (m *Manager) ListTrips(ctx context.Context) ([]TripSummary, error) {
	return m.remote.ListTrips(ctx)
}

// Download fetches a full bundle for the trip and replaces the cached
// snapshot. It is safe to call repeatedly; a fetch failure records the error
// message and leaves the previous snapshot untouched. A download already in
// flight for the same trip is not superseded, the caller retries after it
// settles.
func (m *Manager) Download(ctx context.Context, tripID ledger.TripID) error {
	m.mu.Lock()
	if m.states[tripID].Status == DownloadStatusDownloading {
		m.mu.Unlock()
		return ErrDownloadInProgress
	}
	m.states[tripID] = DownloadState{Status: DownloadStatusDownloading}
	m.mu.Unlock()

	bundle, err := m.remote.FetchBundle(ctx, tripID)
	if err != nil {
		m.recordFailure(tripID, err)
		return err
	}

	if err := m.store.ReplaceBundle(ctx, bundle); err != nil {
		m.recordFailure(tripID, err)
		return err
	}

	completedAt := m.clock().UTC().Unix()
	m.mu.Lock()
	m.states[tripID] = DownloadState{Status: DownloadStatusDone, CompletedAtSeconds: completedAt}
	m.mu.Unlock()

	m.logger.Info("bundle download complete",
		zap.String("trip_id", tripID.String()),
		zap.Int("students", len(bundle.Students)),
		zap.Int("checkpoints", len(bundle.Checkpoints)))
	return nil
}

// State returns the download state of one trip.
func (m *Manager) State(tripID ledger.TripID) DownloadState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[tripID]
	if !ok {
		return DownloadState{Status: DownloadStatusIdle}
	}
	return state
}

// Ready reports whether field work may begin for the trip without
// connectivity: the cached snapshot is fresh and no download is in flight.
func (m *Manager) Ready(ctx context.Context, tripID ledger.TripID) (bool, error) {
	if m.State(tripID).Status == DownloadStatusDownloading {
		return false, nil
	}
	return m.store.IsFresh(ctx, tripID)
}

func (m *Manager) recordFailure(tripID ledger.TripID, cause error) {
	m.mu.Lock()
	m.states[tripID] = DownloadState{Status: DownloadStatusError, Message: cause.Error()}
	m.mu.Unlock()

	m.logger.Warn("bundle download failed",
		zap.String("trip_id", tripID.String()),
		zap.Error(cause))
}
