package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fieldday/tripledger/internal/ledger"
)

var errMissingBaseURL = errors.New("remote base url is required")

// TripSummary is one row of the remote trip listing.
type TripSummary struct {
	TripID       string
	Destination  string
	DateSeconds  int64
	Status       string
	StudentCount int
}

// RemoteClient is the remote collaborator consumed by the cache manager. The
// push half of synchronization lives behind a separate, out-of-scope surface.
type RemoteClient interface {
	ListTrips(ctx context.Context) ([]TripSummary, error)
	FetchBundle(ctx context.Context, tripID ledger.TripID) (ledger.Bundle, error)
	CreateCheckpoint(ctx context.Context, tripID ledger.TripID, name string) error
}

type tripSummaryPayload struct {
	ID           string `json:"id"`
	Destination  string `json:"destination"`
	Date         string `json:"date"`
	Status       string `json:"status"`
	StudentCount int    `json:"student_count"`
}

type assignmentPayload struct {
	TokenUID       string `json:"token_uid"`
	AssignmentType string `json:"assignment_type"`
}

type studentPayload struct {
	ID         string             `json:"id"`
	FirstName  string             `json:"first_name"`
	LastName   string             `json:"last_name"`
	Assignment *assignmentPayload `json:"assignment,omitempty"`
}

type checkpointPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SequenceOrder int64  `json:"sequence_order"`
	Status        string `json:"status"`
}

type tripInfoPayload struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Date        string `json:"date"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
}

type bundlePayload struct {
	Trip        tripInfoPayload     `json:"trip"`
	Students    []studentPayload    `json:"students"`
	Checkpoints []checkpointPayload `json:"checkpoints"`
	GeneratedAt string              `json:"generated_at"`
}

type createCheckpointPayload struct {
	Name string `json:"name"`
}

// HTTPClientConfig carries the settings of the HTTP remote client. Timeouts
// are this client's responsibility, not the core's.
type HTTPClientConfig struct {
	BaseURL string
	Client  *http.Client
}

// HTTPClient talks JSON to the remote trip service.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient validates the configuration and returns an HTTPClient.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &HTTPClient{baseURL: baseURL, client: client}, nil
}

// ListTrips fetches the remote trip summaries.
func (c *HTTPClient) ListTrips(ctx context.Context) ([]TripSummary, error) {
	var payload []tripSummaryPayload
	if err := c.getJSON(ctx, c.baseURL+"/trips", &payload); err != nil {
		return nil, err
	}

	summaries := make([]TripSummary, 0, len(payload))
	for _, trip := range payload {
		summaries = append(summaries, TripSummary{
			TripID:       trip.ID,
			Destination:  trip.Destination,
			DateSeconds:  parseDateSeconds(trip.Date),
			Status:       trip.Status,
			StudentCount: trip.StudentCount,
		})
	}
	return summaries, nil
}

// FetchBundle fetches the full offline bundle of one trip.
func (c *HTTPClient) FetchBundle(ctx context.Context, tripID ledger.TripID) (ledger.Bundle, error) {
	endpoint := fmt.Sprintf("%s/trips/%s/offline-data", c.baseURL, url.PathEscape(tripID.String()))

	var payload bundlePayload
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return ledger.Bundle{}, err
	}

	students := make([]ledger.BundleStudent, 0, len(payload.Students))
	for _, student := range payload.Students {
		studentID, err := ledger.NewStudentID(student.ID)
		if err != nil {
			return ledger.Bundle{}, err
		}
		entry := ledger.BundleStudent{
			StudentID: studentID,
			FirstName: student.FirstName,
			LastName:  student.LastName,
		}
		if student.Assignment != nil {
			entry.TokenUID = ledger.CanonicalTokenUID(student.Assignment.TokenUID)
			entry.AssignmentType = student.Assignment.AssignmentType
		}
		students = append(students, entry)
	}

	checkpoints := make([]ledger.BundleCheckpoint, 0, len(payload.Checkpoints))
	for _, checkpoint := range payload.Checkpoints {
		checkpointID, err := ledger.NewCheckpointID(checkpoint.ID)
		if err != nil {
			return ledger.Bundle{}, err
		}
		checkpoints = append(checkpoints, ledger.BundleCheckpoint{
			CheckpointID:  checkpointID,
			Name:          checkpoint.Name,
			SequenceOrder: checkpoint.SequenceOrder,
			Status:        ledger.CheckpointStatus(checkpoint.Status),
		})
	}

	return ledger.Bundle{
		TripID:             tripID,
		Destination:        payload.Trip.Destination,
		DateSeconds:        parseDateSeconds(payload.Trip.Date),
		Description:        payload.Trip.Description,
		Status:             payload.Trip.Status,
		Students:           students,
		Checkpoints:        checkpoints,
		GeneratedAtSeconds: parseDateSeconds(payload.GeneratedAt),
	}, nil
}

// CreateCheckpoint announces a field-created checkpoint upstream. Callers
// treat it as best-effort: local creation must succeed regardless of this
// call's outcome.
func (c *HTTPClient) CreateCheckpoint(ctx context.Context, tripID ledger.TripID, name string) error {
	endpoint := fmt.Sprintf("%s/trips/%s/checkpoints", c.baseURL, url.PathEscape(tripID.String()))

	body, err := json.Marshal(createCheckpointPayload{Name: name})
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("remote checkpoint creation failed: status %d", response.StatusCode)
	}
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, endpoint string, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("remote request failed: status %d", response.StatusCode)
	}

	return json.NewDecoder(response.Body).Decode(out)
}

// parseDateSeconds accepts RFC 3339 timestamps and bare dates; anything else
// maps to zero rather than failing a whole bundle on one malformed field.
func parseDateSeconds(value string) int64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return parsed.UTC().Unix()
	}
	if parsed, err := time.Parse("2006-01-02", trimmed); err == nil {
		return parsed.UTC().Unix()
	}
	return 0
}
