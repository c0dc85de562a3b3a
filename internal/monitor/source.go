package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/decision"
	"github.com/fyrsmithlabs/phasegate/internal/engine"
	"github.com/fyrsmithlabs/phasegate/internal/execution"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
)

// Snapshot is one poll of the daemon.
type Snapshot struct {
	Status   string
	Version  string
	Tick     uint64
	Services map[string]string
	Entities []EntityRow
}

// EntityRow is the dashboard view of one entity.
type EntityRow struct {
	ID         string
	Phase      string
	Executions map[execution.Status]int

	// Decision fields; HasDecision is false until the first evaluation.
	HasDecision     bool
	Readiness       float64
	Confidence      float64
	Recommended     gate.Action
	Effective       gate.Action
	Override        gate.Override
	DominantRule    string
	ReviewRequested bool
	Reasoning       []string
}

// Source produces snapshots for the dashboard.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// APIClient reads snapshots from the phasegated HTTP API.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a client for the server at baseURL.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the server URL.
func (c *APIClient) BaseURL() string { return c.baseURL }

var errNotFound = errors.New("not found")

// Snapshot fetches health, the entity list and each entity's latest
// decision.
func (c *APIClient) Snapshot(ctx context.Context) (Snapshot, error) {
	var health struct {
		Status   string            `json:"status"`
		Version  string            `json:"version"`
		Tick     uint64            `json:"tick"`
		Services map[string]string `json:"services"`
	}
	if err := c.get(ctx, "/health", &health); err != nil {
		return Snapshot{}, err
	}

	var ents []engine.EntitySummary
	if err := c.get(ctx, "/api/v1/entities", &ents); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Status:   health.Status,
		Version:  health.Version,
		Tick:     health.Tick,
		Services: health.Services,
		Entities: make([]EntityRow, 0, len(ents)),
	}
	for _, e := range ents {
		row := EntityRow{ID: e.ID, Phase: e.Phase, Executions: e.Executions}

		var d decision.GateDecision
		err := c.get(ctx, "/api/v1/entities/"+url.PathEscape(e.ID)+"/decision", &d)
		switch {
		case err == nil:
			row.HasDecision = true
			row.Readiness = d.ReadinessScore
			row.Confidence = d.Confidence
			row.Recommended = d.RecommendedAction
			row.Effective = d.EffectiveAction
			row.Override = d.Override
			row.DominantRule = d.DominantRule
			row.ReviewRequested = d.ReviewRequested
			row.Reasoning = d.Reasoning
		case errors.Is(err, errNotFound):
			// not evaluated yet
		default:
			return Snapshot{}, err
		}
		snap.Entities = append(snap.Entities, row)
	}
	return snap, nil
}

func (c *APIClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
