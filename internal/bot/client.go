package bot

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"steve/internal/logging"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultActionTimeout  = 30 * time.Second
)

// Client talks to the minecraft-interface HTTP service. Transport errors and
// 5xx responses surface as Go errors so the caller can feed the circuit
// breaker; action-level failures come back inside the ActionResult.
type Client struct {
	baseURL string
	http    *http.Client
	logger  logging.Logger
}

// NewClient creates a bot-interface client.
func NewClient(baseURL string, logger logging.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultActionTimeout + 5*time.Second},
		logger:  logging.OrNop(logger),
	}
}

// Health probes the bot interface.
func (c *Client) Health(ctx context.Context) error {
	return c.getJSON(ctx, "/health", &struct{}{})
}

// State fetches the bot's vitals snapshot.
func (c *Client) State(ctx context.Context) (*State, error) {
	var state State
	if err := c.getJSON(ctx, "/state", &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Inventory fetches the raw inventory listing.
func (c *Client) Inventory(ctx context.Context) ([]InventoryItem, error) {
	var items []InventoryItem
	if err := c.getJSON(ctx, "/inventory", &items); err != nil {
		return nil, err
	}
	return items, nil
}

// NearbyBlocks fetches observed blocks around the bot.
func (c *Client) NearbyBlocks(ctx context.Context) ([]Block, error) {
	var blocks []Block
	if err := c.getJSON(ctx, "/nearby-blocks", &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// ThreatAssessment is the bot's current danger evaluation.
type ThreatAssessment struct {
	Unsafe bool   `json:"unsafe"`
	Detail string `json:"detail,omitempty"`
}

// Threat fetches the current threat assessment.
func (c *Client) Threat(ctx context.Context) (*ThreatAssessment, error) {
	var threat ThreatAssessment
	if err := c.getJSON(ctx, "/threat", &threat); err != nil {
		return nil, err
	}
	return &threat, nil
}

type worldScanResponse struct {
	Grid string `json:"grid"` // base64 occupancy bytes
	DimX int    `json:"dimX"`
	DimY int    `json:"dimY"`
	DimZ int    `json:"dimZ"`
}

// WorldScan fetches the occupancy grid for a bounding box.
func (c *Client) WorldScan(ctx context.Context, x1, y1, z1, x2, y2, z2 int) (*OccupancyGrid, error) {
	query := url.Values{}
	for key, v := range map[string]int{"x1": x1, "y1": y1, "z1": z1, "x2": x2, "y2": y2, "z2": z2} {
		query.Set(key, fmt.Sprintf("%d", v))
	}
	var resp worldScanResponse
	if err := c.getJSON(ctx, "/world-scan?"+query.Encode(), &resp); err != nil {
		return nil, err
	}
	cells, err := base64.StdEncoding.DecodeString(resp.Grid)
	if err != nil {
		return nil, fmt.Errorf("decode world scan grid: %w", err)
	}
	grid := &OccupancyGrid{
		MinX: min(x1, x2), MinY: min(y1, y2), MinZ: min(z1, z2),
		DimX: resp.DimX, DimY: resp.DimY, DimZ: resp.DimZ,
		Cells: cells,
	}
	if grid.DimX == 0 {
		grid.DimX = abs(x2-x1) + 1
		grid.DimY = abs(y2-y1) + 1
		grid.DimZ = abs(z2-z1) + 1
	}
	return grid, nil
}

// ExecuteAction runs a blocking action. The returned error covers only
// transport and server failures; an unsuccessful action arrives as
// ActionResult{OK: false}.
func (c *Client) ExecuteAction(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"type":       req.Type,
		"parameters": req.Parameters,
		"timeout":    timeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal action request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/action", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bot action %s: %w", req.Type, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("bot action %s: server error %d", req.Type, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read action response: %w", err)
	}

	var result ActionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode action response: %w", err)
	}
	if result.Outcome == "" {
		if result.OK {
			result.Outcome = OutcomeExecuted
		} else {
			result.Outcome = OutcomeError
		}
	}
	result.ShadowBlocked = result.Outcome == OutcomeShadow && !result.OK
	return &result, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bot GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bot GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
