// Package bot is the HTTP client for the minecraft-interface process: world
// state reads, inventory snapshots, world scans and blocking action dispatch.
package bot

import (
	"math"
	"time"
)

// Position is a world coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DistanceTo returns the euclidean distance between two positions.
func (p Position) DistanceTo(other Position) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	dz := p.Z - other.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// InventoryItem is one stack in the bot's inventory.
type InventoryItem struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Slot  int    `json:"slot"`
}

// State is the bot's vital snapshot.
type State struct {
	Position Position `json:"position"`
	Health   float64  `json:"health"`
	Food     float64  `json:"food"`
	Time     int64    `json:"time"`
	Weather  string   `json:"weather,omitempty"`
}

// Block is one observed world block.
type Block struct {
	Name     string   `json:"name"`
	Position Position `json:"position"`
}

// ActionRequest is the payload of a blocking /action call.
type ActionRequest struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timeout    time.Duration  `json:"-"`
}

// Outcome classifies an action response.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeShadow   Outcome = "shadow"
	OutcomeError    Outcome = "error"
)

// ActionResult is the normalized action response.
type ActionResult struct {
	OK            bool           `json:"ok"`
	Outcome       Outcome        `json:"outcome"`
	Data          map[string]any `json:"data,omitempty"`
	Error         string         `json:"error,omitempty"`
	FailureCode   string         `json:"failureCode,omitempty"`
	ShadowBlocked bool           `json:"shadowBlocked"`
}

// OccupancyGrid is a decoded world-scan volume: one byte per cell, non-zero
// meaning occupied, in x-major y-z order over the requested bounds.
type OccupancyGrid struct {
	MinX, MinY, MinZ int
	DimX, DimY, DimZ int
	Cells            []byte
}

// Occupied reports whether the world cell at absolute coordinates is filled.
func (g *OccupancyGrid) Occupied(x, y, z int) bool {
	ix := x - g.MinX
	iy := y - g.MinY
	iz := z - g.MinZ
	if ix < 0 || iy < 0 || iz < 0 || ix >= g.DimX || iy >= g.DimY || iz >= g.DimZ {
		return false
	}
	idx := (ix*g.DimY+iy)*g.DimZ + iz
	if idx >= len(g.Cells) {
		return false
	}
	return g.Cells[idx] != 0
}
