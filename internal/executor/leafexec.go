package executor

import (
	"fmt"
	"time"

	"steve/internal/task"
)

// leafExecution is the fully resolved action contract for one step dispatch.
type leafExecution struct {
	Leaf    string
	Args    map[string]any
	Timeout time.Duration
}

// unknownLeafError marks a step whose executable leaf is not in the
// allowlist. The task fails explicitly instead of silently skipping.
type unknownLeafError struct{ leaf string }

func (e *unknownLeafError) Error() string { return "unknown-leaf:" + e.leaf }

// invalidArgsError marks a leaf whose argument contract could not be
// satisfied from the step metadata.
type invalidArgsError struct{ detail string }

func (e *invalidArgsError) Error() string { return "invalid-args: " + e.detail }

// leafTimeouts overrides the default action timeout per leaf. Material
// acquisition involves pathing and digging and routinely runs long.
var leafTimeouts = map[string]time.Duration{
	"acquire_material":  60 * time.Second,
	"sterling_navigate": 60 * time.Second,
	"building_step":     45 * time.Second,
}

// stepToLeafExecution translates a step's metadata into the action contract.
// Legacy shapes are normalized first; the resulting leaf must be allowlisted
// and must satisfy its argument contract.
func stepToLeafExecution(t *task.Task, step *task.Step) (*leafExecution, error) {
	meta := step.Meta
	leaf := meta.Leaf
	args := make(map[string]any, len(meta.Args)+2)
	for k, v := range meta.Args {
		args[k] = v
	}

	// Legacy normalization predates the leaf contracts.
	if leaf == "dig_block" {
		leaf = "acquire_material"
	}
	if leaf == "smelt" {
		if item, ok := args["item"]; ok && args["input"] == nil {
			args["input"] = item
			delete(args, "item")
		}
	}

	switch leaf {
	case "acquire_material":
		if stringArg(args, "material") == "" {
			if len(meta.Produces) > 0 {
				args["material"] = meta.Produces[0]
			} else {
				return nil, &invalidArgsError{detail: "acquire_material requires material"}
			}
		}

	case "craft_recipe":
		if stringArg(args, "recipe") == "" {
			if len(meta.Produces) > 0 {
				args["recipe"] = meta.Produces[0]
			} else {
				return nil, &invalidArgsError{detail: "craft_recipe requires recipe"}
			}
		}
		if intArg(args, "qty") <= 0 {
			args["qty"] = 1
		}

	case "smelt":
		// Inputs come from consumes, never produces: the produced item is the
		// smelting output, not what goes into the furnace.
		if stringArg(args, "input") == "" {
			if len(meta.Consumes) > 0 {
				args["input"] = meta.Consumes[0]
			} else {
				return nil, &invalidArgsError{detail: "smelt requires input"}
			}
		}

	case "place_block":
		if stringArg(args, "block") == "" {
			if len(meta.Produces) > 0 {
				args["block"] = meta.Produces[0]
			} else {
				return nil, &invalidArgsError{detail: "place_block requires block"}
			}
		}

	case "place_workstation":
		if stringArg(args, "workstation") == "" {
			if meta.Workstation != "" {
				args["workstation"] = meta.Workstation
			} else {
				return nil, &invalidArgsError{detail: "place_workstation requires workstation"}
			}
		}

	case "building_step":
		if stringArg(args, "moduleId") == "" && meta.ModuleID != "" {
			args["moduleId"] = meta.ModuleID
		}
		if stringArg(args, "moduleId") == "" {
			return nil, &invalidArgsError{detail: "building_step requires moduleId"}
		}
		if stringArg(args, "item") == "" && len(meta.Consumes) > 0 {
			args["item"] = meta.Consumes[0]
		}
		if intArg(args, "count") <= 0 {
			args["count"] = 1
		}

	case "sterling_navigate":
		if args["target"] == nil {
			return nil, &invalidArgsError{detail: "sterling_navigate requires target"}
		}
		if _, ok := args["toleranceXZ"]; !ok {
			args["toleranceXZ"] = 1.5
		}
		if _, ok := args["toleranceY"]; !ok {
			args["toleranceY"] = 1.0
		}

	case "move_to":
		if args["target"] == nil && args["position"] == nil {
			return nil, &invalidArgsError{detail: "move_to requires target"}
		}

	case "follow_entity":
		if stringArg(args, "entity") == "" && args["target"] == nil {
			return nil, &invalidArgsError{detail: "follow_entity requires entity"}
		}

	case "place_torch_if_needed":
		if stringArg(args, "block") == "" {
			args["block"] = "torch"
		}

	case "look_at":
		if args["target"] == nil && args["position"] == nil {
			return nil, &invalidArgsError{detail: "look_at requires target"}
		}

	case "collect_item", "collect_items", "pickup_item", "consume_food",
		"step_forward_safely", "sense_hostiles", "get_light_level", "wait":
		// No required arguments.

	default:
		return nil, &unknownLeafError{leaf: leaf}
	}

	return &leafExecution{
		Leaf:    leaf,
		Args:    args,
		Timeout: leafTimeouts[leaf],
	}, nil
}

// fallbackExecution maps a task without step contracts onto a single leaf
// from its task type. This keeps legacy and MCP-created tasks executable.
func fallbackExecution(t *task.Task) (*leafExecution, error) {
	target := ""
	if req := t.Metadata.Requirement; req != nil {
		target = req.OutputPattern
	}
	if target == "" {
		if v, ok := t.Parameters["item"].(string); ok {
			target = v
		}
	}

	switch t.Type {
	case "mining", "gathering":
		if target == "" {
			return nil, &invalidArgsError{detail: fmt.Sprintf("%s fallback requires a target item", t.Type)}
		}
		return &leafExecution{
			Leaf:    "acquire_material",
			Args:    map[string]any{"material": target},
			Timeout: leafTimeouts["acquire_material"],
		}, nil
	case "crafting":
		if target == "" {
			return nil, &invalidArgsError{detail: "crafting fallback requires a target item"}
		}
		qty := 1
		if req := t.Metadata.Requirement; req != nil && req.Quantity > 0 {
			qty = req.Quantity
		}
		return &leafExecution{
			Leaf: "craft_recipe",
			Args: map[string]any{"recipe": target, "qty": qty},
		}, nil
	case "placement":
		if target == "" {
			return nil, &invalidArgsError{detail: "placement fallback requires a target block"}
		}
		return &leafExecution{
			Leaf: "place_block",
			Args: map[string]any{"block": target},
		}, nil
	case "navigation", "exploration":
		if t.Parameters["target"] == nil {
			return nil, &invalidArgsError{detail: "navigation fallback requires a target"}
		}
		return &leafExecution{
			Leaf:    "sterling_navigate",
			Args:    map[string]any{"target": t.Parameters["target"], "toleranceXZ": 1.5, "toleranceY": 1.0},
			Timeout: leafTimeouts["sterling_navigate"],
		}, nil
	default:
		return nil, &unknownLeafError{leaf: "type:" + t.Type}
	}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
