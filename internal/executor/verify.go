package executor

import (
	"context"
	"strings"
	"sync"
	"time"

	"steve/internal/bot"
	"steve/internal/task"
)

const (
	verifyPollInterval   = 2 * time.Second
	verifyDefaultTimeout = 10 * time.Second
	verifyAcquireTimeout = 20 * time.Second

	// digCollectDelay gives dropped items time to land in the inventory
	// before the first comparison.
	digCollectDelay = 1500 * time.Millisecond

	moveMinDistance = 0.75

	// verifyFailSkipThreshold force-completes a step after this many
	// consecutive verification failures; the world is assumed ahead of what
	// the interface reports.
	verifyFailSkipThreshold = 5
)

// baseline is the pre-dispatch world snapshot a verification diffs against.
type baseline struct {
	At              time.Time
	Position        bot.Position
	Food            float64
	Health          float64
	InventoryTotal  int
	InventoryByName map[string]int
}

type baselineStore struct {
	mu sync.Mutex
	m  map[string]*baseline
}

func newBaselineStore() *baselineStore {
	return &baselineStore{m: make(map[string]*baseline)}
}

func baselineKey(taskID, stepID string) string { return taskID + "-" + stepID }

func (s *baselineStore) put(key string, b *baseline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = b
}

func (s *baselineStore) take(key string) *baseline {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.m[key]
	delete(s.m, key)
	return b
}

// captureBaseline snapshots position, vitals and inventory before a dispatch.
// The capture is awaited: dispatching without a baseline would make every
// later verification meaningless.
func (p *Planner) captureBaseline(ctx context.Context, taskID, stepID string) error {
	state, err := p.bot.State(ctx)
	if err != nil {
		return err
	}
	items, err := p.inventory.Snapshot(ctx)
	if err != nil {
		return err
	}
	p.baselines.put(baselineKey(taskID, stepID), &baseline{
		At:              p.now(),
		Position:        state.Position,
		Food:            state.Food,
		Health:          state.Health,
		InventoryTotal:  bot.TotalCount(items),
		InventoryByName: bot.CountByName(items),
	})
	return nil
}

// verifyStep polls the world until the leaf's effect is observable or the
// verification window closes. Leaves without an observable contract are
// skipped, never failed.
func (p *Planner) verifyStep(ctx context.Context, t *task.Task, step *task.Step, exec *leafExecution) task.VerificationStatus {
	base := p.baselines.take(baselineKey(t.ID, step.ID))
	if base == nil {
		return task.VerificationSkipped
	}

	check := p.checkerForLeaf(exec, step)
	if check == nil {
		return task.VerificationSkipped
	}

	timeout := verifyDefaultTimeout
	if exec.Leaf == "acquire_material" {
		timeout = verifyAcquireTimeout
		select {
		case <-time.After(digCollectDelay):
		case <-ctx.Done():
			return task.VerificationSkipped
		}
	}

	deadline := p.now().Add(timeout)
	for {
		ok, err := check(ctx, base)
		if err != nil {
			p.logger.Warn("verify %s step %s: %v", t.ID, step.ID, err)
		} else if ok {
			return task.VerificationVerified
		}
		if p.now().After(deadline) {
			return task.VerificationFailed
		}
		p.inventory.Invalidate()
		select {
		case <-time.After(verifyPollInterval):
		case <-ctx.Done():
			return task.VerificationFailed
		}
	}
}

type verifyCheck func(ctx context.Context, base *baseline) (bool, error)

// checkerForLeaf returns the observable-effect check for a leaf, or nil for
// leaves verified elsewhere (building steps carry their own acks) or not
// observable at all.
func (p *Planner) checkerForLeaf(exec *leafExecution, step *task.Step) verifyCheck {
	switch exec.Leaf {
	case "move_to", "sterling_navigate", "step_forward_safely", "follow_entity":
		return func(ctx context.Context, base *baseline) (bool, error) {
			state, err := p.bot.State(ctx)
			if err != nil {
				return false, err
			}
			return state.Position.DistanceTo(base.Position) >= moveMinDistance, nil
		}

	case "collect_item", "collect_items", "pickup_item":
		return func(ctx context.Context, base *baseline) (bool, error) {
			items, err := p.inventory.Snapshot(ctx)
			if err != nil {
				return false, err
			}
			return bot.TotalCount(items) > base.InventoryTotal, nil
		}

	case "craft_recipe":
		recipe := stringArg(exec.Args, "recipe")
		qty := intArg(exec.Args, "qty")
		if qty <= 0 {
			qty = 1
		}
		return func(ctx context.Context, base *baseline) (bool, error) {
			items, err := p.inventory.Snapshot(ctx)
			if err != nil {
				return false, err
			}
			// Crafted output matches exactly; no world equivalences apply.
			have := bot.CountByName(items)[recipe]
			return have-base.InventoryByName[recipe] >= qty, nil
		}

	case "smelt":
		output := ""
		if step.Meta != nil && len(step.Meta.Produces) > 0 {
			output = step.Meta.Produces[0]
		}
		if output == "" {
			return nil
		}
		count := intArg(exec.Args, "count")
		if count <= 0 {
			count = 1
		}
		return func(ctx context.Context, base *baseline) (bool, error) {
			items, err := p.inventory.Snapshot(ctx)
			if err != nil {
				return false, err
			}
			have := bot.CountByName(items)[output]
			return have-base.InventoryByName[output] >= count, nil
		}

	case "place_block", "place_workstation", "place_torch_if_needed":
		target := stringArg(exec.Args, "block")
		if target == "" {
			target = stringArg(exec.Args, "workstation")
		}
		if target == "" {
			return nil
		}
		return func(ctx context.Context, base *baseline) (bool, error) {
			blocks, err := p.bot.NearbyBlocks(ctx)
			if err != nil {
				return false, err
			}
			for _, block := range blocks {
				if block.Name == target {
					return true, nil
				}
			}
			return false, nil
		}

	case "consume_food":
		return func(ctx context.Context, base *baseline) (bool, error) {
			state, err := p.bot.State(ctx)
			if err != nil {
				return false, err
			}
			return state.Food > base.Food, nil
		}

	case "acquire_material":
		material := stringArg(exec.Args, "material")
		if material == "" {
			return nil
		}
		mine := isMineStep(step)
		return func(ctx context.Context, base *baseline) (bool, error) {
			items, err := p.inventory.Snapshot(ctx)
			if err != nil {
				return false, err
			}
			counts := bot.CountByName(items)
			baseCount, nowCount := 0, 0
			for name := range merge(counts, base.InventoryByName) {
				if !materialMatches(material, name, mine) {
					continue
				}
				baseCount += base.InventoryByName[name]
				nowCount += counts[name]
			}
			return nowCount-baseCount >= 1, nil
		}

	default:
		return nil
	}
}

// isMineStep reports whether a step obtains its material by mining, which
// widens the equivalence set (stone drops cobblestone).
func isMineStep(step *task.Step) bool {
	if step.Meta == nil {
		return false
	}
	if step.Meta.Domain == "mining" {
		return true
	}
	label := strings.ToLower(step.Label)
	return strings.Contains(label, "mine") || strings.Contains(label, "dig")
}

// materialMatches applies the world-drop equivalence table: what ends up in
// the inventory for a target is not always the target's own name. Craft and
// smelt verifications never use this.
func materialMatches(target, itemName string, mine bool) bool {
	if itemName == target {
		return true
	}
	switch target {
	case "coal_ore":
		return itemName == "coal"
	case "iron_ore":
		return itemName == "raw_iron"
	case "stone":
		return mine && itemName == "cobblestone"
	}
	if strings.Contains(target, "log") || strings.Contains(target, "wood") {
		return strings.Contains(itemName, "log") || strings.Contains(itemName, "wood")
	}
	return false
}

func merge(a, b map[string]int) map[string]struct{} {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return keys
}
