// Package prereq injects prerequisite subtasks when a craft task cannot
// proceed: missing ingredients become gather or craft subtasks, a missing
// crafting table becomes a place task, and the parent parks on
// waiting_on_prereq until the subtasks finish.
package prereq

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"steve/internal/events"
	"steve/internal/logging"
	"steve/internal/sterling"
	"steve/internal/task"
)

// maxInjectionsPerTask caps how many times a single parent may receive
// injected prerequisites before it is left to fail on its own.
const maxInjectionsPerTask = 3

// RecipeSource resolves recipe requirements. Recipe knowledge stays in the
// solver service.
type RecipeSource interface {
	IntrospectRecipe(ctx context.Context, item string) (*sterling.Recipe, error)
}

// Injector creates prerequisite subtasks through the task store so they pass
// the same creation pipeline as every other task.
type Injector struct {
	store   *task.Store
	recipes RecipeSource
	emitter task.Emitter
	logger  logging.Logger
}

// NewInjector wires an injector against the store and recipe source.
func NewInjector(store *task.Store, recipes RecipeSource, emitter task.Emitter, logger logging.Logger) *Injector {
	return &Injector{
		store:   store,
		recipes: recipes,
		emitter: emitter,
		logger:  logging.OrNop(logger),
	}
}

// Deficit is one missing ingredient of a recipe.
type Deficit struct {
	Item    string
	Missing int
}

// MissingInputs diffs a recipe against current inventory counts and returns
// the deficits, largest first.
func MissingInputs(recipe *sterling.Recipe, have map[string]int) []Deficit {
	deficits := make([]Deficit, 0, len(recipe.Inputs))
	for _, input := range recipe.Inputs {
		missing := input.Count - have[input.Item]
		if missing > 0 {
			deficits = append(deficits, Deficit{Item: input.Item, Missing: missing})
		}
	}
	for i := 1; i < len(deficits); i++ {
		for j := i; j > 0 && deficits[j].Missing > deficits[j-1].Missing; j-- {
			deficits[j], deficits[j-1] = deficits[j-1], deficits[j]
		}
	}
	return deficits
}

// InjectForCraft resolves the recipe for outputItem and injects at most one
// prerequisite subtask for the largest deficit (plus a crafting table place
// task when the recipe needs one and none is available). Returns the ids of
// created subtasks; an empty slice means nothing was injected.
func (i *Injector) InjectForCraft(ctx context.Context, parent *task.Task, outputItem string, have map[string]int, tableAvailable bool) ([]string, error) {
	if parent.Metadata.PrereqInjectionCount >= maxInjectionsPerTask {
		i.logger.Warn("prereq injection cap reached for %s; not injecting", parent.ID)
		return nil, nil
	}

	recipe, err := i.recipes.IntrospectRecipe(ctx, outputItem)
	if err != nil {
		return nil, fmt.Errorf("introspect recipe %q: %w", outputItem, err)
	}

	var created []string

	if recipe.RequiresTable && !tableAvailable {
		id, err := i.injectOne(ctx, parent, subtaskSpec{
			Kind:     task.RequireBuild,
			Output:   "crafting_table",
			Quantity: 1,
			Title:    "Place crafting table",
			Type:     "placement",
			Category: "building",
		})
		if err != nil {
			return created, err
		}
		if id != "" {
			created = append(created, id)
		}
	}

	deficits := MissingInputs(recipe, have)
	if len(deficits) > 0 {
		spec, err := i.specForDeficit(ctx, deficits[0])
		if err != nil {
			return created, err
		}
		id, err := i.injectOne(ctx, parent, spec)
		if err != nil {
			return created, err
		}
		if id != "" {
			created = append(created, id)
		}
	}

	if len(created) > 0 {
		if err := i.store.SetBlocked(parent.ID, "waiting_on_prereq"); err != nil {
			return created, err
		}
		if err := i.store.Mutate(parent.ID, func(t *task.Task) {
			t.Metadata.PrereqInjectionCount++
		}); err != nil {
			return created, err
		}
	}
	return created, nil
}

type subtaskSpec struct {
	Kind     task.RequirementKind
	Output   string
	Quantity int
	Title    string
	Type     string
	Category string
}

// specForDeficit decides how to obtain a missing ingredient: craftable items
// get a nested craft subtask, raw materials map to gather or mine tasks.
func (i *Injector) specForDeficit(ctx context.Context, d Deficit) (subtaskSpec, error) {
	recipe, err := i.recipes.IntrospectRecipe(ctx, d.Item)
	if err == nil && len(recipe.Inputs) > 0 {
		return subtaskSpec{
			Kind:     task.RequireCraft,
			Output:   d.Item,
			Quantity: d.Missing,
			Title:    fmt.Sprintf("Craft %d %s", d.Missing, d.Item),
			Type:     "crafting",
			Category: "crafting",
		}, nil
	}

	item, taskType := baseGatherTarget(d.Item)
	kind := task.RequireCollect
	if taskType == "mining" {
		kind = task.RequireMine
	}
	return subtaskSpec{
		Kind:     kind,
		Output:   item,
		Quantity: d.Missing,
		Title:    fmt.Sprintf("Gather %d %s", d.Missing, item),
		Type:     taskType,
		Category: "resource_gathering",
	}, nil
}

// baseGatherTarget maps a raw ingredient to the item actually obtained in the
// world and the task type that obtains it.
func baseGatherTarget(item string) (string, string) {
	switch {
	case strings.Contains(item, "log") || strings.Contains(item, "plank") || item == "stick":
		return "oak_log", "gathering"
	case item == "stone" || item == "cobblestone":
		return "stone", "mining"
	case strings.Contains(item, "iron"):
		return "iron_ore", "mining"
	default:
		return item, "gathering"
	}
}

// injectOne creates one subtask unless an equivalent live one already exists
// under the same subtask key. Returns "" on a dedupe hit.
func (i *Injector) injectOne(ctx context.Context, parent *task.Task, spec subtaskSpec) (string, error) {
	key := SubtaskKey(string(spec.Kind), spec.Output, spec.Quantity, parent.ID)
	if existing := i.store.BySubtaskKey(key); existing != nil && existing.NonTerminal() {
		i.logger.Debug("prereq %s already live as %s; skipping", key, existing.ID)
		return "", nil
	}

	priority := parent.Priority + 0.1
	if priority > 1 {
		priority = 1
	}
	sub, err := i.store.AddTask(ctx, &task.AddRequest{
		Title:        spec.Title,
		Type:         spec.Type,
		Description:  fmt.Sprintf("Prerequisite for %q", parent.Title),
		Source:       parent.Source,
		Category:     spec.Category,
		Priority:     priority,
		Urgency:      parent.Urgency,
		ParentTaskID: parent.ID,
		Requirement: &task.Requirement{
			Kind:          spec.Kind,
			OutputPattern: spec.Output,
			Quantity:      spec.Quantity,
		},
		Metadata: map[string]any{
			"subtaskKey":     key,
			"taskProvenance": "prereq_injector",
		},
	})
	if err != nil {
		return "", fmt.Errorf("inject prereq for %s: %w", parent.ID, err)
	}

	i.logger.Info("injected prereq %s (%s x%d) for %s", sub.ID, spec.Output, spec.Quantity, parent.ID)
	if i.emitter != nil {
		i.emitter.Emit(events.Event{Type: events.TypePrereqInjected, TaskID: parent.ID, Data: map[string]any{
			"subtaskId": sub.ID,
			"output":    spec.Output,
			"quantity":  spec.Quantity,
		}})
	}
	return sub.ID, nil
}

// SubtaskKey derives the stable dedupe key for an injected prerequisite.
func SubtaskKey(kind, outputPattern string, quantity int, parentID string) string {
	h := fnv.New64a()
	for _, part := range []string{kind, outputPattern, fmt.Sprintf("%d", quantity), parentID} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("prereq-%016x", h.Sum64())
}
