// Package goal implements the goal-binding protocol: deduplicating
// goal-sourced task creation, translating lifecycle transitions into sync
// effects, and draining cross-entity effects on a single serial queue.
package goal

import (
	"fmt"
	"hash/fnv"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// UnserializableSentinel prefixes the canonical form used when intent params
// were present but could not be canonicalized. The sentinel keeps such goals
// from merging with goals that genuinely carry no intent params.
const UnserializableSentinel = "__unserializable__"

// CanonicalizeIntentParams produces a stable string form of intent params:
// objects render with recursively sorted keys, so key order never splits a
// goal identity. The second result is false when params are absent or could
// not be serialized (fail-closed on cycles and exotic types).
func CanonicalizeIntentParams(params any) (string, bool) {
	if params == nil {
		return "", false
	}
	var sb strings.Builder
	seen := make(map[uintptr]bool)
	if !writeCanonical(&sb, reflect.ValueOf(params), seen, 0) {
		return "", false
	}
	return sb.String(), true
}

const maxCanonicalDepth = 32

func writeCanonical(sb *strings.Builder, v reflect.Value, seen map[uintptr]bool, depth int) bool {
	if depth > maxCanonicalDepth {
		return false
	}
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			sb.WriteString("null")
			return true
		}
		if v.Kind() == reflect.Pointer {
			ptr := v.Pointer()
			if seen[ptr] {
				return false // circular
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.String:
		sb.WriteString(strconv.Quote(v.String()))
	case reflect.Bool:
		sb.WriteString(strconv.FormatBool(v.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		sb.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		sb.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
		sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && !v.IsZero() {
			ptr := v.Pointer()
			if seen[ptr] {
				return false
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		sb.WriteByte('[')
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				sb.WriteByte(',')
			}
			if !writeCanonical(sb, v.Index(i), seen, depth+1) {
				return false
			}
		}
		sb.WriteByte(']')
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return false // non-plain object; omit
		}
		if !v.IsZero() {
			ptr := v.Pointer()
			if seen[ptr] {
				return false
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			if !writeCanonical(sb, v.MapIndex(reflect.ValueOf(k)), seen, depth+1) {
				return false
			}
		}
		sb.WriteByte('}')
	default:
		// Structs, funcs, channels and other non-plain values are omitted
		// rather than guessed at.
		return false
	}
	return true
}

// UnserializableForm names the sentinel canonical form for a raw value that
// failed canonicalization.
func UnserializableForm(params any) string {
	return fmt.Sprintf("%s:%T", UnserializableSentinel, params)
}

// Position is the bot's world position, bucketed coarsely into the goal key
// so that nearby positions resolve to the same goal.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

const positionBucketSize = 16

func (p *Position) bucket() string {
	if p == nil {
		return ""
	}
	bx := int(math.Floor(p.X / positionBucketSize))
	by := int(math.Floor(p.Y / positionBucketSize))
	bz := int(math.Floor(p.Z / positionBucketSize))
	return fmt.Sprintf("%d,%d,%d", bx, by, bz)
}

// GoalKey derives the canonical deduplication key for a goal instance.
func GoalKey(goalType, canonicalParams, verifier string, pos *Position) string {
	h := fnv.New64a()
	for _, part := range []string{goalType, canonicalParams, verifier, pos.bucket()} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("goal-%016x", h.Sum64())
}
