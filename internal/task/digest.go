package task

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// StepsDigest returns a stable digest over the plan's step labels. Replan
// comparison and episode coherence checks both key on this value, so the
// digest must be insensitive to step identity churn: it hashes labels (or the
// step id when the label is empty) in plan order.
func StepsDigest(steps []*Step) string {
	h := fnv.New64a()
	for _, step := range steps {
		label := step.Label
		if label == "" {
			label = step.ID
		}
		_, _ = h.Write([]byte(label))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// TitleSimilarity returns the word-overlap ratio of two task titles in
// [0, 1]. Used by the structural dedupe scan at creation.
func TitleSimilarity(a, b string) float64 {
	wordsA := titleWords(a)
	wordsB := titleWords(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(wordsA))
	for _, w := range wordsA {
		setA[w] = struct{}{}
	}
	overlap := 0
	seen := make(map[string]struct{}, len(wordsB))
	for _, w := range wordsB {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if _, ok := setA[w]; ok {
			overlap++
		}
	}

	denom := len(setA)
	if len(seen) > denom {
		denom = len(seen)
	}
	return float64(overlap) / float64(denom)
}

func titleWords(title string) []string {
	fields := strings.Fields(strings.ToLower(title))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,:;!?\"'()[]")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
