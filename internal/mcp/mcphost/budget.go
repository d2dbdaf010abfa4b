package mcphost

import (
	"cmp"
	"slices"

	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
)

// BudgetEnforcer filters the tool catalogue down to what a specific agent may
// see. Budget tiers no longer gate exposure (they are retained purely as
// latency telemetry, see [tierFromMeasuredP50]); exposure is now governed by
// the caller's excluded-tools set.
//
// The zero value is ready for use.
type BudgetEnforcer struct{}

// FilterTools returns every tool definition whose name is not present in
// excluded, sorted by estimated latency ascending (fastest first). excluded
// may be nil, in which case the full catalogue is returned.
func (e *BudgetEnforcer) FilterTools(tools []toolEntry, excluded map[string]bool) []llm.ToolDefinition {
	var result []toolEntry
	for i := range tools {
		if excluded[tools[i].def.Name] {
			continue
		}
		result = append(result, tools[i])
	}

	// Sort by effective latency: prefer measured P50 when available, fall back to declared.
	slices.SortFunc(result, func(a, b toolEntry) int {
		return cmp.Compare(a.effectiveP50(), b.effectiveP50())
	})

	defs := make([]llm.ToolDefinition, len(result))
	for i, e := range result {
		defs[i] = e.def
	}
	return defs
}

// effectiveP50 returns the best-known P50 latency for sorting purposes.
// If the rolling window has measurements, that value is used; otherwise the
// declared P50 is returned.
func (e toolEntry) effectiveP50() int64 {
	if e.measurements != nil && e.measurements.Count() > 0 {
		return e.measuredP50Ms
	}
	return e.declaredP50Ms
}
