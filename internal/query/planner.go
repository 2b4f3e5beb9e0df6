package query

import "sort"

// QueryPlansMax bounds how many tier segments one query's plan list may
// contain (spec.md §4.3 step 3: "append up to QUERY_PLANS_MAX segments").
const QueryPlansMax = 8

// ReadAheadUnits is the number of update_every units a plan's boundary is
// expanded by to smooth interpolation across plan switches (spec.md §4.3
// step 5).
const ReadAheadUnits = 2

// TierInfo describes one retention tier's availability for a metric.
type TierInfo struct {
	Tier         int
	FirstTimeS   int64
	LastTimeS    int64
	UpdateEveryS int64
}

// Plan is one segment of a query's time range served from a single tier
// (spec.md §4.3 "Plan invariants").
type Plan struct {
	Tier   int
	AfterS int64
	BeforeS int64
	// ExpandedAfterS/ExpandedBeforeS carry the read-ahead expansion
	// applied in step 5; AfterS/BeforeS remain the unexpanded, canonical
	// segment boundaries used for the "plans never overlap" invariant.
	ExpandedAfterS  int64
	ExpandedBeforeS int64
}

func (t TierInfo) coversAny(after, before int64) bool {
	return t.LastTimeS >= after && t.FirstTimeS <= before
}

// weight scores a tier for a requested [after,before] range and
// pointsWanted, blending time-coverage ratio with a points-available vs
// points-wanted deviation penalty, plus a small bonus favoring higher
// tiers when coverage is comparable (spec.md §4.3 step 1).
func weight(t TierInfo, after, before int64, pointsWanted int) float64 {
	if t.UpdateEveryS <= 0 {
		return -1
	}
	rangeStart := maxI64(after, t.FirstTimeS)
	rangeEnd := minI64(before, t.LastTimeS)
	if rangeEnd < rangeStart {
		return -1
	}
	totalSpan := before - after
	if totalSpan <= 0 {
		totalSpan = 1
	}
	coverage := float64(rangeEnd-rangeStart) / float64(totalSpan)

	available := float64(rangeEnd-rangeStart)/float64(t.UpdateEveryS) + 1
	wanted := float64(pointsWanted)
	if wanted <= 0 {
		wanted = available
	}
	deviation := available - wanted
	if deviation < 0 {
		deviation = -deviation
	}
	deviationPenalty := deviation / (wanted + 1)

	tierBonus := float64(t.Tier) * 0.01
	return coverage - deviationPenalty + tierBonus
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// BuildPlans selects a tier per sub-range of [after,before] and returns
// the ordered, non-overlapping plan segments (spec.md §4.3). pinnedTier,
// if >= 0 and valid (has any coverage of the range), is used for the
// spine regardless of score.
func BuildPlans(tiers []TierInfo, after, before int64, pointsWanted int, pinnedTier int) []Plan {
	if len(tiers) == 0 || before < after {
		return nil
	}

	byTier := make(map[int]TierInfo, len(tiers))
	for _, t := range tiers {
		byTier[t.Tier] = t
	}

	spine, ok := pickSpine(tiers, after, before, pointsWanted, pinnedTier, byTier)
	if !ok {
		return nil
	}

	plans := []Plan{{Tier: spine.Tier, AfterS: maxI64(after, spine.FirstTimeS), BeforeS: minI64(before, spine.LastTimeS)}}

	// Step 3: extend backward using higher tiers for the gap before the
	// spine's coverage.
	gapEnd := plans[0].AfterS
	for gapEnd > after && len(plans) < QueryPlansMax {
		extended := false
		for _, t := range higherTiersSorted(tiers, spine.Tier) {
			if !t.coversAny(after, gapEnd-1) {
				continue
			}
			segAfter := maxI64(after, t.FirstTimeS)
			segBefore := gapEnd - 1
			if segBefore < segAfter {
				continue
			}
			plans = append([]Plan{{Tier: t.Tier, AfterS: segAfter, BeforeS: segBefore}}, plans...)
			gapEnd = segAfter
			extended = true
			break
		}
		if !extended {
			break
		}
	}

	// Step 4: extend forward using lower tiers toward `before`.
	gapStart := plans[len(plans)-1].BeforeS
	for gapStart < before && len(plans) < QueryPlansMax {
		extended := false
		for _, t := range lowerTiersSorted(tiers, spine.Tier) {
			if !t.coversAny(gapStart+1, before) {
				continue
			}
			segAfter := gapStart + 1
			segBefore := minI64(before, t.LastTimeS)
			if segBefore < segAfter {
				continue
			}
			plans = append(plans, Plan{Tier: t.Tier, AfterS: segAfter, BeforeS: segBefore})
			gapStart = segBefore
			extended = true
			break
		}
		if !extended {
			break
		}
	}

	sort.Slice(plans, func(i, j int) bool { return plans[i].AfterS < plans[j].AfterS })

	// Step 5: read-ahead expansion at plan boundaries.
	for i := range plans {
		t := byTier[plans[i].Tier]
		ahead := t.UpdateEveryS * ReadAheadUnits
		plans[i].ExpandedAfterS = plans[i].AfterS - ahead
		plans[i].ExpandedBeforeS = plans[i].BeforeS + ahead
		if i == 0 {
			plans[i].ExpandedAfterS = plans[i].AfterS // first plan begins at `after`
		}
		if i == len(plans)-1 {
			plans[i].ExpandedBeforeS = plans[i].BeforeS
		}
	}

	return plans
}

func pickSpine(tiers []TierInfo, after, before int64, pointsWanted, pinnedTier int, byTier map[int]TierInfo) (TierInfo, bool) {
	if pinnedTier >= 0 {
		if t, ok := byTier[pinnedTier]; ok && t.coversAny(after, before) {
			return t, true
		}
	}
	var best TierInfo
	bestScore := -1.0
	found := false
	for _, t := range tiers {
		if !t.coversAny(after, before) {
			continue
		}
		w := weight(t, after, before, pointsWanted)
		if w > bestScore {
			bestScore = w
			best = t
			found = true
		}
	}
	return best, found
}

func higherTiersSorted(tiers []TierInfo, spine int) []TierInfo {
	out := make([]TierInfo, 0, len(tiers))
	for _, t := range tiers {
		if t.Tier > spine {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out
}

func lowerTiersSorted(tiers []TierInfo, spine int) []TierInfo {
	out := make([]TierInfo, 0, len(tiers))
	for _, t := range tiers {
		if t.Tier < spine {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier > out[j].Tier })
	return out
}
