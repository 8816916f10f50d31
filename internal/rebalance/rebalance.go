// Package rebalance keeps the three round lists of a campaign near equal thirds.
package rebalance

import (
	"fmt"
	"math"

	"campaign-lifecycle/internal/errs"
	"campaign-lifecycle/internal/models"
)

// DefaultTolerance is the allowed deviation from target, as a fraction of target.
const DefaultTolerance = 0.05

// Move transfers Count contacts from one list to another. ContactIDs, when
// resolved, are in source insertion order and are appended to the destination.
type Move struct {
	FromListID string   `json:"from_list_id"`
	ToListID   string   `json:"to_list_id"`
	Count      int      `json:"count"`
	ContactIDs []string `json:"contact_ids,omitempty"`
}

// Assessment describes the distribution of contacts across round lists.
type Assessment struct {
	Total      int     `json:"total"`
	Target     int     `json:"target"`
	Lower      int     `json:"lower"`
	Upper      int     `json:"upper"`
	Counts     []int   `json:"counts"`
	IsBalanced bool    `json:"is_balanced"`
	StdDev     float64 `json:"std_dev"`
	Score      float64 `json:"balance_score"`
}

// Plan is a set of moves with the predicted effect on balance.
type Plan struct {
	Before      Assessment `json:"before"`
	After       Assessment `json:"after"`
	Moves       []Move     `json:"moves"`
	Source      string     `json:"source"`
	Rationale   string     `json:"rationale,omitempty"`
	ShouldApply bool       `json:"should_apply"`
}

// Evaluate measures the lists against floor(total/3) with the given tolerance.
func Evaluate(lists []models.ListState, tolerance float64) Assessment {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	counts := make([]int, len(lists))
	total := 0
	for i, l := range lists {
		counts[i] = l.Count
		total += l.Count
	}
	a := Assessment{Total: total, Counts: counts}
	if len(lists) == 0 {
		a.IsBalanced = true
		a.Score = 100
		return a
	}

	a.Target = total / len(lists)
	slack := int(math.Floor(float64(a.Target) * tolerance))
	a.Lower = a.Target - slack
	a.Upper = a.Target + slack

	a.IsBalanced = true
	for _, c := range counts {
		if c < a.Lower || c > a.Upper {
			a.IsBalanced = false
			break
		}
	}
	a.StdDev = stdDev(counts)
	a.Score = Score(counts)
	return a
}

// Score is 100 for perfectly even lists and falls with the coefficient of variation.
func Score(counts []int) float64 {
	m := mean(counts)
	if m == 0 {
		return 100
	}
	s := 100 * (1 - stdDev(counts)/m)
	if s < 0 {
		return 0
	}
	return math.Round(s*100) / 100
}

// Compute builds the deterministic plan: surplus above target on each list is
// handed to lists below target, largest surplus first. A balanced input yields
// no moves.
func Compute(lists []models.ListState, tolerance float64) Plan {
	before := Evaluate(lists, tolerance)
	plan := Plan{Before: before, After: before, Source: "rules"}
	if before.IsBalanced {
		return plan
	}

	surplus := make([]int, len(lists))
	deficit := make([]int, len(lists))
	for i, c := range before.Counts {
		if c > before.Target {
			surplus[i] = c - before.Target
		} else {
			deficit[i] = before.Target - c
		}
	}

	for {
		src := argMax(surplus)
		dst := argMax(deficit)
		if src < 0 || dst < 0 {
			break
		}
		n := min(surplus[src], deficit[dst])
		plan.Moves = append(plan.Moves, Move{
			FromListID: lists[src].ListID,
			ToListID:   lists[dst].ListID,
			Count:      n,
		})
		surplus[src] -= n
		deficit[dst] -= n
	}

	plan.Moves = Resolve(lists, plan.Moves)
	plan.After = Evaluate(Simulate(lists, plan.Moves), tolerance)
	plan.ShouldApply = plan.After.StdDev < plan.Before.StdDev
	return plan
}

// Resolve fills ContactIDs for each move from the tail of the source list, so the
// oldest contacts keep their place. Moves that already carry ids are left as is.
func Resolve(lists []models.ListState, moves []Move) []Move {
	taken := make(map[string]int, len(lists))
	byID := index(lists)
	out := make([]Move, len(moves))
	for i, mv := range moves {
		out[i] = mv
		if len(mv.ContactIDs) > 0 {
			continue
		}
		src, ok := byID[mv.FromListID]
		if !ok || len(src.Members) == 0 {
			continue
		}
		end := len(src.Members) - taken[mv.FromListID]
		start := end - mv.Count
		if start < 0 {
			start = 0
		}
		ids := make([]string, 0, end-start)
		for _, m := range src.Members[start:end] {
			ids = append(ids, m.ContactID)
		}
		out[i].ContactIDs = ids
		taken[mv.FromListID] += end - start
	}
	return out
}

// Simulate applies moves to a copy of the lists.
func Simulate(lists []models.ListState, moves []Move) []models.ListState {
	out := make([]models.ListState, len(lists))
	pos := make(map[string]int, len(lists))
	for i, l := range lists {
		out[i] = l
		out[i].Members = append([]models.ListMember(nil), l.Members...)
		pos[l.ListID] = i
	}
	for _, mv := range moves {
		si, sok := pos[mv.FromListID]
		di, dok := pos[mv.ToListID]
		if !sok || !dok {
			continue
		}
		out[si].Count -= mv.Count
		out[di].Count += mv.Count
		if len(mv.ContactIDs) == 0 {
			continue
		}
		moving := make(map[string]bool, len(mv.ContactIDs))
		for _, id := range mv.ContactIDs {
			moving[id] = true
		}
		kept := out[si].Members[:0:0]
		var moved []models.ListMember
		for _, m := range out[si].Members {
			if moving[m.ContactID] {
				moved = append(moved, m)
				continue
			}
			kept = append(kept, m)
		}
		out[si].Members = kept
		out[di].Members = append(out[di].Members, moved...)
	}
	return out
}

// Validate checks a proposed plan against the acceptance rules: moves go only from
// lists above target to lists below target, never overshoot, reference real
// contacts of the source list, and the result must be strictly more even.
func Validate(lists []models.ListState, moves []Move, tolerance float64) error {
	before := Evaluate(lists, tolerance)
	if before.IsBalanced {
		if len(moves) > 0 {
			return errs.Validation("lists are balanced, plan must have no moves")
		}
		return nil
	}
	if len(moves) == 0 {
		return errs.Validation("lists are imbalanced but plan has no moves")
	}

	byID := index(lists)
	counts := make(map[string]int, len(lists))
	for _, l := range lists {
		counts[l.ListID] = l.Count
	}

	for i, mv := range moves {
		src, ok := byID[mv.FromListID]
		if !ok {
			return errs.Validation("move %d: unknown source list %q", i, mv.FromListID)
		}
		if _, ok := byID[mv.ToListID]; !ok {
			return errs.Validation("move %d: unknown destination list %q", i, mv.ToListID)
		}
		if mv.FromListID == mv.ToListID {
			return errs.Validation("move %d: source and destination are the same list", i)
		}
		if mv.Count <= 0 {
			return errs.Validation("move %d: count must be positive", i)
		}
		if len(mv.ContactIDs) > 0 {
			if len(mv.ContactIDs) != mv.Count {
				return errs.Validation("move %d: %d contact ids for count %d", i, len(mv.ContactIDs), mv.Count)
			}
			if err := membersOf(src, mv.ContactIDs); err != nil {
				return errs.Validation("move %d: %v", i, err)
			}
		}
		if counts[mv.FromListID]-mv.Count < before.Target {
			return errs.Validation("move %d: source %s would drop below target %d", i, mv.FromListID, before.Target)
		}
		if counts[mv.ToListID] >= before.Target || counts[mv.ToListID]+mv.Count > before.Target {
			return errs.Validation("move %d: destination %s would exceed target %d", i, mv.ToListID, before.Target)
		}
		counts[mv.FromListID] -= mv.Count
		counts[mv.ToListID] += mv.Count
	}

	after := Evaluate(Simulate(lists, moves), tolerance)
	if !(after.StdDev < before.StdDev) {
		return errs.Validation("plan does not reduce spread (%.2f -> %.2f)", before.StdDev, after.StdDev)
	}
	return nil
}

// FromProposal turns externally proposed moves into a plan, or returns the
// validation error that rejected them.
func FromProposal(lists []models.ListState, moves []Move, tolerance float64, source, rationale string) (Plan, error) {
	if err := Validate(lists, moves, tolerance); err != nil {
		return Plan{}, err
	}
	resolved := Resolve(lists, moves)
	before := Evaluate(lists, tolerance)
	after := Evaluate(Simulate(lists, resolved), tolerance)
	return Plan{
		Before:      before,
		After:       after,
		Moves:       resolved,
		Source:      source,
		Rationale:   rationale,
		ShouldApply: after.StdDev < before.StdDev,
	}, nil
}

func membersOf(list models.ListState, ids []string) error {
	if len(list.Members) == 0 {
		return nil
	}
	present := make(map[string]bool, len(list.Members))
	for _, m := range list.Members {
		present[m.ContactID] = true
	}
	for _, id := range ids {
		if !present[id] {
			return fmt.Errorf("contact %s is not in list %s", id, list.ListID)
		}
	}
	return nil
}

func index(lists []models.ListState) map[string]models.ListState {
	out := make(map[string]models.ListState, len(lists))
	for _, l := range lists {
		out[l.ListID] = l
	}
	return out
}

func argMax(v []int) int {
	best, idx := 0, -1
	for i, x := range v {
		if x > best {
			best, idx = x, i
		}
	}
	return idx
}

func mean(counts []int) float64 {
	if len(counts) == 0 {
		return 0
	}
	sum := 0
	for _, c := range counts {
		sum += c
	}
	return float64(sum) / float64(len(counts))
}

// stdDev is the population standard deviation.
func stdDev(counts []int) float64 {
	if len(counts) == 0 {
		return 0
	}
	m := mean(counts)
	var acc float64
	for _, c := range counts {
		d := float64(c) - m
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(counts)))
}
