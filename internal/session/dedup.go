package session

import (
	"strings"
	"time"
)

// mergeStartWindow bounds the no-correlation merge heuristic: records
// for the same agent name are only paired when their start times fall
// within this window.
const mergeStartWindow = 2 * time.Minute

// Dedup merges event-derived records that represent the same logical
// sub-agent into one canonical record per agent.
//
// Records sharing a correlation id form a group; the canonical record
// is the one whose id differs from the correlation id (a session
// assigned id beats the auto-generated tool-call id), ties broken by
// keeping the most recently observed record. Without a correlation id
// a narrower heuristic applies: same name, one side is an eager
// placeholder, starts within mergeStartWindow. Two records with two
// different descriptive tasks are never merged.
//
// Pure and order-preserving; when nothing merges the input slice is
// returned unchanged (same backing array, no reallocation).
func Dedup(agents []Agent) []Agent {
	if len(agents) <= 1 {
		return agents
	}

	byCorr := make(map[string][]int)
	for i := range agents {
		cid := strings.TrimSpace(agents[i].CorrelationID)
		if cid == "" {
			continue
		}
		byCorr[cid] = append(byCorr[cid], i)
	}

	dropped := make(map[int]bool)
	replaced := make(map[int]Agent)
	grouped := make(map[int]bool)

	for _, idxs := range byCorr {
		if len(idxs) < 2 {
			continue
		}
		for _, i := range idxs {
			grouped[i] = true
		}
		can := pickCanonical(agents, idxs)
		out := agents[can]
		for _, i := range idxs {
			if i == can {
				continue
			}
			out = mergeAgents(out, agents[i])
			dropped[i] = true
		}
		replaced[can] = out
	}

	mergeUncorrelated(agents, grouped, dropped, replaced)

	if len(dropped) == 0 && len(replaced) == 0 {
		return agents
	}

	out := make([]Agent, 0, len(agents)-len(dropped))
	for i := range agents {
		if dropped[i] {
			continue
		}
		if v, ok := replaced[i]; ok {
			out = append(out, v)
			continue
		}
		out = append(out, agents[i])
	}
	return out
}

// pickCanonical prefers the record whose id was not minted from the
// tool-call id; among several such records the last observed wins.
func pickCanonical(agents []Agent, idxs []int) int {
	can := idxs[len(idxs)-1]
	for _, i := range idxs {
		if agents[i].ID != agents[i].CorrelationID {
			can = i
		}
	}
	return can
}

// mergeUncorrelated pairs placeholder records with descriptive records
// of the same agent name when no correlation id links them. The pairing
// deliberately stays narrow: exactly one side must be placeholder
// shaped, and the start times must be close. Two placeholders are left
// alone.
func mergeUncorrelated(agents []Agent, grouped, dropped map[int]bool, replaced map[int]Agent) {
	byName := make(map[string][]int)
	for i := range agents {
		if grouped[i] || strings.TrimSpace(agents[i].CorrelationID) != "" {
			continue
		}
		name := strings.TrimSpace(agents[i].Name)
		if name == "" {
			continue
		}
		byName[name] = append(byName[name], i)
	}

	for _, idxs := range byName {
		if len(idxs) < 2 {
			continue
		}
		for _, pi := range idxs {
			if dropped[pi] || !agents[pi].placeholderShape() {
				continue
			}
			for _, di := range idxs {
				if di == pi || dropped[di] || agents[di].placeholderShape() {
					continue
				}
				if !startsWithin(agents[pi], agents[di], mergeStartWindow) {
					continue
				}
				base := agents[di]
				if v, ok := replaced[di]; ok {
					base = v
				}
				replaced[di] = mergeAgents(base, agents[pi])
				dropped[pi] = true
				break
			}
		}
	}
}

func startsWithin(a, b Agent, window time.Duration) bool {
	at, aok := a.StartTime()
	bt, bok := b.StartTime()
	if !aok || !bok {
		return false
	}
	d := at.Sub(bt)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// mergeAgents folds other into canonical, keeping the stronger value of
// each field.
func mergeAgents(canonical, other Agent) Agent {
	out := canonical
	if !out.HasDescriptiveTask() && other.HasDescriptiveTask() {
		out.Task = other.Task
	}
	if other.ToolUses > out.ToolUses {
		out.ToolUses = other.ToolUses
	}
	if !out.Status.Terminal() && other.Status.Terminal() {
		out.Status = other.Status
		out.CurrentTool = ""
	}
	if strings.TrimSpace(out.Result) == "" {
		out.Result = other.Result
	}
	if strings.TrimSpace(out.Error) == "" {
		out.Error = other.Error
	}
	if strings.TrimSpace(out.CurrentTool) == "" && !out.Status.Terminal() {
		out.CurrentTool = other.CurrentTool
	}
	if strings.TrimSpace(out.StartedAt) == "" {
		out.StartedAt = other.StartedAt
	}
	if other.DurationMs > out.DurationMs {
		out.DurationMs = other.DurationMs
	}
	if strings.TrimSpace(out.CorrelationID) == "" {
		out.CorrelationID = other.CorrelationID
	}
	if strings.TrimSpace(out.Name) == "" {
		out.Name = other.Name
	}
	if other.IsBackground() {
		out.Background = true
	}
	return Normalize(out)
}
