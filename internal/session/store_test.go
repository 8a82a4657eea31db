package session

import (
	"testing"
	"time"
)

func TestNormalize_LegacyBackgroundSignals(t *testing.T) {
	t.Parallel()

	byFlag := Normalize(Agent{ID: "a", Status: StatusRunning, Background: true})
	if byFlag.Status != StatusBackground || !byFlag.Background {
		t.Fatalf("flag encoding not canonicalized: %+v", byFlag)
	}

	byStatus := Normalize(Agent{ID: "a", Status: StatusBackground})
	if !byStatus.Background {
		t.Fatalf("status encoding not canonicalized: %+v", byStatus)
	}

	// A terminal background agent keeps its terminal status.
	done := Normalize(Agent{ID: "a", Status: StatusCompleted, Background: true})
	if done.Status != StatusCompleted || !done.Background {
		t.Fatalf("terminal background agent mangled: %+v", done)
	}
}

func TestComplete_ComputesDurationWithFallback(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 10, 0, 10, 0, time.UTC)
	agents := []Agent{{
		ID:        "a1",
		Status:    StatusRunning,
		StartedAt: "2026-08-24T10:00:00Z",
		CurrentTool: "bash",
	}}
	out := Complete(agents, "a1", false, "done", "", now)
	if out[0].Status != StatusCompleted || out[0].CurrentTool != "" {
		t.Fatalf("unexpected completion state: %+v", out[0])
	}
	if out[0].DurationMs != 10_000 {
		t.Fatalf("expected 10000ms duration, got %d", out[0].DurationMs)
	}

	// Unparseable start time preserves the prior duration.
	agents = []Agent{{ID: "a2", Status: StatusRunning, StartedAt: "not-a-time", DurationMs: 777}}
	out = Complete(agents, "a2", true, "", "boom", now)
	if out[0].Status != StatusError || out[0].Error != "boom" {
		t.Fatalf("unexpected failure state: %+v", out[0])
	}
	if out[0].DurationMs != 777 {
		t.Fatalf("expected prior duration preserved, got %d", out[0].DurationMs)
	}
}

func TestComplete_TerminalAgentsAreUntouched(t *testing.T) {
	t.Parallel()

	agents := []Agent{{ID: "a1", Status: StatusInterrupted}}
	out := Complete(agents, "a1", false, "late result", "", time.Now())
	if out[0].Status != StatusInterrupted || out[0].Result != "" {
		t.Fatalf("terminal agent reopened: %+v", out[0])
	}
}

func TestForceCompleteForeground_SkipsBackground(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	agents := []Agent{
		{ID: "fg", Status: StatusRunning, StartedAt: now.Add(-time.Second).Format(time.RFC3339)},
		Normalize(Agent{ID: "bg", Status: StatusBackground}),
	}
	out := ForceCompleteForeground(agents, now)
	if out[0].Status != StatusCompleted {
		t.Fatalf("foreground agent not finalized: %+v", out[0])
	}
	if out[1].Status != StatusBackground {
		t.Fatalf("background agent must continue independently: %+v", out[1])
	}
}

func TestDeferredCompletionReady_OnlyBackgroundRemains(t *testing.T) {
	t.Parallel()

	agents := []Agent{
		{ID: "a1", Status: StatusCompleted},
		Normalize(Agent{ID: "bg1", Status: StatusBackground, Background: true}),
	}
	if !DeferredCompletionReady(agents, false) {
		t.Fatalf("expected ready when only background remains active")
	}
	if DeferredCompletionReady(agents, true) {
		t.Fatalf("expected not ready while a blocking tool runs")
	}

	agents = append(agents, Agent{ID: "a2", Status: StatusRunning})
	if DeferredCompletionReady(agents, false) {
		t.Fatalf("expected not ready while a foreground agent runs")
	}
}

func TestInterrupt_Idempotent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	agents := []Agent{
		Normalize(Agent{ID: "bg1", Status: StatusBackground, StartedAt: now.Add(-time.Minute).Format(time.RFC3339)}),
		Normalize(Agent{ID: "bg2", Status: StatusBackground}),
		{ID: "fg", Status: StatusRunning},
	}

	once, ids := Interrupt(agents, now)
	if len(ids) != 2 {
		t.Fatalf("expected 2 interrupted ids, got %v", ids)
	}
	if once[0].Status != StatusInterrupted || once[1].Status != StatusInterrupted {
		t.Fatalf("background agents not interrupted: %+v", once)
	}
	if once[0].DurationMs != 60_000 {
		t.Fatalf("expected elapsed duration, got %d", once[0].DurationMs)
	}
	if once[2].Status != StatusRunning {
		t.Fatalf("foreground agent must not be interrupted: %+v", once[2])
	}

	twice, ids2 := Interrupt(once, now)
	if len(ids2) != 0 {
		t.Fatalf("second interrupt must touch nothing, got %v", ids2)
	}
	for i := range twice {
		if twice[i] != once[i] {
			t.Fatalf("second interrupt changed record %d: %+v != %+v", i, twice[i], once[i])
		}
	}
}

func TestVisibleForeground_HidesShadows(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	bg := Normalize(Agent{
		ID:            "bg1",
		CorrelationID: "toolu_3",
		Name:          "builder",
		Status:        StatusBackground,
		StartedAt:     base.Format(time.RFC3339),
	})
	shadow := Agent{
		ID:            "fg1",
		CorrelationID: "toolu_3",
		Name:          "builder",
		Status:        StatusRunning,
		StartedAt:     base.Add(time.Second).Format(time.RFC3339),
	}
	plain := Agent{ID: "fg2", Name: "tester", Status: StatusRunning}

	agents := []Agent{bg, shadow, plain}
	visible := VisibleForeground(agents)
	if len(visible) != 1 || visible[0].ID != "fg2" {
		t.Fatalf("expected only the non-shadow foreground agent, got %+v", visible)
	}
	// The shadow is hidden, not removed from the store.
	if len(agents) != 3 {
		t.Fatalf("store mutated")
	}
}

func TestUpsert_RefreshesWithoutReopeningTerminal(t *testing.T) {
	t.Parallel()

	agents := Upsert(nil, Agent{ID: "a1", Name: "x", Status: StatusPending})
	agents = Upsert(agents, Agent{ID: "a1", Task: "Review the diff", Status: StatusRunning})
	if len(agents) != 1 {
		t.Fatalf("expected one record after refresh, got %d", len(agents))
	}
	if agents[0].Task != "Review the diff" {
		t.Fatalf("refresh lost task: %+v", agents[0])
	}

	agents = Complete(agents, "a1", false, "", "", time.Now())
	after := Upsert(agents, Agent{ID: "a1", Status: StatusRunning})
	if after[0].Status != StatusCompleted {
		t.Fatalf("terminal record reopened: %+v", after[0])
	}
}
