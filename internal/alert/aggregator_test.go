package alert

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/e7canasta/geosentinel/internal/types"
)

func detection(risk types.RiskLevel, size types.RockSize, traj types.Trajectory, recs ...string) types.Detection {
	return types.Detection{
		RiskLevel:       risk,
		RockSize:        size,
		Trajectory:      traj,
		Recommendations: recs,
	}
}

// TestMerge_TwoTickScenario replays the reference two-tick session.
func TestMerge_TwoTickScenario(t *testing.T) {
	agg := NewAggregator()

	got := agg.Merge(detection(types.RiskMedium, types.RockSmall, types.TrajectoryStable, "Increase monitoring"))
	want := types.AlertState{
		RiskLevel:       types.RiskMedium,
		RockSize:        types.RockSmall,
		Trajectory:      types.TrajectoryStable,
		Recommendations: []string{"Increase monitoring"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("after tick 1: got %+v, want %+v", got, want)
	}

	got, esc := agg.MergeWithEscalation(detection(types.RiskLow, types.RockLarge, types.TrajectoryUnstable,
		"Increase monitoring", "Evacuate zone C"))
	want = types.AlertState{
		RiskLevel:       types.RiskMedium,
		RockSize:        types.RockLarge,
		Trajectory:      types.TrajectoryUnstable,
		Recommendations: []string{"Increase monitoring", "Evacuate zone C"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("after tick 2: got %+v, want %+v", got, want)
	}

	if esc.Has(FieldRiskLevel) {
		t.Error("risk level reported as escalated although low < medium")
	}
	for _, f := range []string{FieldRockSize, FieldTrajectory, FieldRecommendations} {
		if !esc.Has(f) {
			t.Errorf("expected %s in escalation, got %v", f, esc.Fields)
		}
	}
}

// TestMerge_MonotonicRisk feeds random detections and checks the stored risk
// priority never decreases.
func TestMerge_MonotonicRisk(t *testing.T) {
	levels := []types.RiskLevel{types.RiskLow, types.RiskMedium, types.RiskHigh, types.RiskCritical}
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 50; run++ {
		agg := NewAggregator()
		prev := 0
		sawCritical := false

		for i := 0; i < 100; i++ {
			risk := levels[rng.Intn(len(levels))]
			state := agg.Merge(detection(risk, types.RockSmall, types.TrajectoryStable))

			rank := types.RiskOrdering.Rank(state.RiskLevel)
			if rank < prev {
				t.Fatalf("run %d step %d: risk regressed from %d to %d", run, i, prev, rank)
			}
			prev = rank

			if risk == types.RiskCritical {
				sawCritical = true
			}
			if sawCritical && state.RiskLevel != types.RiskCritical {
				t.Fatalf("run %d step %d: critical observed but state is %q", run, i, state.RiskLevel)
			}
		}
	}
}

func TestMerge_TieKeepsStoredValue(t *testing.T) {
	agg := NewAggregator()
	agg.Merge(detection(types.RiskHigh, types.RockMedium, types.TrajectoryModerate))

	state, esc := agg.MergeWithEscalation(detection(types.RiskHigh, types.RockMedium, types.TrajectoryModerate))
	if esc.Any() {
		t.Errorf("equal priorities should not escalate, got %v", esc.Fields)
	}
	if state.RiskLevel != types.RiskHigh || state.RockSize != types.RockMedium || state.Trajectory != types.TrajectoryModerate {
		t.Errorf("state changed on tie: %+v", state)
	}
}

func TestMerge_UnsetIncomingNeverWins(t *testing.T) {
	agg := NewAggregator()
	agg.Merge(detection(types.RiskLow, types.RockSmall, types.TrajectoryStable))

	state := agg.Merge(types.Detection{})
	if state.RiskLevel != types.RiskLow || state.RockSize != types.RockSmall || state.Trajectory != types.TrajectoryStable {
		t.Errorf("unset values overwrote state: %+v", state)
	}
}

func TestMerge_RecommendationSet(t *testing.T) {
	agg := NewAggregator()
	agg.Merge(detection("", "", "", "Evacuate zone C", "Close haul road"))
	agg.Merge(detection("", "", "", "Close haul road", "Evacuate zone C", "evacuate zone c"))

	got := agg.Snapshot().Recommendations
	want := []string{"Evacuate zone C", "Close haul road", "evacuate zone c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("recommendations = %v, want %v", got, want)
	}
}

func TestMerge_DuplicateWithinOneDetection(t *testing.T) {
	agg := NewAggregator()
	got := agg.Merge(detection("", "", "", "Increase monitoring", "Increase monitoring"))

	if len(got.Recommendations) != 1 {
		t.Errorf("recommendations = %v, want exactly one entry", got.Recommendations)
	}
}

func TestClear(t *testing.T) {
	agg := NewAggregator()
	agg.Merge(detection(types.RiskCritical, types.RockLarge, types.TrajectoryUnstable, "Evacuate"))

	cleared := agg.Clear()
	if !cleared.IsEmpty() {
		t.Fatalf("Clear returned non-empty state: %+v", cleared)
	}

	// After clear, lower values are accepted again
	state := agg.Merge(detection(types.RiskLow, types.RockSmall, types.TrajectoryStable, "Evacuate"))
	if state.RiskLevel != types.RiskLow {
		t.Errorf("risk after clear = %q, want low", state.RiskLevel)
	}
	if len(state.Recommendations) != 1 {
		t.Errorf("recommendations after clear = %v, want [Evacuate]", state.Recommendations)
	}
}

func TestSnapshot_IsIsolated(t *testing.T) {
	agg := NewAggregator()
	agg.Merge(detection("", "", "", "a"))

	snap := agg.Snapshot()
	snap.Recommendations[0] = "mutated"

	if agg.Snapshot().Recommendations[0] != "a" {
		t.Error("snapshot mutation leaked into aggregator")
	}
}
