// Package alert keeps the worst-case alert state of a monitoring session.
//
// Every scalar field is merged with the same priority-ordered rule
// (types.Ordering.Escalate): the incoming value replaces the stored one only
// when its priority is strictly higher. Recommendations are merged as an
// insertion-ordered set.
package alert

import (
	"sync"

	"github.com/e7canasta/geosentinel/internal/types"
)

// Field names reported in Escalation.
const (
	FieldRiskLevel       = "risk_level"
	FieldRockSize        = "rock_size"
	FieldTrajectory      = "trajectory"
	FieldRecommendations = "recommendations"
)

// Escalation lists the fields changed by a single Merge.
type Escalation struct {
	Fields []string
}

// Any reports whether the merge changed anything.
func (e Escalation) Any() bool {
	return len(e.Fields) > 0
}

// Has reports whether field was changed by the merge.
func (e Escalation) Has(field string) bool {
	for _, f := range e.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// Aggregator merges detections into a monotonically escalating AlertState.
// Safe for concurrent use; a single writer is expected.
type Aggregator struct {
	mu    sync.RWMutex
	state types.AlertState
	seen  map[string]struct{}
}

// NewAggregator returns an aggregator with every field unset.
func NewAggregator() *Aggregator {
	return &Aggregator{
		state: types.AlertState{Recommendations: []string{}},
		seen:  make(map[string]struct{}),
	}
}

// Merge folds d into the aggregate and returns a copy of the new state.
func (a *Aggregator) Merge(d types.Detection) types.AlertState {
	state, _ := a.MergeWithEscalation(d)
	return state
}

// MergeWithEscalation is Merge, also reporting which fields changed.
func (a *Aggregator) MergeWithEscalation(d types.Detection) (types.AlertState, Escalation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var esc Escalation
	var changed bool

	a.state.RiskLevel, changed = types.RiskOrdering.Escalate(a.state.RiskLevel, d.RiskLevel)
	if changed {
		esc.Fields = append(esc.Fields, FieldRiskLevel)
	}

	a.state.RockSize, changed = types.RockSizeOrdering.Escalate(a.state.RockSize, d.RockSize)
	if changed {
		esc.Fields = append(esc.Fields, FieldRockSize)
	}

	a.state.Trajectory, changed = types.TrajectoryOrdering.Escalate(a.state.Trajectory, d.Trajectory)
	if changed {
		esc.Fields = append(esc.Fields, FieldTrajectory)
	}

	added := false
	for _, rec := range d.Recommendations {
		if _, dup := a.seen[rec]; dup {
			continue
		}
		a.seen[rec] = struct{}{}
		a.state.Recommendations = append(a.state.Recommendations, rec)
		added = true
	}
	if added {
		esc.Fields = append(esc.Fields, FieldRecommendations)
	}

	return a.state.Clone(), esc
}

// Clear resets every field to unset and returns the empty state.
func (a *Aggregator) Clear() types.AlertState {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = types.AlertState{Recommendations: []string{}}
	a.seen = make(map[string]struct{})
	return a.state.Clone()
}

// Snapshot returns a copy of the current state.
func (a *Aggregator) Snapshot() types.AlertState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Clone()
}
