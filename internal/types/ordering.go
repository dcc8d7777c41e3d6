package types

// Ordering is a total order over the values of an enum, expressed as a
// value -> priority map. Values missing from the map (including the zero
// value, which stands for "unset") rank 0 and lose against any known value.
type Ordering[T comparable] map[T]int

// Rank returns the priority of v, or 0 if v is not part of the ordering.
func (o Ordering[T]) Rank(v T) int {
	return o[v]
}

// Escalate returns the value that wins between stored and incoming.
// incoming wins only when it ranks strictly higher; on a tie the stored value
// is kept, so the first value seen at a given priority is retained.
func (o Ordering[T]) Escalate(stored, incoming T) (T, bool) {
	if o.Rank(incoming) > o.Rank(stored) {
		return incoming, true
	}
	return stored, false
}

// Priority orderings used by the alert aggregate.
var (
	RiskOrdering = Ordering[RiskLevel]{
		RiskLow:      1,
		RiskMedium:   2,
		RiskHigh:     3,
		RiskCritical: 4,
	}

	RockSizeOrdering = Ordering[RockSize]{
		RockSmall:  1,
		RockMedium: 2,
		RockLarge:  3,
	}

	TrajectoryOrdering = Ordering[Trajectory]{
		TrajectoryStable:   1,
		TrajectoryModerate: 2,
		TrajectoryUnstable: 3,
	}
)
