package types

// AlertState is the running worst-case summary of a session.
//
// Each scalar field only moves to a higher priority value while the session
// lasts; Recommendations only grows, keeping first-seen order.
type AlertState struct {
	RiskLevel       RiskLevel  `json:"riskLevel"`
	RockSize        RockSize   `json:"rockSize"`
	Trajectory      Trajectory `json:"trajectory"`
	Recommendations []string   `json:"recommendations"`
}

// Clone returns a deep copy safe to hand to readers.
func (a AlertState) Clone() AlertState {
	out := a
	out.Recommendations = make([]string, len(a.Recommendations))
	copy(out.Recommendations, a.Recommendations)
	return out
}

// IsEmpty reports whether nothing has been recorded yet.
func (a AlertState) IsEmpty() bool {
	return a.RiskLevel == "" && a.RockSize == "" && a.Trajectory == "" && len(a.Recommendations) == 0
}
