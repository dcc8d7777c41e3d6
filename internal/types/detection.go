package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RiskLevel is the overall rockfall risk reported for a frame.
// The zero value means "unset".
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RockSize is the estimated size class of the detected rock.
type RockSize string

const (
	RockSmall  RockSize = "small"
	RockMedium RockSize = "medium"
	RockLarge  RockSize = "large"
)

// Trajectory describes how stable the observed slope movement is.
type Trajectory string

const (
	TrajectoryStable   Trajectory = "stable"
	TrajectoryModerate Trajectory = "moderate"
	TrajectoryUnstable Trajectory = "unstable"
)

// ParseRiskLevel matches s case-insensitively against the known risk levels.
func ParseRiskLevel(s string) (RiskLevel, error) {
	v := RiskLevel(normalize(s))
	if RiskOrdering.Rank(v) == 0 {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return v, nil
}

// ParseRockSize matches s case-insensitively against the known rock sizes.
func ParseRockSize(s string) (RockSize, error) {
	v := RockSize(normalize(s))
	if RockSizeOrdering.Rank(v) == 0 {
		return "", fmt.Errorf("unknown rock size %q", s)
	}
	return v, nil
}

// ParseTrajectory matches s case-insensitively against the known trajectories.
func ParseTrajectory(s string) (Trajectory, error) {
	v := Trajectory(normalize(s))
	if TrajectoryOrdering.Rank(v) == 0 {
		return "", fmt.Errorf("unknown trajectory %q", s)
	}
	return v, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Unset enum values are encoded as JSON null.

func (r RiskLevel) MarshalJSON() ([]byte, error)  { return marshalEnum(string(r)) }
func (r RockSize) MarshalJSON() ([]byte, error)   { return marshalEnum(string(r)) }
func (t Trajectory) MarshalJSON() ([]byte, error) { return marshalEnum(string(t)) }

func marshalEnum(s string) ([]byte, error) {
	if s == "" {
		return []byte("null"), nil
	}
	return json.Marshal(s)
}

// Detection is one structured inference result for a single captured frame.
// It is immutable once created: consumers receive copies, Recommendations is
// never modified after construction.
type Detection struct {
	RiskLevel       RiskLevel  `json:"riskLevel"`
	RockSize        RockSize   `json:"rockSize"`
	Trajectory      Trajectory `json:"trajectory"`
	Confidence      float64    `json:"confidence"`
	Recommendations []string   `json:"recommendations"`
	Timestamp       time.Time  `json:"timestamp"`

	// Seq is the scheduler tick that produced the detection.
	Seq uint64 `json:"seq"`
	// TraceID correlates capture, inference and emit logs for one tick.
	TraceID string `json:"trace_id,omitempty"`
}

// Clone returns a copy of d that shares no memory with it.
func (d Detection) Clone() Detection {
	out := d
	out.Recommendations = make([]string, len(d.Recommendations))
	copy(out.Recommendations, d.Recommendations)
	return out
}

// ConfidencePoint returns the confidence sample derived from d.
func (d Detection) ConfidencePoint() ConfidencePoint {
	return ConfidencePoint{Timestamp: d.Timestamp, Confidence: d.Confidence}
}

// ConfidencePoint is one sample of the confidence time series.
type ConfidencePoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}
