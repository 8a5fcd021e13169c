// Package executor turns ramp stages into a target VU count over time and
// drives a VU pool toward that target on a fixed tick.
package executor

import (
	"math"
	"time"

	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
)

// Stage defines one ramp segment: over Duration, move linearly from the
// previous target to Target.
type Stage struct {
	// Duration of this stage
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// StageSchedule is an immutable, validated list of stages with cumulative
// boundaries precomputed. All methods are pure.
type StageSchedule struct {
	stages   []Stage
	ends     []time.Duration
	startVUs int
	total    time.Duration
}

// NewStageSchedule validates stages and computes their boundaries.
// startVUs is the concurrency before the first stage begins ramping.
func NewStageSchedule(stages []Stage, startVUs int) (*StageSchedule, error) {
	if len(stages) == 0 {
		return nil, &ValidationError{Field: "stages", Message: "at least one stage is required"}
	}
	if startVUs < 0 {
		return nil, &ValidationError{Field: "startVUs", Message: "startVUs must be >= 0"}
	}

	s := &StageSchedule{
		stages:   make([]Stage, len(stages)),
		ends:     make([]time.Duration, len(stages)),
		startVUs: startVUs,
	}
	copy(s.stages, stages)

	for i, st := range stages {
		if st.Duration <= 0 {
			return nil, &ValidationError{Field: stageField(i, "duration"), Message: "duration must be > 0"}
		}
		if st.Target < 0 {
			return nil, &ValidationError{Field: stageField(i, "target"), Message: "target must be >= 0"}
		}
		s.total += st.Duration
		s.ends[i] = s.total
	}

	return s, nil
}

// TargetAt returns the interpolated VU target at elapsed time. Before the
// first stage it is startVUs; past the last stage it is the last target.
func (s *StageSchedule) TargetAt(elapsed time.Duration) int {
	if elapsed < 0 {
		elapsed = 0
	}

	idx := s.StageAt(elapsed)
	if idx >= len(s.stages) {
		return s.stages[len(s.stages)-1].Target
	}

	start, prev := s.stageStart(idx)
	st := s.stages[idx]
	progress := float64(elapsed-start) / float64(st.Duration)

	v := float64(prev) + float64(st.Target-prev)*progress
	return int(math.Round(v))
}

// StageAt returns the index of the stage containing elapsed, or the number
// of stages once elapsed reaches the total duration.
func (s *StageSchedule) StageAt(elapsed time.Duration) int {
	for i, end := range s.ends {
		if elapsed < end {
			return i
		}
	}
	return len(s.stages)
}

// PhaseAt labels elapsed time by the direction of its stage.
func (s *StageSchedule) PhaseAt(elapsed time.Duration) metrics.Phase {
	idx := s.StageAt(elapsed)
	if idx >= len(s.stages) {
		return metrics.PhaseDraining
	}

	_, prev := s.stageStart(idx)
	target := s.stages[idx].Target
	switch {
	case target > prev:
		return metrics.PhaseRampUp
	case target < prev:
		return metrics.PhaseRampDown
	default:
		return metrics.PhaseSteady
	}
}

// TotalDuration returns the sum of all stage durations.
func (s *StageSchedule) TotalDuration() time.Duration {
	return s.total
}

// Stages returns a copy of the stages.
func (s *StageSchedule) Stages() []Stage {
	out := make([]Stage, len(s.stages))
	copy(out, s.stages)
	return out
}

// MaxTarget returns the highest concurrency the schedule reaches.
func (s *StageSchedule) MaxTarget() int {
	m := s.startVUs
	for _, st := range s.stages {
		if st.Target > m {
			m = st.Target
		}
	}
	return m
}

func (s *StageSchedule) stageStart(idx int) (time.Duration, int) {
	if idx == 0 {
		return 0, s.startVUs
	}
	return s.ends[idx-1], s.stages[idx-1].Target
}
