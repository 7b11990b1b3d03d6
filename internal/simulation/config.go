// Package simulation holds the closed-loop simulation settings handed to
// scene extraction.
package simulation

import "fmt"

// Config bundles simulation behaviour flags. It is a value object: scene
// processing reads it but never modifies it.
type Config struct {
	// UseEgoGT replays the recorded ego trajectory instead of a policy.
	UseEgoGT bool
	// UseAgentsGT replays recorded agent trajectories instead of a policy.
	UseAgentsGT bool
	// DisableNewAgents keeps only the agents present at StartFrameIndex.
	DisableNewAgents bool
	// DistanceThFar drops agents farther than this from the ego [m].
	DistanceThFar float64
	// DistanceThClose is the radius within which new agents may appear [m].
	DistanceThClose float64
	// NumSimulationSteps is the number of frames unrolled after StartFrameIndex.
	NumSimulationSteps int
	// StartFrameIndex is the frame, relative to the scene start, that is sampled.
	StartFrameIndex int
	ShowInfo        bool
}

// DefaultConfig returns the settings used for scenario export.
func DefaultConfig() Config {
	return Config{
		UseEgoGT:           false,
		UseAgentsGT:        false,
		DisableNewAgents:   true,
		DistanceThFar:      500,
		DistanceThClose:    50,
		NumSimulationSteps: 10,
		StartFrameIndex:    2,
		ShowInfo:           true,
	}
}

// Validate checks the settings are usable.
func (c Config) Validate() error {
	if c.StartFrameIndex < 0 {
		return fmt.Errorf("start frame index must be non-negative, got %d", c.StartFrameIndex)
	}
	if c.NumSimulationSteps < 0 {
		return fmt.Errorf("num simulation steps must be non-negative, got %d", c.NumSimulationSteps)
	}
	if c.DistanceThClose < 0 || c.DistanceThFar < c.DistanceThClose {
		return fmt.Errorf("distance thresholds must satisfy 0 <= close (%g) <= far (%g)", c.DistanceThClose, c.DistanceThFar)
	}
	return nil
}
