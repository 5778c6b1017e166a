package gesture

import (
	"fmt"
	"time"
)

// Config holds the window and geometric thresholds used by the classifier.
// Coordinates are in touch controller units.
type Config struct {
	// Window is how far back samples are kept for each finger.
	Window time.Duration
	// MinSamples is the number of in-window samples needed before any
	// gesture is reported.
	MinSamples int
	// ScrubMaxXSpan is the widest horizontal drift still counted as scrubbing.
	ScrubMaxXSpan int
	// ScrubMinCrossings is the number of sign changes around the median y
	// needed for scrubbing.
	ScrubMinCrossings int
	// LineHeight is the tallest vertical span still treated as one braille
	// line for regression.
	LineHeight int
	// MinStep is the smallest x delta counted as forward or backward motion.
	MinStep int
	// IdleExpiry drops a finger's history after this long without samples.
	// Zero disables idle expiry.
	IdleExpiry time.Duration
}

// DefaultConfig returns the thresholds the classifier was tuned with.
func DefaultConfig() Config {
	return Config{
		Window:            time.Second,
		MinSamples:        5,
		ScrubMaxXSpan:     25,
		ScrubMinCrossings: 2,
		LineHeight:        50,
		MinStep:           5,
		IdleExpiry:        10 * time.Second,
	}
}

// Validate reports configuration that would make classification meaningless.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("gesture window must be positive, got %v", c.Window)
	}
	if c.MinSamples < 2 {
		return fmt.Errorf("min samples must be at least 2, got %d", c.MinSamples)
	}
	if c.ScrubMaxXSpan < 0 || c.LineHeight < 0 || c.MinStep < 0 {
		return fmt.Errorf("gesture thresholds must not be negative")
	}
	if c.ScrubMinCrossings < 1 {
		return fmt.Errorf("scrub crossings must be at least 1, got %d", c.ScrubMinCrossings)
	}
	if c.IdleExpiry < 0 {
		return fmt.Errorf("idle expiry must not be negative, got %v", c.IdleExpiry)
	}
	return nil
}
