// Package gesture turns per-finger move coordinates into reading gestures
// using short sliding windows of samples.
package gesture

import (
	"slices"
	"time"
)

// Label is the gesture reported for a move. LabelNone is the empty string so
// it can be omitted from JSON.
type Label string

const (
	LabelNone       Label = ""
	LabelScrubbing  Label = "scrubbing"
	LabelRegression Label = "regression"
)

type sample struct {
	x, y int
	t    time.Time
}

// fingerHistory is the windowed sample history for one finger plus the label
// emitted by its previous update.
type fingerHistory struct {
	samples  []sample
	last     Label
	lastSeen time.Time
}

// Classifier keeps one history per finger id. It is not safe for concurrent
// use; the pipeline's decoder goroutine is its only caller.
type Classifier struct {
	cfg     Config
	fingers map[uint8]*fingerHistory
}

// NewClassifier validates cfg and returns an empty Classifier.
func NewClassifier(cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{
		cfg:     cfg,
		fingers: make(map[uint8]*fingerHistory),
	}, nil
}

// Update records a move sample for fingerID taken at now and returns the
// gesture label for the finger's current window.
func (c *Classifier) Update(fingerID uint8, x, y uint16, now time.Time) Label {
	h, ok := c.fingers[fingerID]
	if !ok {
		h = &fingerHistory{}
		c.fingers[fingerID] = h
	}

	h.samples = append(h.samples, sample{x: int(x), y: int(y), t: now})
	h.lastSeen = now

	expired := 0
	for expired < len(h.samples) && now.Sub(h.samples[expired].t) > c.cfg.Window {
		expired++
	}
	if expired > 0 {
		h.samples = append(h.samples[:0], h.samples[expired:]...)
	}

	label := c.classify(h.samples, h.last)
	h.last = label
	return label
}

func (c *Classifier) classify(samples []sample, last Label) Label {
	if len(samples) < c.cfg.MinSamples {
		return LabelNone
	}
	if c.isScrubbing(samples) {
		return LabelScrubbing
	}
	if c.isRegression(samples, last) {
		return LabelRegression
	}
	return LabelNone
}

// isScrubbing looks for a near-vertical back and forth: little horizontal
// drift and y repeatedly crossing its median.
func (c *Classifier) isScrubbing(samples []sample) bool {
	minX, maxX := samples[0].x, samples[0].x
	ys := make([]int, len(samples))
	for i, s := range samples {
		minX, maxX = min(minX, s.x), max(maxX, s.x)
		ys[i] = s.y
	}
	if maxX-minX > c.cfg.ScrubMaxXSpan {
		return false
	}

	sorted := slices.Clone(ys)
	slices.Sort(sorted)
	median := sorted[len(sorted)/2]

	crossings := 0
	prev := sign(ys[0], median)
	for _, y := range ys[1:] {
		s := sign(y, median)
		if s != prev {
			crossings++
		}
		prev = s
	}
	return crossings >= c.cfg.ScrubMinCrossings
}

func sign(y, median int) int {
	if y > median {
		return 1
	}
	return -1
}

// isRegression looks for forward motion followed by backward motion on a
// single line. A regression already in progress persists while the finger
// holds still or keeps moving back.
func (c *Classifier) isRegression(samples []sample, last Label) bool {
	minY, maxY := samples[0].y, samples[0].y
	for _, s := range samples[1:] {
		minY, maxY = min(minY, s.y), max(maxY, s.y)
	}
	if maxY-minY > c.cfg.LineHeight {
		return false
	}

	n := len(samples)
	if last == LabelRegression && samples[n-1].x-samples[n-2].x <= 0 {
		return true
	}

	forward := false
	for i := 1; i < n; i++ {
		dx := samples[i].x - samples[i-1].x
		if dx > c.cfg.MinStep {
			forward = true
		}
		if dx < -c.cfg.MinStep && forward {
			return true
		}
	}
	return false
}

// Release drops the history for fingerID, typically when it lifts.
func (c *Classifier) Release(fingerID uint8) {
	delete(c.fingers, fingerID)
}

// Sweep drops histories that have not been updated within IdleExpiry of now
// and returns how many were removed.
func (c *Classifier) Sweep(now time.Time) int {
	if c.cfg.IdleExpiry <= 0 {
		return 0
	}
	removed := 0
	for id, h := range c.fingers {
		if now.Sub(h.lastSeen) > c.cfg.IdleExpiry {
			delete(c.fingers, id)
			removed++
		}
	}
	return removed
}

// Fingers returns the number of fingers with a live history.
func (c *Classifier) Fingers() int {
	return len(c.fingers)
}
