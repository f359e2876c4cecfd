// Package selection filters detections into candidates and picks one
// uniformly at random with a time-bounded highlight.
package selection

import (
	"errors"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"

	"spotcam/internal/pipeline"
)

// HighlightDuration is how long a pick stays highlighted in the overlay.
const HighlightDuration = 3500 * time.Millisecond

// ErrNoCandidates is returned by Pick when the candidate list is empty.
// Callers surface it as a transient notice, not a pipeline failure.
var ErrNoCandidates = errors.New("no candidates to pick from")

// Engine filters raw detections and picks candidates. The clock and
// random source are injected so expiry and pick behavior are testable.
type Engine struct {
	targetClass string
	duration    time.Duration
	clock       clock.Clock
	rng         *rand.Rand
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRand replaces the random source, for tests.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

// WithHighlightDuration overrides the default highlight duration.
func WithHighlightDuration(d time.Duration) Option {
	return func(e *Engine) { e.duration = d }
}

// NewEngine creates an engine targeting the given class label.
func NewEngine(targetClass string, opts ...Option) *Engine {
	e := &Engine{
		targetClass: targetClass,
		duration:    HighlightDuration,
		clock:       clock.New(),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Filter retains detections of the target class with confidence at or
// above threshold, preserving detector-supplied order. Raising the
// threshold never grows the result.
func (e *Engine) Filter(dets []pipeline.Detection, threshold float64) pipeline.CandidateList {
	out := make(pipeline.CandidateList, 0, len(dets))
	for _, d := range dets {
		if d.Class == e.targetClass && d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	return out
}

// Pick draws a uniformly distributed index into candidates and stamps it
// with the highlight expiry. The caller must not invoke Pick on an empty
// list; doing so returns ErrNoCandidates.
func (e *Engine) Pick(candidates pipeline.CandidateList) (pipeline.Selection, error) {
	if len(candidates) == 0 {
		return pipeline.Selection{}, ErrNoCandidates
	}
	return pipeline.Selection{
		Index:  e.rng.Intn(len(candidates)),
		Expiry: e.clock.Now().Add(e.duration),
	}, nil
}

// Now exposes the engine's clock so callers evaluate highlight state
// against the same time source.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// HighlightState is the highlight lifecycle evaluated at a point in
// time. A selection is armed until its expiry passes; after that it is
// expired but not cleared, so there is no terminal state beyond the time
// comparison itself.
type HighlightState struct {
	Active bool
	Index  int
}

// Highlight computes the highlight state for a stored selection at the
// given instant. Nil selection or now >= expiry yields an inactive state.
func Highlight(sel *pipeline.Selection, now time.Time) HighlightState {
	if sel == nil || !now.Before(sel.Expiry) {
		return HighlightState{}
	}
	return HighlightState{Active: true, Index: sel.Index}
}
