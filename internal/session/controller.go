// Package session runs the refresh loop and owns the live session
// state: threshold, orientation, current candidates and the last pick.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"spotcam/internal/capture"
	"spotcam/internal/metrics"
	"spotcam/internal/overlay"
	"spotcam/internal/pipeline"
	"spotcam/internal/selection"
	"spotcam/internal/spotlight"
)

var (
	// ErrNotRunning is returned by commands that need an active session.
	ErrNotRunning = errors.New("session is not running")

	// ErrAlreadyRunning is returned by Start on an active session.
	ErrAlreadyRunning = errors.New("session is already running")

	// ErrThresholdRange is returned for thresholds outside [0, 1].
	ErrThresholdRange = errors.New("threshold must be between 0 and 1")

	errStopped = errors.New("session stopped")
)

// PickResult is the outcome of a successful random pick. Entry is nil
// when the capture step failed; the highlight still arms in that case.
type PickResult struct {
	Index      int
	Candidates int
	Entry      *spotlight.Entry
}

// Options wires a Controller.
type Options struct {
	Source      pipeline.FrameSource
	Detector    pipeline.Detector
	Engine      *selection.Engine
	Renderer    *overlay.Renderer
	Presenter   *spotlight.Presenter
	Bus         *pipeline.EventBus
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	Threshold   float64
	Orientation pipeline.Orientation
	MaxResults  int
}

// Controller drives frame -> detect -> filter -> render cycles on a
// single goroutine. Session state lives on that goroutine; commands are
// delivered over a channel and handled between cycles, so every mutation
// is serialized with the loop.
type Controller struct {
	source     pipeline.FrameSource
	detector   pipeline.Detector
	engine     *selection.Engine
	renderer   *overlay.Renderer
	presenter  *spotlight.Presenter
	bus        *pipeline.EventBus
	metrics    *metrics.Metrics
	log        zerolog.Logger
	maxResults int

	state     pipeline.Session
	lastFrame *pipeline.FrameData
	cycles    uint64

	commands chan command
	cancel   context.CancelFunc
	done     chan struct{}
	running  atomic.Bool
	stopping atomic.Bool

	mu   sync.RWMutex
	snap pipeline.SessionSnapshot
}

type command interface {
	execute(ctx context.Context, c *Controller)
}

type pickCmd struct {
	reply chan pickReply
}

type pickReply struct {
	result PickResult
	err    error
}

type flipCmd struct {
	reply chan flipReply
}

type flipReply struct {
	orientation pipeline.Orientation
	err         error
}

type thresholdCmd struct {
	value float64
	reply chan error
}

// NewController builds a controller from its collaborators.
func NewController(opts Options) *Controller {
	c := &Controller{
		source:     opts.Source,
		detector:   opts.Detector,
		engine:     opts.Engine,
		renderer:   opts.Renderer,
		presenter:  opts.Presenter,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		maxResults: opts.MaxResults,
		commands:   make(chan command, 4),
	}
	c.state.Threshold = opts.Threshold
	c.state.Orientation = opts.Orientation
	c.publishSnapshot()
	return c
}

// Start acquires the camera stream and launches the refresh loop. It
// returns once the stream has delivered its first frame.
func (c *Controller) Start(ctx context.Context) error {
	if c.running.Load() {
		return ErrAlreadyRunning
	}

	if err := c.source.Start(ctx, c.state.Orientation); err != nil {
		return fmt.Errorf("start frame source: %w", err)
	}
	c.state.SourceWidth, c.state.SourceHeight = c.source.Dimensions()

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.stopping.Store(false)
	c.running.Store(true)
	c.publishSnapshot()

	c.log.Info().
		Str("orientation", string(c.state.Orientation)).
		Float64("threshold", c.state.Threshold).
		Msg("session started")

	go c.run(runCtx)
	return nil
}

// Stop halts the refresh loop and releases the camera. A cycle already
// past its frame read finishes its inference, but the result is
// discarded. Stopping a stopped session is a no-op.
func (c *Controller) Stop() error {
	if !c.running.Load() {
		return nil
	}

	c.stopping.Store(true)
	c.cancel()
	<-c.done

	err := c.source.Stop()
	c.running.Store(false)
	c.publishSnapshot()
	c.log.Info().Msg("session stopped")
	return err
}

// Running reports whether the refresh loop is active.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// Snapshot returns a copy of the session state as of the last completed
// cycle or command.
func (c *Controller) Snapshot() pipeline.SessionSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Pick asks the loop to choose a candidate at random, capture its crop
// from the frame current at that instant, and present it. With no
// candidates it returns selection.ErrNoCandidates and nothing changes.
func (c *Controller) Pick(ctx context.Context) (PickResult, error) {
	cmd := pickCmd{reply: make(chan pickReply, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return PickResult{}, err
	}
	select {
	case r := <-cmd.reply:
		return r.result, r.err
	case <-ctx.Done():
		return PickResult{}, ctx.Err()
	}
}

// Flip switches to the opposite camera. The old stream is fully stopped
// before the new one is acquired; Flip returns after the new stream has
// delivered its first frame.
func (c *Controller) Flip(ctx context.Context) (pipeline.Orientation, error) {
	cmd := flipCmd{reply: make(chan flipReply, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return "", err
	}
	select {
	case r := <-cmd.reply:
		return r.orientation, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SetThreshold updates the confidence threshold used by the next filter
// pass. Values outside [0, 1] are rejected. A stopped session accepts
// the change directly.
func (c *Controller) SetThreshold(ctx context.Context, value float64) error {
	if value < 0 || value > 1 {
		return ErrThresholdRange
	}
	if !c.running.Load() {
		c.mu.Lock()
		c.state.Threshold = value
		c.snap.Threshold = value
		c.mu.Unlock()
		return nil
	}

	cmd := thresholdCmd{value: value, reply: make(chan error, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dismiss clears the presented spotlight, if any. The presenter is
// thread safe, so this bypasses the command channel.
func (c *Controller) Dismiss() {
	c.presenter.Dismiss()
	c.bus.PublishSpotlight(pipeline.SpotlightEvent{
		Dismissed: true,
		At:        time.Now(),
	})
}

func (c *Controller) send(ctx context.Context, cmd command) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	select {
	case c.commands <- cmd:
		return nil
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.commands:
			cmd.execute(ctx, c)
			c.publishSnapshot()
			continue
		default:
		}

		if err := c.cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, errStopped) {
				return
			}
			// Environment failure: camera or detector gone. The loop
			// cannot make progress, so halt and report.
			c.log.Error().Err(err).Msg("refresh loop halted")
			c.bus.PublishNotice(pipeline.Notice{
				Code:    "pipeline_halted",
				Message: err.Error(),
				At:      time.Now(),
			})
			go c.Stop()
			return
		}
	}
}

// cycle runs one refresh: read a frame, run inference, rebuild the
// candidate list and publish the annotated result. At most one inference
// is in flight; the next cycle begins only after this one publishes.
func (c *Controller) cycle(ctx context.Context) error {
	frame, err := c.source.NextFrame(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("next frame: %w", err)
	}

	start := time.Now()
	detections, err := c.detector.Detect(ctx, frame, c.maxResults)
	inference := time.Since(start)

	// A stop that arrived mid-inference wins over the result.
	if c.stopping.Load() {
		return errStopped
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("detect: %w", err)
	}

	c.metrics.DetectionsTotal.Add(uint64(len(detections)))

	c.state.Candidates = c.engine.Filter(detections, c.state.Threshold)
	c.state.SourceWidth = frame.Width
	c.state.SourceHeight = frame.Height
	c.lastFrame = frame
	c.cycles++

	highlight := selection.Highlight(c.state.LastSelection, c.engine.Now())

	img := c.decodeFrame(frame)
	annotated, err := c.renderer.RenderJPEG(img, c.state.Candidates, highlight, frame.Width, frame.Height)
	if err != nil {
		return fmt.Errorf("render overlay: %w", err)
	}

	c.metrics.CyclesTotal.Add(1)
	c.metrics.CandidatesLast.Store(uint64(len(c.state.Candidates)))
	c.metrics.InferenceMs.Store(uint64(inference.Milliseconds()))
	c.publishSnapshot()

	c.bus.PublishResult(&pipeline.RefreshResult{
		Seq:             frame.Seq,
		Timestamp:       frame.Timestamp,
		Candidates:      c.state.Candidates,
		HighlightActive: highlight.Active,
		HighlightIndex:  highlight.Index,
		Overlay:         annotated,
		InferenceMs:     float64(inference.Microseconds()) / 1000.0,
	})
	return nil
}

// decodeFrame decodes the JPEG payload for overlay rendering. On decode
// failure the renderer falls back to a blank surface with boxes only.
func (c *Controller) decodeFrame(frame *pipeline.FrameData) image.Image {
	img, err := jpeg.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		c.log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("frame decode failed")
		return nil
	}
	return img
}

func (cmd pickCmd) execute(ctx context.Context, c *Controller) {
	cmd.reply <- c.pick()
}

func (c *Controller) pick() pickReply {
	candidates := c.state.Candidates

	sel, err := c.engine.Pick(candidates)
	if err != nil {
		c.metrics.PickMisses.Add(1)
		c.bus.PublishNotice(pipeline.Notice{
			Code:    "no_candidates",
			Message: "no people detected right now",
			At:      time.Now(),
		})
		return pickReply{err: err}
	}

	c.state.LastSelection = &sel
	c.metrics.PicksTotal.Add(1)
	result := PickResult{Index: sel.Index, Candidates: len(candidates)}

	chosen := candidates[sel.Index]
	still, err := capture.Capture(chosen, c.lastFrame, c.state.Orientation)
	if err != nil {
		// The highlight stays armed; only the still is missing.
		c.metrics.CaptureMisses.Add(1)
		c.log.Warn().Err(err).Int("index", sel.Index).Msg("capture skipped")
		c.bus.PublishNotice(pipeline.Notice{
			Code:    "capture_failed",
			Message: err.Error(),
			At:      time.Now(),
		})
		return pickReply{result: result}
	}

	caption := fmt.Sprintf("person %d of %d, %.0f%% confidence",
		sel.Index+1, len(candidates), chosen.Confidence*100)
	entry := c.presenter.Show(still, caption)
	result.Entry = entry

	c.metrics.CapturesTotal.Add(1)
	c.bus.PublishSpotlight(pipeline.SpotlightEvent{
		ID:       still.ID,
		Caption:  caption,
		DataURL:  entry.DataURL,
		Width:    still.Width,
		Height:   still.Height,
		Mirrored: still.Mirrored,
		At:       time.Now(),
	})
	return pickReply{result: result}
}

func (cmd flipCmd) execute(ctx context.Context, c *Controller) {
	target := c.state.Orientation.Opposite()
	if err := c.source.Switch(ctx, target); err != nil {
		cmd.reply <- flipReply{orientation: c.state.Orientation, err: err}
		return
	}

	c.state.Orientation = target
	c.state.SourceWidth, c.state.SourceHeight = c.source.Dimensions()
	c.lastFrame = nil
	c.metrics.SwitchesTotal.Add(1)
	c.log.Info().Str("orientation", string(target)).Msg("camera switched")
	cmd.reply <- flipReply{orientation: target}
}

func (cmd thresholdCmd) execute(ctx context.Context, c *Controller) {
	c.state.Threshold = cmd.value
	c.log.Info().Float64("threshold", cmd.value).Msg("threshold updated")
	cmd.reply <- nil
}

func (c *Controller) publishSnapshot() {
	highlight := selection.Highlight(c.state.LastSelection, c.engine.Now())

	seq := uint64(0)
	if c.lastFrame != nil {
		seq = c.lastFrame.Seq
	}

	c.mu.Lock()
	c.snap = pipeline.SessionSnapshot{
		Running:         c.running.Load(),
		Threshold:       c.state.Threshold,
		Orientation:     c.state.Orientation,
		CandidateCount:  len(c.state.Candidates),
		Candidates:      c.state.Candidates,
		HighlightActive: highlight.Active,
		HighlightIndex:  highlight.Index,
		SourceWidth:     c.state.SourceWidth,
		SourceHeight:    c.state.SourceHeight,
		FrameSeq:        seq,
		CyclesTotal:     c.cycles,
	}
	c.mu.Unlock()
}
