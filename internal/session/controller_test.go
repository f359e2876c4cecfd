package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"spotcam/internal/metrics"
	"spotcam/internal/overlay"
	"spotcam/internal/pipeline"
	"spotcam/internal/selection"
	"spotcam/internal/spotlight"
)

type fakeSource struct {
	mu          sync.Mutex
	data        []byte
	width       int
	height      int
	seq         atomic.Uint64
	orientation pipeline.Orientation
	started     bool
	stopped     atomic.Uint64
	switched    atomic.Uint64
	switchErr   error
}

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: 128, G: 128, B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode fake frame: %v", err)
	}
	return &fakeSource{data: buf.Bytes(), width: 64, height: 48}
}

func (f *fakeSource) Start(ctx context.Context, o pipeline.Orientation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.orientation = o
	return nil
}

func (f *fakeSource) Stop() error {
	f.stopped.Add(1)
	return nil
}

func (f *fakeSource) Switch(ctx context.Context, o pipeline.Orientation) error {
	if f.switchErr != nil {
		return f.switchErr
	}
	f.switched.Add(1)
	f.mu.Lock()
	f.orientation = o
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) NextFrame(ctx context.Context) (*pipeline.FrameData, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Millisecond):
	}
	return &pipeline.FrameData{
		Data:      f.data,
		Seq:       f.seq.Add(1),
		Timestamp: time.Now(),
		Width:     f.width,
		Height:    f.height,
	}, nil
}

func (f *fakeSource) Dimensions() (int, int) { return f.width, f.height }

type fakeDetector struct {
	mu         sync.Mutex
	detections []pipeline.Detection
	err        error
}

func (f *fakeDetector) set(dets []pipeline.Detection) {
	f.mu.Lock()
	f.detections = dets
	f.mu.Unlock()
}

func (f *fakeDetector) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeDetector) Detect(ctx context.Context, frame *pipeline.FrameData, maxResults int) ([]pipeline.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]pipeline.Detection, len(f.detections))
	copy(out, f.detections)
	return out, nil
}

func (f *fakeDetector) IsHealthy() bool { return true }

type fixture struct {
	ctrl      *Controller
	source    *fakeSource
	detector  *fakeDetector
	presenter *spotlight.Presenter
	bus       *pipeline.EventBus
	clock     *clock.Mock
}

func person(x, y, w, h, conf float64) pipeline.Detection {
	return pipeline.Detection{Class: "person", Confidence: conf, BBox: pipeline.BBox{X: x, Y: y, W: w, H: h}}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	source := newFakeSource(t)
	det := &fakeDetector{}
	mock := clock.NewMock()
	engine := selection.NewEngine("person",
		selection.WithClock(mock),
		selection.WithRand(rand.New(rand.NewSource(1))),
	)
	presenter := spotlight.NewPresenter()
	bus := pipeline.NewEventBus()

	ctrl := NewController(Options{
		Source:      source,
		Detector:    det,
		Engine:      engine,
		Renderer:    overlay.NewRenderer(64, 48),
		Presenter:   presenter,
		Bus:         bus,
		Metrics:     metrics.New(),
		Logger:      zerolog.New(io.Discard),
		Threshold:   0.5,
		Orientation: pipeline.OrientationFront,
		MaxResults:  20,
	})

	t.Cleanup(func() {
		ctrl.Stop()
		bus.Close()
	})

	return &fixture{ctrl: ctrl, source: source, detector: det, presenter: presenter, bus: bus, clock: mock}
}

func awaitResult(t *testing.T, ch <-chan *pipeline.RefreshResult, pred func(*pipeline.RefreshResult) bool) *pipeline.RefreshResult {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				t.Fatal("result channel closed before match")
			}
			if pred(r) {
				return r
			}
		case <-deadline:
			t.Fatal("timed out waiting for refresh result")
		}
	}
}

func TestRefreshCyclePublishesFilteredCandidates(t *testing.T) {
	fx := newFixture(t)
	fx.detector.set([]pipeline.Detection{
		person(4, 4, 20, 30, 0.9),
		{Class: "dog", Confidence: 0.95, BBox: pipeline.BBox{X: 1, Y: 1, W: 5, H: 5}},
		person(30, 8, 16, 24, 0.3),
	})

	ch, unsub := fx.bus.SubscribeChannel(8)
	defer unsub()

	if err := fx.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	r := awaitResult(t, ch, func(r *pipeline.RefreshResult) bool { return len(r.Candidates) > 0 })
	if len(r.Candidates) != 1 {
		t.Fatalf("expected 1 candidate past the filter, got %d", len(r.Candidates))
	}
	if r.Candidates[0].Confidence != 0.9 {
		t.Fatalf("wrong candidate survived: %+v", r.Candidates[0])
	}
	if r.HighlightActive {
		t.Fatal("no pick yet, highlight must be inactive")
	}
	if len(r.Overlay) == 0 {
		t.Fatal("refresh result must carry an annotated frame")
	}
}

func TestStartTwiceFails(t *testing.T) {
	fx := newFixture(t)

	if err := fx.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := fx.ctrl.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestStopHaltsLoopAndReleasesSource(t *testing.T) {
	fx := newFixture(t)

	if err := fx.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := fx.ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if fx.ctrl.Running() {
		t.Fatal("controller still running after Stop")
	}
	if fx.source.stopped.Load() == 0 {
		t.Fatal("frame source was not stopped")
	}
	// Stopping again is a no-op.
	if err := fx.ctrl.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestPickPresentsSpotlight(t *testing.T) {
	fx := newFixture(t)
	fx.detector.set([]pipeline.Detection{person(4, 4, 24, 32, 0.85)})

	ch, unsub := fx.bus.SubscribeChannel(8)
	defer unsub()

	if err := fx.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitResult(t, ch, func(r *pipeline.RefreshResult) bool { return len(r.Candidates) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := fx.ctrl.Pick(ctx)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if result.Index != 0 || result.Candidates != 1 {
		t.Fatalf("unexpected pick result: %+v", result)
	}
	if result.Entry == nil {
		t.Fatal("pick with a croppable candidate must present a still")
	}
	if result.Entry.Still.Width != 24 || result.Entry.Still.Height != 32 {
		t.Fatalf("still = %dx%d, want 24x32", result.Entry.Still.Width, result.Entry.Still.Height)
	}
	if !result.Entry.Still.Mirrored {
		t.Fatal("front orientation still must be mirrored")
	}

	entry, ok := fx.presenter.Current()
	if !ok || entry != result.Entry {
		t.Fatal("presenter does not hold the picked entry")
	}

	// The highlight arms and shows up in subsequent results.
	r := awaitResult(t, ch, func(r *pipeline.RefreshResult) bool { return r.HighlightActive })
	if r.HighlightIndex != 0 {
		t.Fatalf("highlight index = %d, want 0", r.HighlightIndex)
	}
}

func TestPickWithNoCandidatesNotifies(t *testing.T) {
	fx := newFixture(t)
	fx.detector.set(nil)

	noticed := make(chan pipeline.Notice, 4)
	fx.bus.SubscribeNotices(noticeFunc(func(n pipeline.Notice) { noticed <- n }))

	ch, unsub := fx.bus.SubscribeChannel(8)
	defer unsub()

	if err := fx.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitResult(t, ch, func(r *pipeline.RefreshResult) bool { return true })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := fx.ctrl.Pick(ctx)
	if !errors.Is(err, selection.ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}

	select {
	case n := <-noticed:
		if n.Code != "no_candidates" {
			t.Fatalf("notice code = %q, want no_candidates", n.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a no_candidates notice")
	}

	if _, ok := fx.presenter.Current(); ok {
		t.Fatal("failed pick must not present anything")
	}
}

func TestPickWhileStoppedFails(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.ctrl.Pick(context.Background())
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestHighlightExpiresInResults(t *testing.T) {
	fx := newFixture(t)
	fx.detector.set([]pipeline.Detection{person(4, 4, 24, 32, 0.85)})

	ch, unsub := fx.bus.SubscribeChannel(8)
	defer unsub()

	if err := fx.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitResult(t, ch, func(r *pipeline.RefreshResult) bool { return len(r.Candidates) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := fx.ctrl.Pick(ctx); err != nil {
		t.Fatalf("pick: %v", err)
	}

	awaitResult(t, ch, func(r *pipeline.RefreshResult) bool { return r.HighlightActive })

	// Advance past the highlight window; the selection expires without
	// being cleared.
	fx.clock.Add(selection.HighlightDuration)
	awaitResult(t, ch, func(r *pipeline.RefreshResult) bool { return !r.HighlightActive })
}

func TestStaleHighlightIndexSurvivesListShrink(t *testing.T) {
	fx := newFixture(t)
	fx.detector.set([]pipeline.Detection{person(4, 4, 24, 32, 0.85)})

	ch, unsub := fx.bus.SubscribeChannel(8)
	defer unsub()

	if err := fx.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitResult(t, ch, func(r *pipeline.RefreshResult) bool { return len(r.Candidates) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := fx.ctrl.Pick(ctx); err != nil {
		t.Fatalf("pick: %v", err)
	}

	// The person leaves the frame. The selection stays armed but points
	// past the now-empty list; rendering skips it silently.
	fx.detector.set(nil)
	r := awaitResult(t, ch, func(r *pipeline.RefreshResult) bool { return len(r.Candidates) == 0 })
	if !r.HighlightActive {
		t.Fatal("selection must stay armed when the list shrinks")
	}
	if len(r.Overlay) == 0 {
		t.Fatal("render must still succeed with a stale index")
	}
}

func TestSetThresholdTakesEffectNextCycle(t *testing.T) {
	fx := newFixture(t)
	fx.detector.set([]pipeline.Detection{
		person(4, 4, 20, 30, 0.9),
		person(30, 8, 16, 24, 0.6),
	})

	ch, unsub := fx.bus.SubscribeChannel(8)
	defer unsub()

	if err := fx.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitResult(t, ch, func(r *pipeline.RefreshResult) bool { return len(r.Candidates) == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := fx.ctrl.SetThreshold(ctx, 0.8); err != nil {
		t.Fatalf("set threshold: %v", err)
	}

	awaitResult(t, ch, func(r *pipeline.RefreshResult) bool { return len(r.Candidates) == 1 })

	if got := fx.ctrl.Snapshot().Threshold; got != 0.8 {
		t.Fatalf("snapshot threshold = %v, want 0.8", got)
	}
}

func TestSetThresholdRejectsOutOfRange(t *testing.T) {
	fx := newFixture(t)

	for _, v := range []float64{-0.1, 1.1} {
		if err := fx.ctrl.SetThreshold(context.Background(), v); !errors.Is(err, ErrThresholdRange) {
			t.Fatalf("threshold %v: expected ErrThresholdRange, got %v", v, err)
		}
	}
}

func TestSetThresholdWhileStopped(t *testing.T) {
	fx := newFixture(t)

	if err := fx.ctrl.SetThreshold(context.Background(), 0.7); err != nil {
		t.Fatalf("set threshold while stopped: %v", err)
	}
	if got := fx.ctrl.Snapshot().Threshold; got != 0.7 {
		t.Fatalf("snapshot threshold = %v, want 0.7", got)
	}
}

func TestFlipSwitchesOrientation(t *testing.T) {
	fx := newFixture(t)

	ch, unsub := fx.bus.SubscribeChannel(8)
	defer unsub()

	if err := fx.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitResult(t, ch, func(r *pipeline.RefreshResult) bool { return true })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	orientation, err := fx.ctrl.Flip(ctx)
	if err != nil {
		t.Fatalf("flip: %v", err)
	}
	if orientation != pipeline.OrientationRear {
		t.Fatalf("orientation = %q, want rear", orientation)
	}
	if fx.source.switched.Load() != 1 {
		t.Fatalf("source switched %d times, want 1", fx.source.switched.Load())
	}
	if got := fx.ctrl.Snapshot().Orientation; got != pipeline.OrientationRear {
		t.Fatalf("snapshot orientation = %q, want rear", got)
	}
}

func TestFlipFailureKeepsOrientation(t *testing.T) {
	fx := newFixture(t)
	fx.source.switchErr = errors.New("device busy")

	ch, unsub := fx.bus.SubscribeChannel(8)
	defer unsub()

	if err := fx.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitResult(t, ch, func(r *pipeline.RefreshResult) bool { return true })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := fx.ctrl.Flip(ctx); err == nil {
		t.Fatal("expected flip to fail")
	}
	if got := fx.ctrl.Snapshot().Orientation; got != pipeline.OrientationFront {
		t.Fatalf("orientation changed on failed switch: %q", got)
	}
}

func TestDetectorFailureHaltsSession(t *testing.T) {
	fx := newFixture(t)

	noticed := make(chan pipeline.Notice, 4)
	fx.bus.SubscribeNotices(noticeFunc(func(n pipeline.Notice) { noticed <- n }))

	if err := fx.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	fx.detector.fail(errors.New("connection refused"))

	select {
	case n := <-noticed:
		if n.Code != "pipeline_halted" {
			t.Fatalf("notice code = %q, want pipeline_halted", n.Code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected a pipeline_halted notice")
	}

	deadline := time.Now().Add(3 * time.Second)
	for fx.ctrl.Running() {
		if time.Now().After(deadline) {
			t.Fatal("controller still running after detector failure")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDismissClearsPresenterAndBroadcasts(t *testing.T) {
	fx := newFixture(t)

	events := make(chan pipeline.SpotlightEvent, 4)
	fx.bus.SubscribeSpotlights(spotlightFunc(func(e pipeline.SpotlightEvent) { events <- e }))

	fx.ctrl.Dismiss()

	select {
	case e := <-events:
		if !e.Dismissed {
			t.Fatal("dismiss event must be flagged dismissed")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a dismiss event")
	}
	if _, ok := fx.presenter.Current(); ok {
		t.Fatal("presenter not empty after dismiss")
	}
}

type noticeFunc func(pipeline.Notice)

func (f noticeFunc) OnNotice(n pipeline.Notice) { f(n) }

type spotlightFunc func(pipeline.SpotlightEvent)

func (f spotlightFunc) OnSpotlight(e pipeline.SpotlightEvent) { f(e) }
