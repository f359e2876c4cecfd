package pipeline

import (
	"context"
)

// Detector is the external pretrained detection model. It is supplied
// ready to use and treated as an opaque async capability; the core never
// reproduces it.
type Detector interface {
	// Detect runs inference on a frame and returns detected objects with
	// class label, confidence and bounding box in frame-pixel coordinates.
	Detect(ctx context.Context, frame *FrameData, maxResults int) ([]Detection, error)

	// IsHealthy reports whether the model backend is operational.
	IsHealthy() bool
}

// FrameSource owns the live camera stream. NextFrame blocks until a new
// frame is available, so the refresh loop naturally runs at the capture
// rate with at most one inference in flight.
type FrameSource interface {
	// Start begins capture for the given orientation.
	Start(ctx context.Context, orientation Orientation) error

	// Stop releases the active stream (all capture resources).
	Stop() error

	// Switch stops the current stream before acquiring the opposite one.
	// It returns only after the new stream has reported its dimensions
	// and delivered at least one frame.
	Switch(ctx context.Context, orientation Orientation) error

	// NextFrame returns the next captured frame, or ctx.Err on cancel.
	NextFrame(ctx context.Context) (*FrameData, error)

	// Dimensions returns the current stream dimensions, zero if unknown.
	Dimensions() (width, height int)
}

// ResultHandler receives per-cycle refresh results.
type ResultHandler interface {
	OnRefreshResult(result *RefreshResult)
}

// NoticeHandler receives transient user-facing notices.
type NoticeHandler interface {
	OnNotice(notice Notice)
}

// SpotlightHandler receives spotlight presentation events.
type SpotlightHandler interface {
	OnSpotlight(event SpotlightEvent)
}
