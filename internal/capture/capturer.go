// Package capture produces still images cropped to a detection's
// bounding box, orientation-corrected and losslessly encoded.
package capture

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"spotcam/internal/pipeline"
)

// ErrNoFrame signals that the frame has no usable pixel data yet
// (unknown dimensions or undecodable payload). Capture is not possible;
// this is not a pipeline failure.
var ErrNoFrame = errors.New("frame has no usable pixel data")

// ErrTooSmall signals that the clamped crop region is degenerate
// (width or height of one pixel or less).
var ErrTooSmall = errors.New("capture region too small")

// Still is a self-contained captured image.
type Still struct {
	ID         string    `json:"id"`
	Data       []byte    `json:"-"` // PNG bytes
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Mirrored   bool      `json:"mirrored"`
	CapturedAt time.Time `json:"captured_at"`
}

// DataURL returns the still as an embeddable data URL.
func (s *Still) DataURL() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(s.Data)
}

// Region is the crop rectangle after clamping a bounding box to frame
// bounds.
type Region struct {
	X, Y, W, H int
}

// ClampToFrame clamps a detection box to the frame's pixel bounds.
// Coordinates are floored; width and height are limited to what remains
// of the frame past the start point.
func ClampToFrame(box pipeline.BBox, frameW, frameH int) Region {
	startX := int(math.Max(0, math.Floor(box.X)))
	startY := int(math.Max(0, math.Floor(box.Y)))
	w := int(math.Min(float64(frameW-startX), math.Floor(box.W)))
	h := int(math.Min(float64(frameH-startY), math.Floor(box.H)))
	return Region{X: startX, Y: startY, W: w, H: h}
}

// Capture crops the frame to the detection's clamped bounding box at
// source resolution and encodes it as PNG. Front-facing captures are
// mirrored horizontally so the still matches the mirrored preview the
// viewer already sees.
func Capture(det pipeline.Detection, frame *pipeline.FrameData, orientation pipeline.Orientation) (*Still, error) {
	if frame == nil || frame.Width <= 0 || frame.Height <= 0 || len(frame.Data) == 0 {
		return nil, ErrNoFrame
	}

	region := ClampToFrame(det.BBox, frame.Width, frame.Height)
	if region.W <= 1 || region.H <= 1 {
		return nil, ErrTooSmall
	}

	src, err := jpeg.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return nil, ErrNoFrame
	}

	rect := image.Rect(region.X, region.Y, region.X+region.W, region.Y+region.H)
	cropped := imaging.Crop(src, rect)
	if orientation.Mirrored() {
		cropped = imaging.FlipH(cropped)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, cropped); err != nil {
		return nil, err
	}

	return &Still{
		ID:         uuid.NewString(),
		Data:       buf.Bytes(),
		Width:      region.W,
		Height:     region.H,
		Mirrored:   orientation.Mirrored(),
		CapturedAt: frame.Timestamp,
	}, nil
}
