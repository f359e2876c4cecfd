package capture

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"
	"time"

	"spotcam/internal/pipeline"
)

// testFrame builds a JPEG frame with the left half red and the right
// half blue, encoded at maximum quality so color checks stay reliable.
func testFrame(t *testing.T, w, h int) *pipeline.FrameData {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.Set(x, y, color.RGBA{R: 255, A: 255})
			} else {
				img.Set(x, y, color.RGBA{B: 255, A: 255})
			}
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatalf("encode test frame: %v", err)
	}
	return &pipeline.FrameData{
		Data:      buf.Bytes(),
		Seq:       1,
		Timestamp: time.Now(),
		Width:     w,
		Height:    h,
	}
}

func TestClampToFrame(t *testing.T) {
	cases := []struct {
		name   string
		box    pipeline.BBox
		fw, fh int
		want   Region
	}{
		{"inside", pipeline.BBox{X: 10, Y: 20, W: 30, H: 40}, 100, 100, Region{10, 20, 30, 40}},
		{"negative origin", pipeline.BBox{X: -5, Y: -8, W: 30, H: 40}, 100, 100, Region{0, 0, 30, 40}},
		{"fractional floors", pipeline.BBox{X: 10.9, Y: 20.7, W: 30.2, H: 40.9}, 100, 100, Region{10, 20, 30, 40}},
		{"overflow right", pipeline.BBox{X: 90, Y: 0, W: 50, H: 10}, 100, 100, Region{90, 0, 10, 10}},
		{"overflow bottom", pipeline.BBox{X: 0, Y: 95, W: 10, H: 50}, 100, 100, Region{0, 95, 10, 5}},
		{"fully outside", pipeline.BBox{X: 200, Y: 0, W: 30, H: 30}, 100, 100, Region{200, 0, -100, 30}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClampToFrame(tc.box, tc.fw, tc.fh)
			if got != tc.want {
				t.Fatalf("ClampToFrame = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestCaptureBoxFullyOutsideFails(t *testing.T) {
	frame := testFrame(t, 32, 32)

	_, err := Capture(pipeline.Detection{BBox: pipeline.BBox{X: 100, Y: 0, W: 20, H: 20}}, frame, pipeline.OrientationRear)
	if !errors.Is(err, ErrTooSmall) {
		t.Fatalf("expected ErrTooSmall for out-of-frame box, got %v", err)
	}
}

func TestCaptureOnePixelRegionFails(t *testing.T) {
	frame := testFrame(t, 32, 32)

	_, err := Capture(pipeline.Detection{BBox: pipeline.BBox{X: 0, Y: 0, W: 1, H: 1}}, frame, pipeline.OrientationRear)
	if !errors.Is(err, ErrTooSmall) {
		t.Fatalf("expected ErrTooSmall for 1x1 region, got %v", err)
	}
}

func TestCaptureTwoPixelRegionSucceeds(t *testing.T) {
	frame := testFrame(t, 32, 32)

	still, err := Capture(pipeline.Detection{BBox: pipeline.BBox{X: 0, Y: 0, W: 2, H: 2}}, frame, pipeline.OrientationRear)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if still.Width != 2 || still.Height != 2 {
		t.Fatalf("still dimensions = %dx%d, want 2x2", still.Width, still.Height)
	}

	img, err := png.Decode(bytes.NewReader(still.Data))
	if err != nil {
		t.Fatalf("decode still: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 2 || b.Dy() != 2 {
		t.Fatalf("decoded still = %dx%d, want 2x2", b.Dx(), b.Dy())
	}
}

func TestCaptureNilFrame(t *testing.T) {
	_, err := Capture(pipeline.Detection{BBox: pipeline.BBox{W: 10, H: 10}}, nil, pipeline.OrientationRear)
	if !errors.Is(err, ErrNoFrame) {
		t.Fatalf("expected ErrNoFrame for nil frame, got %v", err)
	}
}

func TestCaptureUnknownDimensions(t *testing.T) {
	frame := &pipeline.FrameData{Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}}

	_, err := Capture(pipeline.Detection{BBox: pipeline.BBox{W: 10, H: 10}}, frame, pipeline.OrientationRear)
	if !errors.Is(err, ErrNoFrame) {
		t.Fatalf("expected ErrNoFrame for zero dimensions, got %v", err)
	}
}

func TestCaptureRearIsNotMirrored(t *testing.T) {
	frame := testFrame(t, 32, 32)

	still, err := Capture(pipeline.Detection{BBox: pipeline.BBox{X: 0, Y: 0, W: 32, H: 32}}, frame, pipeline.OrientationRear)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if still.Mirrored {
		t.Fatal("rear capture must not be flagged mirrored")
	}

	img, err := png.Decode(bytes.NewReader(still.Data))
	if err != nil {
		t.Fatalf("decode still: %v", err)
	}
	r, _, b, _ := img.At(2, 16).RGBA()
	if r <= b {
		t.Fatalf("rear capture left edge should stay red, got r=%d b=%d", r, b)
	}
}

func TestCaptureFrontIsMirrored(t *testing.T) {
	frame := testFrame(t, 32, 32)

	still, err := Capture(pipeline.Detection{BBox: pipeline.BBox{X: 0, Y: 0, W: 32, H: 32}}, frame, pipeline.OrientationFront)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !still.Mirrored {
		t.Fatal("front capture must be flagged mirrored")
	}

	img, err := png.Decode(bytes.NewReader(still.Data))
	if err != nil {
		t.Fatalf("decode still: %v", err)
	}
	// The red left half lands on the right after the horizontal flip.
	r, _, b, _ := img.At(2, 16).RGBA()
	if b <= r {
		t.Fatalf("mirrored capture left edge should be blue, got r=%d b=%d", r, b)
	}
	r, _, b, _ = img.At(29, 16).RGBA()
	if r <= b {
		t.Fatalf("mirrored capture right edge should be red, got r=%d b=%d", r, b)
	}
}

func TestStillDataURL(t *testing.T) {
	frame := testFrame(t, 32, 32)

	still, err := Capture(pipeline.Detection{BBox: pipeline.BBox{X: 0, Y: 0, W: 8, H: 8}}, frame, pipeline.OrientationRear)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	url := still.DataURL()
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Fatalf("unexpected data URL prefix: %.40s", url)
	}
	if still.ID == "" {
		t.Fatal("still must carry an ID")
	}
}
