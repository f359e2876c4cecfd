// Package overlay renders detection boxes and highlight decorations
// onto display-sized frames for the live stream.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"spotcam/internal/pipeline"
	"spotcam/internal/selection"
)

// Fallback source dimensions used while the stream has not reported its
// own, so scale factors never divide by zero.
const (
	DefaultSourceWidth  = 1280
	DefaultSourceHeight = 720
)

const (
	candidateStroke = 2.0
	highlightStroke = 4.0
	glowMargin      = 6.0
	labelPadding    = 4.0
	labelHeight     = 18.0
	fontSize        = 13.0
)

var (
	candidateColor = color.RGBA{R: 0, G: 220, B: 90, A: 255}
	highlightColor = color.RGBA{R: 255, G: 120, B: 0, A: 255}
	glowColor      = color.RGBA{R: 255, G: 200, B: 60, A: 160}
	labelBG        = color.RGBA{R: 0, G: 0, B: 0, A: 190}
	labelFG        = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

var regular *truetype.Font

func init() {
	var err error
	regular, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Renderer draws one display-sized overlay frame per refresh cycle. The
// surface is fully cleared and redrawn on every call; there is no
// incremental diffing and no failure mode for valid inputs.
type Renderer struct {
	displayW int
	displayH int
	face     font.Face
}

// NewRenderer creates a renderer for the given display dimensions.
func NewRenderer(displayW, displayH int) *Renderer {
	return &Renderer{
		displayW: displayW,
		displayH: displayH,
		face:     truetype.NewFace(regular, &truetype.Options{Size: fontSize}),
	}
}

// Render scales the frame to display size and draws every candidate box,
// decorating the highlighted one. A highlight index beyond the candidate
// list is skipped silently: the stored selection may be stale after the
// list shrank, and that is accepted behavior, not an error.
//
// srcW/srcH are the frame's source dimensions; zero values fall back to
// the defaults. Horizontal and vertical scale factors are independent,
// so aspect distortion between source and display is allowed.
func (r *Renderer) Render(frame image.Image, candidates pipeline.CandidateList, highlight selection.HighlightState, srcW, srcH int) *image.RGBA {
	if srcW <= 0 || srcH <= 0 {
		srcW, srcH = DefaultSourceWidth, DefaultSourceHeight
	}
	sx := float64(r.displayW) / float64(srcW)
	sy := float64(r.displayH) / float64(srcH)

	dc := gg.NewContext(r.displayW, r.displayH)
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	if frame != nil {
		b := frame.Bounds()
		dc.Push()
		dc.Scale(float64(r.displayW)/float64(b.Dx()), float64(r.displayH)/float64(b.Dy()))
		dc.DrawImage(frame, 0, 0)
		dc.Pop()
	}
	dc.SetFontFace(r.face)

	for i, det := range candidates {
		x := det.BBox.X * sx
		y := det.BBox.Y * sy
		w := det.BBox.W * sx
		h := det.BBox.H * sy

		selected := highlight.Active && highlight.Index == i
		if selected {
			dc.SetColor(glowColor)
			dc.SetLineWidth(highlightStroke)
			dc.DrawRectangle(x-glowMargin, y-glowMargin, w+2*glowMargin, h+2*glowMargin)
			dc.Stroke()

			dc.SetColor(highlightColor)
			dc.SetLineWidth(highlightStroke)
		} else {
			dc.SetColor(candidateColor)
			dc.SetLineWidth(candidateStroke)
		}
		dc.DrawRectangle(x, y, w, h)
		dc.Stroke()

		label := candidateLabel(det, selected)
		r.drawLabel(dc, label, x, y, selected)
	}

	return imageRGBA(dc.Image())
}

// RenderJPEG renders and encodes the overlay in one step for streaming.
func (r *Renderer) RenderJPEG(frame image.Image, candidates pipeline.CandidateList, highlight selection.HighlightState, srcW, srcH int) ([]byte, error) {
	img := r.Render(frame, candidates, highlight, srcW, srcH)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// drawLabel draws a filled background sized to the measured text width
// plus padding, positioned above the box and clamped so it never draws
// above the top edge of the display.
func (r *Renderer) drawLabel(dc *gg.Context, label string, x, y float64, selected bool) {
	textW, _ := dc.MeasureString(label)

	labelY := y - labelHeight
	if labelY < 0 {
		labelY = 0
	}

	dc.SetColor(labelBG)
	dc.DrawRectangle(x, labelY, textW+2*labelPadding, labelHeight)
	dc.Fill()

	if selected {
		dc.SetColor(highlightColor)
	} else {
		dc.SetColor(labelFG)
	}
	dc.DrawString(label, x+labelPadding, labelY+labelHeight-labelPadding)
}

func candidateLabel(det pipeline.Detection, selected bool) string {
	if selected {
		return "SPOTLIGHT"
	}
	return fmt.Sprintf("%s %.0f%%", det.Class, det.Confidence*100)
}

func imageRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			rgba.Set(x, y, img.At(x, y))
		}
	}
	return rgba
}
