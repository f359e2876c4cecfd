// Package camera captures JPEG frames from the front or rear camera
// device using FFmpeg and supports switching between the two.
package camera

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"spotcam/internal/logger"
	"spotcam/internal/pipeline"
)

// DeviceConfig describes the acquisition constraints for one camera.
type DeviceConfig struct {
	Device string
	Width  int
	Height int
	FPS    int
}

// Source owns the live camera stream for a session. Exactly one
// orientation is active at a time; switching releases the current stream
// before acquiring the other one.
type Source struct {
	devices map[pipeline.Orientation]DeviceConfig
	log     zerolog.Logger

	mu          sync.Mutex
	active      *streamCapture
	orientation pipeline.Orientation
}

// NewSource creates a source with per-orientation device configs.
func NewSource(front, rear DeviceConfig) *Source {
	return &Source{
		devices: map[pipeline.Orientation]DeviceConfig{
			pipeline.OrientationFront: front,
			pipeline.OrientationRear:  rear,
		},
		log: logger.Component("camera"),
	}
}

// Start begins capture for the given orientation and blocks until the
// stream has reported dimensions and delivered its first frame, so no
// caller ever sees a zero-dimension stream.
func (s *Source) Start(ctx context.Context, orientation pipeline.Orientation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return fmt.Errorf("camera already started (%s)", s.orientation)
	}
	return s.startLocked(ctx, orientation)
}

// Stop releases the active stream and all its capture resources.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return nil
	}
	s.active.stop()
	s.active = nil
	s.log.Info().Str("orientation", string(s.orientation)).Msg("capture stopped")
	return nil
}

// Switch stops the current stream before requesting the one for the
// given orientation. It returns only after the new stream delivered a
// first frame; frames observed after Switch returns always come from the
// new stream.
func (s *Source) Switch(ctx context.Context, orientation pipeline.Orientation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		s.active.stop()
		s.active = nil
	}
	return s.startLocked(ctx, orientation)
}

// Orientation returns the active orientation.
func (s *Source) Orientation() pipeline.Orientation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orientation
}

// NextFrame blocks until the next captured frame or context cancel.
func (s *Source) NextFrame(ctx context.Context) (*pipeline.FrameData, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == nil {
		return nil, fmt.Errorf("camera not started")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-active.frames:
		if !ok {
			return nil, fmt.Errorf("camera stream closed")
		}
		return frame, nil
	}
}

// Dimensions returns the active stream's dimensions, zero until the
// first frame has been delivered.
func (s *Source) Dimensions() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || !s.active.ready.Load() {
		return 0, 0
	}
	return s.active.cfg.Width, s.active.cfg.Height
}

func (s *Source) startLocked(ctx context.Context, orientation pipeline.Orientation) error {
	cfg, ok := s.devices[orientation]
	if !ok {
		return fmt.Errorf("no device configured for orientation %s", orientation)
	}

	capture := newStreamCapture(cfg, s.log)
	if err := capture.start(); err != nil {
		return fmt.Errorf("acquire %s stream: %w", orientation, err)
	}

	// Resolve only once the stream painted a first frame.
	if err := capture.waitFirstFrame(ctx); err != nil {
		capture.stop()
		return fmt.Errorf("waiting for first %s frame: %w", orientation, err)
	}

	s.active = capture
	s.orientation = orientation
	s.log.Info().
		Str("orientation", string(orientation)).
		Str("device", cfg.Device).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Msg("capture started")
	return nil
}

// streamCapture runs one FFmpeg process and extracts JPEG frames from
// its image2pipe output.
type streamCapture struct {
	cfg    DeviceConfig
	log    zerolog.Logger
	cmd    *exec.Cmd
	frames chan *pipeline.FrameData
	stopCh chan struct{}
	first  chan struct{}
	ready  atomic.Bool
	seq    atomic.Uint64

	stopOnce  sync.Once
	firstOnce sync.Once
}

func newStreamCapture(cfg DeviceConfig, log zerolog.Logger) *streamCapture {
	return &streamCapture{
		cfg:    cfg,
		log:    log,
		frames: make(chan *pipeline.FrameData, 2),
		stopCh: make(chan struct{}),
		first:  make(chan struct{}),
	}
}

func (c *streamCapture) start() error {
	args := []string{
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height),
		"-framerate", fmt.Sprintf("%d", c.cfg.FPS),
		"-i", c.cfg.Device,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	}

	c.cmd = exec.Command("ffmpeg", args...)
	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := c.cmd.Start(); err != nil {
		return err
	}

	go c.readFrames(stdout)
	return nil
}

func (c *streamCapture) stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
			_ = c.cmd.Wait()
		}
	})
}

func (c *streamCapture) waitFirstFrame(ctx context.Context) error {
	// Covers degenerate devices that never paint.
	timeout := time.NewTimer(10 * time.Second)
	defer timeout.Stop()

	select {
	case <-c.first:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return fmt.Errorf("stream produced no frames")
	}
}

func (c *streamCapture) readFrames(stdout io.Reader) {
	buffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		select {
		case <-c.stopCh:
			close(c.frames)
			return
		default:
		}

		n, err := stdout.Read(chunk)
		if err != nil {
			if err != io.EOF {
				c.log.Warn().Err(err).Str("device", c.cfg.Device).Msg("frame read error")
			}
			close(c.frames)
			return
		}
		buffer = append(buffer, chunk[:n]...)

		for {
			frame := extractJPEGFrame(&buffer)
			if frame == nil {
				break
			}
			c.deliver(frame)
		}
	}
}

func (c *streamCapture) deliver(data []byte) {
	frame := &pipeline.FrameData{
		Data:      data,
		Seq:       c.seq.Add(1),
		Timestamp: time.Now(),
		Width:     c.cfg.Width,
		Height:    c.cfg.Height,
	}

	c.firstOnce.Do(func() {
		c.ready.Store(true)
		close(c.first)
	})

	select {
	case c.frames <- frame:
	default:
		// Consumer is mid-cycle; drop rather than buffer stale frames.
	}
}

// extractJPEGFrame pulls one complete JPEG (FFD8..FFD9) off the front of
// the buffer, or returns nil if none is complete yet.
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	startIdx := -1
	for i := 0; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil
	}

	endIdx := -1
	for i := startIdx + 2; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]
	return frame
}
