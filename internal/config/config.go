// Package config holds the runtime configuration for the spotcam service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config defines the runtime configuration for the service.
type Config struct {
	ListenAddr string `validate:"required"`

	// Camera devices per orientation. The front camera is mirrored on
	// capture so stills match the preview the user sees.
	FrontDevice string `validate:"required"`
	RearDevice  string `validate:"required"`

	FrameWidth  int `validate:"gt=0"`
	FrameHeight int `validate:"gt=0"`
	FPS         int `validate:"gt=0"`

	// Overlay output (display) dimensions. Independent of the source
	// frame dimensions; non-uniform scaling between the two is accepted.
	DisplayWidth  int `validate:"gt=0"`
	DisplayHeight int `validate:"gt=0"`

	// External detection model server.
	DetectorURL string `validate:"required,url"`
	MaxResults  int    `validate:"gt=0"`

	// Candidate filtering and highlight behavior.
	TargetClass       string  `validate:"required"`
	Threshold         float64 `validate:"gte=0,lte=1"`
	HighlightDuration time.Duration
}

// Default returns the baseline configuration before env overrides.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		FrontDevice:       "/dev/video1",
		RearDevice:        "/dev/video0",
		FrameWidth:        1280,
		FrameHeight:       720,
		FPS:               15,
		DisplayWidth:      1280,
		DisplayHeight:     720,
		DetectorURL:       "http://localhost:8090",
		MaxResults:        20,
		TargetClass:       "person",
		Threshold:         0.5,
		HighlightDuration: 3500 * time.Millisecond,
	}
}

// FromEnv applies SPOTCAM_* environment overrides to the defaults and
// validates the result.
func FromEnv() (Config, error) {
	cfg := Default()

	cfg.ListenAddr = getenv("SPOTCAM_ADDR", cfg.ListenAddr)
	cfg.FrontDevice = getenv("SPOTCAM_FRONT_DEVICE", cfg.FrontDevice)
	cfg.RearDevice = getenv("SPOTCAM_REAR_DEVICE", cfg.RearDevice)
	cfg.FrameWidth = getenvInt("SPOTCAM_FRAME_WIDTH", cfg.FrameWidth)
	cfg.FrameHeight = getenvInt("SPOTCAM_FRAME_HEIGHT", cfg.FrameHeight)
	cfg.FPS = getenvInt("SPOTCAM_FPS", cfg.FPS)
	cfg.DisplayWidth = getenvInt("SPOTCAM_DISPLAY_WIDTH", cfg.DisplayWidth)
	cfg.DisplayHeight = getenvInt("SPOTCAM_DISPLAY_HEIGHT", cfg.DisplayHeight)
	cfg.DetectorURL = getenv("SPOTCAM_DETECTOR_URL", cfg.DetectorURL)
	cfg.MaxResults = getenvInt("SPOTCAM_MAX_RESULTS", cfg.MaxResults)
	cfg.TargetClass = getenv("SPOTCAM_TARGET_CLASS", cfg.TargetClass)
	cfg.Threshold = getenvFloat("SPOTCAM_THRESHOLD", cfg.Threshold)
	cfg.HighlightDuration = getenvDuration("SPOTCAM_HIGHLIGHT_DURATION", cfg.HighlightDuration)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration against its constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.HighlightDuration <= 0 {
		return fmt.Errorf("invalid configuration: highlight duration must be positive")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
