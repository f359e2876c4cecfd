package main

import (
	"context"
	"flag"
	"os/signal"
	"sync"
	"syscall"

	"spotcam/internal/camera"
	"spotcam/internal/config"
	"spotcam/internal/detector"
	"spotcam/internal/logger"
	"spotcam/internal/metrics"
	"spotcam/internal/overlay"
	"spotcam/internal/pipeline"
	"spotcam/internal/selection"
	"spotcam/internal/server"
	"spotcam/internal/session"
	"spotcam/internal/spotlight"
	"spotcam/internal/ws"
)

func main() {
	var (
		listenF    = flag.String("listen", "", "Listen address (overrides SPOTCAM_ADDR)")
		autostartF = flag.Bool("autostart", false, "Start the camera session at boot")
	)
	flag.Parse()

	logger.Init(logger.FromEnv())
	log := logger.Component("main")

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if *listenF != "" {
		cfg.ListenAddr = *listenF
	}

	source := camera.NewSource(
		camera.DeviceConfig{Device: cfg.FrontDevice, Width: cfg.FrameWidth, Height: cfg.FrameHeight, FPS: cfg.FPS},
		camera.DeviceConfig{Device: cfg.RearDevice, Width: cfg.FrameWidth, Height: cfg.FrameHeight, FPS: cfg.FPS},
	)
	detectorClient := detector.NewClient(cfg.DetectorURL)
	engine := selection.NewEngine(cfg.TargetClass, selection.WithHighlightDuration(cfg.HighlightDuration))
	renderer := overlay.NewRenderer(cfg.DisplayWidth, cfg.DisplayHeight)
	presenter := spotlight.NewPresenter()
	bus := pipeline.NewEventBus()
	m := metrics.New()

	ctrl := session.NewController(session.Options{
		Source:      source,
		Detector:    detectorClient,
		Engine:      engine,
		Renderer:    renderer,
		Presenter:   presenter,
		Bus:         bus,
		Metrics:     m,
		Logger:      logger.Component("session"),
		Threshold:   cfg.Threshold,
		Orientation: pipeline.OrientationFront,
		MaxResults:  cfg.MaxResults,
	})

	hub := ws.NewHub(logger.Component("ws"), m)
	detach := hub.Attach(bus)
	defer detach()

	srv := server.New(ctrl, presenter, bus, detectorClient, hub, m, logger.Component("http"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *autostartF {
		if err := ctrl.Start(ctx); err != nil {
			log.Error().Err(err).Msg("autostart failed, waiting for manual start")
		}
	}

	var wg sync.WaitGroup
	errc := make(chan error, 1)
	handleHTTPServer(ctx, cfg.ListenAddr, srv.Router(), &wg, errc, logger.Component("http"))

	select {
	case <-ctx.Done():
		log.Info().Msg("signal received, shutting down")
	case err := <-errc:
		log.Error().Err(err).Msg("http server failed")
		stop()
	}

	wg.Wait()
	if err := ctrl.Stop(); err != nil {
		log.Error().Err(err).Msg("session stop")
	}
	bus.Close()
}
