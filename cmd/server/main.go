package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/xr-streaming-server/internal/config"
	"github.com/dj-oyu/xr-streaming-server/internal/encode"
	"github.com/dj-oyu/xr-streaming-server/internal/events"
	"github.com/dj-oyu/xr-streaming-server/internal/gpu"
	"github.com/dj-oyu/xr-streaming-server/internal/logger"
	"github.com/dj-oyu/xr-streaming-server/internal/media"
	"github.com/dj-oyu/xr-streaming-server/internal/metrics"
	"github.com/dj-oyu/xr-streaming-server/internal/natprobe"
	"github.com/dj-oyu/xr-streaming-server/internal/preview"
	"github.com/dj-oyu/xr-streaming-server/internal/recorder"
	"github.com/dj-oyu/xr-streaming-server/internal/source"
	"github.com/dj-oyu/xr-streaming-server/internal/stream"
	"github.com/dj-oyu/xr-streaming-server/internal/webrtc"
)

var (
	// Command-line flags; set flags override the config file
	configPath     = flag.String("config", "", "YAML config file")
	httpAddr       = flag.String("http", config.DefaultHTTPAddr, "HTTP server address")
	metricsAddr    = flag.String("metrics", config.DefaultMetricsAddr, "Metrics server address")
	pprofAddr      = flag.String("pprof", config.DefaultPprofAddr, "pprof server address")
	recordPath     = flag.String("record-path", config.DefaultRecordPath, "Recording output path")
	maxClients     = flag.Int("max-clients", config.DefaultMaxClients, "Maximum WebRTC clients")
	stunServers    = flag.String("stun", config.DefaultSTUNServer, "STUN server URLs (comma-separated)")
	probeNAT       = flag.Bool("probe-nat", false, "Resolve the public address via STUN at startup")
	extensionID    = flag.Int("extension-id", 1, "RTP header extension id for Down-Messages (1-15)")
	lossAccounting = flag.Bool("loss-accounting", true, "Report skipped Down-Messages")
	sourceFile     = flag.String("source", "", "Annex-B H.264 file to replay")
	sourceFPS      = flag.Int("fps", config.DefaultFPS, "Replay/pattern frame rate")
	sourceLoop     = flag.Bool("loop", false, "Loop the replay file")
	pattern        = flag.Bool("pattern", false, "Render a test pattern into the shared image pool")
	interop        = flag.Bool("interop", false, "Create the shared graphics/compute image pool")
	deviceUUID     = flag.String("device-uuid", "", "Device UUID for compute device matching (random when empty)")
	logLevel       = flag.String("log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error, silent)")
	logColor       = flag.Bool("log-color", true, "Enable colored log output")
)

// Server is the main streaming server
type Server struct {
	cfg     config.Config
	metrics *metrics.Metrics

	emitter  *media.Emitter
	encoder  *encode.Passthrough
	pipeline *stream.Pipeline
	webrtc   *webrtc.Server
	recorder *recorder.Recorder
	preview  *preview.Preview
	prober   *natprobe.Prober
	events   *events.Broadcaster
	pool     *gpu.Pool // nil without interop
	producer producer  // nil without a demo source

	httpServer *http.Server

	ctx          context.Context // producers
	cancel       context.CancelFunc
	producerWG   sync.WaitGroup
	pipelineDone chan error
}

type producer interface {
	Run(ctx context.Context) error
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *cfg.Log.Color)

	logger.Info("Main", "Streaming server starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// loadConfig reads the config file, if any, and applies explicitly set flags on top.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return config.Config{}, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.Server.HTTPAddr = *httpAddr
		case "metrics":
			cfg.Server.MetricsAddr = *metricsAddr
		case "pprof":
			cfg.Server.PprofAddr = *pprofAddr
		case "record-path":
			cfg.Record.Path = *recordPath
		case "max-clients":
			cfg.Server.MaxClients = *maxClients
		case "stun":
			cfg.Server.STUNServers = config.SplitList(*stunServers)
		case "probe-nat":
			cfg.Server.ProbeNAT = probeNAT
		case "extension-id":
			cfg.Stream.ExtensionID = uint8(*extensionID)
		case "loss-accounting":
			cfg.Stream.LossAccounting = lossAccounting
		case "source":
			cfg.Source.File = *sourceFile
		case "fps":
			cfg.Source.FPS = *sourceFPS
		case "loop":
			cfg.Source.Loop = *sourceLoop
		case "pattern":
			cfg.Source.Pattern = *pattern
		case "interop":
			cfg.Interop.Enabled = *interop
		case "device-uuid":
			cfg.Interop.DeviceUUID = *deviceUUID
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-color":
			cfg.Log.Color = logColor
		}
	})
	if *extensionID < 0 || *extensionID > 255 {
		return config.Config{}, fmt.Errorf("extension-id %d out of range", *extensionID)
	}

	return cfg, config.Validate(cfg)
}

// NewServer creates a new streaming server
func NewServer(cfg config.Config) (*Server, error) {
	m := metrics.New()

	pool, err := openPool(cfg.Interop)
	if err != nil {
		return nil, err
	}

	emitter := media.NewEmitter(cfg.Stream.QueueSize, m)
	encoder := encode.NewPassthrough()
	feed := events.NewBroadcaster()
	webrtcSrv := webrtc.NewServer(webrtc.Config{
		STUNServers: cfg.Server.STUNServers,
		MaxClients:  cfg.Server.MaxClients,
		PayloadType: cfg.Stream.PayloadType,
		Events:      feed,
	}, m)

	pipeline, err := stream.New(stream.Config{
		MTU:            uint16(cfg.Stream.MTU),
		PayloadType:    cfg.Stream.PayloadType,
		ExtensionID:    cfg.Stream.ExtensionID,
		LossInterval:   cfg.Stream.LossInterval,
		LossAccounting: *cfg.Stream.LossAccounting,
	}, emitter.Buffers(), encoder, webrtcSrv, m)
	if err != nil {
		_ = webrtcSrv.Close()
		closePool(pool)
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	rec := recorder.NewRecorder(cfg.Record.Path, m)
	prev := preview.New(preview.DefaultMaxWidth, preview.DefaultInterval)
	pipeline.SetRecorder(rec)
	pipeline.SetPreview(prev)
	pipeline.SetEvents(feed)

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		cfg:          cfg,
		metrics:      m,
		emitter:      emitter,
		encoder:      encoder,
		pipeline:     pipeline,
		webrtc:       webrtcSrv,
		recorder:     rec,
		preview:      prev,
		prober:       natprobe.NewProber(cfg.Server.STUNServers, natprobe.DefaultTimeout),
		events:       feed,
		pool:         pool,
		ctx:          ctx,
		cancel:       cancel,
		pipelineDone: make(chan error, 1),
	}

	srv.producer, err = srv.newProducer()
	if err != nil {
		cancel()
		_ = webrtcSrv.Close()
		closePool(pool)
		return nil, err
	}

	mux := http.NewServeMux()
	srv.setupRoutes(mux)
	srv.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: mux,
	}

	return srv, nil
}

func (s *Server) newProducer() (producer, error) {
	srcCfg := source.Config{
		FPS:    s.cfg.Source.FPS,
		Width:  int(s.cfg.Interop.Width),
		Height: int(s.cfg.Interop.Height),
	}
	switch {
	case s.cfg.Source.Pattern && s.pool != nil:
		if patternPreviewOnly(s.encoder, s.pool) {
			logger.Warn("Main", "Test pattern frames are raw and the encoder only forwards H.264: "+
				"the pattern feeds /preview only and every frame counts as an encode error")
		}
		return source.NewPattern(s.pool, srcCfg, s.emitter, s.webrtc.Tracking(), s.metrics)
	case s.cfg.Source.Pattern:
		logger.Warn("Main", "Test pattern needs the interop pool; pattern disabled")
	}
	if s.cfg.Source.File != "" {
		return source.NewReplay(s.cfg.Source.File, s.cfg.Source.Loop, srcCfg, s.emitter, s.webrtc.Tracking()), nil
	}
	logger.Info("Main", "No demo source configured; waiting for frames")
	return nil, nil
}

// patternPreviewOnly reports whether pattern frames rendered into pool would
// be rejected by enc and so never reach a client.
func patternPreviewOnly(enc interface{ Accepts(media.Format) bool }, pool *gpu.Pool) bool {
	format, ok := media.FormatForTexture(pool.Info().Format)
	return !ok || !enc.Accepts(format)
}

// Start starts all server components
func (s *Server) Start() error {
	logger.Info("Main", "Starting streaming server...")
	logger.Info("Main", "  HTTP server: %s", s.cfg.Server.HTTPAddr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.Server.MetricsAddr)
	logger.Info("Main", "  pprof server: %s", s.cfg.Server.PprofAddr)
	logger.Info("Main", "  Recording path: %s", s.cfg.Record.Path)
	logger.Info("Main", "  Down-Message extension id: %d", s.cfg.Stream.ExtensionID)

	// Start pprof server
	go func() {
		if err := http.ListenAndServe(s.cfg.Server.PprofAddr, nil); err != nil {
			logger.Warn("Main", "pprof server error: %v", err)
		}
	}()

	// Start metrics server
	go func() {
		if err := s.metrics.StartServer(s.cfg.Server.MetricsAddr); err != nil {
			logger.Warn("Main", "Metrics server error: %v", err)
		}
	}()

	// Start HTTP server
	go func() {
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	// The pipeline stops when the emitter closes, so it gets its own context
	go func() {
		s.pipelineDone <- s.pipeline.Run(context.Background())
	}()

	if s.producer != nil {
		s.producerWG.Add(1)
		go func() {
			defer s.producerWG.Done()
			if err := s.producer.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Source", "Stopped: %v", err)
			}
		}()
	}

	if *s.cfg.Server.ProbeNAT {
		go s.prober.Run(s.ctx)
	}

	logger.Info("Main", "Server started successfully")
	return nil
}

// Shutdown stops producers first and closes the pool last, so every leased
// image has come back through the pipeline before it is destroyed.
func (s *Server) Shutdown() error {
	var errs []error

	s.cancel()
	s.producerWG.Wait()
	s.emitter.Close()

	select {
	case err := <-s.pipelineDone:
		if err != nil {
			errs = append(errs, fmt.Errorf("pipeline: %w", err))
		}
	case <-time.After(5 * time.Second):
		errs = append(errs, errors.New("pipeline did not drain"))
	}

	if err := s.recorder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("recorder: %w", err))
	}
	if err := s.webrtc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("webrtc: %w", err))
	}
	if s.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pool: %w", err))
		}
		cancel()
	}

	// SSE handlers return once the feed closes
	s.events.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	return errors.Join(errs...)
}
