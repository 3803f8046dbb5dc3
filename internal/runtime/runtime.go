package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-callout/internal/bus"
	"github.com/loqalabs/loqa-callout/internal/capture"
	"github.com/loqalabs/loqa-callout/internal/capture/device"
	"github.com/loqalabs/loqa-callout/internal/config"
	"github.com/loqalabs/loqa-callout/internal/match"
	"github.com/loqalabs/loqa-callout/internal/natsserver"
	"github.com/loqalabs/loqa-callout/internal/pipeline"
	"github.com/loqalabs/loqa-callout/internal/presence"
	"github.com/loqalabs/loqa-callout/internal/protocol"
	"github.com/loqalabs/loqa-callout/internal/publish"
	"github.com/loqalabs/loqa-callout/internal/server"
	"github.com/loqalabs/loqa-callout/internal/transcription"
	"github.com/loqalabs/loqa-callout/internal/transcription/whisper"
	"github.com/loqalabs/loqa-callout/internal/trigger"
	"github.com/loqalabs/loqa-callout/internal/trigger/mouse"
	"github.com/loqalabs/loqa-callout/internal/vehicle"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded  *natsserver.EmbeddedServer
	busClient *bus.Client
	store     *vehicle.Store
	device    *device.Device
	closers   []func() error

	announcer *presence.Announcer
	buffer    *capture.Buffer
	publisher *publish.Publisher
	server    *server.Server
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires the capture, trigger, pipeline and streaming components and
// blocks until ctx is cancelled. Only telemetry, audio device and listener
// failures abort startup; every other dependency degrades.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.cleanup(cancel)

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			r.logger.Warn("bus unavailable, continuing without mirroring", slog.String("error", err.Error()))
		}
	}

	roads, vehicles, catalog := r.loadVocabularies(ctx)

	transcriber, err := r.newTranscriber()
	if err != nil {
		return fmt.Errorf("failed to create transcriber: %w", err)
	}

	r.publisher = publish.New()
	var emitter publish.Emitter = r.publisher
	if r.busClient != nil {
		emitter = bus.NewMirror(r.busClient, r.publisher)
	}

	r.buffer = capture.NewBuffer(capture.BufferConfig{
		SampleRate:   r.cfg.Audio.SampleRate,
		Channels:     r.cfg.Audio.Channels,
		FrameQueue:   r.cfg.Audio.FrameQueue,
		PendingClips: r.cfg.Audio.PendingClips,
		Notices:      emitter,
	}, r.logger)
	r.goRun(func() { r.buffer.Run(ctx) })

	dev, err := device.Open(r.cfg.Audio, r.buffer, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open audio device: %w", err)
	}
	r.device = dev

	manual := trigger.NewManual()
	if err := r.bindTriggers(ctx, manual); err != nil {
		return err
	}

	pipelineCfg := pipeline.Config{
		Transcriber: transcriber,
		Roads:       match.NewMatcher(match.Road, roads, r.cfg.Match.RoadThreshold, nil),
		Vehicles:    match.NewMatcher(match.Vehicle, vehicles, r.cfg.Match.VehicleThreshold, nil),
		Emitter:     emitter,
		Timeout:     time.Duration(r.cfg.Transcription.TimeoutMS) * time.Millisecond,
	}
	if catalog != nil {
		pipelineCfg.Images = catalog
	}
	pipe := pipeline.New(pipelineCfg, r.logger)
	r.goRun(func() { pipe.Run(ctx, r.buffer.Clips()) })

	r.server = server.New(r.cfg.Server, server.Options{
		Publisher: r.publisher,
		Manual:    manual,
		Metrics:   metricsHandler,
		Ready:     r.ready.Load,
	}, r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.goRun(func() {
		if err := r.server.Serve(ln); err != nil {
			r.logger.Error("streaming server failed", slog.String("error", err.Error()))
		}
	})
	r.goRun(func() { r.server.Run(ctx) })

	if err := r.initMetrics(); err != nil {
		r.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if r.busClient != nil {
		r.startPresence(ctx)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("device", dev.Name()),
		slog.String("trigger", r.cfg.Trigger.Mode),
		slog.String("transcription", r.cfg.Transcription.Mode),
		slog.Int("roads", roads.Len()),
		slog.Int("vehicles", vehicles.Len()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

func (r *Runtime) goRun(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if embedded != nil {
		r.embedded = embedded
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.busClient = client
	return nil
}

// loadVocabularies never fails: a missing source yields an empty vocabulary.
func (r *Runtime) loadVocabularies(ctx context.Context) (match.Vocabulary, match.Vocabulary, *vehicle.Catalog) {
	roads, err := match.LoadRoads(r.cfg.Match.RoadsPath)
	if err != nil {
		r.logger.Warn("road vocabulary unavailable, road matching disabled", slog.String("error", err.Error()))
	}

	vehicles := match.NewVocabulary("vehicles", nil)
	if !r.cfg.Vehicles.Enabled {
		return roads, vehicles, nil
	}

	store, err := vehicle.OpenStore(ctx, r.cfg.Vehicles.CachePath, r.logger)
	if err != nil {
		r.logger.Warn("vehicle cache unavailable", slog.String("error", err.Error()))
	} else {
		r.store = store
	}
	catalog := vehicle.NewCatalog(r.cfg.Vehicles, r.store, r.logger)
	names, err := catalog.ListAllVehicleNames(ctx)
	if err != nil {
		r.logger.Warn("vehicle vocabulary unavailable, vehicle matching disabled", slog.String("error", err.Error()))
		return roads, vehicles, catalog
	}
	return roads, match.NewVocabulary("vehicles", names), catalog
}

func (r *Runtime) newTranscriber() (transcription.Transcriber, error) {
	if r.cfg.Transcription.Mode != "whisper" {
		return transcription.New(r.cfg.Transcription, r.logger)
	}
	t, err := whisper.New(r.cfg.Transcription)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, t.Close)
	return t, nil
}

// bindTriggers always binds the manual source so the HTTP trigger endpoints
// work alongside the configured one.
func (r *Runtime) bindTriggers(ctx context.Context, manual *trigger.Manual) error {
	sources := []trigger.Source{manual}
	switch r.cfg.Trigger.Mode {
	case "hook":
		src, err := mouse.New(r.cfg.Trigger.Button, r.logger)
		if err != nil {
			return fmt.Errorf("failed to create mouse trigger: %w", err)
		}
		sources = append(sources, src)
	case "bus":
		if r.busClient == nil {
			r.logger.Warn("bus trigger requested but bus is unavailable, falling back to manual trigger")
			break
		}
		subject := r.busClient.Subject(protocol.SubjectTrigger)
		sources = append(sources, trigger.NewBusSource(r.busClient.Conn(), subject, r.logger))
	}

	for _, src := range sources {
		r.goRun(func() {
			if err := trigger.Bind(ctx, src, r.buffer, r.logger); err != nil {
				r.logger.Error("trigger stopped", slog.String("error", err.Error()))
			}
		})
	}
	return nil
}

func (r *Runtime) startPresence(ctx context.Context) {
	nodeID := r.cfg.Bus.NodeID
	if nodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		nodeID = r.cfg.RuntimeName + "-" + host
	}
	interval := time.Duration(r.cfg.Bus.HeartbeatMS) * time.Millisecond
	a := presence.NewAnnouncer(nodeID, interval, r.busClient, r.status, r.logger)
	if err := a.Start(ctx); err != nil {
		r.logger.Warn("presence disabled", slog.String("error", err.Error()))
		return
	}
	r.announcer = a
}

func (r *Runtime) status() presence.Status {
	pending := make(map[string]int)
	for cat, n := range r.publisher.Pending() {
		pending[string(cat)] = n
	}
	return presence.Status{
		Ready:         r.ready.Load(),
		Device:        r.device.Name(),
		Trigger:       r.cfg.Trigger.Mode,
		Transcription: r.cfg.Transcription.Mode,
		Clients:       r.server.ClientCount(),
		Pending:       pending,
		DroppedFrames: r.buffer.Dropped(),
		LostClips:     r.buffer.LostClips(),
		Attributes: map[string]string{
			"environment": r.cfg.Environment,
		},
	}
}

func (r *Runtime) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-callout/runtime")
	dropped, err := meter.Int64ObservableCounter("callout.capture.dropped_frames", metric.WithDescription("Frames dropped because the capture queue was full"))
	if err != nil {
		return err
	}
	lost, err := meter.Int64ObservableCounter("callout.capture.lost_clips", metric.WithDescription("Clips dropped because the pipeline was busy"))
	if err != nil {
		return err
	}
	clients, err := meter.Int64ObservableGauge("callout.server.clients", metric.WithDescription("Connected websocket clients"))
	if err != nil {
		return err
	}
	pending, err := meter.Int64ObservableGauge("callout.publisher.pending", metric.WithDescription("Queued outbound events"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(dropped, int64(r.buffer.Dropped()))
		obs.ObserveInt64(lost, int64(r.buffer.LostClips()))
		obs.ObserveInt64(clients, int64(r.server.ClientCount()))
		for cat, n := range r.publisher.Pending() {
			obs.ObserveInt64(pending, int64(n), metric.WithAttributes(attribute.String("type", string(cat))))
		}
		return nil
	}, dropped, lost, clients, pending)
	return err
}

// cleanup stops components in reverse dependency order. The audio device
// goes first so no frames arrive while the rest shuts down.
func (r *Runtime) cleanup(cancel context.CancelFunc) {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.device != nil {
		if err := r.device.Close(); err != nil {
			r.logger.Error("audio device close error", slog.String("error", err.Error()))
		}
	}
	cancel()
	if r.server != nil {
		if err := r.server.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("resource close error", slog.String("error", err.Error()))
	}
	if r.announcer != nil {
		r.announcer.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
