// Package pipeline turns sealed clips into outbound events: one pass
// transcribes a clip, matches the text against the road and vehicle
// vocabularies and enqueues whatever clears each threshold.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-callout/internal/capture"
	"github.com/loqalabs/loqa-callout/internal/match"
	"github.com/loqalabs/loqa-callout/internal/protocol"
	"github.com/loqalabs/loqa-callout/internal/publish"
	"github.com/loqalabs/loqa-callout/internal/transcription"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-callout/pipeline"

// Matcher is the slice of match.Matcher a pass needs.
type Matcher interface {
	Match(text string) (match.Result, bool)
}

// ImageResolver maps a vehicle name to a local image path.
type ImageResolver interface {
	ImagePathFor(ctx context.Context, name string) (string, bool)
}

// passEmitter is implemented by emitters that can correlate events with a
// pass, such as the bus mirror.
type passEmitter interface {
	EmitPass(passID string, evt protocol.Event)
}

type Config struct {
	Transcriber transcription.Transcriber
	Roads       Matcher
	Vehicles    Matcher
	Images      ImageResolver
	Emitter     publish.Emitter
	// Timeout bounds each transcription call; zero means no extra bound.
	Timeout time.Duration
}

type Pipeline struct {
	cfg     Config
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *passMetrics
	newID   func() string
}

func New(cfg Config, log *slog.Logger) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		log:    log.With(slog.String("component", "pipeline")),
		tracer: otel.Tracer(instrumentationName),
		newID:  uuid.NewString,
	}
	metrics, err := newPassMetrics(otel.Meter(instrumentationName))
	if err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	p.metrics = metrics
	return p
}

// Run processes clips one at a time until ctx ends or clips is closed.
func (p *Pipeline) Run(ctx context.Context, clips <-chan capture.Clip) {
	for {
		select {
		case <-ctx.Done():
			return
		case clip, ok := <-clips:
			if !ok {
				return
			}
			_ = p.Pass(ctx, clip)
		}
	}
}

// Pass runs one clip end to end. The returned error is informational: every
// outcome has already been logged and reported to clients. It is
// capture.ErrEmptyClip for an empty clip, wraps transcription.ErrTranscription
// on a failed call and is nil otherwise, including when nothing matched.
func (p *Pipeline) Pass(ctx context.Context, clip capture.Clip) error {
	passID := p.newID()
	log := p.log.With(slog.String("pass_id", passID))
	ctx, span := p.tracer.Start(ctx, "pass", trace.WithAttributes(
		attribute.String("pass.id", passID),
		attribute.Int("clip.samples", len(clip.Samples)),
	))
	defer span.End()
	p.metrics.pass(ctx)

	if clip.Empty() {
		log.Info("no audio recorded, skipping transcription")
		p.metrics.emptyClip(ctx)
		p.emit(ctx, passID, protocol.Log{Text: "No audio recorded"})
		return capture.ErrEmptyClip
	}

	text, err := p.transcribe(ctx, clip)
	if err != nil {
		log.Warn("transcription failed", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		p.emit(ctx, passID, protocol.Log{Text: "Transcription failed: " + err.Error()})
		return err
	}

	if text == "" {
		log.Info("empty transcript, nothing to match")
		p.emit(ctx, passID, protocol.Log{Text: "Empty transcript, nothing to match"})
		return nil
	}

	log.Info("transcribed clip", slog.String("text", text), slog.Duration("audio", clip.Duration()))
	p.emit(ctx, passID, protocol.Log{Text: "Transcription: " + text})

	road, vehicle := p.matchAll(ctx, log, text)
	if road != nil {
		p.emit(ctx, passID, *road)
	}
	if vehicle != nil {
		p.emit(ctx, passID, *vehicle)
	}
	return nil
}

func (p *Pipeline) transcribe(ctx context.Context, clip capture.Clip) (string, error) {
	ctx, span := p.tracer.Start(ctx, "transcribe")
	defer span.End()

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	started := time.Now()
	text, err := p.cfg.Transcriber.Transcribe(ctx, clip)
	p.metrics.transcribed(ctx, time.Since(started), err)
	if err != nil {
		if !errors.Is(err, transcription.ErrTranscription) {
			err = &transcription.Failure{Backend: "unknown", Err: err}
		}
		span.RecordError(err)
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// matchAll runs both vocabularies concurrently; each matcher sees the text
// exactly once.
func (p *Pipeline) matchAll(ctx context.Context, log *slog.Logger, text string) (*protocol.RoadMatch, *protocol.VehicleMatch) {
	ctx, span := p.tracer.Start(ctx, "match")
	defer span.End()

	var (
		wg      sync.WaitGroup
		road    *protocol.RoadMatch
		vehicle *protocol.VehicleMatch
	)
	if p.cfg.Roads != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, ok := p.runMatcher(log, p.cfg.Roads, match.Road, text); ok {
				road = &protocol.RoadMatch{Road: res.Text}
			}
		}()
	}
	if p.cfg.Vehicles != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, ok := p.runMatcher(log, p.cfg.Vehicles, match.Vehicle, text)
			if !ok {
				return
			}
			evt := protocol.VehicleMatch{Name: res.Text}
			if p.cfg.Images != nil {
				if path, found := p.cfg.Images.ImagePathFor(ctx, res.Text); found {
					evt.ImagePath = path
				}
			}
			vehicle = &evt
		}()
	}
	wg.Wait()

	span.SetAttributes(
		attribute.Bool("match.road", road != nil),
		attribute.Bool("match.vehicle", vehicle != nil),
	)
	return road, vehicle
}

func (p *Pipeline) runMatcher(log *slog.Logger, m Matcher, category match.Category, text string) (match.Result, bool) {
	res, ok := m.Match(text)
	if !ok {
		if res.Text != "" {
			log.Debug("no match above threshold",
				slog.String("category", string(category)),
				slog.String("best", res.Text),
				slog.Int("score", res.Score))
		}
		return match.Result{}, false
	}
	log.Info("matched",
		slog.String("category", string(category)),
		slog.String("text", res.Text),
		slog.Int("score", res.Score))
	return res, true
}

func (p *Pipeline) emit(ctx context.Context, passID string, evt protocol.Event) {
	p.metrics.event(ctx, evt.Category())
	if pe, ok := p.cfg.Emitter.(passEmitter); ok {
		pe.EmitPass(passID, evt)
		return
	}
	p.cfg.Emitter.Emit(evt)
}

type passMetrics struct {
	passes      metric.Int64Counter
	emptyClips  metric.Int64Counter
	failures    metric.Int64Counter
	events      metric.Int64Counter
	transcribeT metric.Float64Histogram
}

func newPassMetrics(meter metric.Meter) (*passMetrics, error) {
	var (
		m   passMetrics
		err error
	)
	if m.passes, err = meter.Int64Counter("callout.pipeline.passes", metric.WithDescription("Pipeline passes started")); err != nil {
		return nil, fmt.Errorf("passes counter: %w", err)
	}
	if m.emptyClips, err = meter.Int64Counter("callout.pipeline.empty_clips", metric.WithDescription("Clips with no audio")); err != nil {
		return nil, fmt.Errorf("empty clips counter: %w", err)
	}
	if m.failures, err = meter.Int64Counter("callout.transcription.failures", metric.WithDescription("Failed transcription calls")); err != nil {
		return nil, fmt.Errorf("failures counter: %w", err)
	}
	if m.events, err = meter.Int64Counter("callout.events", metric.WithDescription("Outbound events by type")); err != nil {
		return nil, fmt.Errorf("events counter: %w", err)
	}
	if m.transcribeT, err = meter.Float64Histogram("callout.transcription.duration",
		metric.WithDescription("Transcription call latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("transcription histogram: %w", err)
	}
	return &m, nil
}

func (m *passMetrics) pass(ctx context.Context) {
	if m != nil {
		m.passes.Add(ctx, 1)
	}
}

func (m *passMetrics) emptyClip(ctx context.Context) {
	if m != nil {
		m.emptyClips.Add(ctx, 1)
	}
}

func (m *passMetrics) transcribed(ctx context.Context, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.transcribeT.Record(ctx, float64(elapsed.Microseconds())/1000)
	if err != nil {
		m.failures.Add(ctx, 1)
	}
}

func (m *passMetrics) event(ctx context.Context, cat protocol.Category) {
	if m != nil {
		m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(cat))))
	}
}
