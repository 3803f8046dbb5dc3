package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-callout/internal/capture"
	"github.com/loqalabs/loqa-callout/internal/match"
	"github.com/loqalabs/loqa-callout/internal/protocol"
	"github.com/loqalabs/loqa-callout/internal/publish"
	"github.com/loqalabs/loqa-callout/internal/transcription"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTranscriber struct {
	calls atomic.Int32
	texts []string
	err   error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, clip capture.Clip) (string, error) {
	n := int(f.calls.Add(1)) - 1
	if f.err != nil {
		return "", f.err
	}
	if n < len(f.texts) {
		return f.texts[n], nil
	}
	return "", nil
}

type blockingTranscriber struct{}

func (blockingTranscriber) Transcribe(ctx context.Context, _ capture.Clip) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type countingMatcher struct {
	calls  atomic.Int32
	result match.Result
	ok     bool
}

func (m *countingMatcher) Match(string) (match.Result, bool) {
	m.calls.Add(1)
	return m.result, m.ok
}

type fakeImages map[string]string

func (f fakeImages) ImagePathFor(_ context.Context, name string) (string, bool) {
	path, ok := f[name]
	return path, ok
}

type recordingEmitter struct {
	mu     sync.Mutex
	passes []string
	events []protocol.Event
}

func (r *recordingEmitter) Emit(evt protocol.Event) { r.EmitPass("", evt) }

func (r *recordingEmitter) EmitPass(passID string, evt protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes = append(r.passes, passID)
	r.events = append(r.events, evt)
}

func audioClip() capture.Clip {
	return capture.Clip{Samples: make([]int16, 48000), SampleRate: 48000, Channels: 1}
}

func roadMatcher() *match.Matcher {
	vocab := match.NewVocabulary("roads", []string{"Main Street", "Elm Street", "Oak Avenue"})
	return match.NewMatcher(match.Road, vocab, 65, nil)
}

func vehicleMatcher() *match.Matcher {
	vocab := match.NewVocabulary("vehicles", []string{"Infernus", "Banshee", "Bullet"})
	return match.NewMatcher(match.Vehicle, vocab, 75, nil)
}

func drain(p *publish.Publisher, cat protocol.Category) []protocol.Event {
	var out []protocol.Event
	for {
		evt, ok := p.TryDequeue(cat)
		if !ok {
			return out
		}
		out = append(out, evt)
	}
}

func TestEmptyClipSkipsTranscription(t *testing.T) {
	stt := &fakeTranscriber{texts: []string{"Elm Street"}}
	pub := publish.New()
	p := New(Config{Transcriber: stt, Roads: roadMatcher(), Emitter: pub}, newLogger())

	err := p.Pass(context.Background(), capture.Clip{SampleRate: 48000, Channels: 1})
	if !errors.Is(err, capture.ErrEmptyClip) {
		t.Fatalf("expected ErrEmptyClip, got %v", err)
	}
	if stt.calls.Load() != 0 {
		t.Fatalf("expected no transcription call, got %d", stt.calls.Load())
	}
	logs := drain(pub, protocol.CategoryLog)
	if len(logs) != 1 {
		t.Fatalf("expected one log event, got %d", len(logs))
	}
	if len(drain(pub, protocol.CategoryMatch)) != 0 {
		t.Fatal("expected no match events")
	}
}

func TestSilenceYieldsSingleLogEvent(t *testing.T) {
	stt := &fakeTranscriber{texts: []string{"   "}}
	roads := &countingMatcher{}
	vehicles := &countingMatcher{}
	pub := publish.New()
	p := New(Config{Transcriber: stt, Roads: roads, Vehicles: vehicles, Emitter: pub}, newLogger())

	if err := p.Pass(context.Background(), audioClip()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	logs := drain(pub, protocol.CategoryLog)
	if len(logs) != 1 || !strings.Contains(logs[0].(protocol.Log).Text, "Empty transcript") {
		t.Fatalf("expected one empty transcript log, got %v", logs)
	}
	if n := len(drain(pub, protocol.CategoryMatch)) + len(drain(pub, protocol.CategoryVehicle)); n != 0 {
		t.Fatalf("expected zero match events, got %d", n)
	}
	if roads.calls.Load() != 0 || vehicles.calls.Load() != 0 {
		t.Fatal("expected matchers to be skipped for an empty transcript")
	}
}

func TestElmStreetProducesOneMatchEvent(t *testing.T) {
	stt := &fakeTranscriber{texts: []string{"Elm Street"}}
	pub := publish.New()
	p := New(Config{
		Transcriber: stt,
		Roads:       roadMatcher(),
		Vehicles:    vehicleMatcher(),
		Emitter:     pub,
	}, newLogger())

	if err := p.Pass(context.Background(), audioClip()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	matches := drain(pub, protocol.CategoryMatch)
	if len(matches) != 1 {
		t.Fatalf("expected exactly one match event, got %d", len(matches))
	}
	payload, err := protocol.Encode(matches[0])
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(payload) != `{"type":"match","data":"Elm Street"}` {
		t.Fatalf("unexpected wire form %s", payload)
	}
	if vehicles := drain(pub, protocol.CategoryVehicle); len(vehicles) != 0 {
		t.Fatalf("expected no vehicle events, got %v", vehicles)
	}
	logs := drain(pub, protocol.CategoryLog)
	if len(logs) != 1 || logs[0].(protocol.Log).Text != "Transcription: Elm Street" {
		t.Fatalf("unexpected log events %v", logs)
	}
}

func TestTranscriptionTimeoutAbortsPass(t *testing.T) {
	roads := &countingMatcher{result: match.Result{Text: "Elm Street", Score: 100}, ok: true}
	pub := publish.New()
	p := New(Config{
		Transcriber: blockingTranscriber{},
		Roads:       roads,
		Emitter:     pub,
		Timeout:     20 * time.Millisecond,
	}, newLogger())

	done := make(chan error, 1)
	go func() { done <- p.Pass(context.Background(), audioClip()) }()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pass did not honour the transcription timeout")
	}
	if !errors.Is(err, transcription.ErrTranscription) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped deadline failure, got %v", err)
	}
	logs := drain(pub, protocol.CategoryLog)
	if len(logs) != 1 || !strings.HasPrefix(logs[0].(protocol.Log).Text, "Transcription failed") {
		t.Fatalf("expected one failure log event, got %v", logs)
	}
	if n := len(drain(pub, protocol.CategoryMatch)) + len(drain(pub, protocol.CategoryVehicle)); n != 0 {
		t.Fatalf("expected zero match events, got %d", n)
	}
	if roads.calls.Load() != 0 {
		t.Fatal("matcher must not run after a failed transcription")
	}
}

func TestBackendFailureIsReported(t *testing.T) {
	stt := &fakeTranscriber{err: &transcription.Failure{Backend: "openai", Err: errors.New("503")}}
	pub := publish.New()
	p := New(Config{Transcriber: stt, Roads: roadMatcher(), Emitter: pub}, newLogger())

	if err := p.Pass(context.Background(), audioClip()); !errors.Is(err, transcription.ErrTranscription) {
		t.Fatalf("expected transcription failure, got %v", err)
	}
	logs := drain(pub, protocol.CategoryLog)
	if len(logs) != 1 || !strings.Contains(logs[0].(protocol.Log).Text, "503") {
		t.Fatalf("unexpected log events %v", logs)
	}
}

func TestEachMatcherRunsOncePerPass(t *testing.T) {
	stt := &fakeTranscriber{texts: []string{"infernus on elm"}}
	roads := &countingMatcher{result: match.Result{Text: "Elm Street", Category: match.Road, Score: 80}, ok: true}
	vehicles := &countingMatcher{result: match.Result{Text: "Infernus", Category: match.Vehicle, Score: 90}, ok: true}
	pub := publish.New()
	p := New(Config{
		Transcriber: stt,
		Roads:       roads,
		Vehicles:    vehicles,
		Images:      fakeImages{"Infernus": "vehicle_images/infernus.jpg"},
		Emitter:     pub,
	}, newLogger())

	if err := p.Pass(context.Background(), audioClip()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if roads.calls.Load() != 1 || vehicles.calls.Load() != 1 {
		t.Fatalf("expected one call per matcher, got roads=%d vehicles=%d", roads.calls.Load(), vehicles.calls.Load())
	}
	if got := drain(pub, protocol.CategoryMatch); len(got) != 1 {
		t.Fatalf("expected one road event, got %v", got)
	}
	got := drain(pub, protocol.CategoryVehicle)
	if len(got) != 1 {
		t.Fatalf("expected one vehicle event, got %v", got)
	}
	vm := got[0].(protocol.VehicleMatch)
	if vm.Name != "Infernus" || vm.ImagePath != "vehicle_images/infernus.jpg" {
		t.Fatalf("unexpected vehicle event %+v", vm)
	}
}

func TestBelowThresholdEmitsNoMatch(t *testing.T) {
	stt := &fakeTranscriber{texts: []string{"something unrelated"}}
	roads := &countingMatcher{result: match.Result{Text: "Elm Street", Score: 30}}
	vehicles := &countingMatcher{result: match.Result{Text: "Bullet", Score: 20}}
	pub := publish.New()
	p := New(Config{Transcriber: stt, Roads: roads, Vehicles: vehicles, Emitter: pub}, newLogger())

	if err := p.Pass(context.Background(), audioClip()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if n := len(drain(pub, protocol.CategoryMatch)) + len(drain(pub, protocol.CategoryVehicle)); n != 0 {
		t.Fatalf("expected zero match events, got %d", n)
	}
	if roads.calls.Load() != 1 || vehicles.calls.Load() != 1 {
		t.Fatal("expected both matchers to run")
	}
}

func TestVehicleWithoutImage(t *testing.T) {
	stt := &fakeTranscriber{texts: []string{"Banshee"}}
	pub := publish.New()
	p := New(Config{Transcriber: stt, Vehicles: vehicleMatcher(), Images: fakeImages{}, Emitter: pub}, newLogger())

	if err := p.Pass(context.Background(), audioClip()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	got := drain(pub, protocol.CategoryVehicle)
	if len(got) != 1 {
		t.Fatalf("expected one vehicle event, got %v", got)
	}
	payload, _ := protocol.Encode(got[0])
	if string(payload) != `{"type":"vehicle","data":{"name":"Banshee","image":null}}` {
		t.Fatalf("unexpected wire form %s", payload)
	}
}

func TestEventsShareThePassID(t *testing.T) {
	stt := &fakeTranscriber{texts: []string{"Elm Street", "Infernus"}}
	rec := &recordingEmitter{}
	p := New(Config{Transcriber: stt, Roads: roadMatcher(), Vehicles: vehicleMatcher(), Emitter: rec}, newLogger())

	for i := 0; i < 2; i++ {
		if err := p.Pass(context.Background(), audioClip()); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}
	if len(rec.events) != 4 {
		t.Fatalf("expected 4 events across two passes, got %d", len(rec.events))
	}
	if rec.passes[0] == "" || rec.passes[0] != rec.passes[1] {
		t.Fatalf("expected first pass events to share an id, got %v", rec.passes)
	}
	if rec.passes[2] == rec.passes[0] || rec.passes[2] != rec.passes[3] {
		t.Fatalf("expected a fresh id for the second pass, got %v", rec.passes)
	}
}

func TestRunConsumesClipsInOrder(t *testing.T) {
	stt := &fakeTranscriber{texts: []string{"one", "two", "three"}}
	pub := publish.New()
	p := New(Config{Transcriber: stt, Emitter: pub}, newLogger())

	clips := make(chan capture.Clip, 3)
	for i := 0; i < 3; i++ {
		clips <- audioClip()
	}
	close(clips)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), clips)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after clips closed")
	}

	logs := drain(pub, protocol.CategoryLog)
	want := []string{"Transcription: one", "Transcription: two", "Transcription: three"}
	if len(logs) != len(want) {
		t.Fatalf("expected %d log events, got %d", len(want), len(logs))
	}
	for i, evt := range logs {
		if evt.(protocol.Log).Text != want[i] {
			t.Fatalf("log %d: expected %q, got %q", i, want[i], evt.(protocol.Log).Text)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	p := New(Config{Transcriber: &fakeTranscriber{}, Emitter: publish.New()}, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, make(chan capture.Clip))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop on cancel")
	}
}
