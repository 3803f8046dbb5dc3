package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-callout/internal/protocol"
	"github.com/loqalabs/loqa-callout/internal/publish"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBuffer(t *testing.T, cfg BufferConfig) (*Buffer, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := NewBuffer(cfg, newLogger())
	go b.Run(ctx)
	return b, ctx
}

func nextClip(t *testing.T, b *Buffer) Clip {
	t.Helper()
	select {
	case clip := <-b.Clips():
		return clip
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for clip")
		return Clip{}
	}
}

func TestArmWriteDisarmProducesOrderedClip(t *testing.T) {
	b, ctx := startBuffer(t, BufferConfig{SampleRate: 48000, Channels: 1, FrameQueue: 16, PendingClips: 2})

	if err := b.Arm(ctx); err != nil {
		t.Fatalf("arm: %v", err)
	}
	b.Write([]int16{1, 2, 3})
	b.Write([]int16{4, 5})
	b.Write([]int16{6})
	if err := b.Disarm(ctx); err != nil {
		t.Fatalf("disarm: %v", err)
	}

	clip := nextClip(t, b)
	want := []int16{1, 2, 3, 4, 5, 6}
	if len(clip.Samples) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(clip.Samples))
	}
	for i := range want {
		if clip.Samples[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], clip.Samples[i])
		}
	}
	if clip.SampleRate != 48000 || clip.Channels != 1 {
		t.Fatalf("unexpected format %d/%d", clip.SampleRate, clip.Channels)
	}
}

func TestWriteCopiesFrame(t *testing.T) {
	b, ctx := startBuffer(t, BufferConfig{SampleRate: 16000, Channels: 1, FrameQueue: 4})

	_ = b.Arm(ctx)
	frame := []int16{7, 8}
	b.Write(frame)
	frame[0] = 99
	_ = b.Disarm(ctx)

	clip := nextClip(t, b)
	if clip.Samples[0] != 7 {
		t.Fatalf("expected buffer to own a copy, got %d", clip.Samples[0])
	}
}

func TestZeroDurationPressYieldsEmptyClip(t *testing.T) {
	b, ctx := startBuffer(t, BufferConfig{SampleRate: 48000, Channels: 1})

	_ = b.Arm(ctx)
	_ = b.Disarm(ctx)

	clip := nextClip(t, b)
	if !clip.Empty() {
		t.Fatalf("expected empty clip, got %d samples", len(clip.Samples))
	}
	if clip.Duration() != 0 {
		t.Fatalf("expected zero duration, got %s", clip.Duration())
	}
}

func TestFramesWhileIdleAreDiscarded(t *testing.T) {
	b, ctx := startBuffer(t, BufferConfig{SampleRate: 48000, Channels: 1, FrameQueue: 8})

	b.Write([]int16{-1, -1})
	_ = b.Arm(ctx)
	b.Write([]int16{10})
	_ = b.Disarm(ctx)
	b.Write([]int16{-2})

	clip := nextClip(t, b)
	if len(clip.Samples) != 1 || clip.Samples[0] != 10 {
		t.Fatalf("expected only armed samples, got %v", clip.Samples)
	}
}

func TestOneClipPerCycle(t *testing.T) {
	b, ctx := startBuffer(t, BufferConfig{SampleRate: 48000, Channels: 1, PendingClips: 4})

	_ = b.Disarm(ctx)
	_ = b.Arm(ctx)
	_ = b.Arm(ctx)
	b.Write([]int16{1})
	_ = b.Disarm(ctx)
	_ = b.Disarm(ctx)

	nextClip(t, b)
	select {
	case clip := <-b.Clips():
		t.Fatalf("unexpected second clip with %d samples", len(clip.Samples))
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWriteNeverBlocks(t *testing.T) {
	b := NewBuffer(BufferConfig{SampleRate: 48000, Channels: 1, FrameQueue: 2}, newLogger())

	if !b.Write([]int16{1}) || !b.Write([]int16{2}) {
		t.Fatal("expected first writes to be accepted")
	}
	if b.Write([]int16{3}) {
		t.Fatal("expected write to be dropped when queue is full")
	}
	if b.Dropped() != 1 {
		t.Fatalf("expected 1 dropped frame, got %d", b.Dropped())
	}
}

func TestClipLostWhenPipelineBusy(t *testing.T) {
	notices := publish.New()
	b, ctx := startBuffer(t, BufferConfig{SampleRate: 48000, Channels: 1, PendingClips: 4, Notices: notices})

	for i := 0; i < 6; i++ {
		_ = b.Arm(ctx)
		b.Write([]int16{int16(i)})
		_ = b.Disarm(ctx)
	}
	if b.LostClips() != 2 {
		t.Fatalf("expected 2 lost clips, got %d", b.LostClips())
	}
	clip := nextClip(t, b)
	if clip.Samples[0] != 0 {
		t.Fatalf("expected the first clip to survive, got %v", clip.Samples)
	}

	for i := 0; i < 2; i++ {
		evt, ok := notices.TryDequeue(protocol.CategoryLog)
		if !ok {
			t.Fatalf("expected a log event for lost clip %d", i)
		}
		if msg, ok := evt.(protocol.Log); !ok || msg.Text != "Clip dropped, pipeline busy" {
			t.Fatalf("unexpected event %#v", evt)
		}
	}
	if _, ok := notices.TryDequeue(protocol.CategoryLog); ok {
		t.Fatal("expected exactly one log event per lost clip")
	}
}

func TestClipLostWithoutNotices(t *testing.T) {
	b, ctx := startBuffer(t, BufferConfig{SampleRate: 48000, Channels: 1, PendingClips: 1})

	for i := 0; i < 2; i++ {
		_ = b.Arm(ctx)
		b.Write([]int16{int16(i)})
		_ = b.Disarm(ctx)
	}
	if b.LostClips() != 1 {
		t.Fatalf("expected 1 lost clip, got %d", b.LostClips())
	}
}

func TestArmRespectsContext(t *testing.T) {
	b := NewBuffer(BufferConfig{SampleRate: 48000, Channels: 1}, newLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := b.Arm(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded without a running consumer, got %v", err)
	}
}
