package capture

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-callout/internal/protocol"
	"github.com/loqalabs/loqa-callout/internal/publish"
)

const lostClipNotice = "Clip dropped, pipeline busy"

// FrameSink receives frames from a real-time audio callback. Write must not
// block; it reports false when the frame was dropped.
type FrameSink interface {
	Write(frame []int16) bool
}

type BufferConfig struct {
	SampleRate   int
	Channels     int
	FrameQueue   int
	PendingClips int
	// Notices receives a log event for every clip dropped because the
	// pipeline is busy. Optional.
	Notices publish.Emitter
}

type controlKind int

const (
	controlArm controlKind = iota
	controlDisarm
)

type controlMsg struct {
	kind controlKind
	ack  chan struct{}
}

// Buffer owns the capture state machine. The audio callback feeds it through
// a bounded frame channel and the trigger drives it through a control
// channel; a single goroutine (Run) owns the accumulated samples.
type Buffer struct {
	cfg     BufferConfig
	log     *slog.Logger
	frames  chan []int16
	control chan controlMsg
	clips   chan Clip
	dropped atomic.Uint64
	lost    atomic.Uint64
	clock   func() time.Time
}

func NewBuffer(cfg BufferConfig, log *slog.Logger) *Buffer {
	if cfg.FrameQueue <= 0 {
		cfg.FrameQueue = 256
	}
	if cfg.PendingClips <= 0 {
		cfg.PendingClips = 1
	}
	return &Buffer{
		cfg:     cfg,
		log:     log.With(slog.String("component", "capture-buffer")),
		frames:  make(chan []int16, cfg.FrameQueue),
		control: make(chan controlMsg),
		clips:   make(chan Clip, cfg.PendingClips),
		clock:   time.Now,
	}
}

// Write copies frame onto the frame channel without blocking.
func (b *Buffer) Write(frame []int16) bool {
	if len(frame) == 0 {
		return true
	}
	buf := make([]int16, len(frame))
	copy(buf, frame)
	select {
	case b.frames <- buf:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Arm starts a new clip. It returns once the buffer has observed the
// transition; arming an armed buffer is a no-op.
func (b *Buffer) Arm(ctx context.Context) error {
	return b.send(ctx, controlArm)
}

// Disarm seals the current clip and hands it to Clips. Every frame whose
// Write returned before Disarm was called is part of that clip.
func (b *Buffer) Disarm(ctx context.Context) error {
	return b.send(ctx, controlDisarm)
}

// Clips yields exactly one clip per arm/disarm cycle.
func (b *Buffer) Clips() <-chan Clip {
	return b.clips
}

// Dropped counts frames rejected because the frame channel was full.
func (b *Buffer) Dropped() uint64 {
	return b.dropped.Load()
}

// LostClips counts sealed clips discarded because no consumer kept up.
func (b *Buffer) LostClips() uint64 {
	return b.lost.Load()
}

func (b *Buffer) send(ctx context.Context, kind controlKind) error {
	msg := controlMsg{kind: kind, ack: make(chan struct{})}
	select {
	case b.control <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-msg.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the single consumer of frames and control messages.
func (b *Buffer) Run(ctx context.Context) {
	var (
		acc   accumulator
		armed bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-b.frames:
			if armed {
				acc.append(frame)
			}
		case msg := <-b.control:
			switch msg.kind {
			case controlArm:
				if !armed {
					// frames still queued were captured before the press
					b.flush(nil)
					acc.start(b.clock())
					armed = true
					b.log.Debug("capture armed")
				}
			case controlDisarm:
				if armed {
					b.flush(&acc)
					armed = false
					clip := acc.drainAndReset(b.cfg.SampleRate, b.cfg.Channels, b.clock())
					b.emit(clip)
				}
			}
			close(msg.ack)
		}
	}
}

// flush empties the frame channel into acc, or discards when acc is nil.
func (b *Buffer) flush(acc *accumulator) {
	for {
		select {
		case frame := <-b.frames:
			if acc != nil {
				acc.append(frame)
			}
		default:
			return
		}
	}
}

func (b *Buffer) emit(clip Clip) {
	select {
	case b.clips <- clip:
		b.log.Debug("capture disarmed",
			slog.Int("samples", len(clip.Samples)),
			slog.Duration("duration", clip.Duration()))
	default:
		b.lost.Add(1)
		b.log.Warn("clip dropped, pipeline busy",
			slog.Int("samples", len(clip.Samples)),
			slog.Int("pending", cap(b.clips)))
		if b.cfg.Notices != nil {
			b.cfg.Notices.Emit(protocol.Log{Text: lostClipNotice})
		}
	}
}
