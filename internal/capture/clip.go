package capture

import (
	"errors"
	"time"
)

// ErrEmptyClip reports an arm/disarm cycle that captured no samples.
var ErrEmptyClip = errors.New("capture: empty clip")

// Clip is one contiguous span of interleaved 16-bit samples bounded by an
// arm/disarm cycle.
type Clip struct {
	Samples    []int16
	SampleRate int
	Channels   int
	StartedAt  time.Time
	EndedAt    time.Time
}

// Empty reports whether no samples were captured.
func (c Clip) Empty() bool {
	return len(c.Samples) == 0
}

// Duration is the audio length derived from the sample count.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// accumulator collects frames in arrival order for a single cycle.
type accumulator struct {
	frames    [][]int16
	total     int
	startedAt time.Time
}

func (a *accumulator) start(now time.Time) {
	a.frames = a.frames[:0]
	a.total = 0
	a.startedAt = now
}

func (a *accumulator) append(frame []int16) {
	a.frames = append(a.frames, frame)
	a.total += len(frame)
}

// drainAndReset returns the accumulated frames as one contiguous clip and
// clears state for the next cycle.
func (a *accumulator) drainAndReset(sampleRate, channels int, now time.Time) Clip {
	clip := Clip{
		SampleRate: sampleRate,
		Channels:   channels,
		StartedAt:  a.startedAt,
		EndedAt:    now,
	}
	if a.total > 0 {
		clip.Samples = make([]int16, 0, a.total)
		for _, f := range a.frames {
			clip.Samples = append(clip.Samples, f...)
		}
	}
	for i := range a.frames {
		a.frames[i] = nil
	}
	a.frames = a.frames[:0]
	a.total = 0
	a.startedAt = time.Time{}
	return clip
}
