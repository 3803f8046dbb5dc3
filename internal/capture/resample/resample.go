// Package resample converts captured clips to the mono sample rate a
// recognizer expects.
package resample

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/loqalabs/loqa-callout/internal/capture"
	soxr "github.com/zaf/resample"
)

// Mono downmixes clip to a single channel at rate. Clips already at rate are
// only downmixed.
func Mono(clip capture.Clip, rate int) ([]int16, error) {
	if clip.Empty() {
		return nil, capture.ErrEmptyClip
	}
	mono := downmix(clip)
	if clip.SampleRate == rate || clip.SampleRate <= 0 {
		return mono, nil
	}

	input := make([]byte, len(mono)*2)
	for i, s := range mono {
		binary.LittleEndian.PutUint16(input[i*2:], uint16(s))
	}

	var out bytes.Buffer
	r, err := soxr.New(&out, float64(clip.SampleRate), float64(rate), 1, soxr.I16, soxr.HighQ)
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	if _, err := r.Write(input); err != nil {
		r.Close()
		return nil, fmt.Errorf("resampler write: %w", err)
	}
	if err := r.Close(); err != nil {
		return nil, fmt.Errorf("resampler close: %w", err)
	}

	raw := out.Bytes()
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return samples, nil
}

// Float converts 16-bit samples to float32 in [-1, 1).
func Float(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

func downmix(clip capture.Clip) []int16 {
	channels := clip.Channels
	if channels <= 1 {
		mono := make([]int16, len(clip.Samples))
		copy(mono, clip.Samples)
		return mono
	}
	frames := len(clip.Samples) / channels
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(clip.Samples[i*channels+c])
		}
		mono[i] = int16(sum / channels)
	}
	return mono
}
