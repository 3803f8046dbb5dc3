package resample

import (
	"errors"
	"math"
	"testing"

	"github.com/loqalabs/loqa-callout/internal/capture"
)

func tone(freq float64, rate int, seconds float64) capture.Clip {
	n := int(float64(rate) * seconds)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(0.5 * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return capture.Clip{Samples: samples, SampleRate: rate, Channels: 1}
}

// rms skips the outer quarters so filter edges do not count.
func rms(samples []int16) float64 {
	lo, hi := len(samples)/4, 3*len(samples)/4
	if hi <= lo {
		return 0
	}
	var sum float64
	for _, s := range samples[lo:hi] {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(hi-lo))
}

func TestMonoSuppressesToneAboveNyquist(t *testing.T) {
	clip := tone(10000, 48000, 0.5)
	in := rms(clip.Samples)

	out, err := Mono(clip, 16000)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("expected resampled output")
	}
	if got := rms(out); got > 0.05*in {
		t.Fatalf("10 kHz tone should be filtered at 16 kHz: input rms %.4f, output rms %.4f", in, got)
	}
}

func TestMonoKeepsSpeechBand(t *testing.T) {
	clip := tone(1000, 48000, 0.5)
	in := rms(clip.Samples)

	out, err := Mono(clip, 16000)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	want := len(clip.Samples) / 3
	if diff := len(out) - want; diff < -want/20 || diff > want/20 {
		t.Fatalf("expected about %d samples, got %d", want, len(out))
	}
	if got := rms(out); got < 0.9*in || got > 1.1*in {
		t.Fatalf("1 kHz tone should pass: input rms %.4f, output rms %.4f", in, got)
	}
}

func TestMonoDownmixesAtTargetRate(t *testing.T) {
	clip := capture.Clip{Samples: []int16{100, 300, -200, -400, 7, 9}, SampleRate: 16000, Channels: 2}

	out, err := Mono(clip, 16000)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	want := []int16{200, -300, 8}
	if len(out) != len(want) {
		t.Fatalf("expected %v, got %v", want, out)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, out)
		}
	}
}

func TestMonoRejectsEmptyClip(t *testing.T) {
	if _, err := Mono(capture.Clip{SampleRate: 48000, Channels: 1}, 16000); !errors.Is(err, capture.ErrEmptyClip) {
		t.Fatalf("expected ErrEmptyClip, got %v", err)
	}
}

func TestFloatScale(t *testing.T) {
	out := Float([]int16{0, 16384, -32768})
	if out[0] != 0 || out[1] != 0.5 || out[2] != -1 {
		t.Fatalf("unexpected conversion %v", out)
	}
}
