package capture

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/go-audio/wav"
)

func TestEncodeWAVRoundTripsSamples(t *testing.T) {
	clip := Clip{Samples: []int16{0, 1200, -1200, 32767, -32768}, SampleRate: 48000, Channels: 1}

	data, err := EncodeWAV(clip)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Fatalf("expected RIFF header")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		t.Fatal("decoder rejected encoded clip")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 48000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("unexpected format %d/%d/%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	if len(buf.Data) != len(clip.Samples) {
		t.Fatalf("expected %d samples, got %d", len(clip.Samples), len(buf.Data))
	}
	for i, s := range clip.Samples {
		if buf.Data[i] != int(s) {
			t.Fatalf("sample %d: expected %d, got %d", i, s, buf.Data[i])
		}
	}
}

func TestEncodeWAVRejectsEmptyClip(t *testing.T) {
	if _, err := EncodeWAV(Clip{SampleRate: 48000, Channels: 1}); !errors.Is(err, ErrEmptyClip) {
		t.Fatalf("expected ErrEmptyClip, got %v", err)
	}
}

func TestEncodeWAVMatchesFileEncoding(t *testing.T) {
	clip := Clip{Samples: []int16{5, -5, 400, -400, 9000, -9000}, SampleRate: 16000, Channels: 2}

	data, err := EncodeWAV(clip)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path, err := WriteTempWAV(clip)
	if err != nil {
		t.Fatalf("write temp: %v", err)
	}
	defer os.Remove(path)
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read temp: %v", err)
	}
	if !bytes.Equal(data, onDisk) {
		t.Fatalf("in-memory encoding differs from file encoding (%d vs %d bytes)", len(data), len(onDisk))
	}
}

func TestMemFileSeekOverwrites(t *testing.T) {
	var m memFile
	if _, err := m.Write([]byte("abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if pos, err := m.Seek(2, io.SeekStart); err != nil || pos != 2 {
		t.Fatalf("seek start: pos=%d err=%v", pos, err)
	}
	if _, err := m.Write([]byte("XY")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if pos, err := m.Seek(0, io.SeekEnd); err != nil || pos != 6 {
		t.Fatalf("seek end: pos=%d err=%v", pos, err)
	}
	if _, err := m.Write([]byte("g")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := string(m.data); got != "abXYefg" {
		t.Fatalf("unexpected contents %q", got)
	}
	if _, err := m.Seek(-10, io.SeekCurrent); err == nil {
		t.Fatal("expected error for negative position")
	}
}
