package capture

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes clip as 16-bit PCM WAV.
func WriteWAV(w io.WriteSeeker, clip Clip) error {
	if clip.Empty() {
		return ErrEmptyClip
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: clip.Channels, SampleRate: clip.SampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(clip.Samples)),
	}
	for i, s := range clip.Samples {
		buffer.Data[i] = int(s)
	}

	enc := wav.NewEncoder(w, clip.SampleRate, 16, clip.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteTempWAV writes clip to a new temporary file and returns its path. The
// caller removes the file.
func WriteTempWAV(clip Clip) (string, error) {
	file, err := os.CreateTemp("", "callout_clip_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	name := file.Name()
	if err := WriteWAV(file, clip); err != nil {
		file.Close()
		os.Remove(name)
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return name, nil
}

// EncodeWAV returns the WAV encoding of clip in memory.
func EncodeWAV(clip Clip) ([]byte, error) {
	var buf memFile
	if err := WriteWAV(&buf, clip); err != nil {
		return nil, err
	}
	return buf.data, nil
}

// memFile is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch the header sizes on Close.
type memFile struct {
	data []byte
	pos  int
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.data) {
		if end > cap(m.data) {
			grown := make([]byte, end, 2*end)
			copy(grown, m.data)
			m.data = grown
		} else {
			m.data = m.data[:end]
		}
	}
	copy(m.data[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(m.pos)
	case io.SeekEnd:
		base = int64(len(m.data))
	default:
		return 0, errors.New("seek: invalid whence")
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("seek: negative position")
	}
	m.pos = int(next)
	return next, nil
}
