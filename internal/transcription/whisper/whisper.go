// Package whisper runs clips through a local whisper.cpp model.
package whisper

import (
	"context"
	"fmt"
	"strings"
	"sync"

	whispercpp "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-callout/internal/capture"
	"github.com/loqalabs/loqa-callout/internal/capture/resample"
	"github.com/loqalabs/loqa-callout/internal/config"
	"github.com/loqalabs/loqa-callout/internal/transcription"
)

const (
	backend    = "whisper"
	blankAudio = "[BLANK_AUDIO]"
	modelRate  = 16000
)

// Transcriber owns one model and serializes inference on it; whisper.cpp
// contexts are not safe for concurrent Process calls.
type Transcriber struct {
	model    whispercpp.Model
	language string
	mu       sync.Mutex
}

var _ transcription.Transcriber = (*Transcriber)(nil)

func New(cfg config.TranscriptionConfig) (*Transcriber, error) {
	model, err := whispercpp.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w", err)
	}
	language := cfg.Language
	if language == "" {
		language = "auto"
	}
	return &Transcriber{model: model, language: language}, nil
}

func (t *Transcriber) Transcribe(ctx context.Context, clip capture.Clip) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", transcription.NewFailure(backend, err)
	}
	mono, err := resample.Mono(clip, modelRate)
	if err != nil {
		return "", transcription.NewFailure(backend, err)
	}
	samples := resample.Float(mono)

	t.mu.Lock()
	defer t.mu.Unlock()

	wctx, err := t.model.NewContext()
	if err != nil {
		return "", transcription.NewFailure(backend, fmt.Errorf("new context: %w", err))
	}
	if err := wctx.SetLanguage(t.language); err != nil {
		return "", transcription.NewFailure(backend, fmt.Errorf("set language: %w", err))
	}
	wctx.SetTranslate(false)

	var text strings.Builder
	segment := func(s whispercpp.Segment) {
		text.WriteString(s.Text)
	}
	if err := wctx.Process(samples, nil, segment, nil); err != nil {
		return "", transcription.NewFailure(backend, fmt.Errorf("process: %w", err))
	}

	out := strings.TrimSpace(strings.ReplaceAll(text.String(), blankAudio, ""))
	return out, nil
}

// Close releases the model.
func (t *Transcriber) Close() error {
	return t.model.Close()
}
