// Package transcription converts captured clips into text through a
// pluggable speech-to-text backend.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-callout/internal/capture"
	"github.com/loqalabs/loqa-callout/internal/config"
)

// ErrTranscription matches every backend failure via errors.Is.
var ErrTranscription = errors.New("transcription failed")

// Transcriber abstracts speech-to-text backends. An empty string with a nil
// error means the backend heard nothing usable.
type Transcriber interface {
	Transcribe(ctx context.Context, clip capture.Clip) (string, error)
}

// Failure wraps a backend error. It is never retried.
type Failure struct {
	Backend string
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s transcription: %v", f.Backend, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) Is(target error) bool { return target == ErrTranscription }

// NewFailure wraps err as a failure of backend.
func NewFailure(backend string, err error) *Failure {
	return &Failure{Backend: backend, Err: err}
}

func fail(backend string, err error) error {
	return NewFailure(backend, err)
}

// New builds the backend selected by cfg.Mode. The local whisper backend lives
// in its own package and is selected by the runtime.
func New(cfg config.TranscriptionConfig, log *slog.Logger) (Transcriber, error) {
	switch cfg.Mode {
	case "openai":
		return NewOpenAI(cfg), nil
	case "http":
		return NewHTTP(cfg), nil
	case "exec":
		return NewExec(cfg)
	case "mock":
		log.Warn("using mock transcriber", slog.String("text", cfg.MockText))
		return NewMock(cfg.MockText), nil
	default:
		return nil, fmt.Errorf("unsupported transcription mode %q", cfg.Mode)
	}
}

func cleanText(s string) string {
	return strings.TrimSpace(s)
}
