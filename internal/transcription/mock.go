package transcription

import (
	"context"

	"github.com/loqalabs/loqa-callout/internal/capture"
)

type mockTranscriber struct {
	text string
}

// NewMock returns text for every clip.
func NewMock(text string) Transcriber {
	return &mockTranscriber{text: text}
}

func (m *mockTranscriber) Transcribe(ctx context.Context, _ capture.Clip) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fail("mock", err)
	}
	return cleanText(m.text), nil
}
