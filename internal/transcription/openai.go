package transcription

import (
	"bytes"
	"context"

	"github.com/loqalabs/loqa-callout/internal/capture"
	"github.com/loqalabs/loqa-callout/internal/config"
	"github.com/sashabaranov/go-openai"
)

type openAITranscriber struct {
	client   *openai.Client
	model    string
	language string
}

// NewOpenAI transcribes through the OpenAI audio API, requesting a plain text
// response.
func NewOpenAI(cfg config.TranscriptionConfig) Transcriber {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &openAITranscriber{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		language: cfg.Language,
	}
}

func (t *openAITranscriber) Transcribe(ctx context.Context, clip capture.Clip) (string, error) {
	wav, err := capture.EncodeWAV(clip)
	if err != nil {
		return "", fail("openai", err)
	}
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: "clip.wav",
		Reader:   bytes.NewReader(wav),
		Format:   openai.AudioResponseFormatText,
		Language: t.language,
	})
	if err != nil {
		return "", fail("openai", err)
	}
	return cleanText(resp.Text), nil
}
