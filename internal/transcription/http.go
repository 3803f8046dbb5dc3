package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-callout/internal/capture"
	"github.com/loqalabs/loqa-callout/internal/config"
)

type httpTranscriber struct {
	endpoint string
	apiKey   string
	model    string
	language string
	client   *http.Client
}

type httpResponse struct {
	Text string `json:"text"`
}

// NewHTTP posts the clip as multipart form data to an OpenAI-compatible
// transcription endpoint.
func NewHTTP(cfg config.TranscriptionConfig) Transcriber {
	return &httpTranscriber{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		client:   &http.Client{},
	}
}

func (t *httpTranscriber) Transcribe(ctx context.Context, clip capture.Clip) (string, error) {
	wav, err := capture.EncodeWAV(clip)
	if err != nil {
		return "", fail("http", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "clip.wav")
	if err != nil {
		return "", fail("http", fmt.Errorf("create form file: %w", err))
	}
	if _, err := part.Write(wav); err != nil {
		return "", fail("http", fmt.Errorf("write audio: %w", err))
	}
	fields := map[string]string{
		"model":           t.model,
		"language":        t.language,
		"response_format": "text",
	}
	for key, value := range fields {
		if value == "" {
			continue
		}
		if err := writer.WriteField(key, value); err != nil {
			return "", fail("http", fmt.Errorf("write field %s: %w", key, err))
		}
	}
	if err := writer.Close(); err != nil {
		return "", fail("http", fmt.Errorf("close multipart writer: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, &body)
	if err != nil {
		return "", fail("http", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fail("http", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fail("http", fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= 300 {
		return "", fail("http", fmt.Errorf("service returned status %s: %s", resp.Status, strings.TrimSpace(string(payload))))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var decoded httpResponse
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return "", fail("http", fmt.Errorf("decode response: %w", err))
		}
		return cleanText(decoded.Text), nil
	}
	return cleanText(string(payload)), nil
}
