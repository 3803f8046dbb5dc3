package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/loqalabs/loqa-callout/internal/capture"
	"github.com/loqalabs/loqa-callout/internal/config"
	"github.com/mattn/go-shellwords"
)

type execTranscriber struct {
	cmd []string
	cfg config.TranscriptionConfig
}

type execResult struct {
	Text string `json:"text"`
}

// NewExec runs an external command per clip. The command receives
// --audio <wav> (plus --model and --language when configured) and prints
// {"text": "..."} on stdout.
func NewExec(cfg config.TranscriptionConfig) (Transcriber, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse transcription command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcription command is empty")
	}
	return &execTranscriber{cmd: args, cfg: cfg}, nil
}

func (t *execTranscriber) Transcribe(ctx context.Context, clip capture.Clip) (string, error) {
	path, err := capture.WriteTempWAV(clip)
	if err != nil {
		return "", fail("exec", err)
	}
	defer os.Remove(path)

	args := append([]string{}, t.cmd[1:]...)
	args = append(args, "--audio", path)
	if t.cfg.ModelPath != "" {
		args = append(args, "--model", t.cfg.ModelPath)
	}
	if t.cfg.Language != "" {
		args = append(args, "--language", t.cfg.Language)
	}

	command := exec.CommandContext(ctx, t.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fail("exec", fmt.Errorf("command failed: %w: %s", err, stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fail("exec", fmt.Errorf("decode response: %w", err))
	}
	return cleanText(resp.Text), nil
}
