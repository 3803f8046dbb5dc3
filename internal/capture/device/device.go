// Package device opens the host input device and feeds its frames into a
// capture.FrameSink.
package device

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-callout/internal/capture"
	"github.com/loqalabs/loqa-callout/internal/config"
)

// Device is an open, running input stream.
type Device struct {
	stream *portaudio.Stream
	name   string
	log    *slog.Logger
}

// Open initializes portaudio, selects the input device whose name contains
// cfg.Device (case-insensitive, falling back to the default input) and starts
// streaming into sink. Any failure here is fatal to startup.
func Open(cfg config.AudioConfig, sink capture.FrameSink, log *slog.Logger) (*Device, error) {
	log = log.With(slog.String("component", "audio-device"))
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}

	device, err := selectDevice(cfg.Device, log)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	if int(device.DefaultSampleRate) != cfg.SampleRate {
		log.Warn("device sample rate differs from configured rate",
			slog.Float64("device_rate", device.DefaultSampleRate),
			slog.Int("configured_rate", cfg.SampleRate))
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: cfg.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.FramesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, func(in []int16) {
		sink.Write(in)
	})
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start input stream: %w", err)
	}

	log.Info("audio input started",
		slog.String("device", device.Name),
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Int("channels", cfg.Channels))
	return &Device{stream: stream, name: device.Name, log: log}, nil
}

func selectDevice(want string, log *slog.Logger) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list audio devices: %w", err)
	}
	needle := strings.ToLower(strings.TrimSpace(want))
	if needle != "" {
		for _, d := range devices {
			if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), needle) {
				return d, nil
			}
		}
		log.Warn("no input device matched, using default", slog.String("device", want))
	}
	device, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("no default input device: %w", err)
	}
	return device, nil
}

// Name returns the selected device name.
func (d *Device) Name() string {
	return d.name
}

// Close stops the stream and releases portaudio.
func (d *Device) Close() error {
	if d == nil || d.stream == nil {
		return nil
	}
	var firstErr error
	if err := d.stream.Stop(); err != nil {
		firstErr = fmt.Errorf("stop input stream: %w", err)
	}
	if err := d.stream.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close input stream: %w", err)
	}
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("terminate portaudio: %w", err)
	}
	d.log.Info("audio input stopped")
	return firstErr
}
