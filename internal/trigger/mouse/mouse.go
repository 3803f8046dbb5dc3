// Package mouse provides a global mouse-button push-to-talk source.
package mouse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-callout/internal/trigger"
	hook "github.com/robotn/gohook"
)

var buttons = map[string]uint16{
	"left":   1,
	"right":  2,
	"center": 3,
	"middle": 3,
	"x1":     4,
	"x2":     5,
}

// Source reports press and release of one mouse button anywhere on the
// desktop.
type Source struct {
	button uint16
	name   string
	log    *slog.Logger
}

func New(button string, log *slog.Logger) (*Source, error) {
	name := strings.ToLower(strings.TrimSpace(button))
	code, ok := buttons[name]
	if !ok {
		return nil, fmt.Errorf("unknown mouse button %q", button)
	}
	return &Source{
		button: code,
		name:   name,
		log:    log.With(slog.String("component", "mouse-trigger")),
	}, nil
}

func (s *Source) Edges(ctx context.Context) (<-chan trigger.Edge, error) {
	events := hook.Start()
	out := make(chan trigger.Edge, 16)
	go func() {
		defer close(out)
		defer hook.End()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Button != s.button {
					continue
				}
				// gohook names the pressed state MouseHold and the
				// released state MouseDown.
				switch ev.Kind {
				case hook.MouseHold:
					s.send(out, trigger.Press)
				case hook.MouseDown:
					s.send(out, trigger.Release)
				}
			}
		}
	}()
	s.log.Info("listening for mouse button", slog.String("button", s.name))
	return out, nil
}

func (s *Source) send(out chan<- trigger.Edge, edge trigger.Edge) {
	select {
	case out <- edge:
	default:
		s.log.Warn("trigger edge dropped", slog.String("edge", edge.String()))
	}
}
