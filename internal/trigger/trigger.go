// Package trigger turns push-to-talk input into capture arm/disarm
// transitions.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Edge is a push-to-talk transition.
type Edge int

const (
	Press Edge = iota + 1
	Release
)

func (e Edge) String() string {
	switch e {
	case Press:
		return "press"
	case Release:
		return "release"
	default:
		return fmt.Sprintf("edge(%d)", int(e))
	}
}

// ParseEdge accepts "press"/"down" and "release"/"up".
func ParseEdge(s string) (Edge, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "press", "down":
		return Press, nil
	case "release", "up":
		return Release, nil
	default:
		return 0, fmt.Errorf("unknown trigger edge %q", s)
	}
}

// Source produces push-to-talk edges until ctx is cancelled.
type Source interface {
	Edges(ctx context.Context) (<-chan Edge, error)
}

// Armer is the capture side driven by a Source.
type Armer interface {
	Arm(ctx context.Context) error
	Disarm(ctx context.Context) error
}

// Bind forwards edges from src to target until ctx is done or the source
// closes. Arm and Disarm only hand a control message to the capture buffer,
// so the source is never held up by transcription.
func Bind(ctx context.Context, src Source, target Armer, log *slog.Logger) error {
	log = log.With(slog.String("component", "trigger"))
	edges, err := src.Edges(ctx)
	if err != nil {
		return fmt.Errorf("start trigger source: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case edge, ok := <-edges:
			if !ok {
				log.Info("trigger source closed")
				return nil
			}
			var err error
			switch edge {
			case Press:
				err = target.Arm(ctx)
			case Release:
				err = target.Disarm(ctx)
			default:
				continue
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				log.Warn("trigger transition failed", slog.String("edge", edge.String()), slog.String("error", err.Error()))
				continue
			}
			log.Debug("trigger edge", slog.String("edge", edge.String()))
		}
	}
}
