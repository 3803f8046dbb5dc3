package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-callout/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource reads edges published on a NATS subject as
// {"edge":"press"|"release"}.
type BusSource struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger
}

func NewBusSource(conn *nats.Conn, subject string, log *slog.Logger) *BusSource {
	return &BusSource{
		conn:    conn,
		subject: subject,
		log:     log.With(slog.String("component", "bus-trigger")),
	}
}

func (s *BusSource) Edges(ctx context.Context) (<-chan Edge, error) {
	out := make(chan Edge, 16)
	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		var payload protocol.TriggerEdge
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			s.log.Warn("invalid trigger message", slog.String("error", err.Error()))
			return
		}
		edge, err := ParseEdge(payload.Edge)
		if err != nil {
			s.log.Warn("invalid trigger edge", slog.String("error", err.Error()))
			return
		}
		select {
		case out <- edge:
		default:
			s.log.Warn("trigger edge dropped", slog.String("edge", edge.String()))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	s.log.Info("listening for trigger edges", slog.String("subject", s.subject))
	return out, nil
}
