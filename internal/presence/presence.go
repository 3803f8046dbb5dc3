// Package presence announces a running calloutd on the bus: a periodic status
// heartbeat and a request/reply endpoint returning the same snapshot.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-callout/internal/bus"
	"github.com/nats-io/nats.go"
)

const (
	subjectStatus    = "status"
	subjectStatusGet = "status.get"
)

// Status is the snapshot published on <prefix>.status.
type Status struct {
	NodeID        string            `json:"node_id"`
	Ready         bool              `json:"ready"`
	Device        string            `json:"device,omitempty"`
	Trigger       string            `json:"trigger,omitempty"`
	Transcription string            `json:"transcription,omitempty"`
	Clients       int               `json:"clients"`
	Pending       map[string]int    `json:"pending,omitempty"`
	DroppedFrames uint64            `json:"dropped_frames"`
	LostClips     uint64            `json:"lost_clips"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Snapshot fills the live fields of a Status.
type Snapshot func() Status

type Announcer struct {
	nodeID   string
	interval time.Duration
	snapshot Snapshot
	bus      *bus.Client
	log      *slog.Logger

	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
}

func NewAnnouncer(nodeID string, interval time.Duration, busClient *bus.Client, snapshot Snapshot, log *slog.Logger) *Announcer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Announcer{
		nodeID:   nodeID,
		interval: interval,
		snapshot: snapshot,
		bus:      busClient,
		log:      log.With(slog.String("component", "presence")),
	}
}

// Start publishes an initial status, answers status requests and keeps
// heartbeating until Close.
func (a *Announcer) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	sub, err := a.bus.Conn().Subscribe(a.bus.Subject(subjectStatusGet), a.handleRequest)
	if err != nil {
		a.cancel()
		return fmt.Errorf("subscribe status requests: %w", err)
	}
	a.sub = sub

	if err := a.publish(); err != nil {
		a.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	a.wg.Add(1)
	go a.run(ctx)
	return nil
}

func (a *Announcer) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.sub != nil {
		_ = a.sub.Drain()
	}
	a.wg.Wait()
}

func (a *Announcer) run(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.publish(); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Announcer) current() Status {
	var st Status
	if a.snapshot != nil {
		st = a.snapshot()
	}
	st.NodeID = a.nodeID
	st.Timestamp = time.Now().UTC()
	return st
}

func (a *Announcer) publish() error {
	payload, err := json.Marshal(a.current())
	if err != nil {
		return err
	}
	return a.bus.Conn().Publish(a.bus.Subject(subjectStatus), payload)
}

func (a *Announcer) handleRequest(msg *nats.Msg) {
	payload, err := json.Marshal(a.current())
	if err != nil {
		a.log.Warn("failed to marshal status", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(payload); err != nil {
		a.log.Warn("failed to answer status request", slog.String("error", err.Error()))
	}
}

// Query asks the node behind client's prefix for its status.
func Query(ctx context.Context, client *bus.Client) (Status, error) {
	msg, err := client.Conn().RequestWithContext(ctx, client.Subject(subjectStatusGet), nil)
	if err != nil {
		return Status{}, fmt.Errorf("request status: %w", err)
	}
	var st Status
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}
