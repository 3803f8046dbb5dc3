package bus

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-callout/internal/protocol"
	"github.com/loqalabs/loqa-callout/internal/publish"
)

// Mirror publishes every event to <prefix>.event.<type> before handing it to
// the next emitter. Bus failures are logged and never block local delivery.
type Mirror struct {
	client *Client
	next   publish.Emitter
	clock  func() time.Time
}

func NewMirror(client *Client, next publish.Emitter) *Mirror {
	return &Mirror{client: client, next: next, clock: time.Now}
}

func (m *Mirror) Emit(evt protocol.Event) {
	m.publish("", evt)
	m.next.Emit(evt)
}

// EmitPass is Emit with the pass id attached to the bus envelope.
func (m *Mirror) EmitPass(passID string, evt protocol.Event) {
	m.publish(passID, evt)
	m.next.Emit(evt)
}

func (m *Mirror) publish(passID string, evt protocol.Event) {
	if !m.client.Healthy() {
		return
	}
	payload, err := json.Marshal(protocol.Envelope{
		PassID:    passID,
		Timestamp: m.clock().UTC(),
		Message:   evt.Message(),
	})
	if err != nil {
		m.client.Logger().Warn("failed to marshal event", slogError(err))
		return
	}
	subject := m.client.Subject(protocol.SubjectEventPrefix, string(evt.Category()))
	if err := m.client.Conn().Publish(subject, payload); err != nil {
		m.client.Logger().Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
