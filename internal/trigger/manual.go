package trigger

import "context"

// Manual is a Source driven programmatically, e.g. from HTTP handlers.
type Manual struct {
	edges chan Edge
}

func NewManual() *Manual {
	return &Manual{edges: make(chan Edge, 16)}
}

func (m *Manual) Edges(context.Context) (<-chan Edge, error) {
	return m.edges, nil
}

// Press queues a press edge; it reports false when the edge was dropped.
func (m *Manual) Press() bool {
	return m.fire(Press)
}

// Release queues a release edge; it reports false when the edge was dropped.
func (m *Manual) Release() bool {
	return m.fire(Release)
}

func (m *Manual) fire(e Edge) bool {
	select {
	case m.edges <- e:
		return true
	default:
		return false
	}
}
