package pipeline

import "fmt"

// Panel names a dashboard region. The dashboard is purely presentational;
// the orchestrator only pushes lines at it.
type Panel string

const (
	PanelStatus      Panel = "status"
	PanelProgress    Panel = "progress"
	PanelPerformance Panel = "performance"
	PanelImage       Panel = "image"
	PanelArchive     Panel = "archive"
	PanelFile        Panel = "file"
)

// Event is one line routed to a dashboard panel.
type Event struct {
	Panel Panel
	Line  string
}

// Events is a nil-safe fan-in for dashboard events. A nil *Events or a nil
// channel drops everything, so headless runs need no plumbing.
type Events struct {
	ch chan<- Event
}

// NewEvents wraps a channel; ch may be nil.
func NewEvents(ch chan<- Event) *Events {
	return &Events{ch: ch}
}

// Emit formats and routes a line to the panel. Never blocks the pipeline:
// if the dashboard is not draining, the line is dropped.
func (e *Events) Emit(panel Panel, format string, args ...any) {
	if e == nil || e.ch == nil {
		return
	}
	select {
	case e.ch <- Event{Panel: panel, Line: fmt.Sprintf(format, args...)}:
	default:
	}
}
