package tui

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"picshrink/internal/pipeline"
	"picshrink/internal/stats"
)

// panelOrder fixes the vertical layout of the dashboard; weights split the
// terminal height between the panels.
var panelOrder = []pipeline.Panel{
	pipeline.PanelStatus,
	pipeline.PanelProgress,
	pipeline.PanelPerformance,
	pipeline.PanelImage,
	pipeline.PanelArchive,
	pipeline.PanelFile,
}

var panelWeights = map[pipeline.Panel]int{
	pipeline.PanelStatus:      1,
	pipeline.PanelProgress:    1,
	pipeline.PanelPerformance: 1,
	pipeline.PanelImage:       2,
	pipeline.PanelArchive:     2,
	pipeline.PanelFile:        2,
}

var panelTitles = map[pipeline.Panel]string{
	pipeline.PanelStatus:      "Status",
	pipeline.PanelProgress:    "Progress",
	pipeline.PanelPerformance: "Performance",
	pipeline.PanelImage:       "Images",
	pipeline.PanelArchive:     "Archives",
	pipeline.PanelFile:        "Files",
}

const panelScrollback = 64

type Model struct {
	events   <-chan pipeline.Event
	stats    *stats.Stats
	cancel   func()
	started  time.Time
	width    int
	height   int
	snapshot stats.Snapshot
	lines    map[pipeline.Panel][]string
	state    string
	quitting bool
}

type doneMsg struct{}

type eventMsg pipeline.Event

type tickMsg time.Time

func NewModel(events <-chan pipeline.Event, st *stats.Stats, cancel func()) Model {
	return Model{
		events:  events,
		stats:   st,
		cancel:  cancel,
		started: time.Now(),
		lines:   make(map[pipeline.Panel][]string),
		state:   "starting",
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(listenForEvents(m.events), tick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		m.push(msg.Panel, msg.Line)
		if msg.Panel == pipeline.PanelStatus {
			m.state = msg.Line
		}
		return m, listenForEvents(m.events)
	case tickMsg:
		m.snapshot = m.stats.Snapshot()
		return m, tick()
	case doneMsg:
		m.quitting = true
		return m, tea.Quit
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.cancel != nil {
				m.cancel()
			}
			m.push(pipeline.PanelStatus, "cancelling, draining in-flight work…")
			return m, nil
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	default:
		return m, nil
	}
}

func (m *Model) push(panel pipeline.Panel, line string) {
	buf := append(m.lines[panel], line)
	if len(buf) > panelScrollback {
		buf = buf[len(buf)-panelScrollback:]
	}
	m.lines[panel] = buf
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	heights := m.panelHeights()
	var sections []string
	for _, panel := range panelOrder {
		sections = append(sections, m.renderPanel(panel, heights[panel]))
	}
	return strings.Join(sections, "\n")
}

// panelHeights splits the available rows by weight, reserving one header row
// per panel.
func (m Model) panelHeights() map[pipeline.Panel]int {
	total := m.height
	if total <= 0 {
		total = 24
	}
	rows := total - len(panelOrder)*2
	if rows < len(panelOrder) {
		rows = len(panelOrder)
	}

	weightSum := 0
	for _, panel := range panelOrder {
		weightSum += panelWeights[panel]
	}

	heights := make(map[pipeline.Panel]int, len(panelOrder))
	for _, panel := range panelOrder {
		h := rows * panelWeights[panel] / weightSum
		if h < 1 {
			h = 1
		}
		heights[panel] = h
	}
	return heights
}

func (m Model) renderPanel(panel pipeline.Panel, height int) string {
	header := headerStyle.Render("── " + panelTitles[panel] + " " + strings.Repeat("─", barRemainder(m.width, panelTitles[panel])))

	var body []string
	switch panel {
	case pipeline.PanelStatus:
		body = m.statusLines()
	case pipeline.PanelProgress:
		body = m.progressLines()
	case pipeline.PanelPerformance:
		body = m.performanceLines()
	default:
		body = m.lines[panel]
	}

	if len(body) > height {
		body = body[len(body)-height:]
	}
	for len(body) < height {
		body = append(body, "")
	}
	return header + "\n" + strings.Join(body, "\n")
}

func (m Model) statusLines() []string {
	return []string{
		titleStyle.Render("picshrink") + "  " + labelStyle.Render(m.state),
	}
}

func (m Model) progressLines() []string {
	v := m.snapshot

	barWidth := 40
	if m.width > 0 {
		barWidth = int(math.Min(60, float64(m.width-24)))
		if barWidth < 20 {
			barWidth = 20
		}
	}

	ratio := 0.0
	if v.Queued > 0 {
		ratio = float64(v.Done()+v.Failed) / float64(v.Queued)
		if ratio > 1 {
			ratio = 1
		}
	}

	counts := fmt.Sprintf("%d/%d", v.Done()+v.Failed, v.Queued)
	detail := dimStyle.Render(fmt.Sprintf("  converted:%d skipped:%d failed:%d", v.Converted, v.Skipped, v.Failed))
	return []string{
		barStyle.Render(renderBar(barWidth, ratio)) + " " + labelStyle.Render(counts) + detail,
	}
}

func (m Model) performanceLines() []string {
	v := m.snapshot
	saved := v.BytesIn - v.BytesOut
	if saved < 0 {
		saved = 0
	}
	return []string{
		labelStyle.Render(fmt.Sprintf("Throughput: %s/s", humanize.Bytes(uint64(v.Throughput)))) +
			dimStyle.Render(fmt.Sprintf("  saved:%s  elapsed:%s",
				humanize.Bytes(uint64(saved)), time.Since(m.started).Round(time.Second))),
	}
}

func listenForEvents(events <-chan pipeline.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func tick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func renderBar(width int, ratio float64) string {
	filled := int(math.Round(ratio * float64(width)))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]"
}

func barRemainder(width int, title string) int {
	n := width - len(title) - 5
	if n < 3 {
		n = 3
	}
	if n > 80 {
		n = 80
	}
	return n
}
