// Package ui renders scenario progress in the terminal.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"shapeshift/internal/scenario"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))

	statusStyles = map[scenario.Status]lipgloss.Style{
		scenario.StatusQueued:  lipgloss.NewStyle().Foreground(lipgloss.Color("7")),
		scenario.StatusWorking: lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		scenario.StatusDone:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		scenario.StatusError:   errStyle,
	}
)

// domainRow is the state of one domain line.
type domainRow struct {
	name    string
	status  scenario.Status
	step    int
	total   int
	op      scenario.Op
	elapsed time.Duration
	err     string
}

func (r *domainRow) finished() bool {
	return r.status == scenario.StatusDone || r.status == scenario.StatusError
}

type progressModel struct {
	title   string
	events  <-chan scenario.Event
	spinner spinner.Model
	bar     progress.Model
	rows    []domainRow
	byName  map[string]*domainRow
	width   int
	closed  bool
}

type (
	eventMsg  scenario.Event
	closedMsg struct{}
)

// NewProgressModel returns a Bubble Tea model showing one line per domain of
// f, fed by events until the channel closes.
func NewProgressModel(title string, f *scenario.File, events <-chan scenario.Event) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = statusStyles[scenario.StatusWorking]

	m := &progressModel{
		title:   title,
		events:  events,
		spinner: sp,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		rows:    make([]domainRow, len(f.Domains)),
		byName:  make(map[string]*domainRow, len(f.Domains)),
	}
	for i, d := range f.Domains {
		m.rows[i] = domainRow{name: d.Name, status: scenario.StatusQueued, total: len(d.Steps)}
		m.byName[d.Name] = &m.rows[i]
	}
	m.resize(80)
	return m
}

func (m *progressModel) resize(width int) {
	m.width = width
	m.bar.Width = max(width-4, 10)
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.next())
}

func (m *progressModel) next() tea.Cmd {
	return func() tea.Msg {
		if ev, ok := <-m.events; ok {
			return eventMsg(ev)
		}
		return closedMsg{}
	}
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		return m, tea.Batch(m.apply(scenario.Event(msg)), m.next())
	case closedMsg:
		m.closed = true
		return m, tea.Quit
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.resize(msg.Width)
		}
	case spinner.TickMsg:
		if !m.closed {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd
	}
	return m, nil
}

// apply folds ev into its domain row. Events for unknown domains are
// ignored.
func (m *progressModel) apply(ev scenario.Event) tea.Cmd {
	row, ok := m.byName[ev.Domain]
	if !ok {
		return nil
	}
	row.status = ev.Status
	row.step = ev.Step
	row.op = ev.Op
	if ev.Total > 0 {
		row.total = ev.Total
	}
	if ev.Elapsed > 0 {
		row.elapsed = ev.Elapsed
	}
	if ev.Err != nil {
		row.err = ev.Err.Error()
	}
	return m.bar.SetPercent(m.fraction())
}

// fraction is the share of all steps finished. A failed domain counts as
// finished.
func (m *progressModel) fraction() float64 {
	total, done := 0, 0
	for i := range m.rows {
		r := &m.rows[i]
		total += r.total
		if r.finished() {
			done += r.total
		} else {
			done += r.step
		}
	}
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total)
}

func (m *progressModel) View() string {
	if len(m.rows) == 0 {
		return ""
	}
	var b strings.Builder
	head := m.spinner.View() + " " + m.title
	if m.closed {
		head = "done: " + m.title
	}
	b.WriteString(titleStyle.Render(head))
	b.WriteString("\n\n")

	nameWidth := max(m.width-36, 16)
	finished, failed := 0, 0
	for i := range m.rows {
		r := &m.rows[i]
		if r.finished() {
			finished++
		}
		if r.status == scenario.StatusError {
			failed++
		}
		b.WriteString(m.row(r, nameWidth))
	}

	b.WriteString("\n")
	if m.closed {
		b.WriteString(m.bar.ViewAs(1))
	} else {
		b.WriteString(m.bar.View())
	}
	tally := fmt.Sprintf("%d/%d domains", finished, len(m.rows))
	if failed > 0 {
		tally += errStyle.Render(fmt.Sprintf(", %d failed", failed))
	}
	b.WriteString("\n" + dimStyle.Render(tally) + "\n")
	return b.String()
}

func (m *progressModel) row(r *domainRow, nameWidth int) string {
	name := r.name
	if r.status == scenario.StatusWorking && r.op != "" {
		name += " (" + string(r.op) + ")"
	}
	status := statusStyles[r.status].Render(fmt.Sprintf("%-7s", r.status))
	line := fmt.Sprintf("  %s %4d/%-4d %s", status, r.step, r.total, runewidth.FillRight(truncate(name, nameWidth), nameWidth))
	if r.elapsed > 0 {
		line += " " + dimStyle.Render(r.elapsed.Round(time.Millisecond).String())
	}
	line += "\n"
	if r.err != "" {
		line += "      " + errStyle.Render(truncate(r.err, max(m.width-8, 20))) + "\n"
	}
	return line
}

// truncate shortens s to width terminal cells, marking the cut with "...".
func truncate(s string, width int) string {
	if width <= 0 || runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}
