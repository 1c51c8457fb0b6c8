package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	jobprogress "github.com/franksops/gobucket/progress"
)

// UIState represents the aggregated state for the TUI
type UIState struct {
	Jobs           []JobRow
	TotalBytes     int64
	CompletedBytes int64
	ThroughputBPms float64 // bytes per millisecond
	IsRunning      bool
	Done           bool
}

// JobRow is one job as displayed
type JobRow struct {
	ID        int
	Direction string
	Bucket    string
	Progress  jobprogress.State
	Bytes     int64
	Total     int64
	BytesSec  float64 // bytes per second for this job
}

// TUIModel implements the tea.Model interface
type TUIModel struct {
	engineState *UIState
	ctrl        Controller
	spinner     spinner.Model
	progress    progress.Model
	viewport    viewport.Model

	selected  int
	dismissed map[int]bool
	status    string

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	streamStyle  lipgloss.Style
	selectStyle  lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// TUIUpdateMsg is sent periodically to update the UI state
type TUIUpdateMsg struct {
	State *UIState
}

// actionMsg reports the outcome of a retry or cancel request.
type actionMsg struct {
	action string
	id     int
	err    error
}

func NewTUIModel(initialState *UIState, ctrl Controller) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		engineState:  initialState,
		ctrl:         ctrl,
		spinner:      s,
		progress:     prog,
		dismissed:    make(map[int]bool),
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		streamStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		selectStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
	)
}

// visible returns the rows that have not been dismissed.
func (m TUIModel) visible() []JobRow {
	if m.engineState == nil {
		return nil
	}
	rows := make([]JobRow, 0, len(m.engineState.Jobs))
	for _, r := range m.engineState.Jobs {
		if !m.dismissed[r.ID] {
			rows = append(rows, r)
		}
	}
	return rows
}

func (m TUIModel) current() (JobRow, bool) {
	rows := m.visible()
	if m.selected < 0 || m.selected >= len(rows) {
		return JobRow{}, false
	}
	return rows[m.selected], true
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.engineState != nil {
				m.engineState.IsRunning = false
			}
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.visible())-1 {
				m.selected++
			}
		case "r":
			if row, ok := m.current(); ok && row.Progress.RetryEnabled {
				return m, m.act("retry", row.ID, m.ctrl.Retry)
			}
		case "c":
			if row, ok := m.current(); ok && row.Progress.CancelEnabled {
				m.status = fmt.Sprintf("Cancelling job %d...", row.ID)
				return m, m.act("cancel", row.ID, m.ctrl.Cancel)
			}
		case "enter":
			if row, ok := m.current(); ok && row.Progress.Acknowledge {
				m.dismissed[row.ID] = true
				m.clampSelection()
				if m.allDismissed() {
					return m, tea.Quit
				}
			}
		}

	case actionMsg:
		if msg.err != nil {
			m.status = m.errorStyle.Render(fmt.Sprintf("%s job %d: %v", msg.action, msg.id, msg.err))
		} else {
			m.status = fmt.Sprintf("%s job %d: ok", msg.action, msg.id)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

		headerHeight := 5
		footerHeight := 3
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)

	case TUIUpdateMsg:
		m.engineState = msg.State
		m.clampSelection()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// act runs a registry call off the UI goroutine; Cancel blocks until the
// worker has exited.
func (m TUIModel) act(action string, id int, fn func(int) error) tea.Cmd {
	return func() tea.Msg {
		return actionMsg{action: action, id: id, err: fn(id)}
	}
}

func (m *TUIModel) clampSelection() {
	n := len(m.visible())
	if m.selected >= n {
		m.selected = n - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

func (m TUIModel) allDismissed() bool {
	return m.engineState != nil && m.engineState.Done && len(m.visible()) == 0
}

func (m TUIModel) View() string {
	if m.width == 0 || m.engineState == nil {
		return "Initializing..."
	}

	var sb strings.Builder

	// Header
	header := fmt.Sprintf("%s gobucket %s", m.spinner.View(), m.titleStyle.Render("Batch Transfers"))
	sb.WriteString(header + "\n")

	// Global Progress
	var percent float64 = 0
	if m.engineState.TotalBytes > 0 {
		percent = float64(m.engineState.CompletedBytes) / float64(m.engineState.TotalBytes)
	}

	rows := m.visible()
	opsInfo := fmt.Sprintf("ETA: %s | Jobs: %d | %s / %s",
		formatETA(percent, m.engineState.ThroughputBPms, m.engineState.TotalBytes, m.engineState.CompletedBytes),
		len(rows),
		humanize.IBytes(uint64(m.engineState.CompletedBytes)),
		humanize.IBytes(uint64(m.engineState.TotalBytes)))

	sb.WriteString(m.infoStyle.Render(opsInfo) + "\n")
	sb.WriteString(m.progress.ViewAs(percent) + "\n\n")

	// Jobs
	sb.WriteString("Jobs:\n")
	var jobContent strings.Builder

	if len(rows) == 0 {
		jobContent.WriteString(m.infoStyle.Render("No active jobs..."))
	} else {
		for i, r := range rows {
			jobContent.WriteString(m.renderRow(r, i == m.selected))
		}
	}

	m.viewport.SetContent(jobContent.String())
	sb.WriteString(m.viewport.View())

	if m.status != "" {
		sb.WriteString("\n" + m.status)
	}

	// Footer
	help := m.helpStyle.Render("↑/↓: select • r: retry • c: cancel • enter: dismiss • q: quit")
	if m.engineState.Done {
		help = m.successStyle.Render("All transfers finished!") + " Press 'enter' to dismiss or 'q' to exit."
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func (m TUIModel) renderRow(r JobRow, selected bool) string {
	cursor := "  "
	title := fmt.Sprintf("#%d %s %s", r.ID, r.Direction, r.Bucket)
	if selected {
		cursor = m.selectStyle.Render("> ")
		title = m.selectStyle.Render(title)
	}

	st := r.Progress
	name := st.Name
	if len(name) > 40 {
		name = "..." + name[len(name)-37:]
	}

	var status string
	switch {
	case st.Done:
		status = m.successStyle.Render(st.Label)
	case st.Failed:
		status = m.errorStyle.Render("failed: "+st.Error) + m.infoStyle.Render(" (r: retry)")
	default:
		status = fmt.Sprintf("%s | %-10s | item %d/%d | %s",
			st.Label, m.streamStyle.Render(formatSpeed(r.BytesSec)), st.Item+1, st.Items, name)
	}

	// Format: > #0 upload reports
	//           [===       ] 30% | 2.0 MB | 45 MB/s | item 1/1 | doc.pdf
	return fmt.Sprintf("%s%s\n  %s | %s\n", cursor, title, m.progress.ViewAs(st.Percent()), status)
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

func formatETA(progress float64, bytesPerMs float64, totalBytes, completedBytes int64) string {
	if progress == 0 || bytesPerMs <= 0 || totalBytes == 0 {
		return "Calculating..."
	}

	remainingBytes := totalBytes - completedBytes
	if remainingBytes <= 0 {
		return "0s"
	}

	remainingMs := float64(remainingBytes) / bytesPerMs
	d := time.Duration(remainingMs) * time.Millisecond

	if d.Hours() > 24 {
		return "> 1d"
	}

	return d.Round(time.Second).String()
}
