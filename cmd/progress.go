package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxProgressMessages = 6

type progressModel struct {
	job          ExportJob
	cancel       context.CancelFunc
	spinner      spinner.Model
	fileProgress progress.Model
	timeProgress progress.Model
	update       ProgressUpdate
	fileSize     int64
	messages     []string
	result       *RunResult
	err          error
	done         bool
	width        int
}

type pageMsg ProgressUpdate

type runDoneMsg struct {
	result *RunResult
	err    error
}

type fileSizeMsg int64

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFAA00")).
			Bold(true).
			Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)
)

func newProgressModel(job ExportJob, cancel context.CancelFunc) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))

	return progressModel{
		job:          job,
		cancel:       cancel,
		spinner:      s,
		fileProgress: progress.New(progress.WithDefaultGradient()),
		timeProgress: progress.New(progress.WithGradient("#00D9FF", "#FF7CCB")),
	}
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			if m.cancel != nil {
				m.cancel()
			}
			m.addMessage("⚠️  Cancelling...")
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.fileProgress.Width = msg.Width - 10
		m.timeProgress.Width = msg.Width - 10
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case pageMsg:
		if msg.File != "" && msg.File != m.update.File {
			m.addMessage(fmt.Sprintf("📝 %s", filepath.Base(msg.File)))
		}
		m.update = ProgressUpdate(msg)
		return m, statFile(msg.File)
	case fileSizeMsg:
		m.fileSize = int64(msg)
		return m, nil
	case runDoneMsg:
		m.result = msg.result
		m.err = msg.err
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *progressModel) addMessage(s string) {
	m.messages = append(m.messages, s)
	if len(m.messages) > maxProgressMessages {
		m.messages = m.messages[len(m.messages)-maxProgressMessages:]
	}
}

func statFile(path string) tea.Cmd {
	if path == "" {
		return nil
	}
	return func() tea.Msg {
		info, err := os.Stat(path)
		if err != nil {
			return fileSizeMsg(0)
		}
		return fileSizeMsg(info.Size())
	}
}

func (m progressModel) View() string {
	if m.done {
		return ""
	}

	var sections []string
	sections = append(sections, "")
	sections = append(sections, headerStyle.Render(fmt.Sprintf("   Exporting %s (%s)", m.job.ID, m.job.Format)))
	sections = append(sections, "")

	stage := "Waiting for first page..."
	if m.update.Pages > 0 {
		stage = fmt.Sprintf("Page %d, %d rows, cursor %s", m.update.Pages, m.update.Rows, m.update.Cursor)
	}
	sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s %s", m.spinner.View(), stage)))

	if m.update.File != "" && m.job.MaxFileSizeMB > 0 {
		limit := int64(m.job.MaxFileSizeMB * bytesPerMB)
		ratio := float64(m.fileSize) / float64(limit)
		if ratio > 1 {
			ratio = 1
		}
		sections = append(sections, "")
		sections = append(sections, progressInfoStyle.Render(fmt.Sprintf("   %s: %.2f/%.2f MB",
			filepath.Base(m.update.File), float64(m.fileSize)/bytesPerMB, m.job.MaxFileSizeMB)))
		sections = append(sections, "   "+m.fileProgress.ViewAs(ratio))
	}

	if timeout := m.job.Timeout(); timeout > 0 {
		ratio := float64(m.update.Elapsed) / float64(timeout)
		if ratio > 1 {
			ratio = 1
		}
		sections = append(sections, "")
		sections = append(sections, progressInfoStyle.Render(fmt.Sprintf("   Elapsed: %v / %v",
			m.update.Elapsed.Round(time.Second), timeout)))
		sections = append(sections, "   "+m.timeProgress.ViewAs(ratio))
	}

	if len(m.messages) > 0 {
		sections = append(sections, "")
		for _, msg := range m.messages {
			sections = append(sections, "     "+msg)
		}
	}

	sections = append(sections, "")
	sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' to quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// runWithProgress runs the exporter behind the terminal progress display
func runWithProgress(ctx context.Context, job ExportJob, build func(func(ProgressUpdate)) (*Exporter, error)) (*RunResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(newProgressModel(job, cancel), tea.WithoutSignalHandler())

	exporter, err := build(func(u ProgressUpdate) {
		program.Send(pageMsg(u))
	})
	if err != nil {
		return nil, err
	}

	go func() {
		result, err := exporter.Run(ctx)
		program.Send(runDoneMsg{result: result, err: err})
	}()

	final, err := program.Run()
	if err != nil {
		return nil, fmt.Errorf("error running progress display: %w", err)
	}
	m, ok := final.(progressModel)
	if !ok || !m.done {
		return nil, context.Canceled
	}
	return m.result, m.err
}

// summaryLines formats a run result for the log
func summaryLines(result *RunResult) []string {
	lines := []string{
		"━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━",
		"📈 Summary",
		fmt.Sprintf("📄 Rows: %d in %d pages", result.Rows, result.Pages),
		fmt.Sprintf("🗂️  Files: %d", len(result.Files)),
	}
	if result.LastCursor.IsSet() {
		lines = append(lines, fmt.Sprintf("📍 Last cursor: %s", result.LastCursor))
	}
	if result.Resumed {
		lines = append(lines, "⏩ Resumed from checkpoint")
	}
	if result.Checkpointed {
		lines = append(lines, "⏱️  Stopped on timeout, checkpoint saved")
	}
	if result.Archived > 0 {
		lines = append(lines, fmt.Sprintf("☁️  Archived: %d", result.Archived))
	}
	lines = append(lines, fmt.Sprintf("⏲️  Duration: %v", result.Duration.Round(time.Millisecond)))
	for _, f := range result.Files {
		lines = append(lines, "   "+strings.TrimPrefix(f, "./"))
	}
	return lines
}
