package cmd

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/codeswarm/rush/internal/orchestrator"
	"github.com/codeswarm/rush/internal/state"
)

// watchRun runs the live status view until the user quits.
func watchRun(coord *orchestrator.Coordinator, runID string) error {
	p := tea.NewProgram(newWatchModel(coord.Store(), runID), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

const watchRefreshInterval = 500 * time.Millisecond

// refreshMsg carries a freshly loaded run record into the model.
type refreshMsg struct {
	run *state.Run
	err error
}

type watchModel struct {
	store *state.Store
	runID string
	spin  spinner.Model

	run *state.Run
	err error
}

func newWatchModel(store *state.Store, runID string) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	return watchModel{
		store: store,
		runID: runID,
		spin:  sp,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.load(), m.scheduleRefresh())
}

// load reads the run record once.
func (m watchModel) load() tea.Cmd {
	return func() tea.Msg {
		run, err := m.store.Load(m.runID)
		return refreshMsg{run: run, err: err}
	}
}

// scheduleRefresh reloads the record on a fixed cadence. The record is the
// single source of truth, so watching it is just re-reading it.
func (m watchModel) scheduleRefresh() tea.Cmd {
	return tea.Tick(watchRefreshInterval, func(time.Time) tea.Msg {
		run, err := m.store.Load(m.runID)
		return refreshMsg{run: run, err: err}
	})
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case refreshMsg:
		m.run = msg.run
		m.err = msg.err
		return m, m.scheduleRefresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.err != nil {
		return "watching " + m.runID + "\n\n" +
			lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render(m.err.Error()) +
			"\n\n" + dimStyle.Render("q to quit") + "\n"
	}
	if m.run == nil {
		return m.spin.View() + " loading " + m.runID + "...\n"
	}

	header := ""
	if !m.run.Status.IsTerminal() {
		header = m.spin.View() + " "
	}
	return header + renderRun(m.run) + "\n" + dimStyle.Render("q to quit") + "\n"
}
