package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dd0wney/cluso-kv/pkg/monitor"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginLeft(2).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FF00")).
			Padding(0, 2).
			MarginLeft(2)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)
)

type watchKeys struct {
	Refresh  key.Binding
	Failover key.Binding
	Quit     key.Binding
	Up       key.Binding
	Down     key.Binding
}

var wkeys = watchKeys{
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Failover: key.NewBinding(
		key.WithKeys("F"),
		key.WithHelp("F", "force failover"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
}

func (k watchKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Refresh, k.Failover, k.Quit}
}

func (k watchKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down}, {k.Refresh, k.Failover, k.Quit}}
}

type tickMsg time.Time

type snapshotMsg struct {
	master   monitor.MasterView
	replicas []monitor.NodeView
	err      error
}

type failoverMsg struct{ err error }

type watchModel struct {
	app      *app
	name     string
	master   monitor.MasterView
	replicas table.Model
	help     help.Model
	err      error
	message  string
	updated  time.Time
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func newWatchModel(a *app, name string) watchModel {
	columns := []table.Column{
		{Title: "Addr", Width: 22},
		{Title: "ID", Width: 12},
		{Title: "Role", Width: 10},
		{Title: "Status", Width: 18},
		{Title: "Offset", Width: 10},
		{Title: "Lag", Width: 8},
		{Title: "Prio", Width: 5},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#00FFFF")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#FF00FF")).
		Bold(false)
	t.SetStyles(s)

	return watchModel{app: a, name: name, replicas: t, help: help.New()}
}

func (m watchModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.app.timeout)
		defer cancel()
		v, err := m.app.monitor.Master(ctx, m.name)
		if err != nil {
			return snapshotMsg{err: err}
		}
		reps, err := m.app.monitor.Replicas(ctx, m.name)
		return snapshotMsg{master: v, replicas: reps, err: err}
	}
}

func (m watchModel) failover() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.app.timeout)
		defer cancel()
		return failoverMsg{err: m.app.monitor.Failover(ctx, m.name)}
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tickCmd())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.fetch(), tickCmd())

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.master = msg.master
			m.updated = time.Now()
			rows := make([]table.Row, 0, len(msg.replicas))
			for _, v := range msg.replicas {
				rows = append(rows, table.Row{
					v.Addr, v.NodeID, string(v.Role), v.Status.String(),
					fmt.Sprint(v.Offset), fmt.Sprint(v.Lag), fmt.Sprint(v.Priority),
				})
			}
			m.replicas.SetRows(rows)
		}
		return m, nil

	case failoverMsg:
		if msg.err != nil {
			m.message = errorStyle.Render("failover: " + msg.err.Error())
		} else {
			m.message = okStyle.Render("failover started")
		}
		return m, m.fetch()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, wkeys.Quit):
			return m, tea.Quit
		case key.Matches(msg, wkeys.Refresh):
			return m, m.fetch()
		case key.Matches(msg, wkeys.Failover):
			return m, m.failover()
		}
	}

	var cmd tea.Cmd
	m.replicas, cmd = m.replicas.Update(msg)
	return m, cmd
}

func (m watchModel) View() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render("kvctl watch " + m.name))
	s.WriteString("\n\n")

	v := m.master
	lines := []string{
		fmt.Sprintf("Primary:   %s", v.Addr),
		fmt.Sprintf("Status:    %s", statusText(v.Status)),
		fmt.Sprintf("Epoch:     %d (current %d)", v.ConfigEpoch, v.CurrentEpoch),
		fmt.Sprintf("Quorum:    %d of %d monitors", v.Quorum, v.Monitors+1),
		fmt.Sprintf("Failover:  %s", v.FailoverState),
		fmt.Sprintf("Condition: %s", conditionText(v.Condition)),
	}
	if v.FailoverError != "" {
		lines = append(lines, warnStyle.Render("Aborted:   "+v.FailoverError))
	}
	s.WriteString(boxStyle.Render(strings.Join(lines, "\n")))
	s.WriteString("\n\n")
	s.WriteString(lipgloss.NewStyle().MarginLeft(2).Render(m.replicas.View()))
	s.WriteString("\n")

	if m.err != nil {
		s.WriteString("  " + errorStyle.Render(m.err.Error()) + "\n")
	} else if !m.updated.IsZero() {
		s.WriteString("  " + dimStyle.Render("updated "+m.updated.Format(time.TimeOnly)) + "\n")
	}
	if m.message != "" {
		s.WriteString("  " + m.message + "\n")
	}
	s.WriteString(helpStyle.Render(m.help.ShortHelpView(wkeys.ShortHelp())))
	return s.String()
}

func (a *app) watch(name string) error {
	_, err := tea.NewProgram(newWatchModel(a, name), tea.WithAltScreen()).Run()
	return err
}
