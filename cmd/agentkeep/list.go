package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/loopkeep/agentkeep/internal/registry"
)

// runList implements `agentkeep list` (SPEC_FULL §4.10): an interactive
// table over the registry's pid_records, one row per tracked session.
func runList(args []string) int {
	fs := flag.NewFlagSet("agentkeep list", flag.ContinueOnError)
	cwd := fs.String("cwd", "", "directory whose .agent-yes registry to read (defaults to the current directory)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	workDir := *cwd
	if workDir == "" {
		d, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "agentkeep list: %v\n", err)
			return 1
		}
		workDir = d
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentkeep list: %v\n", err)
		return 1
	}

	if _, err := os.Stat(registry.DBPath(workDir)); err != nil {
		fmt.Println("agentkeep: no sessions recorded in " + workDir)
		return 0
	}

	store, err := registry.Open(workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentkeep list: %v\n", err)
		return 1
	}
	defer store.Close()

	recs, err := store.ListAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentkeep list: %v\n", err)
		return 1
	}
	if len(recs) == 0 {
		fmt.Println("agentkeep: no sessions recorded in " + workDir)
		return 0
	}

	m := newListModel(recs)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentkeep list: %v\n", err)
		return 1
	}
	return 0
}

var (
	listHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	listStatusStyle = map[string]lipgloss.Style{
		registry.StatusActive: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		registry.StatusIdle:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		registry.StatusExited: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
)

type listModel struct {
	table table.Model
}

func newListModel(recs []*registry.Record) listModel {
	columns := []table.Column{
		{Title: "PID", Width: 8},
		{Title: "ASSISTANT", Width: 14},
		{Title: "STATUS", Width: 10},
		{Title: "REASON", Width: 16},
		{Title: "AGE", Width: 10},
	}

	rows := make([]table.Row, 0, len(recs))
	now := time.Now()
	for _, r := range recs {
		rows = append(rows, table.Row{
			strconv.Itoa(r.PID),
			r.Assistant,
			r.Status,
			r.ExitReason,
			formatAge(now.Sub(r.StartedAt)),
		})
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(min(len(rows)+1, 20)),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("8")).Bold(true)
	s.Selected = s.Selected.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("6")).Bold(true)
	t.SetStyles(s)

	return listModel{table: t}
}

func (m listModel) Init() tea.Cmd { return nil }

func (m listModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m listModel) View() string {
	return listHeaderStyle.Render("agentkeep sessions") + "\n" + m.table.View() + "\n"
}

func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
