package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vovakirdan/netsync/internal/storage"
)

// maxHistory is the number of sessions loaded per filter.
const maxHistory = 50

// HistoryKeyMap defines key bindings for the history screen.
type HistoryKeyMap struct {
	Up       key.Binding
	Down     key.Binding
	NextPeer key.Binding
	PrevPeer key.Binding
	Quit     key.Binding
}

// ShortHelp returns bindings for the short help view.
func (k HistoryKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.NextPeer, k.PrevPeer, k.Quit}
}

// FullHelp returns bindings for the full help view.
func (k HistoryKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.NextPeer, k.PrevPeer},
		{k.Quit},
	}
}

// DefaultHistoryKeyMap returns the default history bindings.
func DefaultHistoryKeyMap() HistoryKeyMap {
	return HistoryKeyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("up/k", "scroll up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("down/j", "scroll down"),
		),
		NextPeer: key.NewBinding(
			key.WithKeys("tab", "right", "l"),
			key.WithHelp("tab", "next peer"),
		),
		PrevPeer: key.NewBinding(
			key.WithKeys("shift+tab", "left", "h"),
			key.WithHelp("S-tab", "prev peer"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "esc", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// HistoryModel browses recorded sync sessions.
type HistoryModel struct {
	store    *storage.Store
	peers    []string // "" first, meaning every peer
	cursor   int
	records  []storage.SessionRecord
	loadErr  error
	table    table.Model
	help     help.Model
	keys     HistoryKeyMap
	width    int
	height   int
	quitting bool
}

// NewHistoryModel creates a history browser. store may be nil.
func NewHistoryModel(store *storage.Store, width, height int) HistoryModel {
	h := help.New()
	h.Width = width

	m := HistoryModel{
		store:  store,
		peers:  []string{""},
		keys:   DefaultHistoryKeyMap(),
		help:   h,
		width:  width,
		height: height,
	}
	m.table = m.createTable()
	m.loadPeers()
	m.load()
	return m
}

func (m *HistoryModel) createTable() table.Model {
	columns := []table.Column{
		{Title: "When", Width: 12},
		{Title: "Peer", Width: 12},
		{Title: "Mode", Width: 9},
		{Title: "Preset", Width: 8},
		{Title: "Time", Width: 7},
		{Title: "Inputs", Width: 7},
		{Title: "Recon", Width: 7},
		{Title: "Replay", Width: 7},
		{Title: "MaxCorr", Width: 8},
		{Title: "Drops", Width: 6},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(max(m.height-8, 3)),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// loadPeers collects the distinct peers of recent sessions.
func (m *HistoryModel) loadPeers() {
	if m.store == nil {
		return
	}
	all, err := m.store.RecentSessions("", maxHistory*4)
	if err != nil {
		m.loadErr = err
		return
	}
	seen := make(map[string]bool)
	for _, r := range all {
		if !seen[r.Peer] {
			seen[r.Peer] = true
			m.peers = append(m.peers, r.Peer)
		}
	}
	sort.Strings(m.peers[1:])
}

func (m *HistoryModel) load() {
	m.records = nil
	if m.store != nil {
		records, err := m.store.RecentSessions(m.peers[m.cursor], maxHistory)
		if err != nil {
			m.loadErr = err
		} else {
			m.records = records
		}
	}
	m.table.SetRows(HistoryRows(m.records))
	m.table.GotoTop()
}

// HistoryRows formats session records as table rows.
func HistoryRows(records []storage.SessionRecord) []table.Row {
	rows := make([]table.Row, len(records))
	for i, r := range records {
		rows[i] = table.Row{
			r.CreatedAt.Local().Format("Jan 02 15:04"),
			r.Peer,
			r.Mode,
			r.Preset,
			r.Duration.Round(time.Second).String(),
			fmt.Sprintf("%d", r.Inputs),
			fmt.Sprintf("%d", r.Reconciled),
			fmt.Sprintf("%d", r.Replayed),
			fmt.Sprintf("%.3f", r.MaxCorrection),
			fmt.Sprintf("%d", r.SnapshotsDropped),
		}
	}
	return rows
}

// Init initializes the history model.
func (m HistoryModel) Init() tea.Cmd {
	return nil
}

// Update handles messages for the history screen.
func (m HistoryModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, m.keys.NextPeer):
			m.cursor = (m.cursor + 1) % len(m.peers)
			m.load()
			return m, nil

		case key.Matches(msg, m.keys.PrevPeer):
			m.cursor--
			if m.cursor < 0 {
				m.cursor = len(m.peers) - 1
			}
			m.load()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table = m.createTable()
		m.table.SetRows(HistoryRows(m.records))
		m.help.Width = msg.Width
		return m, nil
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// Filter returns the peer the table is filtered by, or "" for all.
func (m HistoryModel) Filter() string {
	return m.peers[m.cursor]
}

// View renders the history screen.
func (m HistoryModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("229"))
	title := "SYNC HISTORY - all peers"
	if f := m.Filter(); f != "" {
		title = "SYNC HISTORY - " + f
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	switch {
	case m.loadErr != nil:
		b.WriteString(boxStyle.Render("Could not read history: " + m.loadErr.Error()))
	case len(m.records) == 0:
		emptyStyle := lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true).
			Padding(1, 2)
		b.WriteString(boxStyle.Render(emptyStyle.Render("No sessions recorded yet.\nRun 'netsync simulate' or 'netsync play'.")))
	default:
		b.WriteString(boxStyle.Render(m.table.View()))
	}

	b.WriteString("\n")
	helpStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))
	b.WriteString(helpStyle.Render(m.help.View(m.keys)))
	return b.String()
}

// RunHistory runs the history browser.
func RunHistory(store *storage.Store, width, height int) error {
	p := tea.NewProgram(
		NewHistoryModel(store, width, height),
		tea.WithAltScreen(),
	)
	_, err := p.Run()
	return err
}
