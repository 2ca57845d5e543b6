package tui

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/vovakirdan/netsync/internal/codec"
	"github.com/vovakirdan/netsync/internal/core"
	"github.com/vovakirdan/netsync/internal/session"
	"github.com/vovakirdan/netsync/internal/storage"
)

// scorePrefix namespaces the replicated per-peer score keys.
const scorePrefix = "score/"

// maxLogLines is the number of recent events shown under the arena.
const maxLogLines = 3

// ArenaConfig configures an ArenaModel.
type ArenaConfig struct {
	FrameRate     int
	Speed         float32
	Width, Height float32 // World size
	Mode          string  // Recorded in the session history
	Preset        string
	Clock         core.Clock

	// Drive, if set, runs once per frame before the session update.
	Drive func()
}

// arenaShared is state the session callbacks write into. Bubble Tea copies
// the model on every update, so it lives behind a pointer.
type arenaShared struct {
	log     []string
	sumCorr float64
	lastRec uint64
}

func (s *arenaShared) addLine(format string, args ...any) {
	s.log = append(s.log, fmt.Sprintf(format, args...))
	if len(s.log) > maxLogLines {
		s.log = s.log[len(s.log)-maxLogLines:]
	}
}

// ArenaModel is the Bubble Tea model rendering one live session.
type ArenaModel struct {
	sess    *session.Session
	store   *storage.Store
	logger  *log.Logger
	cfg     ArenaConfig
	canvas  *Canvas
	keys    ArenaKeyMap
	help    help.Model
	heading Heading
	shared  *arenaShared

	width, height int
	showStats     bool
	started       time.Time
	score         int
	quitting      bool
	saved         bool
	lastErr       error
}

// NewArenaModel creates an arena for sess. store may be nil.
func NewArenaModel(sess *session.Session, store *storage.Store, cfg ArenaConfig, width, height int) ArenaModel {
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 80, 24
	}

	shared := &arenaShared{}
	sess.OnLifecycle(func(ev session.LifecycleEvent) {
		switch ev.Kind {
		case session.LifecycleDisconnected:
			shared.addLine("disconnected: %v", ev.Err)
		case session.LifecycleAuthorityChanged:
			if ev.Peer == "" {
				shared.addLine("no authority")
			} else {
				shared.addLine("authority is %s", ev.Peer)
			}
		default:
			shared.addLine("%s %s", strings.ToLower(ev.Kind.String()), ev.Peer)
		}
	})
	sess.OnMatchEvent(func(ev codec.MatchEventMessage) {
		switch ev.Kind {
		case codec.EventPhase, codec.EventCustom:
			shared.addLine("%s: %s", ev.Kind, ev.Payload)
		case codec.EventEntityRemoved:
			shared.addLine("entity %s removed", ev.Entity)
		}
	})

	h := help.New()
	h.Width = width

	return ArenaModel{
		sess:      sess,
		store:     store,
		logger:    log.Default().WithPrefix("arena"),
		cfg:       cfg,
		canvas:    NewCanvas(width, arenaRows(height)),
		keys:      DefaultArenaKeyMap(),
		help:      h,
		shared:    shared,
		width:     width,
		height:    height,
		showStats: true,
		started:   cfg.Clock.Now(),
	}
}

// arenaRows is the canvas height left after the status and help lines.
func arenaRows(height int) int {
	return max(height-2-maxLogLines-1, 3)
}

// Init starts the frame loop.
func (m ArenaModel) Init() tea.Cmd {
	return tickCmd(m.cfg.FrameRate)
}

// Update handles messages and advances the session.
func (m ArenaModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.canvas.Resize(msg.Width, arenaRows(msg.Height))
		m.help.Width = msg.Width
		return m, nil

	case TickMsg:
		if m.quitting {
			return m, nil
		}
		return m.handleTick(), tickCmd(m.cfg.FrameRate)
	}
	return m, nil
}

func (m ArenaModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		m.save()
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	case key.Matches(msg, m.keys.Stats):
		m.showStats = !m.showStats
		return m, nil
	}
	m.keys.Apply(msg, &m.heading)
	return m, nil
}

// handleTick submits one input, drives the world and updates the session.
func (m ArenaModel) handleTick() ArenaModel {
	dx, dy, actions := m.heading.Next(m.cfg.Speed)
	if _, err := m.sess.SubmitInput(dx, dy, actions); err != nil {
		m.lastErr = err
	} else {
		m.lastErr = nil
	}
	if actions.Has(core.ActionPrimary) {
		m.score++
		if _, err := m.sess.SetState(scorePrefix+string(m.sess.LocalID()), []byte(strconv.Itoa(m.score))); err != nil {
			m.lastErr = err
		}
	}

	if m.cfg.Drive != nil {
		m.cfg.Drive()
	}
	m.sess.Update(m.cfg.Clock.Now())

	st := m.sess.Stats().Prediction
	if st.Reconciled != m.shared.lastRec {
		m.shared.sumCorr += st.LastCorrection
		m.shared.lastRec = st.Reconciled
	}
	return m
}

// save records the session in the history once.
func (m *ArenaModel) save() {
	if m.saved || m.store == nil {
		return
	}
	m.saved = true
	if _, err := m.store.SaveSession(m.Record()); err != nil {
		m.logger.Warn("could not save session", "err", err)
	}
}

// Record summarizes the session for the history.
func (m ArenaModel) Record() storage.SessionRecord {
	st := m.sess.Stats()
	r := storage.SessionRecord{
		Peer:             string(m.sess.LocalID()),
		Mode:             m.cfg.Mode,
		Preset:           m.cfg.Preset,
		Duration:         m.cfg.Clock.Now().Sub(m.started),
		Inputs:           st.Prediction.Submitted,
		Reconciled:       st.Prediction.Reconciled,
		Replayed:         st.Prediction.Replayed,
		MaxCorrection:    st.Prediction.MaxCorrection,
		SnapshotsDropped: st.SnapshotsDropped,
		Evicted:          st.Prediction.Evicted,
	}
	if m.shared.lastRec > 0 {
		r.MeanCorrection = m.shared.sumCorr / float64(m.shared.lastRec)
	}
	return r
}

// IsQuitting returns true if the user left the arena.
func (m ArenaModel) IsQuitting() bool {
	return m.quitting
}

// project maps world coordinates onto the canvas interior.
func (m ArenaModel) project(x, y float32) (int, int) {
	iw, ih := m.canvas.Width()-2, m.canvas.Height()-2
	cx := 1 + core.Clamp(int(x/m.cfg.Width*float32(iw)), 0, max(iw-1, 0))
	cy := 1 + core.Clamp(int(y/m.cfg.Height*float32(ih)), 0, max(ih-1, 0))
	return cx, cy
}

func (m ArenaModel) draw() {
	c := m.canvas
	c.Clear()
	c.Border(ColorGray)

	for _, id := range m.sess.RemoteEntities() {
		s, ok := m.sess.RemotePose(id)
		if !ok {
			continue
		}
		x, y := m.project(s.Pose.X, s.Pose.Y)
		r := 'o'
		if name := []rune(string(id)); len(name) > 0 {
			r = name[0]
		}
		c.Set(x, y, r, ModeColor(s.Mode))
	}

	local := m.sess.LocalEntity()
	x, y := m.project(local.X, local.Y)
	c.Set(x, y, '@', ColorBrightCyan)

	for i, line := range m.scoreLines() {
		c.Text(2, 1+i, line, ColorMagenta)
	}
	if m.showStats {
		for i, line := range m.statLines() {
			c.Text(max(c.Width()-len(line)-2, 2), 1+i, line, ColorCyan)
		}
	}
}

// scoreLines lists the replicated scores, best first.
func (m ArenaModel) scoreLines() []string {
	type score struct {
		peer string
		n    int
	}
	var scores []score
	for _, k := range m.sess.State().Keys() {
		if !strings.HasPrefix(k, scorePrefix) {
			continue
		}
		e, ok := m.sess.GetState(k)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(string(e.Value))
		if err != nil {
			continue
		}
		scores = append(scores, score{peer: strings.TrimPrefix(k, scorePrefix), n: n})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].n != scores[j].n {
			return scores[i].n > scores[j].n
		}
		return scores[i].peer < scores[j].peer
	})
	out := make([]string, 0, len(scores))
	for _, s := range scores {
		out = append(out, fmt.Sprintf("%-10s %3d", s.peer, s.n))
	}
	return out
}

func (m ArenaModel) statLines() []string {
	st := m.sess.Stats()
	return []string{
		fmt.Sprintf("pending %d", st.Prediction.Pending),
		fmt.Sprintf("corr %.2f max %.2f", st.Prediction.LastCorrection, st.Prediction.MaxCorrection),
		fmt.Sprintf("replayed %d", st.Prediction.Replayed),
		fmt.Sprintf("offset %s", st.ClockOffset.Round(time.Millisecond)),
		fmt.Sprintf("dropped %d", st.SnapshotsDropped+st.QueueDropped),
	}
}

func (m ArenaModel) status() string {
	auth, ok := m.sess.Authority()
	if !ok {
		auth = "none"
	}
	conn := "online"
	if !m.sess.Connected() {
		conn = "offline"
	}
	s := fmt.Sprintf(" %s | %s | authority %s | peers %d | remote %d",
		m.sess.LocalID(), conn, auth, len(m.sess.Peers()), len(m.sess.RemoteEntities()))
	if m.lastErr != nil {
		s += " | " + m.lastErr.Error()
	}
	return s
}

// View renders the arena, the status line, recent events and help.
func (m ArenaModel) View() string {
	if m.quitting {
		return ""
	}
	m.draw()

	statusStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	logStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("245"))
	helpStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	var b strings.Builder
	b.WriteString(RenderCanvas(m.canvas))
	b.WriteString("\n")
	b.WriteString(statusStyle.Render(m.status()))
	for i := range maxLogLines {
		b.WriteString("\n")
		if i < len(m.shared.log) {
			b.WriteString(logStyle.Render(" " + m.shared.log[i]))
		}
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(m.help.View(m.keys)))
	return b.String()
}

// RunArena runs an arena for sess until the user quits.
func RunArena(sess *session.Session, store *storage.Store, cfg ArenaConfig, width, height int) (storage.SessionRecord, error) {
	model := NewArenaModel(sess, store, cfg, width, height)

	p := tea.NewProgram(
		model,
		tea.WithAltScreen(),
	)

	final, err := p.Run()
	if err != nil {
		return storage.SessionRecord{}, err
	}
	if am, ok := final.(ArenaModel); ok {
		return am.Record(), nil
	}
	return model.Record(), nil
}
