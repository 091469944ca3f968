package tui

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fallpaper/fallpaper"
	"github.com/fallpaper/fallpaper/database"
)

const fetchTimeout = 5 * time.Second

// snapshot is one refresh worth of monitor data.
type snapshot struct {
	Runs        []*fallpaper.Run
	SourceNames map[string]string
	TotalImages int
	FetchedAt   time.Time
	Err         error
}

// refreshMsg carries a completed data fetch.
type refreshMsg snapshot

// tickMsg schedules the next refresh.
type tickMsg time.Time

// MonitorConfig holds monitor configuration.
type MonitorConfig struct {
	Title           string
	RefreshInterval time.Duration
	MaxRuns         int

	// Inline skips the alt-screen, for SSH sessions and scripting.
	Inline bool
}

// DefaultMonitorConfig returns the default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Title:           "Fallpaper Run Monitor",
		RefreshInterval: 2 * time.Second,
		MaxRuns:         20,
	}
}

// Model is the bubbletea model behind the run monitor.
type Model struct {
	db  *database.DB
	cfg MonitorConfig

	spinner spinner.Model
	styles  *Styles
	width   int

	snap     snapshot
	quitting bool
}

// NewModel creates a monitor model reading from the given store.
func NewModel(db *database.DB, cfg MonitorConfig) *Model {
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 2 * time.Second
	}
	if cfg.MaxRuns == 0 {
		cfg.MaxRuns = 20
	}
	if cfg.Title == "" {
		cfg.Title = "Fallpaper Run Monitor"
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ColorPrimary)

	return &Model{
		db:      db,
		cfg:     cfg,
		spinner: s,
		styles:  DefaultStyles(),
	}
}

// Run starts the monitor and blocks until the user quits.
func Run(db *database.DB, cfg MonitorConfig) error {
	var opts []tea.ProgramOption
	if !cfg.Inline {
		opts = append(opts, tea.WithAltScreen())
	}
	_, err := tea.NewProgram(NewModel(db, cfg), opts...).Run()
	return err
}

// Init starts the spinner, the refresh ticker and the first fetch.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch(), tickEvery(m.cfg.RefreshInterval))
}

// fetch reads one snapshot from the store.
func (m *Model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		ctx = database.WithQueryLabel(ctx, "tui.refresh")

		snap := snapshot{FetchedAt: time.Now(), SourceNames: map[string]string{}}

		runs, err := m.db.ListRecentRuns(ctx, m.cfg.MaxRuns)
		if err != nil {
			snap.Err = err
			return refreshMsg(snap)
		}
		snap.Runs = runs

		sources, err := m.db.ListSources(ctx)
		if err != nil {
			snap.Err = err
			return refreshMsg(snap)
		}
		for _, src := range sources {
			snap.SourceNames[src.ID] = src.Name
		}

		if snap.TotalImages, err = m.db.CountImages(ctx); err != nil {
			snap.Err = err
		}
		return refreshMsg(snap)
	}
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles one message.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.fetch(), tickEvery(m.cfg.RefreshInterval))

	case refreshMsg:
		m.snap = snapshot(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

var runColumns = []Column{
	{Title: "", Width: 2},
	{Title: "STATE", Width: 9},
	{Title: "RUN", Width: 12},
	{Title: "SOURCE", Width: 18},
	{Title: "PROGRESS", Width: 10},
	{Title: "RETRY", Width: 5},
	{Title: "AGE", Width: 8},
	{Title: "MESSAGE", Width: 40},
}

// View renders the monitor.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b []byte
	b = append(b, m.styles.Title.Render(m.cfg.Title)...)
	b = append(b, '\n')

	if m.snap.Err != nil {
		b = append(b, m.styles.Error.Render("store error: "+m.snap.Err.Error())...)
		b = append(b, '\n', '\n')
	}

	if len(m.snap.Runs) == 0 {
		b = append(b, m.styles.Muted.Render("  no runs yet")...)
		b = append(b, '\n')
	} else {
		rows := make([]Row, 0, len(m.snap.Runs))
		for _, run := range m.snap.Runs {
			rows = append(rows, m.runRow(run))
		}
		b = append(b, renderTable(runColumns, rows, m.styles)...)
	}

	footer := fmt.Sprintf("%s %d images collected  %s refreshed %s ago",
		m.spinner.View(),
		m.snap.TotalImages,
		SymbolPending,
		FormatDuration(time.Since(m.snap.FetchedAt)))
	b = append(b, '\n')
	b = append(b, m.styles.Muted.Render(footer)...)
	b = append(b, '\n')
	b = append(b, m.styles.Help.Render("r refresh · q quit")...)
	return string(b)
}

func (m *Model) runRow(run *fallpaper.Run) Row {
	sourceName := m.snap.SourceNames[run.SourceID]
	if sourceName == "" && run.SourceID != "" {
		sourceName = run.SourceID
	}

	progress := "-"
	if run.ProgressTotal > 0 {
		progress = fmt.Sprintf("%d/%d", run.ProgressCurrent, run.ProgressTotal)
	}

	message := run.ProgressMessage
	if run.State == fallpaper.RunFailed && run.Error != "" {
		message = run.Error
	}

	return Row{
		m.styles.StateIcon(run.State),
		string(run.State),
		shortID(run.ID),
		sourceName,
		progress,
		strconv.Itoa(run.RetryCount),
		FormatDuration(time.Since(run.CreatedAt)),
		message,
	}
}

// shortID keeps the tail of a ULID, which carries the entropy; the head
// is the shared timestamp prefix.
func shortID(id string) string {
	if len(id) <= 10 {
		return id
	}
	return ".." + id[len(id)-10:]
}
