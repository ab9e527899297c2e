// Package tui is an interactive browser over a scan report.
package tui

import (
	"database/sql"
	"path/filepath"
	"strings"

	"github.com/michaelscutari/avdug/internal/db"
	"github.com/michaelscutari/avdug/internal/entry"
	"github.com/michaelscutari/avdug/internal/pathutil"

	tea "github.com/charmbracelet/bubbletea"
)

// SortColumn represents the current sort field.
type SortColumn int

const (
	SortByInfected SortColumn = iota
	SortByErrors
	SortByName
	SortByFiles
)

func (s SortColumn) String() string {
	switch s {
	case SortByErrors:
		return "errors"
	case SortByName:
		return "name"
	case SortByFiles:
		return "files"
	default:
		return "infected"
	}
}

// Pane selects what the list shows.
type Pane int

const (
	PaneTree Pane = iota
	PaneDetections
	PaneErrors
)

func (p Pane) String() string {
	switch p {
	case PaneDetections:
		return "detections"
	case PaneErrors:
		return "errors"
	default:
		return "tree"
	}
}

const listLimit = 1000

// Model holds the TUI state.
type Model struct {
	db           *sql.DB
	pane         Pane
	currentPath  string // "" is the list of scan roots
	allEntries   []db.DisplayEntry
	entries      []db.DisplayEntry
	detections   []entry.Detection
	scanErrors   []entry.ScanError
	cursor       int
	sort         SortColumn
	width        int
	height       int
	scanMeta     *entry.ScanMeta
	rollup       *entry.Rollup
	filter       string
	filterActive bool
	err          error
}

// NewModel creates a new TUI model.
func NewModel(database *sql.DB) *Model {
	return &Model{
		db:   database,
		sort: SortByInfected,
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return m.loadInitialData
}

type dataLoadedMsg struct {
	scanMeta   *entry.ScanMeta
	path       string
	entries    []db.DisplayEntry
	rollup     *entry.Rollup
	detections []entry.Detection
	scanErrors []entry.ScanError
	err        error
}

func (m *Model) loadInitialData() tea.Msg {
	meta, err := db.GetScanMeta(m.db)
	if err != nil {
		return dataLoadedMsg{err: err}
	}
	detections, err := db.LoadDetections(m.db, listLimit)
	if err != nil {
		return dataLoadedMsg{err: err}
	}
	scanErrors, err := db.LoadErrors(m.db, listLimit)
	if err != nil {
		return dataLoadedMsg{err: err}
	}

	msg := dataLoadedMsg{scanMeta: meta, detections: detections, scanErrors: scanErrors}
	if len(meta.RootPaths) == 1 {
		msg.path = pathutil.Normalize(meta.RootPaths[0])
		msg.entries, err = db.LoadChildren(m.db, msg.path, m.sort.String(), listLimit)
		if err == nil {
			msg.rollup, err = db.GetRollup(m.db, msg.path)
		}
	} else {
		msg.entries, err = rootEntries(m.db, meta.RootPaths)
	}
	msg.err = err
	return msg
}

// rootEntries lists the scan roots with their rollups.
func rootEntries(database *sql.DB, roots []string) ([]db.DisplayEntry, error) {
	out := make([]db.DisplayEntry, 0, len(roots))
	for _, root := range roots {
		root = pathutil.Normalize(root)
		e := db.DisplayEntry{Path: root, Name: root, Kind: entry.KindDir}
		r, err := db.GetRollup(database, root)
		if err != nil {
			return nil, err
		}
		if r != nil {
			e.TotalFiles = r.TotalFiles
			e.TotalInfected = r.TotalInfected
			e.TotalErrors = r.TotalErrors
		}
		out = append(out, e)
	}
	return out, nil
}

type entriesLoadedMsg struct {
	path    string
	entries []db.DisplayEntry
	rollup  *entry.Rollup
	err     error
}

func (m *Model) loadEntries(path string) tea.Cmd {
	return func() tea.Msg {
		if path == "" {
			entries, err := rootEntries(m.db, m.scanMeta.RootPaths)
			return entriesLoadedMsg{path: path, entries: entries, err: err}
		}
		entries, err := db.LoadChildren(m.db, path, m.sort.String(), listLimit)
		if err != nil {
			return entriesLoadedMsg{err: err}
		}
		rollup, _ := db.GetRollup(m.db, path)
		return entriesLoadedMsg{path: path, entries: entries, rollup: rollup}
	}
}

// isRoot reports whether path is one of the scan roots.
func (m *Model) isRoot(path string) bool {
	if m.scanMeta == nil {
		return false
	}
	for _, r := range m.scanMeta.RootPaths {
		if pathutil.Normalize(r) == path {
			return true
		}
	}
	return false
}

// parentOf is where "back" leads from path.
func (m *Model) parentOf(path string) (string, bool) {
	switch {
	case path == "":
		return "", false
	case m.isRoot(path):
		if len(m.scanMeta.RootPaths) > 1 {
			return "", true
		}
		return "", false
	default:
		return filepath.Dir(path), true
	}
}

func (m *Model) helpLine() string {
	if m.filterActive {
		return "Type to filter | Enter: apply | Esc: clear | q: quit"
	}
	if m.pane != PaneTree {
		return "↑/↓ move | Tab: next pane | q: quit"
	}
	return "↑/↓ move | Enter: open | Backspace: close | i/e/n/f: sort | /: filter | Tab: next pane | q: quit"
}

func (m *Model) listLen() int {
	switch m.pane {
	case PaneDetections:
		return len(m.detections)
	case PaneErrors:
		return len(m.scanErrors)
	default:
		return len(m.entries)
	}
}

func (m *Model) setEntries(entries []db.DisplayEntry) {
	m.allEntries = entries
	m.applyFilter()
}

func (m *Model) applyFilter() {
	if m.filter == "" {
		m.entries = m.allEntries
	} else {
		filtered := make([]db.DisplayEntry, 0, len(m.allEntries))
		needle := strings.ToLower(m.filter)
		for _, e := range m.allEntries {
			if strings.Contains(strings.ToLower(e.Name), needle) {
				filtered = append(filtered, e)
			}
		}
		m.entries = filtered
	}
	m.cursor = 0
}
