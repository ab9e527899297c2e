package tui

import (
	"github.com/michaelscutari/avdug/internal/entry"

	tea "github.com/charmbracelet/bubbletea"
)

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case dataLoadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.scanMeta = msg.scanMeta
		m.currentPath = msg.path
		m.detections = msg.detections
		m.scanErrors = msg.scanErrors
		m.filter = ""
		m.filterActive = false
		m.setEntries(msg.entries)
		m.rollup = msg.rollup
		return m, nil

	case entriesLoadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.currentPath = msg.path
		m.filter = ""
		m.filterActive = false
		m.setEntries(msg.entries)
		m.rollup = msg.rollup
		return m, nil
	}

	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.filterActive {
		switch msg.String() {
		case "enter":
			m.filterActive = false
			return m, nil

		case "esc":
			m.filterActive = false
			m.filter = ""
			m.applyFilter()
			return m, nil

		case "backspace":
			if len(m.filter) > 0 {
				runes := []rune(m.filter)
				m.filter = string(runes[:len(runes)-1])
				m.applyFilter()
			}
			return m, nil

		case "ctrl+c":
			return m, tea.Quit
		}

		if msg.Type == tea.KeyRunes {
			m.filter += msg.String()
			m.applyFilter()
		}
		return m, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "tab":
		m.pane = (m.pane + 1) % 3
		m.cursor = 0
		return m, nil

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil

	case "down", "j":
		if m.cursor < m.listLen()-1 {
			m.cursor++
		}
		return m, nil

	case "home", "g":
		m.cursor = 0
		return m, nil

	case "end", "G":
		if n := m.listLen(); n > 0 {
			m.cursor = n - 1
		}
		return m, nil

	case "pgup":
		m.cursor = max(m.cursor-10, 0)
		return m, nil

	case "pgdown":
		m.cursor = max(min(m.cursor+10, m.listLen()-1), 0)
		return m, nil
	}

	if m.pane != PaneTree {
		return m, nil
	}

	switch msg.String() {
	case "enter", "l", "right":
		if m.cursor < len(m.entries) {
			selected := m.entries[m.cursor]
			if selected.Kind == entry.KindDir {
				return m, m.loadEntries(selected.Path)
			}
		}
		return m, nil

	case "backspace", "h", "left":
		if parent, ok := m.parentOf(m.currentPath); ok {
			return m, m.loadEntries(parent)
		}
		return m, nil

	case "i":
		m.sort = SortByInfected
		return m, m.loadEntries(m.currentPath)

	case "e":
		m.sort = SortByErrors
		return m, m.loadEntries(m.currentPath)

	case "n":
		m.sort = SortByName
		return m, m.loadEntries(m.currentPath)

	case "f":
		m.sort = SortByFiles
		return m, m.loadEntries(m.currentPath)

	case "/":
		m.filterActive = true
		return m, nil
	}

	return m, nil
}
