package tui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/michaelscutari/avdug/internal/db"
	"github.com/michaelscutari/avdug/internal/entry"
	"github.com/michaelscutari/avdug/internal/outcome"
)

// View implements tea.Model.
func (m *Model) View() string {
	if m.err != nil {
		return fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err)
	}

	if m.scanMeta == nil {
		return "Loading..."
	}

	var b strings.Builder
	headerLines := 0

	writeLine := func(line string) {
		b.WriteString(line)
		b.WriteString("\n")
		headerLines++
	}

	writeLine(titleStyle.Render("avdug - Scan Report Browser"))
	writeLine(statsStyle.Render(m.scanLine()))

	location := "Roots"
	if m.currentPath != "" {
		location = m.currentPath
	}
	writeLine(breadcrumbStyle.Render(fmt.Sprintf("[%s] %s", m.pane, truncateMiddle(location, max(10, m.width-16)))))

	status := fmt.Sprintf("Items: %s", FormatCount(int64(m.listLen())))
	if m.pane == PaneTree && m.filter != "" {
		status += fmt.Sprintf(" | Filter: %q", m.filter)
	}
	writeLine(statusStyle.Render(status))

	if m.pane == PaneTree {
		if m.filterActive {
			writeLine(filterStyle.Render(fmt.Sprintf("Filter: %s_", m.filter)))
		} else if m.filter != "" {
			writeLine(filterStyle.Render(fmt.Sprintf("Filter: %s", m.filter)))
		}
	}

	dirInfo := ""
	if m.pane == PaneTree && m.rollup != nil {
		dirInfo = fmt.Sprintf("%s files | %s infected | %s errors",
			FormatCount(m.rollup.TotalFiles),
			FormatCount(m.rollup.TotalInfected),
			FormatCount(m.rollup.TotalErrors),
		)
	}

	footerLines := 2
	if dirInfo != "" {
		footerLines = 3
	}
	visibleRows := max(m.height-headerLines-footerLines-1, 5)

	startIdx := 0
	if m.cursor >= visibleRows {
		startIdx = m.cursor - visibleRows + 1
	}
	endIdx := min(m.listLen(), startIdx+visibleRows)

	switch m.pane {
	case PaneDetections:
		writeLine(headerStyle.Render(fmt.Sprintf("%-28s  %-10s  %s", "THREAT", "TYPE", "PATH")))
		for i := startIdx; i < endIdx; i++ {
			b.WriteString(m.formatDetection(m.detections[i], i == m.cursor))
			b.WriteString("\n")
		}
	case PaneErrors:
		writeLine(headerStyle.Render(fmt.Sprintf("%5s  %s", "ERRNO", "MESSAGE")))
		for i := startIdx; i < endIdx; i++ {
			b.WriteString(m.formatError(m.scanErrors[i], i == m.cursor))
			b.WriteString("\n")
		}
	default:
		m.renderTree(&b, startIdx, endIdx)
	}

	for i := max(endIdx-startIdx, 0); i < visibleRows; i++ {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if dirInfo != "" {
		b.WriteString(statsStyle.Render(dirInfo))
		b.WriteString("\n")
	}
	help := m.helpLine()
	if n := m.listLen(); n > 0 {
		help = fmt.Sprintf("%s [%d/%d]", help, m.cursor+1, n)
	}
	b.WriteString(helpStyle.Render(help))

	return b.String()
}

func (m *Model) scanLine() string {
	meta := m.scanMeta
	elapsed := ""
	if !meta.EndTime.IsZero() {
		elapsed = " in " + meta.EndTime.Sub(meta.StartTime).Round(time.Millisecond).String()
	}
	return fmt.Sprintf("%s | %s%s | Files: %s | Infected: %s | Errors: %s | Result: %s",
		meta.Name,
		humanize.Time(meta.StartTime),
		elapsed,
		FormatCount(meta.FileCount),
		FormatCount(meta.InfectedCount),
		FormatCount(meta.ErrorCount),
		outcome.Code(meta.ResultCode),
	)
}

func (m *Model) renderTree(b *strings.Builder, startIdx, endIdx int) {
	infectedLabel := headerLabel("INFECTED", m.sort == SortByInfected, "v")
	errorsLabel := headerLabel("ERRORS", m.sort == SortByErrors, "v")
	filesLabel := headerLabel("FILES", m.sort == SortByFiles, "v")
	nameLabel := headerLabel("NAME", m.sort == SortByName, "^")

	widths := calcColumnWidths(m.entries, startIdx, endIdx, infectedLabel, errorsLabel, filesLabel)
	nameWidth := calcNameWidth(m.width, widths)
	gap := strings.Repeat(" ", colGap)

	nameLabel = truncateRight(nameLabel, nameWidth)
	header := fmt.Sprintf("%*s%s%*s%s%*s%s%-*s%s%*s",
		widths.infected, infectedLabel,
		gap,
		widths.errors, errorsLabel,
		gap,
		widths.files, filesLabel,
		gap,
		nameWidth, nameLabel,
		gap,
		barColWidth, barHeaderLabel(m.sort),
	)
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")

	for i := startIdx; i < endIdx; i++ {
		b.WriteString(m.formatEntry(m.entries[i], i == m.cursor, widths, nameWidth))
		b.WriteString("\n")
	}
}

type columnWidths struct {
	infected int
	errors   int
	files    int
}

const (
	colGap        = 2
	minNameWidth  = 10
	barBlockWidth = 10
	barPctWidth   = 6
	barColWidth   = barBlockWidth + barPctWidth
)

func calcColumnWidths(entries []db.DisplayEntry, startIdx, endIdx int, infectedLabel, errorsLabel, filesLabel string) columnWidths {
	w := columnWidths{
		infected: len(infectedLabel),
		errors:   len(errorsLabel),
		files:    len(filesLabel),
	}
	for i := startIdx; i < endIdx; i++ {
		e := entries[i]
		w.infected = max(w.infected, len(FormatCount(e.TotalInfected)))
		w.errors = max(w.errors, len(FormatCount(e.TotalErrors)))
		w.files = max(w.files, len(FormatCount(e.TotalFiles)))
	}
	return w
}

func calcNameWidth(totalWidth int, w columnWidths) int {
	used := w.infected + w.errors + w.files + colGap*4 + barColWidth
	return max(totalWidth-used, minNameWidth)
}

func truncateRight(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func (m *Model) formatEntry(e db.DisplayEntry, selected bool, widths columnWidths, nameWidth int) string {
	rawName := e.Name
	switch {
	case e.Kind == entry.KindDir:
		rawName += "/"
	case e.Threat != "":
		rawName += "  [" + e.Threat + "]"
	}
	rawName = truncateRight(rawName, nameWidth)

	var styledName string
	switch {
	case e.Kind == entry.KindDir && e.TotalInfected > 0:
		styledName = infectedStyle.Render(rawName)
	case e.Kind == entry.KindDir:
		styledName = dirStyle.Render(rawName)
	case e.Status == entry.StatusInfected:
		styledName = infectedStyle.Render(rawName)
	case e.Status == entry.StatusError:
		styledName = errorStyle.Render(rawName)
	case e.Kind == entry.KindSymlink:
		styledName = symlinkStyle.Render(rawName)
	default:
		styledName = fileStyle.Render(rawName)
	}
	paddedName := styledName + strings.Repeat(" ", max(nameWidth-len(rawName), 0))

	entryVal, parentTotal := barValues(m.sort, e, m.rollup)
	gap := strings.Repeat(" ", colGap)
	line := fmt.Sprintf("%*s%s%*s%s%*s%s%s%s%s",
		widths.infected, FormatCount(e.TotalInfected),
		gap,
		widths.errors, FormatCount(e.TotalErrors),
		gap,
		widths.files, FormatCount(e.TotalFiles),
		gap,
		paddedName,
		gap,
		formatBar(entryVal, parentTotal),
	)

	if selected {
		return selectedStyle.Render(line)
	}
	return line
}

func (m *Model) formatDetection(d entry.Detection, selected bool) string {
	path := d.FilePath
	if d.Path != "" && d.Path != d.FilePath {
		// threat inside an archive member
		path = d.Path
	}
	line := fmt.Sprintf("%-28s  %-10s  %s", truncateRight(d.Name, 28), truncateRight(d.Type, 10), truncateMiddle(path, max(m.width-42, 10)))
	if selected {
		return selectedStyle.Render(line)
	}
	return infectedStyle.Render(line)
}

func (m *Model) formatError(e entry.ScanError, selected bool) string {
	line := fmt.Sprintf("%5d  %s", int(e.Code), truncateRight(e.Message, max(m.width-7, 10)))
	if selected {
		return selectedStyle.Render(line)
	}
	return errorStyle.Render(line)
}

func barHeaderLabel(sort SortColumn) string {
	switch sort {
	case SortByErrors:
		return "ERR%"
	case SortByFiles, SortByName:
		return "FILE%"
	default:
		return "INF%"
	}
}

func barValues(sort SortColumn, e db.DisplayEntry, rollup *entry.Rollup) (int64, int64) {
	if rollup == nil {
		return 0, 0
	}
	switch sort {
	case SortByErrors:
		return e.TotalErrors, rollup.TotalErrors
	case SortByFiles, SortByName:
		return e.TotalFiles, rollup.TotalFiles
	default:
		return e.TotalInfected, rollup.TotalInfected
	}
}

func formatBar(entryVal, parentTotal int64) string {
	if parentTotal <= 0 || entryVal <= 0 {
		return barEmptyStyle.Render(strings.Repeat("░", barBlockWidth)) + fmt.Sprintf("  %3d%%", 0)
	}

	pct := math.Min(float64(entryVal)/float64(parentTotal)*100, 100)
	filled := int(math.Round(pct / 100 * float64(barBlockWidth)))
	filled = min(max(filled, 1), barBlockWidth)

	filledStr := barFilledStyle.Render(strings.Repeat("█", filled))
	emptyStr := barEmptyStyle.Render(strings.Repeat("░", barBlockWidth-filled))
	return filledStr + emptyStr + fmt.Sprintf("  %3d%%", int(math.Round(pct)))
}

func headerLabel(label string, active bool, dir string) string {
	if active {
		return label + dir
	}
	return label
}

func truncateMiddle(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	head := (maxLen - 3) / 2
	tail := maxLen - 3 - head
	return s[:head] + "..." + s[len(s)-tail:]
}
