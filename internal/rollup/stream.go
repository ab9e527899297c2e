package rollup

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/michaelscutari/avdug/internal/entry"
)

// Tally is one scan outcome, charged to the directory containing Path and
// every ancestor up to the scan root.
type Tally struct {
	Path     string
	Files    int64
	Infected int64
	Errors   int64
}

// Aggregator accumulates per-directory totals while a scan runs.
type Aggregator struct {
	roots  []string
	totals map[string]*entry.Rollup
}

// NewAggregator creates an aggregator for the given scan roots.
func NewAggregator(roots []string) *Aggregator {
	clean := make([]string, 0, len(roots))
	for _, root := range roots {
		clean = append(clean, filepath.Clean(root))
	}
	// Longest first so nested roots win.
	sort.Slice(clean, func(i, j int) bool { return len(clean[i]) > len(clean[j]) })
	return &Aggregator{roots: clean, totals: make(map[string]*entry.Rollup)}
}

func (a *Aggregator) rootFor(path string) (string, bool) {
	for _, root := range a.roots {
		if path == root || root == "/" || strings.HasPrefix(path, root+"/") {
			return root, true
		}
	}
	return "", false
}

// Add charges t to its directory chain.
func (a *Aggregator) Add(t Tally) {
	path := filepath.Clean(t.Path)
	dir := filepath.Dir(path)
	root, ok := a.rootFor(path)
	if !ok || path == root {
		a.charge(dir, t)
		return
	}
	for {
		a.charge(dir, t)
		if dir == root || dir == "/" || dir == "." {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (a *Aggregator) charge(dir string, t Tally) {
	r := a.totals[dir]
	if r == nil {
		r = &entry.Rollup{DirPath: dir}
		a.totals[dir] = r
	}
	r.TotalFiles += t.Files
	r.TotalInfected += t.Infected
	r.TotalErrors += t.Errors
}

// Rollups returns the totals ordered by path.
func (a *Aggregator) Rollups() []entry.Rollup {
	out := make([]entry.Rollup, 0, len(a.totals))
	for _, r := range a.totals {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DirPath < out[j].DirPath })
	return out
}

// Run consumes tallies until in is closed, then emits every rollup to out.
func (a *Aggregator) Run(ctx context.Context, in <-chan Tally, out chan<- entry.Rollup) error {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-in:
			if !ok {
				for _, r := range a.Rollups() {
					select {
					case out <- r:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				return nil
			}
			a.Add(t)
		}
	}
}
