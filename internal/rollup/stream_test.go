package rollup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelscutari/avdug/internal/entry"
)

func TestAggregatorStreamingRollups(t *testing.T) {
	ctx := context.Background()
	in := make(chan Tally, 8)
	out := make(chan entry.Rollup, 8)

	agg := NewAggregator([]string{"/srv/data/"})
	done := make(chan error, 1)
	go func() {
		done <- agg.Run(ctx, in, out)
	}()

	in <- Tally{Path: "/srv/data/a.txt", Files: 1}
	in <- Tally{Path: "/srv/data/sub/b.exe", Files: 1, Infected: 1}
	in <- Tally{Path: "/srv/data/sub/deep/c.bin", Errors: 1}
	close(in)

	rollups := make(map[string]entry.Rollup)
	for r := range out {
		rollups[r.DirPath] = r
	}
	require.NoError(t, <-done)

	assert.Equal(t, entry.Rollup{DirPath: "/srv/data", TotalFiles: 2, TotalInfected: 1, TotalErrors: 1}, rollups["/srv/data"])
	assert.Equal(t, entry.Rollup{DirPath: "/srv/data/sub", TotalFiles: 1, TotalInfected: 1, TotalErrors: 1}, rollups["/srv/data/sub"])
	assert.Equal(t, entry.Rollup{DirPath: "/srv/data/sub/deep", TotalErrors: 1}, rollups["/srv/data/sub/deep"])
	assert.NotContains(t, rollups, "/srv")
}

func TestAggregatorFileRoot(t *testing.T) {
	agg := NewAggregator([]string{"/etc/passwd"})
	agg.Add(Tally{Path: "/etc/passwd", Files: 1})
	assert.Equal(t, []entry.Rollup{{DirPath: "/etc", TotalFiles: 1}}, agg.Rollups())
}

func TestAggregatorNestedRoots(t *testing.T) {
	agg := NewAggregator([]string{"/a", "/a/b"})
	agg.Add(Tally{Path: "/a/b/c/f", Files: 1})
	rollups := agg.Rollups()
	require.Len(t, rollups, 2)
	assert.Equal(t, "/a/b", rollups[0].DirPath)
	assert.Equal(t, "/a/b/c", rollups[1].DirPath)
}

func TestAggregatorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := make(chan Tally)
	out := make(chan entry.Rollup)
	err := NewAggregator([]string{"/"}).Run(ctx, in, out)
	assert.ErrorIs(t, err, context.Canceled)
	_, open := <-out
	assert.False(t, open)
}
