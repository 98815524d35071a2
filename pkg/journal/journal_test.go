package journal

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/pursuit/pkg/control"
	"github.com/gwillem/pursuit/pkg/drive"
	"github.com/gwillem/pursuit/pkg/state"
)

func TestJournal_RecordsTicks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NotEmpty(t, j.Session())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	now := time.Now()
	j.Record(control.Tick{Seq: 1, Time: now, Decision: control.Decision{Mode: control.ModeStop, Commands: drive.Stop()}})
	j.Record(control.Tick{Seq: 2, Time: now, Decision: control.Decision{
		Mode:     control.ModeTrack,
		Commands: drive.NewTriple(24, -24, 0),
		Target:   state.Sample{Label: "cell phone", Center: image.Pt(200, 240)},
	}})
	j.Record(control.Tick{Seq: 3, Time: now, Decision: control.Decision{
		Mode:     control.ModeManual,
		Commands: drive.NewTriple(125, 125, 0),
		Manual:   drive.Manual{Forward: true},
	}, Errors: []error{errors.New("write timeout")}})
	j.Record(control.Tick{Seq: 4, Time: now, Final: true, Decision: control.Decision{Mode: control.ModeStop, Commands: drive.Stop()}})

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	n, err := j.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	counts, err := j.ModeCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"stop": 2, "track": 1, "manual": 1}, counts)

	require.NoError(t, j.Close())
	require.NoError(t, j.Close())
}

func TestJournal_SessionsAreSeparate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := Open(path, logger)
	require.NoError(t, err)
	first.Record(control.Tick{Seq: 1, Decision: control.Decision{Commands: drive.Stop()}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	first.Run(ctx)
	require.NoError(t, first.Close())

	second, err := Open(path, logger)
	require.NoError(t, err)
	defer second.Close()

	assert.NotEqual(t, first.Session(), second.Session())
	n, err := second.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJournal_RecordNeverBlocks(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < queueSize+10; i++ {
		j.Record(control.Tick{Seq: uint64(i)})
	}
	assert.EqualValues(t, 10, j.Dropped())
}
