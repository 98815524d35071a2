package control

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/pursuit/pkg/drive"
)

func newRunner(t *testing.T) (*Runner, *fixture) {
	t.Helper()
	f := newFixture(t)
	f.manual.Set(drive.Forward, true)
	return NewRunner(f.loop, slog.New(slog.NewTextHandler(io.Discard, nil))), f
}

func TestRunner_ForegroundErrorStillStops(t *testing.T) {
	r, f := newRunner(t)

	var producerStopped atomic.Bool
	r.AddProducer("feed", func(ctx context.Context) error {
		<-ctx.Done()
		producerStopped.Store(true)
		return ctx.Err()
	})

	var seenBySink []drive.Command
	r.AddSink("journal", func(ctx context.Context) error {
		<-ctx.Done()
		seenBySink = f.sender.commands()
		return nil
	})

	uiErr := errors.New("no terminal")
	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background(), func(context.Context) error { return uiErr })
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, uiErr)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.True(t, producerStopped.Load())
	require.GreaterOrEqual(t, len(seenBySink), 3)
	assert.Equal(t, stopCmds(), seenBySink[len(seenBySink)-3:], "sink stopped before the final stop")
	sent := f.sender.commands()
	assert.Equal(t, stopCmds(), sent[len(sent)-3:])
}

func TestRunner_ContextCancel(t *testing.T) {
	r, f := newRunner(t)

	var sinkStopped atomic.Bool
	r.AddSink("journal", func(ctx context.Context) error {
		<-ctx.Done()
		sinkStopped.Store(true)
		return ctx.Err()
	})
	r.AddProducer("camera", func(context.Context) error {
		return errors.New("no device")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, nil) }()

	require.Eventually(t, func() bool { return len(f.sender.commands()) >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.True(t, sinkStopped.Load())
	sent := f.sender.commands()
	assert.Equal(t, stopCmds(), sent[len(sent)-3:])
}
