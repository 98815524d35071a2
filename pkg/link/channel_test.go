package link

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/pursuit/pkg/drive"
)

type recordWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *recordWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *recordWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

type failWriter struct{ err error }

func (w failWriter) Write([]byte) (int, error) { return 0, w.err }

type blockWriter struct{ release chan struct{} }

func (w blockWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

// stallWriter blocks every write until release is closed, then records.
type stallWriter struct {
	recordWriter
	release chan struct{}
}

func (w *stallWriter) Write(p []byte) (int, error) {
	<-w.release
	return w.recordWriter.Write(p)
}

func TestEncode(t *testing.T) {
	tests := []struct {
		cmd  drive.Command
		want string
	}{
		{drive.Command{Motor: 1, Speed: 0}, "1,0\n"},
		{drive.Command{Motor: 2, Speed: -255}, "2,-255\n"},
		{drive.Command{Motor: 3, Speed: 255}, "3,255\n"},
		{drive.Command{Motor: 1, Speed: 24}, "1,24\n"},
	}

	for _, tt := range tests {
		got, err := Encode(tt.cmd)
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(got))
	}
}

func TestEncode_Invalid(t *testing.T) {
	tests := []drive.Command{
		{Motor: 0, Speed: 0},
		{Motor: 4, Speed: 10},
		{Motor: 1, Speed: 256},
		{Motor: 2, Speed: -256},
	}

	for _, cmd := range tests {
		_, err := Encode(cmd)
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr), "Encode(%v) error = %v, want ValidationError", cmd, err)
	}
}

func TestChannel_Send(t *testing.T) {
	w := &recordWriter{}
	ch := NewChannel(w, time.Second)
	ctx := context.Background()

	for _, cmd := range drive.NewTriple(24, -24, 0) {
		require.NoError(t, ch.Send(ctx, cmd))
	}

	assert.Equal(t, "1,24\n2,-24\n3,0\n", w.String())
	stats := ch.Stats()
	assert.EqualValues(t, 3, stats.Sent)
	assert.False(t, stats.LastSent.IsZero())
}

func TestChannel_ValidationNotWritten(t *testing.T) {
	w := &recordWriter{}
	ch := NewChannel(w, time.Second)

	err := ch.Send(context.Background(), drive.Command{Motor: 7, Speed: 1})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, w.String())
	assert.EqualValues(t, 1, ch.Stats().Invalid)

	// still usable
	require.NoError(t, ch.Send(context.Background(), drive.Command{Motor: 1, Speed: 1}))
}

func TestChannel_TransportError(t *testing.T) {
	boom := errors.New("device disconnected")
	ch := NewChannel(failWriter{err: boom}, time.Second)

	err := ch.Send(context.Background(), drive.Command{Motor: 1, Speed: 10})
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, drive.Command{Motor: 1, Speed: 10}, terr.Command)
	assert.EqualValues(t, 1, ch.Stats().Failed)
}

func TestChannel_WriteTimeout(t *testing.T) {
	release := make(chan struct{})
	ch := NewChannel(blockWriter{release: release}, 10*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	err := ch.Send(ctx, drive.Command{Motor: 1, Speed: 10})
	assert.ErrorIs(t, err, ErrWriteTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// the stalled write still holds the device
	err = ch.Send(ctx, drive.Command{Motor: 2, Speed: 10})
	assert.ErrorIs(t, err, ErrLinkBusy)

	close(release)
	require.Eventually(t, func() bool {
		return ch.Send(ctx, drive.Command{Motor: 3, Speed: 0}) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestChannel_SendStopWaitsOutStall(t *testing.T) {
	release := make(chan struct{})
	w := &stallWriter{release: release}
	ch := NewChannel(w, 10*time.Millisecond)

	err := ch.Send(context.Background(), drive.Command{Motor: 1, Speed: 200})
	require.ErrorIs(t, err, ErrWriteTimeout)

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ch.SendStop(ctx))
	assert.Equal(t, "1,200\n1,0\n2,0\n3,0\n", w.String())
}

func TestChannel_SendStopGivesUp(t *testing.T) {
	ch := NewChannel(blockWriter{release: make(chan struct{})}, 10*time.Millisecond)
	require.ErrorIs(t, ch.Send(context.Background(), drive.Command{Motor: 1, Speed: 200}), ErrWriteTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := ch.SendStop(ctx)
	assert.ErrorIs(t, err, ErrLinkBusy)
}

func TestRetryBusy(t *testing.T) {
	calls := 0
	send := func(ctx context.Context, cmd drive.Command) error {
		calls++
		if calls < 3 {
			return &TransportError{Command: cmd, Err: ErrLinkBusy}
		}
		return nil
	}
	require.NoError(t, RetryBusy(context.Background(), send, drive.Command{Motor: 1}))
	assert.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("unplugged")
	err := RetryBusy(context.Background(), func(context.Context, drive.Command) error {
		calls++
		return boom
	}, drive.Command{Motor: 1})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestChannel_Closed(t *testing.T) {
	ch := NewChannel(&recordWriter{}, time.Second)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	err := ch.Send(context.Background(), drive.Command{Motor: 1, Speed: 0})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStartupError(t *testing.T) {
	_, err := Open(PortConfig{})
	var serr *StartupError
	require.ErrorAs(t, err, &serr)
}
