package control

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/pursuit/pkg/drive"
	"github.com/gwillem/pursuit/pkg/link"
	"github.com/gwillem/pursuit/pkg/state"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []drive.Command
	fail func(drive.Command) error
}

func (f *fakeSender) Send(ctx context.Context, cmd drive.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(cmd); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeSender) commands() []drive.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]drive.Command(nil), f.sent...)
}

type fixture struct {
	loop       *Loop
	sender     *fakeSender
	detections *state.DetectionCache
	manual     *state.ManualInput
	now        time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		sender:     &fakeSender{},
		detections: state.NewDetectionCache(),
		manual:     state.NewManualInput(),
		now:        time.Now(),
	}
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return f.now }),
	}, opts...)
	f.loop = New(DefaultConfig(), f.detections, f.manual, f.sender, opts...)
	return f
}

func (f *fixture) detect(center image.Point, extent int, age time.Duration) {
	half := extent / 2
	f.detections.Update(state.Sample{
		Center:     center,
		Box:        image.Rect(center.X-half, center.Y-half, center.X+half, center.Y+half),
		Label:      "cell phone",
		Confidence: 0.9,
		Timestamp:  f.now.Add(-age),
	})
}

func TestLoop_StopWithoutInput(t *testing.T) {
	f := newFixture(t)

	tick := f.loop.Step(context.Background())
	assert.Equal(t, ModeStop, tick.Mode)
	assert.Equal(t, drive.Stop(), tick.Commands)
	assert.Equal(t, stopCmds(), f.sender.commands())
}

func TestLoop_StaleDetectionStops(t *testing.T) {
	for _, age := range []time.Duration{time.Second, 1500 * time.Millisecond, time.Hour} {
		f := newFixture(t)
		f.detect(image.Pt(100, 100), 40, age)

		tick := f.loop.Step(context.Background())
		assert.Equal(t, ModeStop, tick.Mode, "age %v", age)
		assert.Equal(t, stopCmds(), f.sender.commands(), "age %v", age)
	}
}

func TestLoop_TrackFreshDetection(t *testing.T) {
	f := newFixture(t)
	f.detect(image.Pt(200, 240), 40, 100*time.Millisecond)

	tick := f.loop.Step(context.Background())
	require.Equal(t, ModeTrack, tick.Mode)
	assert.Equal(t, drive.NewTriple(24, -24, 0), tick.Commands)
	assert.Equal(t, "cell phone", tick.Target.Label)
}

func TestLoop_ManualOverridesTracking(t *testing.T) {
	f := newFixture(t)
	f.detect(image.Pt(320, 240), 40, 0) // fresh, centered

	for flag := drive.Flag(0); flag < drive.NumFlags; flag++ {
		f.manual.Clear()
		f.manual.Set(flag, true)
		want := drive.Mix(f.manual.Read())

		tick := f.loop.Step(context.Background())
		assert.Equal(t, ModeManual, tick.Mode, "flag %v", flag)
		assert.Equal(t, want, tick.Commands, "flag %v", flag)
	}
}

func TestLoop_FastForwardManual(t *testing.T) {
	f := newFixture(t)
	f.manual.Set(drive.FastForward, true)

	tick := f.loop.Step(context.Background())
	assert.Equal(t, drive.NewTriple(250, 250, 0), tick.Commands)
}

func TestLoop_StopRepeatsEveryTick(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		f.loop.Step(context.Background())
	}

	sent := f.sender.commands()
	require.Len(t, sent, 15)
	for i := 0; i < 5; i++ {
		assert.Equal(t, stopCmds(), sent[i*3:i*3+3])
	}
}

func TestLoop_NoHysteresis(t *testing.T) {
	f := newFixture(t)
	f.detect(image.Pt(200, 240), 40, 0)

	assert.Equal(t, ModeTrack, f.loop.Step(context.Background()).Mode)

	f.manual.Set(drive.Left, true)
	assert.Equal(t, ModeManual, f.loop.Step(context.Background()).Mode)

	f.manual.Set(drive.Left, false)
	assert.Equal(t, ModeTrack, f.loop.Step(context.Background()).Mode)

	f.now = f.now.Add(2 * time.Second)
	assert.Equal(t, ModeStop, f.loop.Step(context.Background()).Mode)
}

func TestLoop_SendErrorsDoNotAbortTick(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("unplugged")
	f.sender.fail = func(cmd drive.Command) error {
		if cmd.Motor == drive.LeftDrive {
			return &link.TransportError{Command: cmd, Err: boom}
		}
		if cmd.Motor == drive.Aux {
			return &link.ValidationError{Command: cmd, Reason: "test"}
		}
		return nil
	}

	tick := f.loop.Step(context.Background())
	require.Len(t, tick.Errors, 2)
	assert.ErrorIs(t, tick.Errors[0], boom)
	assert.Equal(t, []drive.Command{{Motor: drive.RightDrive, Speed: 0}}, f.sender.commands())

	// next tick runs normally
	f.sender.fail = nil
	tick = f.loop.Step(context.Background())
	assert.Empty(t, tick.Errors)
}

type recorder struct {
	mu    sync.Mutex
	ticks []Tick
}

func (r *recorder) Record(t Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, t)
}

func (r *recorder) all() []Tick {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Tick(nil), r.ticks...)
}

func TestLoop_TicksAndRecorder(t *testing.T) {
	rec := &recorder{}
	f := newFixture(t, WithRecorder(rec))

	f.loop.Step(context.Background())
	f.loop.Step(context.Background())

	ticks := rec.all()
	require.Len(t, ticks, 2)
	assert.EqualValues(t, 1, ticks[0].Seq)
	assert.EqualValues(t, 2, ticks[1].Seq)

	select {
	case latest := <-f.loop.Ticks():
		assert.EqualValues(t, 2, latest.Seq)
	default:
		t.Fatal("no tick published")
	}
}

func TestLoop_RunShutdownSendsFinalStop(t *testing.T) {
	sender := &fakeSender{}
	detections := state.NewDetectionCache()
	manual := state.NewManualInput()
	cfg := DefaultConfig()
	cfg.TickPeriod = 10 * time.Millisecond

	loop := New(cfg, detections, manual, sender,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	// mid-tracking
	detections.Update(state.Sample{
		Center:    image.Pt(100, 100),
		Box:       image.Rect(80, 80, 120, 120),
		Timestamp: time.Now().Add(time.Hour),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sender.commands()) >= 6 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(cfg.TickPeriod + cfg.ShutdownTimeout):
		t.Fatal("loop did not exit")
	}

	sent := sender.commands()
	require.GreaterOrEqual(t, len(sent), 9)
	assert.Equal(t, stopCmds(), sent[len(sent)-3:])
	assert.NotEqual(t, drive.Stop(), drive.Triple(sent[:3]))
}

func TestLoop_ShutdownWaitsForBusyLink(t *testing.T) {
	f := newFixture(t)
	busy := 2
	f.sender.fail = func(cmd drive.Command) error {
		if busy > 0 {
			busy--
			return &link.TransportError{Command: cmd, Err: link.ErrLinkBusy}
		}
		return nil
	}

	f.loop.shutdown()
	assert.Equal(t, stopCmds(), f.sender.commands())

	tick := <-f.loop.Ticks()
	assert.True(t, tick.Final)
	assert.Empty(t, tick.Errors)
}

func TestLoop_RunTwice(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.loop.Run(ctx)
	require.Eventually(t, func() bool {
		f.loop.mu.Lock()
		defer f.loop.mu.Unlock()
		return f.loop.running
	}, time.Second, time.Millisecond)

	assert.Error(t, f.loop.Run(ctx))
}

func TestLoop_ManualDecisionIsOneSnapshot(t *testing.T) {
	f := newFixture(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20000; i++ {
			f.manual.Set(drive.Forward, i%2 == 0)
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		d := f.loop.Decide(f.now)
		if d.Mode == ModeManual {
			require.True(t, d.Manual.Any(), "manual decision with no flag set")
			require.Equal(t, drive.Mix(d.Manual), d.Commands)
		}
	}
}

func TestLoop_CancelledTickNotLoggedAsFault(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t, WithLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	f.sender.fail = func(cmd drive.Command) error {
		return &link.TransportError{Command: cmd, Err: context.Canceled}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tick := f.loop.Step(ctx)

	assert.Len(t, tick.Errors, 3)
	assert.NotContains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "command skipped on shutdown")
}

func stopCmds() []drive.Command {
	s := drive.Stop()
	return s[:]
}
