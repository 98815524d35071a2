package control

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// stopGrace is added to one tick plus the shutdown budget when waiting for
// the loop to exit.
const stopGrace = time.Second

// Task is a background activity run next to the loop until ctx is done.
type Task func(ctx context.Context) error

type task struct {
	name string
	run  Task
}

// Runner runs a Loop with its producers and sinks and tears them down in
// order. Producers stop together with the loop. Sinks keep running until
// the loop has sent its final stop, so they see the final tick.
type Runner struct {
	loop      *Loop
	logger    *slog.Logger
	producers []task
	sinks     []task
}

// NewRunner creates a runner for loop.
func NewRunner(loop *Loop, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{loop: loop, logger: logger}
}

// AddProducer registers a task that feeds the loop (detection feed, camera).
func (r *Runner) AddProducer(name string, t Task) {
	r.producers = append(r.producers, task{name: name, run: t})
}

// AddSink registers a task that consumes loop output (journal).
func (r *Runner) AddSink(name string, t Task) {
	r.sinks = append(r.sinks, task{name: name, run: t})
}

// Run starts the sinks, the producers and the loop, then calls fg in the
// foreground; a nil fg waits for ctx. Whichever ends first, everything is
// stopped before Run returns: the loop's final stop is awaited, then the
// producers, then the sinks. Run returns the error from fg.
func (r *Runner) Run(ctx context.Context, fg func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()

	var sinks, producers sync.WaitGroup
	for _, t := range r.sinks {
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			r.runTask(sinkCtx, t)
		}()
	}
	for _, t := range r.producers {
		producers.Add(1)
		go func() {
			defer producers.Done()
			r.runTask(ctx, t)
		}()
	}

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- r.loop.Run(ctx)
	}()

	var err error
	if fg != nil {
		err = fg(ctx)
	} else {
		<-ctx.Done()
	}
	cancel()

	cfg := r.loop.Config()
	timer := time.NewTimer(cfg.TickPeriod + cfg.ShutdownTimeout + stopGrace)
	defer timer.Stop()
	select {
	case lerr := <-loopDone:
		if lerr != nil && !errors.Is(lerr, context.Canceled) {
			r.logger.Error("control: loop failed", "error", lerr)
		}
	case <-timer.C:
		r.logger.Error("control: loop did not stop in time")
	}

	producers.Wait()
	stopSinks()
	sinks.Wait()
	return err
}

func (r *Runner) runTask(ctx context.Context, t task) {
	if err := t.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("control: task stopped", "task", t.name, "error", err)
	}
}
