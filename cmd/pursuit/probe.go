package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gwillem/pursuit/pkg/drive"
	"github.com/gwillem/pursuit/pkg/link"
)

type ProbeCommand struct {
	Motor    int           `short:"m" long:"motor" required:"true" description:"Motor id (1=left, 2=right, 3=aux)"`
	Speed    int           `short:"s" long:"speed" required:"true" description:"Signed speed in [-255,255]"`
	Duration time.Duration `long:"for" default:"500ms" description:"How long to repeat the command before stopping"`
}

func (c *ProbeCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cmd := drive.Command{Motor: drive.MotorID(c.Motor), Speed: c.Speed}
	if err := link.Validate(cmd); err != nil {
		return err
	}

	ch, err := link.Open(cfg.SerialPort())
	if err != nil {
		fmt.Fprintln(os.Stderr, "Motor controller not reachable. Run 'pursuit setup' first.")
		return err
	}
	defer ch.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	period := cfg.ControlLoop().TickPeriod
	fmt.Printf("Sending %s every %v for %v on %s\n", cmd, period, c.Duration, cfg.Link.Port)

	deadline := time.NewTimer(c.Duration)
	defer deadline.Stop()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	failures := 0
loop:
	for {
		if err := ch.Send(ctx, cmd); err != nil && !errors.Is(err, context.Canceled) {
			failures++
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
		}
		select {
		case <-ctx.Done():
			break loop
		case <-deadline.C:
			break loop
		case <-ticker.C:
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ControlLoop().ShutdownTimeout)
	defer stopCancel()
	if err := ch.SendStop(stopCtx); err != nil {
		return fmt.Errorf("final stop: %w", err)
	}

	stats := ch.Stats()
	fmt.Println(successStyle.Render("Stopped."))
	fmt.Println(dimStyle.Render(fmt.Sprintf("sent=%d failed=%d", stats.Sent, stats.Failed)))
	if failures > 0 {
		return fmt.Errorf("%d of the probe writes failed", failures)
	}
	return nil
}
