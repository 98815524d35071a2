// Package link sends motor commands to the motor controller.
//
// The wire protocol is one ASCII line per command, "motor,speed\n", with no
// acknowledgement.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gwillem/pursuit/pkg/drive"
)

// DefaultWriteTimeout bounds a single command write.
const DefaultWriteTimeout = 15 * time.Millisecond

// Validate checks that cmd is within the protocol range.
func Validate(cmd drive.Command) error {
	if !cmd.Motor.Valid() {
		return &ValidationError{Command: cmd, Reason: "unknown motor"}
	}
	if cmd.Speed < drive.MinSpeed || cmd.Speed > drive.MaxSpeed {
		return &ValidationError{Command: cmd, Reason: fmt.Sprintf("speed outside [%d,%d]", drive.MinSpeed, drive.MaxSpeed)}
	}
	return nil
}

// Encode validates cmd and returns its wire form.
func Encode(cmd drive.Command) ([]byte, error) {
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	b := make([]byte, 0, 8)
	b = strconv.AppendInt(b, int64(cmd.Motor), 10)
	b = append(b, ',')
	b = strconv.AppendInt(b, int64(cmd.Speed), 10)
	return append(b, '\n'), nil
}

// Stats counts commands handled by a Channel.
type Stats struct {
	Sent     uint64
	Invalid  uint64
	Failed   uint64
	LastSent time.Time
}

// Channel writes commands to a byte stream, one write per command.
// A write that outlives the timeout is abandoned and reported; until it
// returns, further sends fail fast with ErrLinkBusy.
type Channel struct {
	w       io.Writer
	closer  io.Closer
	timeout time.Duration

	busy   atomic.Bool
	closed atomic.Bool

	sent     atomic.Uint64
	invalid  atomic.Uint64
	failed   atomic.Uint64
	lastSent atomic.Int64
}

// NewChannel creates a channel writing to w. A non-positive timeout selects
// DefaultWriteTimeout. If w implements io.Closer, Close closes it.
func NewChannel(w io.Writer, timeout time.Duration) *Channel {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	c := &Channel{w: w, timeout: timeout}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// Send validates and writes a single command.
// It returns a *ValidationError or a *TransportError; both leave the channel usable.
func (c *Channel) Send(ctx context.Context, cmd drive.Command) error {
	payload, err := Encode(cmd)
	if err != nil {
		c.invalid.Add(1)
		return err
	}
	if err := c.write(ctx, payload); err != nil {
		c.failed.Add(1)
		return &TransportError{Command: cmd, Err: err}
	}
	c.sent.Add(1)
	c.lastSent.Store(time.Now().UnixNano())
	return nil
}

func (c *Channel) write(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.busy.CompareAndSwap(false, true) {
		return ErrLinkBusy
	}

	done := make(chan error, 1)
	go func() {
		n, err := c.w.Write(payload)
		if err == nil && n < len(payload) {
			err = io.ErrShortWrite
		}
		c.busy.Store(false)
		done <- err
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendFunc delivers a single command.
type SendFunc func(ctx context.Context, cmd drive.Command) error

// retryInterval spaces attempts while a stalled write holds the device.
const retryInterval = 5 * time.Millisecond

// RetryBusy calls send until it succeeds, fails with anything other than
// ErrLinkBusy, or ctx is done. It returns the last error from send.
func RetryBusy(ctx context.Context, send SendFunc, cmd drive.Command) error {
	for {
		err := send(ctx, cmd)
		if err == nil || !errors.Is(err, ErrLinkBusy) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(retryInterval):
		}
	}
}

// SendStop sends a stop to every motor, waiting out a stalled write until
// ctx is done. Every motor is attempted even if an earlier one fails.
func (c *Channel) SendStop(ctx context.Context) error {
	var errs []error
	for _, cmd := range drive.Stop() {
		if err := RetryBusy(ctx, c.Send, cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	s := Stats{
		Sent:    c.sent.Load(),
		Invalid: c.invalid.Load(),
		Failed:  c.failed.Load(),
	}
	if ns := c.lastSent.Load(); ns != 0 {
		s.LastSent = time.Unix(0, ns)
	}
	return s
}

// Close closes the underlying device. Pending writes are unblocked by the
// device closing, not by the channel.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
