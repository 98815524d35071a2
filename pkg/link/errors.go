package link

import (
	"errors"
	"fmt"

	"github.com/gwillem/pursuit/pkg/drive"
)

var (
	// ErrWriteTimeout is reported when a write does not finish within the
	// channel's write timeout.
	ErrWriteTimeout = errors.New("write timeout")

	// ErrLinkBusy is reported when an earlier timed-out write is still
	// blocked on the device.
	ErrLinkBusy = errors.New("link busy")

	// ErrClosed is reported by Send after Close.
	ErrClosed = errors.New("link closed")
)

// ValidationError reports a command outside the controller's protocol range.
// The command is not sent.
type ValidationError struct {
	Command drive.Command
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid command %d,%d: %s", int(e.Command.Motor), e.Command.Speed, e.Reason)
}

// TransportError reports a command that could not be delivered to the link.
type TransportError struct {
	Command drive.Command
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send %d,%d: %v", int(e.Command.Motor), e.Command.Speed, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StartupError reports a serial port that could not be opened.
type StartupError struct {
	Port string
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Port, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}
