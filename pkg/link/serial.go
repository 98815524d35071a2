package link

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaudRate is the motor controller's serial speed.
const DefaultBaudRate = 9600

// PortConfig holds serial settings for the motor controller.
type PortConfig struct {
	Port         string
	BaudRate     int
	WriteTimeout time.Duration
}

// Open opens the serial port and returns a channel writing to it.
// Failure is reported as a *StartupError.
func Open(cfg PortConfig) (*Channel, error) {
	if cfg.Port == "" {
		return nil, &StartupError{Port: cfg.Port, Err: fmt.Errorf("no port configured")}
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}

	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, &StartupError{Port: cfg.Port, Err: err}
	}

	return NewChannel(port, cfg.WriteTimeout), nil
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name    string
	USB     bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// ListPorts returns the serial ports on the host, skipping Bluetooth ports.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		// Fall back to plain names when USB details are unavailable
		names, nerr := serial.GetPortsList()
		if nerr != nil {
			return nil, fmt.Errorf("list ports: %w", nerr)
		}
		ports := make([]PortInfo, 0, len(names))
		for _, name := range names {
			if skipPort(name) {
				continue
			}
			ports = append(ports, PortInfo{Name: name})
		}
		return ports, nil
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if skipPort(d.Name) {
			continue
		}
		ports = append(ports, PortInfo{
			Name:    d.Name,
			USB:     d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	return ports, nil
}

// Skip Bluetooth ports on macOS
func skipPort(name string) bool {
	return strings.Contains(name, "Bluetooth")
}
