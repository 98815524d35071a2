// Package pursuit drives a three-motor differential platform from a vision
// detection feed and an operator keyboard.
//
// A fixed-rate control loop arbitrates between manual teleoperation and
// autonomous target tracking and streams motor commands to a microcontroller
// over a serial link.
//
// # Installation
//
//	go install github.com/gwillem/pursuit/cmd/pursuit@latest
//
// # Usage
//
// First, run setup to pick the serial port of the motor controller:
//
//	pursuit setup
//
// Then start the control loop:
//
//	pursuit run
//
// # Packages
//
// The module is organized into the following packages:
//
//   - cmd/pursuit: CLI with setup, run and probe commands
//   - pkg/drive: Motor commands, steering law and teleop mixing
//   - pkg/state: Shared detection and manual input snapshots
//   - pkg/link: Serial command channel to the motor controller
//   - pkg/control: Fixed-rate arbitration loop
//   - pkg/teleop: Keyboard to manual input mapping
//   - pkg/vision: Detection selection and the websocket detection feed
//   - pkg/camera: Local OpenCV detector
//   - pkg/journal: SQLite tick journal
//   - pkg/config: Configuration file and environment overrides
package pursuit
