package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/gwillem/pursuit/pkg/config"
)

type Options struct {
	ConfigFile string `short:"c" long:"config" default:"pursuit.json" description:"Configuration file"`
	EnvFile    string `long:"env" default:".env" description:"Optional .env file with PURSUIT_* overrides"`

	Setup SetupCommand `command:"setup" description:"Pick the motor controller port and write the configuration"`
	Run   RunCommand   `command:"run" description:"Start the control loop (tracking + teleoperation)"`
	Probe ProbeCommand `command:"probe" description:"Send a single motor command, then stop"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "Pursuit - vision tracking and teleoperation for a three-motor platform"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

// loadConfig reads the configuration file and applies environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(opts.EnvFile); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", opts.ConfigFile, err)
	}
	return cfg, nil
}
