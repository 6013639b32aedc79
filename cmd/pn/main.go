// Copyright (c) 2020–2026 The phasenoise developers. All rights reserved.
// Project site: https://github.com/gotmc/phasenoise
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Command pn acquires and reports phase noise curves from a spectrum
// analyzer on a Prologix GPIB adapter.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/gotmc/phasenoise"
	"github.com/gotmc/phasenoise/lib/config"
)

var (
	headStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

type command struct {
	name, usage string
	run         func(args []string, logger *log.Logger) error
}

var commands = []command{
	{"acquire", "measure a carrier and save the curve", runAcquire},
	{"report", "integrate and spot-read saved curves", runReport},
	{"caption", "replace the caption of a saved curve", runCaption},
	{"list", "list catalogued curves", runList},
	{"profiles", "list supported analyzers", runProfiles},
	{"ports", "list USB serial ports", runPorts},
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pn COMMAND [flags]")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-9s %s\n", c.name, dimStyle.Render(c.usage))
	}
}

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.000",
	})
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	for _, c := range commands {
		if c.name != os.Args[1] {
			continue
		}
		err := c.run(os.Args[2:], logger)
		switch {
		case err == nil:
			return
		case errors.Is(err, pflag.ErrHelp):
			os.Exit(2)
		case phasenoise.IsCancelled(err):
			logger.Warn("cancelled")
			os.Exit(130)
		}
		logger.Error(c.name, "err", err)
		os.Exit(1)
	}
	usage()
	os.Exit(2)
}

// common holds the flags every command shares.
type common struct {
	configPath string
	logLevel   string
}

func addCommon(fs *pflag.FlagSet) *common {
	c := &common{}
	fs.StringVar(&c.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error")
	return c
}

// load reads the configuration and applies the log level to logger.
func (c *common) load(logger *log.Logger) (config.Config, error) {
	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return cfg, err
		}
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
		if err := cfg.Validate(); err != nil {
			return cfg, err
		}
	}
	logger.SetLevel(cfg.Level())
	return cfg, nil
}

// overlay runs the setter of every flag given on the command line, so
// explicit flags win over the configuration file.
func overlay(fs *pflag.FlagSet, setters map[string]func()) {
	fs.Visit(func(f *pflag.Flag) {
		if set, ok := setters[f.Name]; ok {
			set()
		}
	})
}
