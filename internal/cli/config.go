// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-securecore.
//
// go-securecore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-securecore/internal/app"
	"github.com/jeremyhahn/go-securecore/internal/config"
)

// Options holds global CLI configuration
type Options struct {
	// ConfigFile is the path to the configuration file
	ConfigFile string

	// OutputFormat controls output formatting (json, text, table)
	OutputFormat string

	// Verbose enables verbose logging
	Verbose bool

	// App is passed to app.New. Tests use it to inject a logger and a
	// breach client.
	App app.Options
}

// NewOptions creates Options with default values
func NewOptions() *Options {
	return &Options{OutputFormat: string(OutputFormatText)}
}

func (o *Options) format() OutputFormat {
	f, err := ParseOutputFormat(o.OutputFormat)
	if err != nil {
		return OutputFormatText
	}
	return f
}

func (o *Options) printer(cmd *cobra.Command) *Printer {
	return NewPrinter(o.format(), cmd.OutOrStdout())
}

// loadConfig reads --config and the environment. One-shot commands log at
// warn unless --verbose is given.
func (o *Options) loadConfig(quiet bool) (*config.Config, error) {
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return nil, err
	}
	if quiet && !o.Verbose {
		cfg.Logging.Level = "warn"
	}
	if o.Verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// openApp builds the application for a one-shot command. The caller must
// Close it so usage counters reach storage.
func (o *Options) openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.loadConfig(true)
	if err != nil {
		return nil, err
	}
	appOpts := o.App
	appOpts.AllowInvalidKeys = true
	if appOpts.LogWriter == nil {
		appOpts.LogWriter = cmd.ErrOrStderr()
	}
	a, err := app.New(cmdContext(cmd), cfg, &appOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return a, nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
