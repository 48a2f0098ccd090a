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
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the root command and reports any error on stderr.
func Execute() error {
	opts := NewOptions()
	cmd := newRootCmd(opts)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		printer := NewPrinter(opts.format(), os.Stderr)
		_ = printer.PrintError(err) // Error printing to stderr is best-effort
		return err
	}
	return nil
}

func newRootCmd(opts *Options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "securecore",
		Short: "go-securecore CLI - key management and authentication security",
		Long: `securecore manages the encryption and signing key registry, checks
password strength and breach exposure, prints the transport security
headers, and runs the administrative HTTP server.

Configuration is read from --config and then overridden by SECURECORE_*
environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			f, err := ParseOutputFormat(opts.OutputFormat)
			if err != nil {
				return err
			}
			opts.OutputFormat = string(f)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "",
		"config file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&opts.OutputFormat, "output", "o", "text",
		"output format (text, json, table)")
	rootCmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false,
		"verbose output")

	rootCmd.AddCommand(newVersionCmd(opts))
	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newKeyCmd(opts))
	rootCmd.AddCommand(newPasswordCmd(opts))
	rootCmd.AddCommand(newHeadersCmd(opts))
	return rootCmd
}

// printVerbose prints a message if verbose mode is enabled
func printVerbose(cmd *cobra.Command, opts *Options, format string, args ...interface{}) {
	if opts.Verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "[VERBOSE] "+format+"\n", args...)
	}
}
