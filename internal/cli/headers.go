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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-securecore/pkg/transport"
)

func newHeadersCmd(opts *Options) *cobra.Command {
	var validate string
	cmd := &cobra.Command{
		Use:   "headers",
		Short: "Print the security response headers for the configured policy",
		Long: `Print the security headers the server attaches to responses. With
--validate-csp, analyze a Content-Security-Policy value instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pr := opts.printer(cmd)
			if validate != "" {
				res := transport.ValidateCSP(validate)
				if opts.format() == OutputFormatJSON {
					return pr.printJSON(res)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Valid: %t\n", res.IsValid)
				for _, e := range res.Errors {
					fmt.Fprintf(w, "  error: %s\n", e)
				}
				for _, warn := range res.Warnings {
					fmt.Fprintf(w, "  warning: %s\n", warn)
				}
				return nil
			}

			cfg, err := opts.loadConfig(true)
			if err != nil {
				return err
			}
			policy, err := transport.New(&cfg.Transport)
			if err != nil {
				return err
			}
			return pr.PrintHeaders(policy.HeaderNames(), policy.SecurityHeaders())
		},
	}
	cmd.Flags().StringVar(&validate, "validate-csp", "", "Content-Security-Policy value to analyze")
	return cmd
}
