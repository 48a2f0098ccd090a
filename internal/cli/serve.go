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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-securecore/internal/app"
	"github.com/jeremyhahn/go-securecore/internal/server"
)

func newServeCmd(opts *Options) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the administrative HTTP server",
		Long: `Run the HTTP server exposing health, metrics, and the /v1 key and
security endpoints. SIGINT and SIGTERM trigger a graceful shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			appOpts := opts.App
			if appOpts.LogWriter == nil {
				appOpts.LogWriter = cmd.ErrOrStderr()
			}
			a, err := app.New(ctx, cfg, &appOpts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			srv, err := server.New(a)
			if err != nil {
				return err
			}
			a.Start(ctx)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "listen address (overrides server.address)")
	return cmd
}
