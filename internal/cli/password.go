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

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-securecore/internal/password"
	"github.com/jeremyhahn/go-securecore/pkg/authguard"
)

func newPasswordCmd(opts *Options) *cobra.Command {
	passwordCmd := &cobra.Command{
		Use:   "password",
		Short: "Check and generate passwords",
	}
	passwordCmd.AddCommand(newPasswordCheckCmd(opts), newPasswordGenerateCmd(opts))
	return passwordCmd
}

func newPasswordCheckCmd(opts *Options) *cobra.Command {
	var breach bool
	var envName string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Score a password and optionally look it up in the breach corpus",
		Long: `Score a password. The password is read from --password-env or the
terminal, never from arguments. --breach sends the first five hex digits
of its SHA-1 to the configured range endpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := password.Read(password.Source{
				Env:    envName,
				Prompt: "Password: ",
				In:     os.Stdin,
				Out:    cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			defer pw.Clear()
			plain := string(pw.Bytes())

			if !breach {
				return opts.printer(cmd).PrintStrength(authguard.ValidateStrength(plain), nil)
			}

			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res, err := a.Guard.CheckBreach(cmdContext(cmd), plain)
			if err != nil {
				return err
			}
			return opts.printer(cmd).PrintStrength(a.Guard.ValidateStrength(plain), &res)
		},
	}
	cmd.Flags().BoolVar(&breach, "breach", false, "check the breach corpus")
	cmd.Flags().StringVar(&envName, "password-env", "", "environment variable holding the password")
	return cmd
}

func newPasswordGenerateCmd(opts *Options) *cobra.Command {
	var length int
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a random password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := authguard.GenerateSecurePassword(length)
			if err != nil {
				return err
			}
			return opts.printer(cmd).PrintValue("password", pw)
		},
	}
	cmd.Flags().IntVar(&length, "length", 20, "password length")
	return cmd
}
