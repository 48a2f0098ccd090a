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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-securecore/internal/password"
	"github.com/jeremyhahn/go-securecore/pkg/crypto/aead"
	"github.com/jeremyhahn/go-securecore/pkg/keymanager"
)

// errInvalidKeys makes "key validate" exit non-zero after printing.
var errInvalidKeys = errors.New("key configuration is invalid")

// passwordFlags selects the master password source for backup and restore.
type passwordFlags struct {
	env  string
	file string
}

func (f *passwordFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.env, "password-env", "",
		"environment variable holding the master password")
	cmd.Flags().StringVar(&f.file, "password-file", "",
		"file whose first line is the master password")
}

func (f *passwordFlags) read(cmd *cobra.Command, confirm bool) (*password.ClearPassword, error) {
	return password.Read(password.Source{
		Env:     f.env,
		File:    f.file,
		Prompt:  "Master password: ",
		Confirm: confirm,
		In:      os.Stdin,
		Out:     cmd.ErrOrStderr(),
	})
}

func newKeyCmd(opts *Options) *cobra.Command {
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage encryption and signing keys",
		Long:  `Generate, list, rotate, compromise, delete, back up, and restore keys`,
	}
	keyCmd.AddCommand(
		newKeyGenerateCmd(opts),
		newKeyListCmd(opts),
		newKeyInfoCmd(opts),
		newKeyRotateCmd(opts),
		newKeyCompromiseCmd(opts),
		newKeyDeleteCmd(opts),
		newKeyBackupCmd(opts),
		newKeyRestoreCmd(opts),
		newKeyValidateCmd(opts),
		newKeyAuditCmd(opts),
	)
	return keyCmd
}

// withKeys opens the application, runs fn against its key manager, and
// closes it so state is flushed even when fn fails.
func withKeys(cmd *cobra.Command, opts *Options, fn func(*keymanager.Manager, *Printer) error) (err error) {
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a.Keys, opts.printer(cmd))
}

func newKeyGenerateCmd(opts *Options) *cobra.Command {
	var purpose, algorithm string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new key",
		Long: `Generate a new key for a purpose. The first key for a purpose becomes
active; later keys stay inactive until a rotation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := keymanager.Purpose(purpose)
			if !p.Valid() {
				return fmt.Errorf("unknown purpose: %s", purpose)
			}
			alg, err := aead.ParseAlgorithm(algorithm)
			if err != nil {
				return err
			}
			return withKeys(cmd, opts, func(m *keymanager.Manager, pr *Printer) error {
				id, err := m.GenerateKey(p, alg)
				if err != nil {
					return fmt.Errorf("failed to generate key: %w", err)
				}
				printVerbose(cmd, opts, "generated %s key %s", p, id)
				md, err := m.GetKeyMetadata(id)
				if err != nil {
					return err
				}
				return pr.PrintKeyInfo(md)
			})
		},
	}
	cmd.Flags().StringVar(&purpose, "purpose", string(keymanager.PurposeEncryption), "key purpose (encryption, signing)")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "AEAD algorithm (auto, aes-256-gcm, chacha20-poly1305)")
	return cmd
}

func newKeyListCmd(opts *Options) *cobra.Command {
	var purpose, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List key metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := &keymanager.Filter{
				Purpose: keymanager.Purpose(purpose),
				Status:  keymanager.Status(status),
			}
			if filter.Purpose != "" && !filter.Purpose.Valid() {
				return fmt.Errorf("unknown purpose: %s", purpose)
			}
			switch filter.Status {
			case "", keymanager.StatusActive, keymanager.StatusInactive, keymanager.StatusCompromised:
			default:
				return fmt.Errorf("unknown status: %s", status)
			}
			return withKeys(cmd, opts, func(m *keymanager.Manager, pr *Printer) error {
				return pr.PrintKeyList(m.ListKeys(filter))
			})
		},
	}
	cmd.Flags().StringVar(&purpose, "purpose", "", "only keys with this purpose")
	cmd.Flags().StringVar(&status, "status", "", "only keys with this status (active, inactive, compromised)")
	return cmd
}

func newKeyInfoCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "info <key-id>",
		Short: "Show one key's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd, opts, func(m *keymanager.Manager, pr *Printer) error {
				md, err := m.GetKeyMetadata(args[0])
				if err != nil {
					return err
				}
				return pr.PrintKeyInfo(md)
			})
		},
	}
}

func newKeyRotateCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <key-id>",
		Short: "Replace a key with a fresh one of the same purpose",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd, opts, func(m *keymanager.Manager, pr *Printer) error {
				newID, err := m.RotateKey(args[0])
				if err != nil {
					return fmt.Errorf("failed to rotate key: %w", err)
				}
				md, err := m.GetKeyMetadata(newID)
				if err != nil {
					return err
				}
				return pr.PrintKeyInfo(md)
			})
		},
	}
}

func newKeyCompromiseCmd(opts *Options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "compromise <key-id>",
		Short: "Mark a key as compromised",
		Long: `Mark a key as compromised. It can still decrypt existing data but is
never used to encrypt or sign again. A compromised active key is replaced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd, opts, func(m *keymanager.Manager, pr *Printer) error {
				if err := m.CompromiseKey(args[0], reason); err != nil {
					return fmt.Errorf("failed to mark key compromised: %w", err)
				}
				return pr.PrintSuccess(fmt.Sprintf("Key %s marked compromised", args[0]))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the key")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newKeyDeleteCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an inactive or compromised key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd, opts, func(m *keymanager.Manager, pr *Printer) error {
				if err := m.DeleteKey(args[0]); err != nil {
					return fmt.Errorf("failed to delete key: %w", err)
				}
				return pr.PrintSuccess(fmt.Sprintf("Key %s deleted", args[0]))
			})
		},
	}
}

func newKeyBackupCmd(opts *Options) *cobra.Command {
	var out string
	var pw passwordFlags
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export every key encrypted under a master password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			master, err := pw.read(cmd, true)
			if err != nil {
				return err
			}
			defer master.Clear()

			return withKeys(cmd, opts, func(m *keymanager.Manager, pr *Printer) error {
				var backups []*keymanager.Backup
				if err := master.Use(func(b []byte) error {
					var err error
					backups, err = m.BackupKeys(b)
					return err
				}); err != nil {
					return fmt.Errorf("failed to back up keys: %w", err)
				}
				data, err := json.MarshalIndent(backups, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0600); err != nil {
					return fmt.Errorf("failed to write backup: %w", err)
				}
				return pr.PrintSuccess(fmt.Sprintf("Backed up %d keys to %s", len(backups), out))
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "backup file to write")
	_ = cmd.MarkFlagRequired("out")
	pw.register(cmd)
	return cmd
}

func newKeyRestoreCmd(opts *Options) *cobra.Command {
	var pw passwordFlags
	cmd := &cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Import keys from a backup file",
		Long: `Import keys from a file written by "key backup". A file holding a
single backup object is accepted too. Restored keys are inactive.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// #nosec G304 - path is supplied by the operator
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read backup: %w", err)
			}
			backups, err := parseBackups(data)
			if err != nil {
				return err
			}
			master, err := pw.read(cmd, false)
			if err != nil {
				return err
			}
			defer master.Clear()

			return withKeys(cmd, opts, func(m *keymanager.Manager, pr *Printer) error {
				var restored []string
				err := master.Use(func(b []byte) error {
					for _, bk := range backups {
						id, err := m.RestoreKey(bk, b)
						if err != nil {
							return fmt.Errorf("restore %s: %w", bk.KeyID, err)
						}
						restored = append(restored, id)
					}
					return nil
				})
				if err != nil {
					return err
				}
				return pr.PrintSuccess(fmt.Sprintf("Restored %d keys", len(restored)))
			})
		},
	}
	pw.register(cmd)
	return cmd
}

func parseBackups(data []byte) ([]*keymanager.Backup, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		b, err := keymanager.ParseBackup(data)
		if err != nil {
			return nil, err
		}
		return []*keymanager.Backup{b}, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse backup: %w", err)
	}
	out := make([]*keymanager.Backup, 0, len(raw))
	for _, r := range raw {
		b, err := keymanager.ParseBackup(r)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func newKeyValidateCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that every purpose has a usable active key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd, opts, func(m *keymanager.Manager, pr *Printer) error {
				res := m.ValidateConfiguration()
				if err := pr.PrintValidation(res); err != nil {
					return err
				}
				if !res.IsValid {
					return errInvalidKeys
				}
				return nil
			})
		},
	}
}

func newKeyAuditCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Summarize the key registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd, opts, func(m *keymanager.Manager, pr *Printer) error {
				return pr.PrintAudit(m.AuditReport())
			})
		},
	}
}
