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
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jeremyhahn/go-securecore/pkg/authguard"
	"github.com/jeremyhahn/go-securecore/pkg/keymanager"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText  OutputFormat = "text"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatTable OutputFormat = "table"
)

// ParseOutputFormat validates a --output value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case OutputFormatText, OutputFormatJSON, OutputFormatTable:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format: %s", s)
	}
}

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format OutputFormat, writer io.Writer) *Printer {
	return &Printer{
		format: format,
		writer: writer,
	}
}

// PrintKeyList prints key metadata. Key material is never part of the
// metadata, so nothing secret reaches the terminal.
func (p *Printer) PrintKeyList(keys []keymanager.KeyMetadata) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{"keys": keys})
	case OutputFormatTable:
		if len(keys) == 0 {
			fmt.Fprintln(p.writer, "No keys found")
			return nil
		}
		fmt.Fprintf(p.writer, "%-38s %-11s %-18s %-12s %-8s %-8s\n",
			"ID", "PURPOSE", "ALGORITHM", "STATUS", "ENCRYPT", "DECRYPT")
		fmt.Fprintln(p.writer, strings.Repeat("-", 100))
		for _, k := range keys {
			fmt.Fprintf(p.writer, "%-38s %-11s %-18s %-12s %-8d %-8d\n",
				k.ID, k.Purpose, k.Algorithm, k.Status, k.EncryptCount, k.DecryptCount)
		}
		return nil
	default:
		if len(keys) == 0 {
			fmt.Fprintln(p.writer, "No keys found")
			return nil
		}
		fmt.Fprintln(p.writer, "Keys:")
		for _, k := range keys {
			due := ""
			if k.RotationDue {
				due = ", rotation due"
			}
			fmt.Fprintf(p.writer, "  - %s (%s, %s, %s%s)\n", k.ID, k.Purpose, k.Algorithm, k.Status, due)
		}
		return nil
	}
}

// PrintKeyInfo prints one key's metadata.
func (p *Printer) PrintKeyInfo(k keymanager.KeyMetadata) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(k)
	}
	fmt.Fprintf(p.writer, "Key Information:\n")
	fmt.Fprintf(p.writer, "  ID:        %s\n", k.ID)
	fmt.Fprintf(p.writer, "  Purpose:   %s\n", k.Purpose)
	fmt.Fprintf(p.writer, "  Algorithm: %s\n", k.Algorithm)
	fmt.Fprintf(p.writer, "  Status:    %s\n", k.Status)
	fmt.Fprintf(p.writer, "  Created:   %s\n", k.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	if k.RotatedAt != nil {
		fmt.Fprintf(p.writer, "  Rotated:   %s\n", k.RotatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	if k.CompromiseReason != "" {
		fmt.Fprintf(p.writer, "  Reason:    %s\n", k.CompromiseReason)
	}
	return nil
}

// PrintValidation prints a key configuration check.
func (p *Printer) PrintValidation(v keymanager.ValidationResult) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(v)
	}
	if v.IsValid {
		fmt.Fprintln(p.writer, "Key configuration is valid")
		return nil
	}
	fmt.Fprintln(p.writer, "Key configuration is invalid:")
	for _, e := range v.Errors {
		fmt.Fprintf(p.writer, "  - %s\n", e)
	}
	return nil
}

// PrintAudit prints the key registry report.
func (p *Printer) PrintAudit(r *keymanager.AuditReport) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(r)
	}
	fmt.Fprintf(p.writer, "Total keys: %d\n", r.TotalKeys)
	for _, s := range []keymanager.Status{keymanager.StatusActive, keymanager.StatusInactive, keymanager.StatusCompromised} {
		fmt.Fprintf(p.writer, "  %-12s %d\n", s+":", r.ByStatus[s])
	}
	for _, purpose := range []keymanager.Purpose{keymanager.PurposeEncryption, keymanager.PurposeSigning} {
		active := r.ActiveKeys[purpose]
		if active == "" {
			active = "(none)"
		}
		fmt.Fprintf(p.writer, "Active %s key: %s\n", purpose, active)
	}
	if len(r.RotationDue) > 0 {
		fmt.Fprintf(p.writer, "Rotation due: %s\n", strings.Join(r.RotationDue, ", "))
	}
	for _, k := range r.Compromised {
		fmt.Fprintf(p.writer, "Compromised: %s (%s)\n", k.ID, k.CompromiseReason)
	}
	return p.PrintValidation(r.Validation)
}

// PrintStrength prints a strength assessment and optional breach result.
func (p *Printer) PrintStrength(s authguard.StrengthResult, breach *authguard.BreachResult) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]interface{}{
			"strength": s,
			"breach":   breach,
		})
	}
	fmt.Fprintf(p.writer, "Strength: %s (score %d)\n", s.Strength, s.Score)
	for _, f := range s.Feedback {
		fmt.Fprintf(p.writer, "  - %s\n", f)
	}
	if breach != nil {
		if breach.IsBreached {
			fmt.Fprintf(p.writer, "Breached: yes (%d occurrences)\n", breach.Occurrences)
		} else {
			fmt.Fprintln(p.writer, "Breached: no")
		}
	}
	return nil
}

// PrintHeaders prints header name/value pairs in the given order.
func (p *Printer) PrintHeaders(names []string, headers map[string]string) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(headers)
	}
	for _, n := range names {
		fmt.Fprintf(p.writer, "%s: %s\n", n, headers[n])
	}
	return nil
}

// PrintValue prints a single named value, such as a generated password.
func (p *Printer) PrintValue(name, value string) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]string{name: value})
	}
	fmt.Fprintln(p.writer, value)
	return nil
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]interface{}{
			"status":  "success",
			"message": message,
		})
	}
	fmt.Fprintln(p.writer, message)
	return nil
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	}
	fmt.Fprintf(p.writer, "Error: %v\n", err)
	return nil
}

func (p *Printer) printJSON(v interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
