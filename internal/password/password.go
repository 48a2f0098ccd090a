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

// Package password handles master passwords for key backup and restore:
// reading them from the environment, a file, or the terminal, and zeroing
// them once used.
package password

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

var (
	// ErrEmptyPassword is returned when an empty password is provided.
	ErrEmptyPassword = errors.New("password cannot be empty")

	// ErrPasswordZeroed is returned when the password has been zeroed.
	ErrPasswordZeroed = errors.New("password has been zeroed")

	// ErrMismatch is returned when a confirmation prompt does not match.
	ErrMismatch = errors.New("passwords do not match")
)

// ClearPassword holds a password in memory until Clear is called.
type ClearPassword struct {
	password []byte
}

// New copies password into a ClearPassword.
func New(password []byte) (*ClearPassword, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	p := make([]byte, len(password))
	copy(p, password)
	return &ClearPassword{password: p}, nil
}

// Bytes returns a copy of the password, or nil after Clear.
func (p *ClearPassword) Bytes() []byte {
	if p.password == nil {
		return nil
	}
	out := make([]byte, len(p.password))
	copy(out, p.password)
	return out
}

// Use calls fn with the password bytes and zeroes the copy afterwards.
func (p *ClearPassword) Use(fn func([]byte) error) error {
	b := p.Bytes()
	if b == nil {
		return ErrPasswordZeroed
	}
	defer Zero(b)
	return fn(b)
}

// Clear zeroes the password. It is irreversible.
func (p *ClearPassword) Clear() {
	if p.password != nil {
		Zero(p.password)
		p.password = nil
	}
}

// Equal compares two passwords in constant time.
func Equal(a, b *ClearPassword) (bool, error) {
	if a.password == nil || b.password == nil {
		return false, ErrPasswordZeroed
	}
	return subtle.ConstantTimeCompare(a.password, b.password) == 1, nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Source describes where a master password comes from. The first non-empty
// of Env, File, and the terminal prompt wins.
type Source struct {
	// Env names an environment variable holding the password.
	Env string

	// File is a path whose first line is the password.
	File string

	// Prompt is written to Out before reading from the terminal.
	Prompt string

	// Confirm asks twice on the terminal and requires both to match.
	Confirm bool

	In  *os.File
	Out io.Writer
}

// Read obtains the password described by s.
func Read(s Source) (*ClearPassword, error) {
	if s.Env != "" {
		if v, ok := os.LookupEnv(s.Env); ok && v != "" {
			return New([]byte(v))
		}
	}
	if s.File != "" {
		// #nosec G304 - path is supplied by the operator
		data, err := os.ReadFile(s.File)
		if err != nil {
			return nil, fmt.Errorf("read password file: %w", err)
		}
		defer Zero(data)
		if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
			data = data[:i]
		}
		return New(data)
	}
	return prompt(s)
}

func prompt(s Source) (*ClearPassword, error) {
	in := s.In
	if in == nil {
		in = os.Stdin
	}
	out := s.Out
	if out == nil {
		out = os.Stderr
	}
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("no password source configured and stdin is not a terminal")
	}

	label := s.Prompt
	if label == "" {
		label = "Master password: "
	}
	fmt.Fprint(out, label)
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	defer Zero(first)

	if s.Confirm {
		fmt.Fprint(out, "Confirm password: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		defer Zero(second)
		if subtle.ConstantTimeCompare(first, second) != 1 {
			return nil, ErrMismatch
		}
	}
	return New(first)
}
