// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package pty

import (
	"os"
	"path/filepath"
)

// DefaultShell returns the shell used when none is configured. Honors
// SHELL, otherwise /bin/sh.
func DefaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// shellArgs turns off line editing and startup files so that command
// output is not interleaved with prompt redraws.
func shellArgs(shell string) []string {
	switch filepath.Base(shell) {
	case "bash":
		return []string{"--noediting", "--norc", "--noprofile"}
	case "zsh":
		return []string{"--no-zle", "--no-rcs"}
	default:
		return nil
	}
}
