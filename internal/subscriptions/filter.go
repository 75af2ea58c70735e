// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package subscriptions

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Hyper-Int/devbridge/internal/protocol"
)

// LogFilter selects log entries. Absent terms impose no constraint.
type LogFilter struct {
	levels  map[string]struct{}
	pattern *regexp.Regexp
	source  string
}

// NewLogFilter builds a filter. pattern is matched case-insensitively
// against the message; source must match exactly.
func NewLogFilter(levels []string, pattern, source string) (LogFilter, error) {
	f := LogFilter{source: source}
	if len(levels) > 0 {
		f.levels = make(map[string]struct{}, len(levels))
		for _, l := range levels {
			f.levels[strings.ToLower(l)] = struct{}{}
		}
	}
	if pattern != "" {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return LogFilter{}, fmt.Errorf("invalid pattern: %w", err)
		}
		f.pattern = re
	}
	return f, nil
}

// Match reports whether every present term accepts e.
func (f LogFilter) Match(e protocol.LogEntry) bool {
	if f.levels != nil {
		if _, ok := f.levels[strings.ToLower(e.Level)]; !ok {
			return false
		}
	}
	if f.pattern != nil && !f.pattern.MatchString(e.Message) {
		return false
	}
	if f.source != "" && f.source != e.Source {
		return false
	}
	return true
}
