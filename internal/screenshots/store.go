// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package screenshots writes auto-capture images received from runtimes.
package screenshots

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var (
	ErrEmptyImage    = errors.New("empty image data")
	ErrInvalidFormat = errors.New("invalid image format")
)

var formatPattern = regexp.MustCompile(`^[a-z0-9]{1,8}$`)

// Store saves images under a directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory is created lazily.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Save decodes data (raw base64 or a data: URL) and writes it to disk. The
// returned path is absolute when the store directory is.
func (s *Store) Save(sequence uint64, format, data string) (string, error) {
	payload, detected := stripDataURL(data)
	if payload == "" {
		return "", ErrEmptyImage
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	if format == "" {
		format = detected
	}
	if format == "" {
		format = "png"
	}
	format = strings.ToLower(format)
	if !formatPattern.MatchString(format) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}
	name := fmt.Sprintf("hmr-%06d-%d.%s", sequence, time.Now().UnixMilli(), format)
	path := filepath.Join(s.dir, name)
	if filepath.Dir(path) != filepath.Clean(s.dir) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}

// stripDataURL returns the base64 payload and the image subtype, if any.
func stripDataURL(data string) (string, string) {
	if !strings.HasPrefix(data, "data:") {
		return data, ""
	}
	header, payload, ok := strings.Cut(data, ",")
	if !ok {
		return "", ""
	}
	mime := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	_, subtype, _ := strings.Cut(mime, "/")
	if subtype == "jpeg" {
		subtype = "jpg"
	}
	return payload, subtype
}
