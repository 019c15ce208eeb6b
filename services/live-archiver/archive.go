package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"greenhouse-telemetry/internal/broadcast"
)

// Archive appends broadcast events to per-device JSON Lines files.
// Each write opens and closes the file; logrotate may move files at any time.
type Archive struct {
	dir string
	mu  sync.Mutex
}

// NewArchive creates dir if needed.
func NewArchive(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Archive{dir: dir}, nil
}

// Append decodes one broadcast payload and appends it to the device's file.
// It returns the file written.
func (a *Archive) Append(payload []byte) (string, error) {
	e, err := broadcast.DecodeEvent(payload)
	if err != nil {
		return "", fmt.Errorf("decode event: %w", err)
	}
	if e.Type != broadcast.EventReading {
		return "", fmt.Errorf("unexpected event type %q", e.Type)
	}
	name := FileName(e.Reading.DeviceID)
	if name == "" {
		return "", errors.New("event without device id")
	}

	line, err := e.Encode()
	if err != nil {
		return "", err
	}

	path := filepath.Join(a.dir, name)
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", err
	}
	return path, nil
}

// FileName maps a device id to a safe file name. Anything outside
// [A-Za-z0-9._-] becomes '_' and leading dots are dropped.
func FileName(deviceID string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(deviceID) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	if name == "" {
		return ""
	}
	return name + ".jsonl"
}
