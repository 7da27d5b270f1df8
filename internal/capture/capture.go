// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package capture keeps a record of the bytes exchanged with remote
// endpoints, so that a stream that went out of sync can be inspected after
// the fact.
package capture

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ffutop/modbus-remote/internal/config"
	"github.com/ffutop/modbus-remote/transport"
)

const (
	defaultLines    = 1024
	defaultFileSize = 1 << 20

	timeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Recorder is a transport.Recorder whose content can be read back.
type Recorder interface {
	transport.Recorder

	// Lines returns the recorded entries, oldest first.
	Lines() []string

	// Close releases the underlying resources.
	Close() error
}

// New creates the recorder selected by cfg. It returns nil for type "none".
func New(cfg config.CaptureConfig) (Recorder, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		size := cfg.Size
		if size <= 0 {
			size = defaultLines
		}
		return NewMemoryRecorder(size), nil
	case "mmap":
		if cfg.Path == "" {
			return nil, fmt.Errorf("capture path is required for mmap recorder")
		}
		size := cfg.Size
		if size <= 0 {
			size = defaultFileSize
		}
		mr, err := OpenMmapRecorder(cfg.Path, size)
		if err != nil {
			return nil, err
		}
		return mr, nil
	default:
		return nil, fmt.Errorf("unknown capture type: %s", cfg.Type)
	}
}

// formatLine renders one entry as "time direction endpoint hex".
func formatLine(t time.Time, endpoint string, dir transport.Direction, b []byte) string {
	return fmt.Sprintf("%s %s %s %s", t.Format(timeLayout), dir, endpoint, hex.EncodeToString(b))
}
