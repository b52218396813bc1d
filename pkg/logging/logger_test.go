// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"Warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelString(t *testing.T) {
	if LevelWarn.String() != "WARN" {
		t.Errorf("LevelWarn.String() = %q, want WARN", LevelWarn.String())
	}
	if Level(99).String() != "UNKNOWN" {
		t.Errorf("Level(99).String() = %q, want UNKNOWN", Level(99).String())
	}
}

func TestFileLogging(t *testing.T) {
	t.Run("creates log file and writes JSON entries", func(t *testing.T) {
		dir := t.TempDir()
		logger, err := New(Config{
			Level:   LevelInfo,
			LogDir:  dir,
			Service: "landing-worker",
			Quiet:   true,
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		logger.Info("job started", "job_id", 42)
		logger.Debug("filtered out")
		if err := logger.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}

		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) != 1 {
			t.Fatalf("expected one log file, got %d (err=%v)", len(entries), err)
		}
		name := entries[0].Name()
		if !strings.HasPrefix(name, "landing-worker_") || !strings.HasSuffix(name, ".log") {
			t.Errorf("unexpected log file name %q", name)
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 1 {
			t.Fatalf("expected 1 entry (debug filtered), got %d", len(lines))
		}

		var entry map[string]any
		if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if entry["msg"] != "job started" {
			t.Errorf("msg = %v, want %q", entry["msg"], "job started")
		}
		if entry["service"] != "landing-worker" {
			t.Errorf("service = %v, want landing-worker", entry["service"])
		}
		if entry["job_id"] != float64(42) {
			t.Errorf("job_id = %v, want 42", entry["job_id"])
		}
	})

	t.Run("close is idempotent", func(t *testing.T) {
		logger, err := New(Config{LogDir: t.TempDir(), Quiet: true})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := logger.Close(); err != nil {
			t.Fatalf("first Close: %v", err)
		}
		if err := logger.Close(); err != nil {
			t.Errorf("second Close: %v", err)
		}
	})
}

func TestWithAddsAttributes(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{LogDir: dir, Quiet: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	child := logger.With("repo", "autoland-target")
	child.Info("lease acquired")
	logger.Close()

	entries, _ := os.ReadDir(dir)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"repo":"autoland-target"`) {
		t.Errorf("child attribute missing from output: %s", data)
	}
}
