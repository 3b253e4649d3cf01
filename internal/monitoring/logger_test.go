package monitoring

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func keepLogf(t *testing.T) {
	t.Helper()
	prev := Logf
	t.Cleanup(func() { Logf = prev })
}

func TestSetLoggerCapturesDiagnostics(t *testing.T) {
	keepLogf(t)

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	Logf("[App] using simulated %s", "delta stage")
	Logf("[Stage] position %d,%d,%d", 1, 2, 3)

	want := []string{"[App] using simulated delta stage", "[Stage] position 1,2,3"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %q", len(lines), len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestSetLoggerNilMutes(t *testing.T) {
	keepLogf(t)

	var buf strings.Builder
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	SetLogger(nil)
	Logf("[Laser] pulse %d", 1)
	if buf.Len() != 0 {
		t.Errorf("muted logger wrote %q", buf.String())
	}
}

func TestDefaultLogfWritesStandardLog(t *testing.T) {
	var buf strings.Builder
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	Logf("[Board] target %s", "running")
	if !strings.Contains(buf.String(), "[Board] target running") {
		t.Errorf("standard log got %q", buf.String())
	}
}

func TestSetupOutputRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.log")
	closer := SetupOutput(FileOptions{Path: path, MaxSizeMB: 1, MaxBackups: 1})
	defer log.SetOutput(os.Stderr)

	log.Printf("[Supervisor] laser armed")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "[Supervisor] laser armed") {
		t.Errorf("log file missing message, got %q", data)
	}
}

func TestSetupOutputStderrOnly(t *testing.T) {
	closer := SetupOutput(FileOptions{})
	if err := closer.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
