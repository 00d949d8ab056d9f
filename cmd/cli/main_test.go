package main

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var levelVar slog.LevelVar
	root := newRootCommand(slog.New(slog.NewTextHandler(io.Discard, nil)), &levelVar)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestKeysymCommand(t *testing.T) {
	out, err := runCLI(t, "keysym", "a", "Control_L", "enter")
	if err != nil {
		t.Fatalf("keysym error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("output = %q", out)
	}
	for i, want := range []string{"a\t0x0061\t", "Control_L\t0xffe3\tControl_L", "enter\t0xfe34\t"} {
		if !strings.HasPrefix(lines[i], want) {
			t.Fatalf("line %d = %q, want prefix %q", i, lines[i], want)
		}
	}

	if _, err := runCLI(t, "keysym", "NoSuchKey"); err == nil {
		t.Fatal("expected error for unknown key name")
	}
}

func TestInvalidArgumentsFailBeforeDialing(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "absent.sock")
	testCases := [][]string{
		{"mouse", "move", "70000", "1"},
		{"mouse", "click", "1", "1", "--button", "thumb"},
		{"backspace", "-3"},
		{"power", "explode"},
		{"autorestart", "maybe"},
		{"vm", "set-current", " "},
		{"vm", "create", "extra"},
		{"vm", "set-parent"},
	}
	for _, args := range testCases {
		_, err := runCLI(t, append(args, "--socket", socket)...)
		if err == nil {
			t.Fatalf("%v succeeded", args)
		}
		if strings.Contains(err.Error(), "connect to daemon") {
			t.Fatalf("%v dialed the daemon before validating: %v", args, err)
		}
	}
}

func TestUnknownLogLevel(t *testing.T) {
	if _, err := runCLI(t, "--log-level", "loud", "keysym", "a"); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestSetupWritesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	out, err := runCLI(t, "setup", "--config", path)
	if err != nil {
		t.Fatalf("setup error = %v", err)
	}
	if strings.TrimSpace(out) != path {
		t.Fatalf("setup output = %q", out)
	}
	// A second run leaves the file alone.
	if out, err := runCLI(t, "setup", "--config", path); err != nil || out != "" {
		t.Fatalf("second setup = %q, %v", out, err)
	}
	if _, err := runCLI(t, "setup", "--config", path, "--clear"); err != nil {
		t.Fatalf("setup --clear error = %v", err)
	}
}
