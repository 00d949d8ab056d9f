package setup

import (
	"bytes"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	defer SetLogger(nil)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteConfig(path, []byte("log:\n  level: info\n")); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "component=setup") || !strings.Contains(out, "configuration written") {
		t.Fatalf("setup log = %q", out)
	}
}

func TestWriteConfigDoesNotOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")

	if err := Verify(path); err == nil {
		t.Fatal("Verify() succeeded for a missing file")
	}
	if err := WriteConfig(path, []byte("vnc:\n  port: 5901\n")); err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}
	if err := Verify(path); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := WriteConfig(path, []byte("other")); err == nil {
		t.Fatal("WriteConfig() overwrote an existing file")
	}
	data, _ := os.ReadFile(path)
	if string(data) != "vnc:\n  port: 5901\n" {
		t.Fatalf("config contents = %q", data)
	}

	if err := ClearConfig(path); err != nil {
		t.Fatalf("ClearConfig() error = %v", err)
	}
	if err := ClearConfig(path); err != nil {
		t.Fatalf("ClearConfig() on missing file error = %v", err)
	}
}

func TestPrepareSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run", "d.sock")

	if err := PrepareSocket(path); err != nil {
		t.Fatalf("PrepareSocket() error = %v", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	// Leave the socket file behind the way a crashed daemon would.
	listener.(*net.UnixListener).SetUnlinkOnClose(false)
	listener.Close()

	if err := PrepareSocket(path); err != nil {
		t.Fatalf("PrepareSocket() with stale socket error = %v", err)
	}
	if _, err := os.Lstat(path); !os.IsNotExist(err) {
		t.Fatalf("stale socket still present: %v", err)
	}

	regular := filepath.Join(dir, "plain")
	if err := os.WriteFile(regular, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := PrepareSocket(regular); err == nil {
		t.Fatal("PrepareSocket() removed a regular file")
	}
}
