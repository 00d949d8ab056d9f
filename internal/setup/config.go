package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ConfigDir = "/etc/vmdesk"
var RuntimeDir = "/var/run/vmdesk"

var ConfigFile = filepath.Join(ConfigDir, "config.yaml")
var SocketPath = filepath.Join(RuntimeDir, "daemon.sock")

// Verify checks that the configuration file exists.
func Verify(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("file %s does not exist", path)
	}
	return nil
}

// WriteConfig writes contents to path unless a file is already there.
func WriteConfig(path string, contents []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(contents); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	setupLogger().Info("configuration written", "path", path)
	return f.Close()
}

func ClearConfig(path string) error {
	setupLogger().Info("clearing configuration file", "path", path)

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// PrepareSocket creates the socket directory and removes a stale socket left
// by a previous run.
func PrepareSocket(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	setupLogger().Debug("removing stale socket", "path", path)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}
