package setup

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

const (
	// BinaryName is the name of the installed binary.
	BinaryName = "shelfsync"

	// UnitName is the systemd user unit that runs the daemon.
	UnitName = "shelfsync.service"
)

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=shelfsync inventory sync daemon
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} daemon --config {{.ConfigPath}}
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=10
{{- if .EnvFile}}
EnvironmentFile=-{{.EnvFile}}
{{- end}}

[Install]
WantedBy=default.target
`))

// unitData holds template values for the systemd unit.
type unitData struct {
	BinaryPath string
	ConfigPath string
	EnvFile    string
}

// systemctl runs a systemctl --user command. Tests replace it.
var systemctl = func(args ...string) ([]byte, error) {
	//nolint:gosec // fixed binary, arguments built from constants and paths
	return exec.Command("systemctl", append([]string{"--user"}, args...)...).CombinedOutput()
}

// BinaryInstallPath returns ~/.local/bin/shelfsync.
func BinaryInstallPath(homeDir string) string {
	return filepath.Join(homeDir, ".local", "bin", BinaryName)
}

// UnitPath returns ~/.config/systemd/user/shelfsync.service.
func UnitPath(homeDir string) string {
	return filepath.Join(homeDir, ".config", "systemd", "user", UnitName)
}

// EnvFilePath returns the optional environment file the unit loads:
// ~/.config/shelfsync/env. It may carry SHELFSYNC_* overrides.
func EnvFilePath(homeDir string) string {
	return filepath.Join(homeDir, ".config", BinaryName, "env")
}

// InstallBinary copies the currently-running binary to ~/.local/bin.
func InstallBinary(homeDir string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving current executable path: %w", err)
	}

	// Resolve symlinks so we copy the actual binary.
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return fmt.Errorf("resolving executable symlinks: %w", err)
	}

	dest := BinaryInstallPath(homeDir)
	if self == dest {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}
	return copyFile(self, dest, 0o755)
}

// RenderUnit renders the systemd unit for the given binary and config file.
func RenderUnit(homeDir, binaryPath, configPath string) ([]byte, error) {
	data := unitData{
		BinaryPath: binaryPath,
		ConfigPath: configPath,
		EnvFile:    EnvFilePath(homeDir),
	}
	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("executing unit template: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteUnit renders the unit and writes it to ~/.config/systemd/user/.
func WriteUnit(homeDir, binaryPath, configPath string) error {
	unit, err := RenderUnit(homeDir, binaryPath, configPath)
	if err != nil {
		return err
	}

	dest := UnitPath(homeDir)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating systemd user directory: %w", err)
	}
	if err := os.WriteFile(dest, unit, 0o644); err != nil {
		return fmt.Errorf("writing unit to %s: %w", dest, err)
	}
	return nil
}

// EnableDaemon reloads systemd and starts the unit now and on every login.
func EnableDaemon() error {
	if out, err := systemctl("daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %s: %w", strings.TrimSpace(string(out)), err)
	}
	if out, err := systemctl("enable", "--now", UnitName); err != nil {
		return fmt.Errorf("systemctl enable: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// DisableDaemon stops and disables the unit. A missing unit is not an error.
func DisableDaemon(homeDir string) error {
	if _, err := os.Stat(UnitPath(homeDir)); os.IsNotExist(err) {
		return nil // nothing to stop
	}
	if out, err := systemctl("disable", "--now", UnitName); err != nil {
		return fmt.Errorf("systemctl disable: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// ReloadDaemon asks the running daemon for an immediate sync pass.
func ReloadDaemon() error {
	if out, err := systemctl("reload", UnitName); err != nil {
		return fmt.Errorf("systemctl reload: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// IsDaemonActive reports whether the unit is currently running.
func IsDaemonActive() bool {
	_, err := systemctl("is-active", "--quiet", UnitName)
	return err == nil
}

// RemoveUnit deletes the unit file.
func RemoveUnit(homeDir string) error {
	path := UnitPath(homeDir)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit %s: %w", path, err)
	}
	return nil
}

// RemoveBinary deletes the installed binary from ~/.local/bin.
func RemoveBinary(homeDir string) error {
	path := BinaryInstallPath(homeDir)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing binary %s: %w", path, err)
	}
	return nil
}

// PurgeUserData removes the config directory and the record store.
func PurgeUserData(homeDir string) error {
	dirs := []string{
		filepath.Join(homeDir, ".config", BinaryName),
		filepath.Join(homeDir, ".local", "share", BinaryName),
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// copyFile copies src to dst with the given permissions.
func copyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}
