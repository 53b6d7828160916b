package setup

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// stubSystemctl records systemctl invocations and fails when fail is set.
func stubSystemctl(t *testing.T, fail bool) *[][]string {
	t.Helper()
	var calls [][]string
	orig := systemctl
	systemctl = func(args ...string) ([]byte, error) {
		calls = append(calls, args)
		if fail {
			return []byte("unit failed"), errors.New("exit status 1")
		}
		return nil, nil
	}
	t.Cleanup(func() { systemctl = orig })
	return &calls
}

func TestRenderUnit(t *testing.T) {
	home := "/home/kiosk"
	unit, err := RenderUnit(home, "/home/kiosk/.local/bin/shelfsync", "/home/kiosk/.config/shelfsync/config.yaml")
	if err != nil {
		t.Fatalf("RenderUnit: %v", err)
	}
	s := string(unit)
	for _, want := range []string{
		"ExecStart=/home/kiosk/.local/bin/shelfsync daemon --config /home/kiosk/.config/shelfsync/config.yaml",
		"ExecReload=/bin/kill -HUP $MAINPID",
		"EnvironmentFile=-/home/kiosk/.config/shelfsync/env",
		"WantedBy=default.target",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("unit missing %q:\n%s", want, s)
		}
	}
}

func TestWriteUnitAndRemove(t *testing.T) {
	home := t.TempDir()
	if err := WriteUnit(home, "/bin/shelfsync", "/etc/shelfsync.yaml"); err != nil {
		t.Fatalf("WriteUnit: %v", err)
	}
	data, err := os.ReadFile(UnitPath(home))
	if err != nil {
		t.Fatalf("reading unit: %v", err)
	}
	if !strings.Contains(string(data), "--config /etc/shelfsync.yaml") {
		t.Errorf("unit content = %q", data)
	}

	if err := RemoveUnit(home); err != nil {
		t.Fatalf("RemoveUnit: %v", err)
	}
	if _, err := os.Stat(UnitPath(home)); !os.IsNotExist(err) {
		t.Errorf("unit still present after RemoveUnit")
	}
	if err := RemoveUnit(home); err != nil {
		t.Errorf("second RemoveUnit: %v", err)
	}
}

func TestEnableDaemon(t *testing.T) {
	calls := stubSystemctl(t, false)
	if err := EnableDaemon(); err != nil {
		t.Fatalf("EnableDaemon: %v", err)
	}
	want := [][]string{{"daemon-reload"}, {"enable", "--now", UnitName}}
	if !reflect.DeepEqual(*calls, want) {
		t.Errorf("calls = %v, want %v", *calls, want)
	}
}

func TestEnableDaemon_Failure(t *testing.T) {
	stubSystemctl(t, true)
	err := EnableDaemon()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "unit failed") {
		t.Errorf("error %q should carry systemctl output", err)
	}
}

func TestDisableDaemon_NoUnitIsNoop(t *testing.T) {
	calls := stubSystemctl(t, true)
	if err := DisableDaemon(t.TempDir()); err != nil {
		t.Fatalf("DisableDaemon: %v", err)
	}
	if len(*calls) != 0 {
		t.Errorf("systemctl called %v for a missing unit", *calls)
	}
}

func TestDisableDaemon_StopsInstalledUnit(t *testing.T) {
	home := t.TempDir()
	if err := WriteUnit(home, "/bin/shelfsync", "/etc/shelfsync.yaml"); err != nil {
		t.Fatalf("WriteUnit: %v", err)
	}
	calls := stubSystemctl(t, false)
	if err := DisableDaemon(home); err != nil {
		t.Fatalf("DisableDaemon: %v", err)
	}
	want := [][]string{{"disable", "--now", UnitName}}
	if !reflect.DeepEqual(*calls, want) {
		t.Errorf("calls = %v, want %v", *calls, want)
	}
}

func TestIsDaemonActive(t *testing.T) {
	stubSystemctl(t, false)
	if !IsDaemonActive() {
		t.Error("IsDaemonActive = false with a succeeding systemctl")
	}
}

func TestPurgeUserData(t *testing.T) {
	home := t.TempDir()
	cfgDir := filepath.Join(home, ".config", BinaryName)
	dataDir := filepath.Join(home, ".local", "share", BinaryName)
	for _, d := range []string{cfgDir, dataDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(d, "f"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := PurgeUserData(home); err != nil {
		t.Fatalf("PurgeUserData: %v", err)
	}
	for _, d := range []string{cfgDir, dataDir} {
		if _, err := os.Stat(d); !os.IsNotExist(err) {
			t.Errorf("%s still exists", d)
		}
	}
}

func TestCopyFileAndRemoveBinary(t *testing.T) {
	home := t.TempDir()
	src := filepath.Join(home, "src")
	if err := os.WriteFile(src, []byte("binary"), 0o644); err != nil {
		t.Fatal(err)
	}
	dest := BinaryInstallPath(home)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := copyFile(src, dest, 0o755); err != nil {
		t.Fatalf("copyFile: %v", err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %o, want 755", info.Mode().Perm())
	}

	if err := RemoveBinary(home); err != nil {
		t.Fatalf("RemoveBinary: %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("binary still present")
	}
}
