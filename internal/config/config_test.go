package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
paths:
  state_dir: "/home/user/.local/state/pismo"

scan:
  workers: 8

serve:
  listen_addr: "127.0.0.1:9000"

log:
  file: "/var/log/pismo/pismo.log"
  max_backups: 5

remotes:
  laptop:
    url: "http://laptop:48880"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Paths.StateDir != "/home/user/.local/state/pismo" {
		t.Errorf("unexpected state dir %s", cfg.Paths.StateDir)
	}
	if cfg.Scan.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Scan.Workers)
	}
	if cfg.Serve.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("unexpected listen addr %s", cfg.Serve.ListenAddr)
	}
	if cfg.Log.MaxBackups != 5 || cfg.Log.MaxSizeMB != 10 || cfg.Log.MaxAgeDays != 28 {
		t.Errorf("unexpected log settings %+v", cfg.Log)
	}
	if got := cfg.RemoteURLs(); !reflect.DeepEqual(got, map[string]string{"laptop": "http://laptop:48880"}) {
		t.Errorf("unexpected remotes %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/xdg/state")
	path := writeConfig(t, "{}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Paths.StateDir != "/xdg/state/pismo" {
		t.Errorf("expected XDG state dir, got %s", cfg.Paths.StateDir)
	}
	if cfg.Scan.Workers != DefaultWorkers {
		t.Errorf("expected %d workers, got %d", DefaultWorkers, cfg.Scan.Workers)
	}
	if cfg.Serve.ListenAddr != DefaultListenAddr {
		t.Errorf("expected %s, got %s", DefaultListenAddr, cfg.Serve.ListenAddr)
	}
}

func TestDefault(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_STATE_HOME", "")
	t.Setenv("HOME", home)

	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default failed: %v", err)
	}
	if want := filepath.Join(home, ".local", "state", "pismo"); cfg.Paths.StateDir != want {
		t.Errorf("state dir = %s, want %s", cfg.Paths.StateDir, want)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("PISMO_TEST_STATE", "/srv/pismo")
	t.Setenv("PISMO_TEST_HOST", "nas.lan")

	path := writeConfig(t, `
paths:
  state_dir: "${PISMO_TEST_STATE}/state"
remotes:
  nas:
    url: "http://${PISMO_TEST_HOST}:48880"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Paths.StateDir != "/srv/pismo/state" {
		t.Errorf("state dir not expanded: %s", cfg.Paths.StateDir)
	}
	if cfg.Remotes["nas"].URL != "http://nas.lan:48880" {
		t.Errorf("remote url not expanded: %s", cfg.Remotes["nas"].URL)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeConfig(t, "paths: [not, a, map]\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Paths: PathsConfig{StateDir: "/absolute/state"},
			Scan:  ScanConfig{Workers: 2},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing state dir", mutate: func(c *Config) { c.Paths.StateDir = "" }, wantErr: true},
		{name: "relative state dir", mutate: func(c *Config) { c.Paths.StateDir = "state" }, wantErr: true},
		{name: "zero workers", mutate: func(c *Config) { c.Scan.Workers = 0 }, wantErr: true},
		{name: "relative log file", mutate: func(c *Config) { c.Log.File = "pismo.log" }, wantErr: true},
		{name: "negative rotation", mutate: func(c *Config) { c.Log.MaxBackups = -1 }, wantErr: true},
		{
			name: "remote",
			mutate: func(c *Config) {
				c.Remotes = map[string]RemoteConfig{"laptop": {URL: "http://laptop:48880"}}
			},
		},
		{
			name: "remote without url",
			mutate: func(c *Config) {
				c.Remotes = map[string]RemoteConfig{"laptop": {}}
			},
			wantErr: true,
		},
		{
			name: "invalid remote name",
			mutate: func(c *Config) {
				c.Remotes = map[string]RemoteConfig{"my laptop": {URL: "http://x"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRemoteNamesSorted(t *testing.T) {
	cfg := Config{Remotes: map[string]RemoteConfig{"b": {}, "a": {}, "c": {}}}
	if got := cfg.RemoteNames(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("RemoteNames() = %v", got)
	}
}
