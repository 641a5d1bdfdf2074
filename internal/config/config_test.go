package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, &Config{DefaultProfile: "work"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	data := `
[server]
base_url = "https://crm.example.com/api"
ws_url = "wss://crm.example.com/ws"
token = "from-file"
sector = "12"

[sync]
debounce = "2s"
page_size = 20

[unread]
status_means = "unread"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(TokenEnv, "")

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Server.Sector != "12" || p.Server.Token != "from-file" {
		t.Errorf("server = %+v", p.Server)
	}
	if p.Sync.Debounce.Duration != 2*time.Second || p.Sync.PageSize != 20 {
		t.Errorf("sync = %+v", p.Sync)
	}
	if p.Sync.ReconcileWindow.Duration != 15*time.Second {
		t.Errorf("reconcile window default = %v", p.Sync.ReconcileWindow)
	}
	if p.Unread.StatusMeans != "unread" || p.Unread.StaleDeltaWindow.Duration != 3*time.Second {
		t.Errorf("unread = %+v", p.Unread)
	}
}

func TestLoadProfileMissingUsesDefaults(t *testing.T) {
	t.Setenv(TokenEnv, "from-env")
	p, err := LoadProfile(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if p.Server.Token != "from-env" {
		t.Errorf("token = %q, want env override", p.Server.Token)
	}
	if p.Sync.Debounce.Duration != 1500*time.Millisecond || p.Unread.StatusMeans != "viewed" {
		t.Errorf("defaults not applied: %+v", p)
	}
}

func TestLoadProfileBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	if err := os.WriteFile(path, []byte("[sync]\ndebounce = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfile(path); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestProfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	in := &Profile{Server: Server{Sector: "3"}}
	in.Sync.Debounce.Duration = 750 * time.Millisecond
	if err := Save(path, in); err != nil {
		t.Fatal(err)
	}
	t.Setenv(TokenEnv, "")
	out, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if out.Sync.Debounce.Duration != 750*time.Millisecond || out.Server.Sector != "3" {
		t.Errorf("profile = %+v", out)
	}
}
