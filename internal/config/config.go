package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TokenEnv overrides the profile token when set.
const TokenEnv = "SECTORSYNC_TOKEN"

// Config represents the global ~/.sectorsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Profile is one profiles/<name>/profile.toml: which server and sector to
// sync, and the sync tunables.
type Profile struct {
	Server Server `toml:"server"`
	Sync   Sync   `toml:"sync"`
	Unread Unread `toml:"unread"`
}

type Server struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
	Token   string `toml:"token"`
	Sector  string `toml:"sector"`
}

type Sync struct {
	Debounce        Duration `toml:"debounce"`
	PageSize        int      `toml:"page_size"`
	ReconcileWindow Duration `toml:"reconcile_window"`
	SendTimeout     Duration `toml:"send_timeout"`
}

type Unread struct {
	// StatusMeans is "viewed" (server map true = read) or "unread".
	StatusMeans      string   `toml:"status_means"`
	StaleDeltaWindow Duration `toml:"stale_delta_window"`
}

// Duration is a time.Duration written as "1.5s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProfile reads a profile file and applies defaults and the token
// override. A missing file yields a default profile.
func LoadProfile(path string) (*Profile, error) {
	var p Profile
	if _, err := toml.DecodeFile(path, &p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load profile %s: %w", path, err)
	}
	if tok := os.Getenv(TokenEnv); tok != "" {
		p.Server.Token = tok
	}
	p.withDefaults()
	return &p, nil
}

func (p *Profile) withDefaults() {
	if p.Sync.Debounce.Duration <= 0 {
		p.Sync.Debounce.Duration = 1500 * time.Millisecond
	}
	if p.Sync.PageSize <= 0 {
		p.Sync.PageSize = 50
	}
	if p.Sync.ReconcileWindow.Duration <= 0 {
		p.Sync.ReconcileWindow.Duration = 15 * time.Second
	}
	if p.Sync.SendTimeout.Duration <= 0 {
		p.Sync.SendTimeout.Duration = 30 * time.Second
	}
	if p.Unread.StatusMeans == "" {
		p.Unread.StatusMeans = "viewed"
	}
	if p.Unread.StaleDeltaWindow.Duration <= 0 {
		p.Unread.StaleDeltaWindow.Duration = 3 * time.Second
	}
}

// Save writes v as TOML to path, creating parent dirs as needed.
func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
