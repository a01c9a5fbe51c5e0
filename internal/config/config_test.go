package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty key file", func(c *Config) { c.Identity.KeyFile = " " }},
		{"bad port", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"heartbeat >= ttl", func(c *Config) { c.Presence.HeartbeatSec = c.Presence.TTLSec }},
		{"unknown audio mode", func(c *Config) { c.Audio.Mode = "extreme" }},
		{"threshold out of range", func(c *Config) { c.Voice.Threshold = 1.5 }},
		{"unknown preset", func(c *Config) { c.Screen.Preset = "4k60" }},
		{"no stun servers", func(c *Config) { c.RTC.StunServers = nil }},
		{"zero ring timeout", func(c *Config) { c.Calls.RingTimeoutSec = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "palaver.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected created=true for missing file")
	}
	if cfg.Presence.TTLSec != Default().Presence.TTLSec {
		t.Fatalf("expected default TTL, got %d", cfg.Presence.TTLSec)
	}

	// Second call must load, not recreate.
	_, created, err = Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected created=false for existing file")
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "palaver.json")

	body := `{"audio":{"mode":"aggressive","suppression":false},"voice":{"threshold":0.05}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Audio.Mode != "aggressive" {
		t.Fatalf("expected aggressive mode, got %q", cfg.Audio.Mode)
	}
	if cfg.Audio.Suppression {
		t.Fatal("expected suppression disabled")
	}
	if cfg.Voice.Threshold != 0.05 {
		t.Fatalf("expected threshold 0.05, got %v", cfg.Voice.Threshold)
	}
	// Untouched sections keep defaults.
	if cfg.P2P.MdnsTag != Default().P2P.MdnsTag {
		t.Fatalf("expected default mdns tag, got %q", cfg.P2P.MdnsTag)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "palaver.json")

	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"profile":{"display":"bom"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Profile.Display != "bom" {
		t.Fatalf("expected display=bom, got %q", cfg.Profile.Display)
	}
}
