package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing-env")
	cfg, _, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8080 || cfg.Mode != "release" {
		t.Fatalf("server defaults = %+v", cfg)
	}
	rt := cfg.Realtime
	if rt.PositionRate != 15 || rt.HistorySize != 8 || rt.StaleAfter != 10*time.Second || rt.SweepInterval != 2*time.Second {
		t.Fatalf("realtime defaults = %+v", rt)
	}
	if rt.ProximityThreshold != 100 || rt.Codec != "json" || len(rt.ICEServers) != 2 {
		t.Fatalf("realtime defaults = %+v", rt)
	}
}

func TestLoadEnvAndFlags(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing-env")
	t.Setenv("PRESENCE_PORT", "9090")
	t.Setenv("PRESENCE_REALTIME_CODEC", "cbor")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("transport", "relay", "")
	flags.Float64("threshold", 100, "")
	if err := flags.Parse([]string{"--transport=p2p", "--threshold=42"}); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := Load(flags)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("port = %d", cfg.Port)
	}
	if cfg.Realtime.Codec != "cbor" {
		t.Fatalf("codec = %s", cfg.Realtime.Codec)
	}
	if cfg.Realtime.Transport != "p2p" || cfg.Realtime.ProximityThreshold != 42 {
		t.Fatalf("flags not applied: %+v", cfg.Realtime)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	body := "port: 7000\nrealtime:\n  position_rate: 30\n"
	if err := os.WriteFile(filepath.Join(dir, "config", "config.unit.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "unit")

	cfg, v, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7000 || cfg.Realtime.PositionRate != 30 {
		t.Fatalf("file values not loaded: %+v", cfg)
	}
	if v.ConfigFileUsed() == "" {
		t.Fatal("config file not recorded")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":  zerolog.DebugLevel,
		" WARN ": zerolog.WarnLevel,
		"":       zerolog.InfoLevel,
		"bogus":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
