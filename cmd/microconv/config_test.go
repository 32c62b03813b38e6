package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
log_level: debug
log_format: json
cache_slots: 4
cache_capacity: 2048
packed_loads: true
server_address: 0.0.0.0:9000
`)
	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" || cfg.ServerAddress != "0.0.0.0:9000" {
		t.Fatalf("unexpected strings: %+v", cfg)
	}
	if cfg.CacheSlots == nil || *cfg.CacheSlots != 4 {
		t.Fatalf("cache_slots = %v", cfg.CacheSlots)
	}
	if cfg.CacheCapacity == nil || *cfg.CacheCapacity != 2048 {
		t.Fatalf("cache_capacity = %v", cfg.CacheCapacity)
	}
	if cfg.PackedLoads == nil || !*cfg.PackedLoads {
		t.Fatalf("packed_loads = %v", cfg.PackedLoads)
	}
}

func TestLoadConfigFileMissingAndInvalid(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if cfg != (Config{}) {
		t.Fatalf("missing file gave %+v", cfg)
	}

	if _, err := loadConfigFile(writeConfig(t, "cache_slots: [1")); err == nil {
		t.Fatalf("invalid yaml accepted")
	}
}

func TestApplyEngineConfig(t *testing.T) {
	t.Parallel()

	slots, capacity, packed := int64(3), int64(64), true
	cfg := Config{CacheSlots: &slots, CacheCapacity: &capacity, PackedLoads: &packed}

	tests := []struct {
		name         string
		args         []string
		wantSlots    int64
		wantCapacity int64
		wantPacked   bool
	}{
		{"config fills unset flags", nil, 3, 64, true},
		{"flags win", []string{"--cache-slots", "2", "--packed-loads=false"}, 2, 64, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var f engineFlags
			cmd := &cli.Command{
				Name:  "x",
				Flags: f.flags(),
				Action: func(ctx context.Context, c *cli.Command) error {
					applyEngineConfig(c, cfg, &f)
					return nil
				},
			}
			if err := cmd.Run(context.Background(), append([]string{"x"}, tt.args...)); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if f.cacheSlots != tt.wantSlots || f.cacheCapacity != tt.wantCapacity || f.packedLoads != tt.wantPacked {
				t.Fatalf("got slots=%d capacity=%d packed=%v", f.cacheSlots, f.cacheCapacity, f.packedLoads)
			}
		})
	}
}

func TestApplyServeConfig(t *testing.T) {
	t.Parallel()

	cfg := Config{ServerAddress: "0.0.0.0:9000"}
	for _, tc := range []struct {
		args []string
		want string
	}{
		{nil, "0.0.0.0:9000"},
		{[]string{"--addr", "127.0.0.1:1"}, "127.0.0.1:1"},
	} {
		var addr string
		cmd := &cli.Command{
			Name:  "serve",
			Flags: []cli.Flag{&cli.StringFlag{Name: "addr", Value: "127.0.0.1:8080", Destination: &addr}},
			Action: func(ctx context.Context, c *cli.Command) error {
				applyServeConfig(c, cfg, &addr)
				return nil
			},
		}
		if err := cmd.Run(context.Background(), append([]string{"serve"}, tc.args...)); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if addr != tc.want {
			t.Fatalf("addr = %q, want %q", addr, tc.want)
		}
	}
}
