package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spaghettifunk/descache/engine/core"
	"github.com/spaghettifunk/descache/engine/renderer/descriptors"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	cc := cfg.CacheConfig()
	if cc.PreallocFactor != descriptors.DefaultPreallocFactor || cc.MaxCachedSets != descriptors.DefaultMaxCachedSets {
		t.Errorf("cache config = %+v", cc)
	}
	if cfg.LogLevel() != core.InfoLevel {
		t.Errorf("log level = %v", cfg.LogLevel())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "descache.toml")
	writeConfig(t, path, `
[logging]
level = "debug"

[descriptors]
prealloc_factor = 8
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Descriptors.PreallocFactor != 8 || cfg.LogLevel() != core.DebugLevel {
		t.Errorf("loaded %+v", cfg)
	}
	if cfg.Testbed != Default().Testbed {
		t.Errorf("missing section did not keep its defaults: %+v", cfg.Testbed)
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "[descriptors]\nprealloc = 3\n", "unknown configuration keys"},
		{"syntax", "[descriptors\n", "invalid configuration"},
		{"zero factor", "[descriptors]\nprealloc_factor = 0\n", "prealloc_factor"},
		{"bad level", "[logging]\nlevel = \"loud\"\n", "logging.level"},
		{"no workers", "[testbed]\nworkers = 0\n", "testbed.workers"},
	}
	dir := t.TempDir()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tc.name, " ", "_")+".toml")
			writeConfig(t, path, tc.content)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want it to mention %q", err, tc.want)
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("missing file loaded")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Descriptors.PreallocFactor = 3
	cfg.Testbed.Frames = 0

	var buf bytes.Buffer
	if err := cfg.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "prealloc_factor = 3") {
		t.Errorf("encoded config:\n%s", buf.String())
	}
	back, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if back != cfg {
		t.Errorf("decoded %+v, want %+v", back, cfg)
	}
}

func TestWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "descache.toml")
	writeConfig(t, path, "[descriptors]\nprealloc_factor = 2\n")

	changes := make(chan Config, 4)
	w, err := NewWatcher(path, func(c Config) { changes <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if w.Current().Descriptors.PreallocFactor != 2 {
		t.Fatalf("initial config = %+v", w.Current())
	}

	// Invalid versions are skipped.
	writeConfig(t, path, "[descriptors]\nprealloc_factor = 0\n")
	time.Sleep(3 * settleDelay)
	writeConfig(t, path, "[descriptors]\nprealloc_factor = 7\n")

	select {
	case c := <-changes:
		if c.Descriptors.PreallocFactor != 7 {
			t.Errorf("reloaded prealloc factor = %d, want 7", c.Descriptors.PreallocFactor)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the file changed")
	}
	if w.Current().Descriptors.PreallocFactor != 7 {
		t.Errorf("Current() = %+v", w.Current())
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
