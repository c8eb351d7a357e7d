package config

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	"github.com/spaghettifunk/descache/engine/core"
	"github.com/spaghettifunk/descache/engine/renderer/descriptors"
)

// DefaultPath is where the testbed looks for its configuration.
const DefaultPath = "descache.toml"

type Logging struct {
	Level string `toml:"level" comment:"debug, info, warn, error or fatal"`
}

type Descriptors struct {
	// PreallocFactor multiplies the request that triggers a new pool.
	PreallocFactor uint32 `toml:"prealloc_factor" comment:"new pools hold this many times the request that created them"`
	// MaxCachedSets bounds the interned-set table, 0 for the default.
	MaxCachedSets int `toml:"max_cached_sets" comment:"least recently used sets are evicted beyond this, 0 for the default"`
}

type Testbed struct {
	Workers           int `toml:"workers"`
	Frames            int `toml:"frames" comment:"0 runs until interrupted"`
	Materials         int `toml:"materials"`
	DrawsPerFrame     int `toml:"draws_per_frame"`
	TextureChurnEvery int `toml:"texture_churn_every" comment:"replace one texture every n frames, 0 never"`
}

type Config struct {
	Logging     Logging     `toml:"logging"`
	Descriptors Descriptors `toml:"descriptors"`
	Testbed     Testbed     `toml:"testbed"`
}

func Default() Config {
	return Config{
		Logging: Logging{Level: "info"},
		Descriptors: Descriptors{
			PreallocFactor: descriptors.DefaultPreallocFactor,
			MaxCachedSets:  descriptors.DefaultMaxCachedSets,
		},
		Testbed: Testbed{
			Workers:           4,
			Frames:            120,
			Materials:         64,
			DrawsPerFrame:     256,
			TextureChurnEvery: 30,
		},
	}
}

// Load reads path over the defaults. Keys the configuration does not know
// are an error.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to open config %s", path)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to load config %s", path)
	}
	return cfg, nil
}

// Decode reads a configuration over the defaults and validates it.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, errors.Newf("unknown configuration keys:\n%s", strict.String())
		}
		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			row, col := decodeErr.Position()
			return Config{}, errors.Newf("invalid configuration at line %d column %d: %s", row, col, decodeErr.Error())
		}
		return Config{}, errors.Wrap(err, "invalid configuration")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Encode(w io.Writer) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf).SetIndentTables(true)
	if err := enc.Encode(c); err != nil {
		return errors.Wrap(err, "failed to encode configuration")
	}
	_, err := w.Write(buf.Bytes())
	return err
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}

func (c Config) Validate() error {
	var errs []string
	if !logLevels[strings.ToLower(strings.TrimSpace(c.Logging.Level))] {
		errs = append(errs, "logging.level must be one of debug, info, warn, error, fatal")
	}
	if c.Descriptors.PreallocFactor == 0 {
		errs = append(errs, "descriptors.prealloc_factor must be at least 1")
	}
	if c.Descriptors.MaxCachedSets < 0 {
		errs = append(errs, "descriptors.max_cached_sets cannot be negative")
	}
	if c.Testbed.Workers < 1 {
		errs = append(errs, "testbed.workers must be at least 1")
	}
	if c.Testbed.Frames < 0 {
		errs = append(errs, "testbed.frames cannot be negative")
	}
	if c.Testbed.Materials < 1 {
		errs = append(errs, "testbed.materials must be at least 1")
	}
	if c.Testbed.DrawsPerFrame < 1 {
		errs = append(errs, "testbed.draws_per_frame must be at least 1")
	}
	if c.Testbed.TextureChurnEvery < 0 {
		errs = append(errs, "testbed.texture_churn_every cannot be negative")
	}
	if len(errs) > 0 {
		return errors.Newf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c Config) LogLevel() core.LogLevel {
	return core.ParseLogLevel(c.Logging.Level)
}

func (c Config) CacheConfig() descriptors.CacheConfig {
	return descriptors.CacheConfig{
		PreallocFactor: c.Descriptors.PreallocFactor,
		MaxCachedSets:  c.Descriptors.MaxCachedSets,
	}
}
