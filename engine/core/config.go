package core

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

const MAX_DESCRIPTOR_SETS_PER_POOL uint32 = 4096

type ApplicationConfig struct {
	Name   string `toml:"name"`
	X      int32  `toml:"x"`
	Y      int32  `toml:"y"`
	Width  uint32 `toml:"width"`
	Height uint32 `toml:"height"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

type RendererConfig struct {
	FramesInFlight        uint32 `toml:"frames_in_flight"`
	Validation            bool   `toml:"validation"`
	PreferMailbox         bool   `toml:"prefer_mailbox"`
	DescriptorSetsPerPool uint32 `toml:"descriptor_sets_per_pool"`
	MemoryBlockSizeMB     uint32 `toml:"memory_block_size_mb"`
	MemoryStatsPath       string `toml:"memory_stats_path"`
}

type ShadersConfig struct {
	Dir   string `toml:"dir"`
	Watch bool   `toml:"watch"`
}

// Config is the engine configuration, read from a TOML file.
type Config struct {
	Application ApplicationConfig `toml:"application"`
	Logging     LoggingConfig     `toml:"logging"`
	Renderer    RendererConfig    `toml:"renderer"`
	Shaders     ShadersConfig     `toml:"shaders"`
}

func DefaultConfig() *Config {
	return &Config{
		Application: ApplicationConfig{
			Name:   "Lumen",
			X:      100,
			Y:      100,
			Width:  1280,
			Height: 720,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Renderer: RendererConfig{
			FramesInFlight:        2,
			Validation:            true,
			PreferMailbox:         true,
			DescriptorSetsPerPool: 1000,
			MemoryBlockSizeMB:     64,
		},
		Shaders: ShadersConfig{
			Dir:   "shaders",
			Watch: true,
		},
	}
}

// LoadConfig reads path on top of the defaults. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			LogInfo("no configuration at %s, using defaults", path)
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	if err := ParseConfig(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// ParseConfig decodes TOML data into cfg and validates the result.
func ParseConfig(data []byte, cfg *Config) error {
	if err := toml.Unmarshal(data, cfg); err != nil {
		return errors.Wrap(err, "decoding toml")
	}
	return cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Application.Width == 0 || c.Application.Height == 0 {
		return errors.Newf("application extent must be non-zero, got %dx%d", c.Application.Width, c.Application.Height)
	}
	if c.Renderer.FramesInFlight == 0 {
		return errors.New("renderer.frames_in_flight must be at least 1")
	}
	if c.Renderer.DescriptorSetsPerPool == 0 || c.Renderer.DescriptorSetsPerPool > MAX_DESCRIPTOR_SETS_PER_POOL {
		return errors.Newf("renderer.descriptor_sets_per_pool must be in [1, %d], got %d",
			MAX_DESCRIPTOR_SETS_PER_POOL, c.Renderer.DescriptorSetsPerPool)
	}
	if c.Renderer.MemoryBlockSizeMB == 0 {
		return errors.New("renderer.memory_block_size_mb must be non-zero")
	}
	if c.Shaders.Dir == "" {
		return errors.New("shaders.dir must be set")
	}
	return nil
}
