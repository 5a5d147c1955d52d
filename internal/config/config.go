// Package config is used to load the configuration file
package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/viper"
)

type cacheConfig struct {
	BaseAddress     uint64 `json:"base_address" mapstructure:"base_address"`
	Is64            bool   `json:"is64" mapstructure:"is64"`
	ExportCacheSize int    `json:"export_cache_size" mapstructure:"export_cache_size"`
}

type output struct {
	Dir  string `json:"dir" mapstructure:"dir"`
	JSON bool   `json:"json" mapstructure:"json"`
}

// Config is the configuration struct
type Config struct {
	Workers int         `json:"workers" mapstructure:"workers"`
	Cache   cacheConfig `json:"cache" mapstructure:"cache"`
	Output  output      `json:"output" mapstructure:"output"`
}

// SetDefaults registers the default values with viper.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workers", runtime.NumCPU())
	v.SetDefault("cache.is64", true)
	v.SetDefault("cache.export_cache_size", 1<<16)
	v.SetDefault("output.dir", "out")
	v.SetDefault("output.json", true)
}

func (c *Config) verify() error {
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be greater than 0 (got %d)", c.Workers)
	}
	if c.Cache.ExportCacheSize < 0 {
		return fmt.Errorf("config: cache.export_cache_size cannot be negative")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("config: output.dir must be set")
	}
	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	return load(viper.GetViper())
}

func load(v *viper.Viper) (*Config, error) {
	var c *Config

	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = &Config{}
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
