// Copyright 2021 The Witness Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads ptracefs settings. Sources are layered, later ones
// winning: built-in defaults, an optional config file, PTRACEFS_* environment
// variables and finally command line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/in-toto/ptracefs/vfs"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "PTRACEFS"

	BackendMemory = "memory"
	BackendRemote = "remote"

	DefaultListen   = "127.0.0.1"
	DefaultPort     = 8765
	DefaultCacheDir = "/tmp/ptracefs-cache"
	DefaultLogLevel = "info"
	DefaultMissTTL  = 2 * time.Second
)

// DefaultIntercept is used when no intercept patterns are configured.
var DefaultIntercept = []string{"/test/**"}

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Backend        string        `mapstructure:"backend"`
	Listen         string        `mapstructure:"listen"`
	Port           int           `mapstructure:"port"`
	CacheDir       string        `mapstructure:"cache_dir"`
	Intercept      []string      `mapstructure:"intercept"`
	SeedFile       string        `mapstructure:"seed_file"`
	DescriptorBase int           `mapstructure:"descriptor_base"`
	MissTTL        time.Duration `mapstructure:"miss_ttl"`
	LogLevel       string        `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendMemory)
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("cache_dir", DefaultCacheDir)
	v.SetDefault("intercept", DefaultIntercept)
	v.SetDefault("seed_file", "")
	v.SetDefault("descriptor_base", vfs.DefaultDescriptorBase)
	v.SetDefault("miss_ttl", DefaultMissTTL)
	v.SetDefault("log_level", DefaultLogLevel)
}

// RegisterFlags adds a flag for every key to fs. Flag names use dashes in
// place of underscores. A "config" flag, if present, is never bound.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("backend", BackendMemory, "Backing store for intercepted files: memory or remote")
	fs.String("listen", DefaultListen, "Address the remote bridge listens on")
	fs.Int("port", DefaultPort, "Port the remote bridge listens on")
	fs.String("cache-dir", DefaultCacheDir, "Directory mirroring files fetched from the remote peer")
	fs.StringSlice("intercept", DefaultIntercept, "Glob patterns of paths to intercept")
	fs.String("seed-file", "", "YAML file preloading the in-memory backend")
	fs.Int("descriptor-base", vfs.DefaultDescriptorBase, "First synthetic file descriptor, at least 1000")
	fs.Duration("miss-ttl", DefaultMissTTL, "How long a remote file-not-found is remembered, 0 to disable")
	fs.String("log-level", DefaultLogLevel, "Log level: debug, info, warn or error")
}

// Load builds the configuration. configFile may be empty; fs may be nil, and
// only flags the user actually set override the other sources.
func Load(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		path, err := homedir.Expand(configFile)
		if err != nil {
			return nil, fmt.Errorf("expand config path %s: %w", configFile, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}

	if err := c.expandPaths(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.CacheDir, &c.SeedFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %s: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

func (c *Config) Validate() error {
	c.Backend = strings.ToLower(c.Backend)
	switch c.Backend {
	case BackendMemory, BackendRemote:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	if c.Backend == BackendRemote {
		if c.CacheDir == "" {
			return fmt.Errorf("%w: cache_dir is required for the remote backend", ErrInvalid)
		}
		if len(c.Intercept) == 0 {
			return fmt.Errorf("%w: the remote backend needs at least one intercept pattern", ErrInvalid)
		}
	}
	if c.DescriptorBase < vfs.DefaultDescriptorBase {
		return fmt.Errorf("%w: descriptor_base %d is inside the range of real descriptors, use at least %d", ErrInvalid, c.DescriptorBase, vfs.DefaultDescriptorBase)
	}

	if _, err := vfs.NewMatcher(c.Intercept); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.LogLevel)
	}

	return nil
}

// Address is the host:port the bridge listens on.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Listen, strconv.Itoa(c.Port))
}
