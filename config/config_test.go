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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, c.Backend)
	assert.Equal(t, "127.0.0.1:8765", c.Address())
	assert.Equal(t, DefaultCacheDir, c.CacheDir)
	assert.Equal(t, DefaultIntercept, c.Intercept)
	assert.Equal(t, 1000, c.DescriptorBase)
	assert.Equal(t, 2*time.Second, c.MissTTL)
	assert.Equal(t, "info", c.LogLevel)
	assert.Empty(t, c.SeedFile)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ptracefs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: remote
port: 9000
cache_dir: /var/cache/ptracefs
intercept:
  - /data/**
  - /etc/app/*.conf
miss_ttl: 30s
`), 0o644))

	c, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, BackendRemote, c.Backend)
	assert.Equal(t, 9000, c.Port)
	assert.Equal(t, "/var/cache/ptracefs", c.CacheDir)
	assert.Equal(t, []string{"/data/**", "/etc/app/*.conf"}, c.Intercept)
	assert.Equal(t, 30*time.Second, c.MissTTL)
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ptracefs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\nlisten: 0.0.0.0\nlog_level: warn\n"), 0o644))

	t.Setenv("PTRACEFS_PORT", "9100")
	t.Setenv("PTRACEFS_CACHE_DIR", "/env/cache")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--log-level", "debug"}))

	c, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, 9100, c.Port, "environment beats the file")
	assert.Equal(t, "0.0.0.0", c.Listen, "file beats defaults")
	assert.Equal(t, "/env/cache", c.CacheDir)
	assert.Equal(t, "debug", c.LogLevel, "flags beat everything")
	assert.Equal(t, BackendMemory, c.Backend, "unset flags do not override")
}

func TestLoadFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--backend", "remote",
		"--intercept", "/a/**,/b/*",
		"--miss-ttl", "0",
		"--descriptor-base", "5000",
	}))

	c, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, BackendRemote, c.Backend)
	assert.Equal(t, []string{"/a/**", "/b/*"}, c.Intercept)
	assert.Zero(t, c.MissTTL)
	assert.Equal(t, 5000, c.DescriptorBase)
}

func TestLoadExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	t.Setenv("PTRACEFS_CACHE_DIR", "~/ptracefs-cache")

	c, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "ptracefs-cache"), c.CacheDir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Backend:        BackendRemote,
			Listen:         DefaultListen,
			Port:           DefaultPort,
			CacheDir:       DefaultCacheDir,
			Intercept:      []string{"/test/**"},
			DescriptorBase: 1000,
			LogLevel:       "info",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "backend", mutate: func(c *Config) { c.Backend = "nfs" }},
		{name: "port", mutate: func(c *Config) { c.Port = 70000 }},
		{name: "cache dir", mutate: func(c *Config) { c.CacheDir = "" }},
		{name: "no patterns", mutate: func(c *Config) { c.Intercept = nil }},
		{name: "bad pattern", mutate: func(c *Config) { c.Intercept = []string{"/test/[oops"} }},
		{name: "descriptor base", mutate: func(c *Config) { c.DescriptorBase = 2 }},
		{name: "low descriptor base", mutate: func(c *Config) { c.DescriptorBase = 10 }},
		{name: "descriptor base below default", mutate: func(c *Config) { c.DescriptorBase = 999 }},
		{name: "log level", mutate: func(c *Config) { c.LogLevel = "loud" }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}

	c := valid()
	c.Backend = "MEMORY"
	c.Intercept = nil
	assert.NoError(t, c.Validate(), "memory backend needs no patterns")
	assert.Equal(t, BackendMemory, c.Backend)
}
