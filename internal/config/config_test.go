// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:8420", cfg.Server.ListenAddr)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "nats", cfg.Queue.Driver)
	assert.Equal(t, 120*time.Second, cfg.Runs.DefaultTimeout)
	assert.Equal(t, 30*24*time.Hour, cfg.Cleanup.Retention)
	assert.Equal(t, 24*time.Hour, cfg.Cleanup.Interval)
	assert.Equal(t, time.Hour, cfg.Cleanup.StaleThreshold)
	assert.False(t, cfg.Cleanup.OnStartup)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: "0.0.0.0:9000"
store:
  driver: memory
queue:
  driver: memory
cleanup:
  retention: 168h
  on_startup: true
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, 7*24*time.Hour, cfg.Cleanup.Retention)
	assert.True(t, cfg.Cleanup.OnStartup)
	assert.Equal(t, "debug", cfg.Log.Level)
	// File does not touch defaults it omits.
	assert.Equal(t, 120*time.Second, cfg.Runs.DefaultTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RUNWAY_LISTEN_ADDR", "127.0.0.1:7000")
	t.Setenv("RUNWAY_STORE_DRIVER", "memory")
	t.Setenv("RUNWAY_QUEUE_DRIVER", "memory")
	t.Setenv("RUNWAY_DEFAULT_TIMEOUT", "45s")
	t.Setenv("RUNWAY_RETENTION_DAYS", "14")
	t.Setenv("RUNWAY_CLEANUP_ON_STARTUP", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.ListenAddr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 45*time.Second, cfg.Runs.DefaultTimeout)
	assert.Equal(t, 14*24*time.Hour, cfg.Cleanup.Retention)
	assert.True(t, cfg.Cleanup.OnStartup)
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "postgres"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Queue.Driver = "kafka"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Store.Path = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Runs.DefaultTimeout = 0
	assert.Error(t, cfg.Validate())
}
