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

package daemon

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/runway/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Store.Driver = "memory"
	cfg.Queue.Driver = "memory"
	return cfg
}

func TestNewWiresMemoryBackends(t *testing.T) {
	d, err := New(context.Background(), testConfig(), BuildInfo{Version: "test"}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.NotNil(t, d.Registry())

	// The built-in HTTP connector registers at construction.
	handler, err := d.Registry().Get("http")
	require.NoError(t, err)
	assert.Equal(t, "http", handler.ID())
}

func TestNewRejectsUnknownDrivers(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = "bogus"
	_, err := New(context.Background(), cfg, BuildInfo{}, slog.New(slog.DiscardHandler))
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Queue.Driver = "bogus"
	_, err = New(context.Background(), cfg, BuildInfo{}, slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	d, err := New(context.Background(), testConfig(), BuildInfo{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
