// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/stretchr/testify/require"

	"github.com/featurebasedb/memo"
	"github.com/featurebasedb/memo/logger"
	"github.com/featurebasedb/memo/stats"
	"github.com/featurebasedb/memo/testhook"
)

// Ensure the default config resolves into a usable database config.
func TestConfig_DatabaseConfig(t *testing.T) {
	c := NewConfig()
	conf, err := c.DatabaseConfig(logger.NopLogger)
	require.NoError(t, err)
	require.Equal(t, memo.DefaultMaintenanceInterval, conf.MaintenanceInterval)
	require.Equal(t, stats.NopStatsClient, conf.Stats)
	require.Zero(t, conf.CacheSize)
	require.Zero(t, conf.SweepRevisions)

	c.Metric.Service = "graphite"
	_, err = c.DatabaseConfig(logger.NopLogger)
	require.Error(t, err)
}

// Ensure a config file round-trips through the TOML layer.
func TestConfig_UnmarshalTOML(t *testing.T) {
	data := `
cache-size = 256
verbose = true

[maintenance]
interval = "30s"
sweep-revisions = 8

[metric]
service = "statsd"
host = "10.0.0.1:8125"
`
	c := NewConfig()
	require.NoError(t, toml.Unmarshal([]byte(data), c))
	require.Equal(t, 256, c.CacheSize)
	require.True(t, c.Verbose)
	require.Equal(t, 30*time.Second, time.Duration(c.Maintenance.Interval))
	require.Equal(t, uint64(8), c.Maintenance.SweepRevisions)
	require.Equal(t, "statsd", c.Metric.Service)
	require.Equal(t, "10.0.0.1:8125", c.Metric.Host)
}

func TestNewStatsClient(t *testing.T) {
	c, err := NewStatsClient("none", "")
	require.NoError(t, err)
	require.Equal(t, stats.NopStatsClient, c)

	_, err = NewStatsClient("expvar", "")
	require.NoError(t, err)

	_, err = NewStatsClient("graphite", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown metric service")
}

// Ensure a configured log path is opened and written through.
func TestConfig_NewLogger(t *testing.T) {
	dir, err := testhook.TempDir(t, "memo-ctl-")
	require.NoError(t, err)

	c := NewConfig()
	c.LogPath = filepath.Join(dir, "memo.log")
	log, closer, err := c.NewLogger(io.Discard)
	require.NoError(t, err)
	require.NotNil(t, closer)

	log.Printf("hello %s", "world")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(c.LogPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello world")
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	require.Equal(t, 90*time.Second, time.Duration(d))
	require.Equal(t, "1m30s", d.String())

	text, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1m30s", string(text))

	require.Error(t, d.UnmarshalText([]byte("bogus")))
}
