// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/featurebasedb/memo"
	"github.com/featurebasedb/memo/gcnotify"
	"github.com/featurebasedb/memo/logger"
	"github.com/featurebasedb/memo/prometheus"
	"github.com/featurebasedb/memo/stats"
	"github.com/featurebasedb/memo/statsd"
)

// defaultStatsdHost is where the statsd client writes when the config
// does not name a host.
const defaultStatsdHost = "127.0.0.1:8125"

// Config represents the file configuration for the command line tools.
// It maps onto a memo.Config once the metric service and logger have
// been resolved.
type Config struct {
	// CacheSize bounds the number of memoized entries kept per derived
	// query. Zero keeps every entry.
	CacheSize int `toml:"cache-size"`

	// LogPath configures where the tools write logs. Empty means stderr.
	LogPath string `toml:"log-path"`

	// Verbose enables debug logging.
	Verbose bool `toml:"verbose"`

	Maintenance struct {
		// Interval between maintenance passes over the database. Zero
		// disables the maintenance loop.
		Interval Duration `toml:"interval"`
		// SweepRevisions drops memoized entries last verified more
		// than this many revisions ago. Zero disables sweeping.
		SweepRevisions uint64 `toml:"sweep-revisions"`
	} `toml:"maintenance"`

	Metric struct {
		// Service can be statsd, expvar, prometheus, or none.
		Service string `toml:"service"`
		// Host tells the statsd client where to write.
		Host string `toml:"host"`
	} `toml:"metric"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	c := &Config{}
	c.Maintenance.Interval = Duration(memo.DefaultMaintenanceInterval)
	c.Metric.Service = "none"
	c.Metric.Host = defaultStatsdHost
	return c
}

// NewLogger returns the logger the config describes along with a closer
// for the log file, if one was opened.
func (c *Config) NewLogger(fallback io.Writer) (logger.Logger, io.Closer, error) {
	w := fallback
	var closer io.Closer
	if c.LogPath != "" {
		f, err := os.OpenFile(c.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening log file")
		}
		w = f
		closer = f
	}
	if c.Verbose {
		return logger.NewVerboseLogger(w), closer, nil
	}
	return logger.NewStandardLogger(w), closer, nil
}

// DatabaseConfig resolves the file configuration into a memo.Config.
func (c *Config) DatabaseConfig(log logger.Logger) (*memo.Config, error) {
	statsClient, err := NewStatsClient(c.Metric.Service, c.Metric.Host)
	if err != nil {
		return nil, err
	}
	statsClient.SetLogger(log)

	conf := memo.DefaultConfig()
	conf.Logger = log
	conf.Stats = statsClient
	conf.MaintenanceInterval = time.Duration(c.Maintenance.Interval)
	conf.SweepRevisions = c.Maintenance.SweepRevisions
	conf.CacheSize = c.CacheSize
	if conf.MaintenanceInterval > 0 {
		conf.GCNotifier = gcnotify.NewActiveGCNotifier()
	}
	return conf, nil
}

// NewStatsClient creates a stats client from the config.
func NewStatsClient(name string, host string) (stats.StatsClient, error) {
	switch name {
	case "expvar":
		return stats.NewExpvarStatsClient(), nil
	case "statsd":
		return statsd.NewStatsClient(host, "memo")
	case "prometheus":
		return prometheus.NewPrometheusClient()
	case "none", "nop", "":
		return stats.NopStatsClient, nil
	default:
		return nil, errors.Errorf("unknown metric service: %q", name)
	}
}

// Duration is a TOML wrapper type for time.Duration.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(v)
	return nil
}

// MarshalText writes duration value in text format.
func (d Duration) MarshalText() (text []byte, err error) {
	return []byte(d.String()), nil
}

// MarshalTOML write duration into valid TOML. The bytes are emitted
// verbatim by the encoder, so they carry their own quotes.
func (d Duration) MarshalTOML() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}
