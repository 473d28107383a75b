// Copyright 2025 Google LLC
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

package cfg

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved configuration for either run mode. Only one
// of Serve/Mount is populated, selected by which flags the user passed.
type Config struct {
	Serve   ServeConfig   `yaml:"serve"`
	Mount   MountConfig   `yaml:"mount"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServeConfig configures server mode: `--serve <DIR> --listen <URI>`.
type ServeConfig struct {
	Dir    string   `yaml:"dir"`
	Listen Endpoint `yaml:"listen"`

	// InvalidationCoalesceWindow bounds how long the change watcher waits
	// to batch inotify events into one invalidation burst.
	InvalidationCoalesceWindow time.Duration `yaml:"invalidation-coalesce-window"`

	// MetricsListen is the address the Prometheus /metrics endpoint is
	// served on (e.g. "127.0.0.1:9090"). Empty disables it.
	MetricsListen string `yaml:"metrics-listen"`
}

// MountConfig configures client mode: `--mountpoint <DIR> --connect <URI>`.
type MountConfig struct {
	Mountpoint string   `yaml:"mountpoint"`
	Connect    Endpoint `yaml:"connect"`

	ReadOnly bool `yaml:"read-only"`

	// ReconnectBackoffMin/Max bound the exponential backoff applied to
	// client reconnect attempts after a transport disconnect.
	ReconnectBackoffMin time.Duration `yaml:"reconnect-backoff-min"`
	ReconnectBackoffMax time.Duration `yaml:"reconnect-backoff-max"`
}

// LoggingConfig configures the ambient slog-based logger.
type LoggingConfig struct {
	Severity LogSeverity `yaml:"severity"`
	Format   LogFormat   `yaml:"format"`
	FilePath string      `yaml:"file-path"`

	MaxSizeMB  int  `yaml:"max-size-mb"`
	MaxBackups int  `yaml:"max-backups"`
	Compress   bool `yaml:"compress"`
}

// Default returns the configuration baseline that flags and a config file
// layer on top of.
func Default() Config {
	return Config{
		Serve: ServeConfig{
			InvalidationCoalesceWindow: 100 * time.Millisecond,
		},
		Mount: MountConfig{
			ReconnectBackoffMin: 200 * time.Millisecond,
			ReconnectBackoffMax: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Severity:   InfoLogSeverity,
			Format:     JSONLogFormat,
			MaxSizeMB:  512,
			MaxBackups: 10,
		},
	}
}

// BindFlags registers every flag the CLI exposes and binds it into viper
// under the matching dotted key, so that Unmarshal below produces a
// Config regardless of whether the value came from a flag, an
// environment variable, or a config file.
func BindFlags(flagSet *pflag.FlagSet) error {
	type binding struct {
		key  string
		flag string
	}

	flagSet.String("serve", "", "Run as server, rooted at this directory.")
	flagSet.String("listen", "", "Endpoint to accept connections on (ipc://path or tcp://host:port).")
	flagSet.Duration("invalidation-coalesce-window", 100*time.Millisecond, "Window for coalescing filesystem-change notifications.")
	flagSet.String("metrics-listen", "", "Address to serve Prometheus metrics on (e.g. 127.0.0.1:9090). Empty disables it.")

	flagSet.String("mountpoint", "", "Run as client, mounted at this directory.")
	flagSet.String("connect", "", "Endpoint to connect to (ipc://path or tcp://host:port).")
	flagSet.Bool("read-only", false, "Mount the remote tree read-only.")
	flagSet.Duration("reconnect-backoff-min", 200*time.Millisecond, "Initial client reconnect backoff.")
	flagSet.Duration("reconnect-backoff-max", 30*time.Second, "Maximum client reconnect backoff.")

	flagSet.String("log-severity", string(InfoLogSeverity), "Minimum log severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	flagSet.String("log-format", string(JSONLogFormat), "Log line format: text or json.")
	flagSet.String("log-file", "", "Path to the log file. Empty means stderr.")

	bindings := []binding{
		{"serve.dir", "serve"},
		{"serve.listen", "listen"},
		{"serve.invalidation-coalesce-window", "invalidation-coalesce-window"},
		{"serve.metrics-listen", "metrics-listen"},
		{"mount.mountpoint", "mountpoint"},
		{"mount.connect", "connect"},
		{"mount.read-only", "read-only"},
		{"mount.reconnect-backoff-min", "reconnect-backoff-min"},
		{"mount.reconnect-backoff-max", "reconnect-backoff-max"},
		{"logging.severity", "log-severity"},
		{"logging.format", "log-format"},
		{"logging.file-path", "log-file"},
	}

	for _, b := range bindings {
		if err := viper.BindPFlag(b.key, flagSet.Lookup(b.flag)); err != nil {
			return err
		}
	}

	return nil
}
