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

// Package cmd wires the rewofs CLI: a single binary that runs as either a
// server (owns a real directory, accepts connections) or a client (mounts
// a FUSE filesystem backed by a remote server).
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dsiroky/rewofs/cfg"
	"github.com/dsiroky/rewofs/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	cfgFile            string
	writeDefaultConfig string
	bindErr            error
	configFileErr      error
	unmarshalErr       error

	runConfig = cfg.Default()
)

var rootCmd = &cobra.Command{
	Use:   "rewofs",
	Short: "Mount a remote directory tree as a local FUSE filesystem",
	Long: `rewofs exposes a remote directory tree as a locally mounted
filesystem. Run with --serve and --listen on the host that owns the real
directory; run with --mountpoint and --connect on the host that wants to
see it.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if writeDefaultConfig != "" {
			return writeDefaultConfigFile(writeDefaultConfig)
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		return validateAndRun()
	},
}

// writeDefaultConfigFile renders the baseline configuration as YAML and
// writes it to path, giving an operator a starting point to edit instead
// of reverse-engineering every flag's yaml key by hand.
func writeDefaultConfigFile(path string) error {
	out, err := yaml.Marshal(cfg.Default())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	resolved, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}
	if err := os.WriteFile(resolved, out, 0o644); err != nil {
		return fmt.Errorf("writing default config to %s: %w", resolved, err)
	}
	return nil
}

func validateAndRun() error {
	serving := runConfig.Serve.Dir != ""
	mounting := runConfig.Mount.Mountpoint != ""

	switch {
	case serving && mounting:
		return fmt.Errorf("--serve and --mountpoint are mutually exclusive")
	case serving:
		return runServe()
	case mounting:
		return runMount()
	default:
		return fmt.Errorf("one of --serve or --mountpoint is required")
	}
}

func initLogger() error {
	if runConfig.Logging.FilePath == "" {
		logger.SetLogFormat(string(runConfig.Logging.Format))
		return nil
	}
	path, err := filepath.Abs(runConfig.Logging.FilePath)
	if err != nil {
		return fmt.Errorf("resolving log file path: %w", err)
	}
	return logger.InitLogFile(path, string(runConfig.Logging.Severity), string(runConfig.Logging.Format), logger.RotateConfig{
		MaxFileSizeMB:   runConfig.Logging.MaxSizeMB,
		BackupFileCount: runConfig.Logging.MaxBackups,
		Compress:        runConfig.Logging.Compress,
	})
}

// Execute runs the root command, exiting non-zero on argument error, mount
// failure, or transport failure at startup.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	rootCmd.PersistentFlags().StringVar(&writeDefaultConfig, "write-default-config", "", "Write the baseline configuration as YAML to this path and exit.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&runConfig)
		return
	}

	resolved, err := filepath.Abs(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&runConfig)
}
