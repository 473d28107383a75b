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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dsiroky/rewofs/internal/logger"
	"github.com/dsiroky/rewofs/internal/rpc"
	"github.com/dsiroky/rewofs/internal/server"
)

// runServe starts server mode: it binds a Dispatcher to a real
// directory, starts the change watcher, and blocks serving connections
// until the listener fails.
func runServe() error {
	if err := initLogger(); err != nil {
		return err
	}

	root, err := filepath.Abs(runConfig.Serve.Dir)
	if err != nil {
		return fmt.Errorf("resolving serve directory: %w", err)
	}

	dispatcher := server.NewDispatcher(root)
	rpcServer := rpc.NewServer(dispatcher, dispatcher)

	watcher, err := server.NewWatcher(root, rpcServer, runConfig.Serve.InvalidationCoalesceWindow)
	if err != nil {
		return fmt.Errorf("starting change watcher on %s: %w", root, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := watcher.Run(ctx); err != nil && err != context.Canceled {
			logger.Warnf("server: change watcher stopped: %v", err)
		}
	}()

	if addr := runConfig.Serve.MetricsListen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Infof("server: serving metrics on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warnf("server: metrics endpoint stopped: %v", err)
			}
		}()
	}

	lis, err := rpc.Listen(runConfig.Serve.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", runConfig.Serve.Listen, err)
	}
	logger.Infof("server: serving %s on %s", root, runConfig.Serve.Listen)
	return rpc.Serve(lis, rpcServer)
}
