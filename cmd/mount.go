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
	"path/filepath"
	"time"

	"github.com/dsiroky/rewofs/fs"
	"github.com/dsiroky/rewofs/internal/logger"
	"github.com/dsiroky/rewofs/internal/rpc"
	"github.com/dsiroky/rewofs/internal/vfscache"
	"github.com/dsiroky/rewofs/internal/wire"
	"github.com/jacobsa/fuse"
)

// attrCacheTTL bounds how long the kernel trusts attributes/entries it
// has already been given without a fresh round trip; it is not
// operator-tunable because it has no bearing on correctness, only on
// how chatty LookUpInode/GetInodeAttributes traffic is (every server
// invalidation still forces an immediate re-fetch regardless of TTL).
const attrCacheTTL = 1 * time.Second

// runMount starts client mode: it dials the server, builds the vfscache
// on top of the RPC transport, and mounts a FUSE filesystem in front of
// it, blocking until the mount is unmounted or the process is killed.
func runMount() error {
	if err := initLogger(); err != nil {
		return err
	}

	mountpoint, err := filepath.Abs(runConfig.Mount.Mountpoint)
	if err != nil {
		return fmt.Errorf("resolving mountpoint: %w", err)
	}

	var cache *vfscache.Cache

	client, err := rpc.Dial(
		runConfig.Mount.Connect,
		runConfig.Mount.ReconnectBackoffMin,
		runConfig.Mount.ReconnectBackoffMax,
		func(n wire.Notify) {
			if cache != nil {
				cache.ApplyInvalidation(n)
			}
		},
		func() {
			if cache != nil {
				logger.Infof("client: reconnected to %s, discarding cache", runConfig.Mount.Connect)
				cache.DiscardAll()
			}
		},
	)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", runConfig.Mount.Connect, err)
	}
	defer client.Close()

	cache = vfscache.New(rpc.NewCacheBackend(client))

	server, err := fs.NewServer(&fs.ServerConfig{
		Cache:        cache,
		AttrCacheTTL: attrCacheTTL,
	})
	if err != nil {
		return fmt.Errorf("fs.NewServer: %w", err)
	}

	mountCfg := &fuse.MountConfig{
		FSName:               "rewofs",
		Subtype:              "rewofs",
		VolumeName:           "rewofs",
		ReadOnly:             runConfig.Mount.ReadOnly,
		EnableParallelDirOps: true,
	}

	logger.Infof("client: mounting %s from %s", mountpoint, runConfig.Mount.Connect)
	mfs, err := fuse.Mount(mountpoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	return mfs.Join(context.Background())
}
