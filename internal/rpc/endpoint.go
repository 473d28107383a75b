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

package rpc

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dsiroky/rewofs/cfg"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// dialTarget turns a parsed endpoint into the target string grpc.NewClient
// expects: ipc endpoints dial the "unix:" target of the socket path and
// tcp endpoints use the "passthrough" resolver, so neither scheme
// triggers a DNS lookup or service discovery.
func dialTarget(e cfg.Endpoint) (string, error) {
	switch e.Scheme {
	case cfg.SchemeIPC:
		return "unix:" + e.Path, nil
	case cfg.SchemeTCP:
		return "passthrough:///" + e.Address, nil
	default:
		return "", fmt.Errorf("rpc: unsupported endpoint %v", e)
	}
}

func dial(target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// Dial connects to the endpoint described by e. Authentication/encryption
// are explicitly out of scope (§1 Non-goals); the channel runs in the
// clear over a trusted transport (a local socket or a private network).
func Dial(e cfg.Endpoint, backoffMin, backoffMax time.Duration, onNotify NotifyHandler, onReconnect func()) (*Client, error) {
	target, err := dialTarget(e)
	if err != nil {
		return nil, err
	}
	return NewClient(target, backoffMin, backoffMax, onNotify, onReconnect), nil
}

// Listen creates the net.Listener backing server mode, removing a stale
// unix socket file left over from an unclean previous shutdown.
func Listen(e cfg.Endpoint) (net.Listener, error) {
	switch e.Scheme {
	case cfg.SchemeIPC:
		if _, err := os.Stat(e.Path); err == nil {
			if err := os.Remove(e.Path); err != nil {
				return nil, fmt.Errorf("removing stale socket %s: %w", e.Path, err)
			}
		}
		return net.Listen("unix", e.Path)
	case cfg.SchemeTCP:
		return net.Listen("tcp", e.Address)
	default:
		return nil, fmt.Errorf("rpc: unsupported endpoint %v", e)
	}
}
