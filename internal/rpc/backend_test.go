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
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dsiroky/rewofs/cfg"
	"github.com/dsiroky/rewofs/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher answers a Stat request for "/ok" successfully, any other
// Stat with ENOENT, and every other request kind with errno 5 (EIO),
// which is enough to exercise CacheBackend's
// request/response marshaling without pulling in internal/server (which
// would make internal/rpc depend on its own consumer).
type fakeDispatcher struct {
	sessionsClosed chan string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, sessionID string, kind wire.Kind, payload []byte) []byte {
	switch kind {
	case wire.KindStat:
		req, _ := wire.UnmarshalRequest(kind, payload)
		sr := req.(*wire.StatRequest)
		var resp *wire.StatResponse
		if sr.Path == "/ok" {
			resp = &wire.StatResponse{Attr: wire.Attr{Kind: wire.KindRegularFile, Size: 42}}
		} else {
			resp = &wire.StatResponse{Errno: 2}
		}
		out, _ := wire.MarshalResponse(kind, resp)
		return out
	default:
		out, _ := wire.MarshalResponse(kind, &wire.StatResponse{Errno: 5})
		return out
	}
}

func (f *fakeDispatcher) SessionClosed(sessionID string) {
	if f.sessionsClosed != nil {
		f.sessionsClosed <- sessionID
	}
}

func startTestServer(t *testing.T) cfg.Endpoint {
	t.Helper()
	endpoint := cfg.Endpoint{Scheme: cfg.SchemeIPC, Path: filepath.Join(t.TempDir(), "rewofs-test.sock")}
	lis, err := Listen(endpoint)
	require.NoError(t, err)

	srv := NewServer(&fakeDispatcher{}, nil)
	go Serve(lis, srv)
	t.Cleanup(func() { lis.Close() })
	return endpoint
}

func TestCacheBackendStatRoundTrip(t *testing.T) {
	endpoint := startTestServer(t)

	client, err := Dial(endpoint, 10*time.Millisecond, 100*time.Millisecond, nil, nil)
	require.NoError(t, err)
	defer client.Close()

	backend := NewCacheBackend(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		_, _, err := backend.Stat(ctx, "/ok")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	attr, errno, err := backend.Stat(ctx, "/ok")
	require.NoError(t, err)
	require.True(t, errno.Ok())
	require.Equal(t, uint64(42), attr.Size)

	_, errno, err = backend.Stat(ctx, "/missing")
	require.NoError(t, err)
	require.Equal(t, wire.Errno(2), errno)
}
