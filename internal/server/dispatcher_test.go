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

package server

import (
	"context"
	"testing"

	"github.com/dsiroky/rewofs/internal/wire"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func dispatchStat(t *testing.T, d *Dispatcher, sessionID, path string) *wire.StatResponse {
	t.Helper()
	payload, err := wire.MarshalRequest(wire.KindStat, &wire.StatRequest{Path: path})
	require.NoError(t, err)
	out := d.Dispatch(context.Background(), sessionID, wire.KindStat, payload)
	resp, err := wire.UnmarshalResponse(wire.KindStat, out)
	require.NoError(t, err)
	return resp.(*wire.StatResponse)
}

func TestResolveRejectsParentEscape(t *testing.T) {
	root := t.TempDir()
	d := NewDispatcher(root)

	resp := dispatchStat(t, d, "s1", "/../etc/passwd")
	require.Equal(t, wire.Errno(unix.EACCES), resp.Errno)
}

func TestMkdirCreateWriteReadRoundTrip(t *testing.T) {
	root := t.TempDir()
	d := NewDispatcher(root)
	ctx := context.Background()

	mkdirPayload, _ := wire.MarshalRequest(wire.KindMkdir, &wire.MkdirRequest{Path: "/dir", Mode: 0o755})
	mkdirOut := d.Dispatch(ctx, "s1", wire.KindMkdir, mkdirPayload)
	mkdirResp, _ := wire.UnmarshalResponse(wire.KindMkdir, mkdirOut)
	require.True(t, mkdirResp.(*wire.MkdirResponse).Errno.Ok())
	require.Equal(t, wire.KindDirectory, mkdirResp.(*wire.MkdirResponse).Attr.Kind)

	createPayload, _ := wire.MarshalRequest(wire.KindCreate, &wire.CreateRequest{Path: "/dir/f", Mode: 0o644})
	createOut := d.Dispatch(ctx, "s1", wire.KindCreate, createPayload)
	createResp, _ := wire.UnmarshalResponse(wire.KindCreate, createOut)
	cr := createResp.(*wire.CreateResponse)
	require.True(t, cr.Errno.Ok())
	handle := cr.Handle

	writePayload, _ := wire.MarshalRequest(wire.KindWrite, &wire.WriteRequest{Handle: handle, Offset: 0, Data: []byte("hello")})
	writeOut := d.Dispatch(ctx, "s1", wire.KindWrite, writePayload)
	writeResp, _ := wire.UnmarshalResponse(wire.KindWrite, writeOut)
	require.Equal(t, uint32(5), writeResp.(*wire.WriteResponse).Written)

	readPayload, _ := wire.MarshalRequest(wire.KindRead, &wire.ReadRequest{Handle: handle, Offset: 0, Length: 5})
	readOut := d.Dispatch(ctx, "s1", wire.KindRead, readPayload)
	readResp, _ := wire.UnmarshalResponse(wire.KindRead, readOut)
	require.Equal(t, []byte("hello"), readResp.(*wire.ReadResponse).Data)

	closePayload, _ := wire.MarshalRequest(wire.KindClose, &wire.CloseRequest{Handle: handle})
	closeOut := d.Dispatch(ctx, "s1", wire.KindClose, closePayload)
	closeResp, _ := wire.UnmarshalResponse(wire.KindClose, closeOut)
	require.True(t, closeResp.(*wire.CloseResponse).Errno.Ok())

	stat := dispatchStat(t, d, "s1", "/dir/f")
	require.True(t, stat.Errno.Ok())
	require.Equal(t, uint64(5), stat.Attr.Size)
}

func TestReadWriteAgainstUnknownHandleReturnsEBADF(t *testing.T) {
	root := t.TempDir()
	d := NewDispatcher(root)
	ctx := context.Background()

	readPayload, _ := wire.MarshalRequest(wire.KindRead, &wire.ReadRequest{Handle: 999, Offset: 0, Length: 1})
	out := d.Dispatch(ctx, "s1", wire.KindRead, readPayload)
	resp, _ := wire.UnmarshalResponse(wire.KindRead, out)
	require.Equal(t, wire.Errno(unix.EBADF), resp.(*wire.ReadResponse).Errno)
}

func TestSessionClosedReleasesHandles(t *testing.T) {
	root := t.TempDir()
	d := NewDispatcher(root)
	ctx := context.Background()

	createPayload, _ := wire.MarshalRequest(wire.KindCreate, &wire.CreateRequest{Path: "/f", Mode: 0o644})
	createOut := d.Dispatch(ctx, "s1", wire.KindCreate, createPayload)
	createResp, _ := wire.UnmarshalResponse(wire.KindCreate, createOut)
	handle := createResp.(*wire.CreateResponse).Handle

	d.SessionClosed("s1")

	closePayload, _ := wire.MarshalRequest(wire.KindClose, &wire.CloseRequest{Handle: handle})
	out := d.Dispatch(ctx, "s1", wire.KindClose, closePayload)
	resp, _ := wire.UnmarshalResponse(wire.KindClose, out)
	require.Equal(t, wire.Errno(unix.EBADF), resp.(*wire.CloseResponse).Errno)
}

func TestRenameUnlinkRmdir(t *testing.T) {
	root := t.TempDir()
	d := NewDispatcher(root)
	ctx := context.Background()

	mkdirPayload, _ := wire.MarshalRequest(wire.KindMkdir, &wire.MkdirRequest{Path: "/d", Mode: 0o755})
	d.Dispatch(ctx, "s1", wire.KindMkdir, mkdirPayload)

	createPayload, _ := wire.MarshalRequest(wire.KindCreate, &wire.CreateRequest{Path: "/d/a", Mode: 0o644})
	createOut := d.Dispatch(ctx, "s1", wire.KindCreate, createPayload)
	createResp, _ := wire.UnmarshalResponse(wire.KindCreate, createOut)
	handle := createResp.(*wire.CreateResponse).Handle
	closePayload, _ := wire.MarshalRequest(wire.KindClose, &wire.CloseRequest{Handle: handle})
	d.Dispatch(ctx, "s1", wire.KindClose, closePayload)

	renamePayload, _ := wire.MarshalRequest(wire.KindRename, &wire.RenameRequest{OldPath: "/d/a", NewPath: "/d/b"})
	renameOut := d.Dispatch(ctx, "s1", wire.KindRename, renamePayload)
	renameResp, _ := wire.UnmarshalResponse(wire.KindRename, renameOut)
	require.True(t, renameResp.(*wire.RenameResponse).Errno.Ok())

	statOld := dispatchStat(t, d, "s1", "/d/a")
	require.False(t, statOld.Errno.Ok())
	statNew := dispatchStat(t, d, "s1", "/d/b")
	require.True(t, statNew.Errno.Ok())

	unlinkPayload, _ := wire.MarshalRequest(wire.KindUnlink, &wire.UnlinkRequest{Path: "/d/b"})
	unlinkOut := d.Dispatch(ctx, "s1", wire.KindUnlink, unlinkPayload)
	unlinkResp, _ := wire.UnmarshalResponse(wire.KindUnlink, unlinkOut)
	require.True(t, unlinkResp.(*wire.UnlinkResponse).Errno.Ok())

	rmdirPayload, _ := wire.MarshalRequest(wire.KindRmdir, &wire.RmdirRequest{Path: "/d"})
	rmdirOut := d.Dispatch(ctx, "s1", wire.KindRmdir, rmdirPayload)
	rmdirResp, _ := wire.UnmarshalResponse(wire.KindRmdir, rmdirOut)
	require.True(t, rmdirResp.(*wire.RmdirResponse).Errno.Ok())
}
