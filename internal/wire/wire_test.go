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

package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTripRequest(t *testing.T, kind Kind, req interface{}) interface{} {
	t.Helper()
	buf, err := MarshalRequest(kind, req)
	require.NoError(t, err)
	got, err := UnmarshalRequest(kind, buf)
	require.NoError(t, err)
	return got
}

func roundTripResponse(t *testing.T, kind Kind, resp interface{}) interface{} {
	t.Helper()
	buf, err := MarshalResponse(kind, resp)
	require.NoError(t, err)
	got, err := UnmarshalResponse(kind, buf)
	require.NoError(t, err)
	return got
}

func TestStatRoundTrip(t *testing.T) {
	got := roundTripRequest(t, KindStat, &StatRequest{Path: "/a/b"})
	require.Equal(t, &StatRequest{Path: "/a/b"}, got)

	attr := Attr{Kind: KindRegularFile, Mode: 0644, Size: 42, Mtime: Timestamp{Sec: 100, Nsec: 7}, Ctime: Timestamp{Sec: 99, Nsec: 1}}
	gotResp := roundTripResponse(t, KindStat, &StatResponse{Attr: attr})
	require.Equal(t, &StatResponse{Attr: attr}, gotResp)
}

func TestStatErrorResponseCarriesNoAttr(t *testing.T) {
	gotResp := roundTripResponse(t, KindStat, &StatResponse{Errno: 2})
	require.Equal(t, &StatResponse{Errno: 2}, gotResp)
}

func TestReaddirRoundTrip(t *testing.T) {
	entries := []DirEntry{
		{Name: "a", Attr: Attr{Kind: KindRegularFile, Size: 3}},
		{Name: "b", Attr: Attr{Kind: KindDirectory}},
	}
	got := roundTripResponse(t, KindReaddir, &ReaddirResponse{Entries: entries})
	require.Equal(t, &ReaddirResponse{Entries: entries}, got)
}

func TestReaddirEmpty(t *testing.T) {
	got := roundTripResponse(t, KindReaddir, &ReaddirResponse{Entries: nil}).(*ReaddirResponse)
	require.Empty(t, got.Entries)
}

func TestWriteRoundTripWithBinaryPayload(t *testing.T) {
	data := []byte{0x00, 0xff, 0x10, 0x00, 0x20}
	got := roundTripRequest(t, KindWrite, &WriteRequest{Handle: 7, Offset: 1000, Data: data})
	require.Equal(t, &WriteRequest{Handle: 7, Offset: 1000, Data: data}, got)
}

func TestRenameRoundTrip(t *testing.T) {
	got := roundTripRequest(t, KindRename, &RenameRequest{OldPath: "/a", NewPath: "/b"})
	require.Equal(t, &RenameRequest{OldPath: "/a", NewPath: "/b"}, got)
}

func TestNotifyRoundTrip(t *testing.T) {
	n := Notify{Path: "/x", Reason: ReasonTreeChanged}
	buf := MarshalNotify(n)
	got, err := UnmarshalNotify(buf)
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{CorrelationID: 123456789, Kind: KindOpen}
	buf := MarshalEnvelope(env)
	payload, err := MarshalRequest(KindOpen, &OpenRequest{Path: "/f", Flags: 1, Mode: 0600})
	require.NoError(t, err)
	buf = append(buf, payload...)

	gotEnv, rest, err := UnmarshalEnvelope(buf)
	require.NoError(t, err)
	require.Equal(t, env, gotEnv)

	req, err := UnmarshalRequest(gotEnv.Kind, rest)
	require.NoError(t, err)
	require.Equal(t, &OpenRequest{Path: "/f", Flags: 1, Mode: 0600}, req)
}

func TestUnmarshalEnvelopeTruncated(t *testing.T) {
	_, _, err := UnmarshalEnvelope([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestUnmarshalRequestTruncatedVector(t *testing.T) {
	// A string length prefix claiming more bytes than are present.
	buf := []byte{0xff, 0xff, 0xff, 0x7f}
	_, err := UnmarshalRequest(KindStat, buf)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestUnmarshalUnknownKind(t *testing.T) {
	_, err := UnmarshalRequest(Kind(200), []byte{})
	require.Error(t, err)
}

func TestTruncateSymlinkTarget(t *testing.T) {
	short := "abc"
	require.Equal(t, short, TruncateSymlinkTarget(short))

	long := strings.Repeat("abcd", 256) + "efgh"
	truncated := TruncateSymlinkTarget(long)
	require.Len(t, truncated, MaxSymlinkTarget)
	require.Equal(t, strings.Repeat("abcd", 256), truncated)
}

func TestSymlinkRoundTripWithMaxLengthTarget(t *testing.T) {
	target := TruncateSymlinkTarget(strings.Repeat("x", 2000))
	got := roundTripRequest(t, KindSymlink, &SymlinkRequest{LinkPath: "/lnk", Target: target}).(*SymlinkRequest)
	require.Equal(t, target, got.Target)
	require.Len(t, got.Target, MaxSymlinkTarget)
}
