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

package fs

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"
	"github.com/stretchr/testify/require"

	"github.com/dsiroky/rewofs/clock"
	"github.com/dsiroky/rewofs/internal/vfscache"
)

// newTestFileSystem builds a *fileSystem the same way NewServer does, but
// returns the concrete type instead of the opaque fuse.Server so tests
// can call its upcall methods directly.
func newTestFileSystem(t *testing.T) *fileSystem {
	t.Helper()
	cache := vfscache.New(newFakeBackend())
	fsys := &fileSystem{
		cache:       cache,
		clock:       clock.RealClock{},
		ttl:         time.Second,
		uid:         1000,
		gid:         1000,
		inodes:      make(map[fuseops.InodeID]*vfscache.Node),
		ids:         make(map[*vfscache.Node]fuseops.InodeID),
		lookupCount: make(map[fuseops.InodeID]uint64),
		nextInodeID: fuseops.RootInodeID + 1,
		handles:     make(map[fuseops.HandleID]interface{}),
	}
	root := cache.Tree().Root()
	fsys.inodes[fuseops.RootInodeID] = root
	fsys.ids[root] = fuseops.RootInodeID
	fsys.lookupCount[fuseops.RootInodeID] = 1
	fsys.mu = syncutil.NewInvariantMutex(fsys.checkInvariants)
	return fsys
}

func TestMkDirThenLookUpInode(t *testing.T) {
	fsys := newTestFileSystem(t)
	ctx := context.Background()

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "sub", Mode: 0o755}
	require.NoError(t, fsys.MkDir(ctx, mkdirOp))
	require.NotZero(t, mkdirOp.Entry.Child)

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "sub"}
	require.NoError(t, fsys.LookUpInode(ctx, lookupOp))
	require.Equal(t, mkdirOp.Entry.Child, lookupOp.Entry.Child)
	require.True(t, lookupOp.Entry.Attributes.Mode.IsDir())
}

func TestLookUpInodeMissingReturnsENOENT(t *testing.T) {
	fsys := newTestFileSystem(t)
	ctx := context.Background()

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "nope"}
	err := fsys.LookUpInode(ctx, lookupOp)
	require.Equal(t, syscall.ENOENT, err)
}

func TestCreateWriteReadFile(t *testing.T) {
	fsys := newTestFileSystem(t)
	ctx := context.Background()

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "f", Mode: 0o644}
	require.NoError(t, fsys.CreateFile(ctx, createOp))
	require.NotZero(t, createOp.Handle)

	writeOp := &fuseops.WriteFileOp{Inode: createOp.Entry.Child, Handle: createOp.Handle, Offset: 0, Data: []byte("hello")}
	require.NoError(t, fsys.WriteFile(ctx, writeOp))

	readOp := &fuseops.ReadFileOp{Inode: createOp.Entry.Child, Handle: createOp.Handle, Offset: 0, Dst: make([]byte, 5)}
	require.NoError(t, fsys.ReadFile(ctx, readOp))
	require.Equal(t, 5, readOp.BytesRead)
	require.Equal(t, "hello", string(readOp.Dst))

	require.NoError(t, fsys.ReleaseFileHandle(ctx, &fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}))
}

func TestReleaseFileHandleTwiceReturnsEBADF(t *testing.T) {
	fsys := newTestFileSystem(t)
	ctx := context.Background()

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "f", Mode: 0o644}
	require.NoError(t, fsys.CreateFile(ctx, createOp))

	require.NoError(t, fsys.ReleaseFileHandle(ctx, &fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}))
	err := fsys.ReleaseFileHandle(ctx, &fuseops.ReleaseFileHandleOp{Handle: createOp.Handle})
	require.Equal(t, syscall.EBADF, err)
}

func TestOpenDirAndReadDirListsChildren(t *testing.T) {
	fsys := newTestFileSystem(t)
	ctx := context.Background()

	require.NoError(t, fsys.MkDir(ctx, &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "a", Mode: 0o755}))
	require.NoError(t, fsys.MkDir(ctx, &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "b", Mode: 0o755}))

	openOp := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t, fsys.OpenDir(ctx, openOp))

	readOp := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Handle: openOp.Handle, Offset: 0, Dst: make([]byte, 4096)}
	require.NoError(t, fsys.ReadDir(ctx, readOp))
	require.Greater(t, readOp.BytesRead, 0)

	require.NoError(t, fsys.ReleaseDirHandle(ctx, &fuseops.ReleaseDirHandleOp{Handle: openOp.Handle}))
}

func TestRenameMovesFile(t *testing.T) {
	fsys := newTestFileSystem(t)
	ctx := context.Background()

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "old", Mode: 0o644}
	require.NoError(t, fsys.CreateFile(ctx, createOp))
	require.NoError(t, fsys.ReleaseFileHandle(ctx, &fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}))

	renameOp := &fuseops.RenameOp{OldParent: fuseops.RootInodeID, OldName: "old", NewParent: fuseops.RootInodeID, NewName: "new"}
	require.NoError(t, fsys.Rename(ctx, renameOp))

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "new"}
	require.NoError(t, fsys.LookUpInode(ctx, lookupOp))
}

func TestUnlinkAndRmDir(t *testing.T) {
	fsys := newTestFileSystem(t)
	ctx := context.Background()

	require.NoError(t, fsys.MkDir(ctx, &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: 0o755}))
	dirLookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "d"}
	require.NoError(t, fsys.LookUpInode(ctx, dirLookup))

	createOp := &fuseops.CreateFileOp{Parent: dirLookup.Entry.Child, Name: "f", Mode: 0o644}
	require.NoError(t, fsys.CreateFile(ctx, createOp))
	require.NoError(t, fsys.ReleaseFileHandle(ctx, &fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}))

	require.NoError(t, fsys.Unlink(ctx, &fuseops.UnlinkOp{Parent: dirLookup.Entry.Child, Name: "f"}))
	require.NoError(t, fsys.RmDir(ctx, &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "d"}))
}

func TestSetInodeAttributesTruncates(t *testing.T) {
	fsys := newTestFileSystem(t)
	ctx := context.Background()

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "f", Mode: 0o644}
	require.NoError(t, fsys.CreateFile(ctx, createOp))
	require.NoError(t, fsys.WriteFile(ctx, &fuseops.WriteFileOp{Inode: createOp.Entry.Child, Handle: createOp.Handle, Data: []byte("hello world")}))
	require.NoError(t, fsys.ReleaseFileHandle(ctx, &fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}))

	size := uint64(5)
	setOp := &fuseops.SetInodeAttributesOp{Inode: createOp.Entry.Child, Size: &size}
	require.NoError(t, fsys.SetInodeAttributes(ctx, setOp))
	require.Equal(t, uint64(5), setOp.Attributes.Size)
}

func TestLookUpInodeUsesInjectedClockForExpiration(t *testing.T) {
	fsys := newTestFileSystem(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	simClock := clock.NewSimulatedClock(start)
	fsys.clock = simClock
	ctx := context.Background()

	require.NoError(t, fsys.MkDir(ctx, &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: 0o755}))

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "d"}
	require.NoError(t, fsys.LookUpInode(ctx, lookupOp))
	require.Equal(t, start.Add(fsys.ttl), lookupOp.Entry.AttributesExpiration)

	simClock.AdvanceTime(time.Hour)
	require.NoError(t, fsys.LookUpInode(ctx, lookupOp))
	require.Equal(t, start.Add(time.Hour).Add(fsys.ttl), lookupOp.Entry.AttributesExpiration)
}

func TestForgetInodeReleasesAfterLastReference(t *testing.T) {
	fsys := newTestFileSystem(t)
	ctx := context.Background()

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: 0o755}
	require.NoError(t, fsys.MkDir(ctx, mkdirOp))
	id := mkdirOp.Entry.Child

	fsys.mu.Lock()
	count := fsys.lookupCount[id]
	fsys.mu.Unlock()
	require.Equal(t, uint64(1), count)

	require.NoError(t, fsys.ForgetInode(ctx, &fuseops.ForgetInodeOp{Inode: id, N: 1}))

	fsys.mu.Lock()
	_, stillTracked := fsys.inodes[id]
	fsys.mu.Unlock()
	require.False(t, stillTracked)
}
