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

// Package fs adapts internal/vfscache.Cache to the jacobsa/fuse kernel
// upcall interface (design §4.5). It owns the inode table mapping kernel
// inode ids to cache nodes and the handle table mapping kernel handle
// ids to open directory listings or cache content handles; everything
// else -- attribute freshness, the mutation policy, RPC dispatch -- is
// the cache's job.
package fs

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"

	"github.com/dsiroky/rewofs/clock"
	"github.com/dsiroky/rewofs/internal/vfscache"
	"github.com/dsiroky/rewofs/internal/wire"
	"golang.org/x/sys/unix"
)

// ServerConfig bundles everything NewServer needs to build a
// fuse.Server over a cache.
type ServerConfig struct {
	Cache *vfscache.Cache

	// AttrCacheTTL is returned to the kernel as both AttributesExpiration
	// and EntryExpiration; it bounds how long the kernel itself will
	// trust attributes without a fresh LookUpInode/GetInodeAttributes.
	AttrCacheTTL time.Duration
}

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	cache *vfscache.Cache
	clock clock.Clock
	ttl   time.Duration
	uid   uint32
	gid   uint32

	// GUARDED_BY(mu) invariants are checked after every Unlock; see
	// checkInvariants.
	mu syncutil.InvariantMutex

	inodes      map[fuseops.InodeID]*vfscache.Node
	ids         map[*vfscache.Node]fuseops.InodeID
	lookupCount map[fuseops.InodeID]uint64
	nextInodeID fuseops.InodeID

	handles      map[fuseops.HandleID]interface{}
	nextHandleID fuseops.HandleID
}

// NewServer builds a fuse.Server backed by cfg.Cache. The root node of
// the cache's tree is preassigned fuseops.RootInodeID per the kernel's
// contract.
func NewServer(cfg *ServerConfig) (fuse.Server, error) {
	fs := &fileSystem{
		cache:       cfg.Cache,
		clock:       clock.RealClock{},
		ttl:         cfg.AttrCacheTTL,
		uid:         uint32(unix.Geteuid()),
		gid:         uint32(unix.Getegid()),
		inodes:      make(map[fuseops.InodeID]*vfscache.Node),
		ids:         make(map[*vfscache.Node]fuseops.InodeID),
		lookupCount: make(map[fuseops.InodeID]uint64),
		nextInodeID: fuseops.RootInodeID + 1,
		handles:     make(map[fuseops.HandleID]interface{}),
	}

	root := cfg.Cache.Tree().Root()
	fs.inodes[fuseops.RootInodeID] = root
	fs.ids[root] = fuseops.RootInodeID
	fs.lookupCount[fuseops.RootInodeID] = 1

	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)

	return fuseutil.NewFileSystemServer(fs), nil
}

// checkInvariants panics if the inode table has drifted out of the
// shape every method above assumes. Run automatically by
// syncutil.InvariantMutex after every Unlock when invariant checking is
// enabled.
func (fs *fileSystem) checkInvariants() {
	// INVARIANT: for all keys k, fuseops.RootInodeID <= k < nextInodeID
	for id := range fs.inodes {
		if id < fuseops.RootInodeID || id >= fs.nextInodeID {
			panic(fmt.Sprintf("illegal inode id: %v", id))
		}
	}

	// INVARIANT: inodes and ids agree in both directions
	if len(fs.inodes) != len(fs.ids) {
		panic(fmt.Sprintf("inodes/ids size mismatch: %d vs %d", len(fs.inodes), len(fs.ids)))
	}
	for id, n := range fs.inodes {
		if got := fs.ids[n]; got != id {
			panic(fmt.Sprintf("ids[inodes[%v]] = %v, want %v", id, got, id))
		}
	}

	// INVARIANT: every inode with a nonzero lookup count is still present
	for id := range fs.lookupCount {
		if _, ok := fs.inodes[id]; !ok {
			panic(fmt.Sprintf("lookupCount references missing inode %v", id))
		}
	}
}

// inodeIDLocked returns the inode id assigned to n, minting a fresh one
// if this is the first time n has been handed to the kernel. Must be
// called with fs.mu held.
func (fs *fileSystem) inodeIDLocked(n *vfscache.Node) fuseops.InodeID {
	if id, ok := fs.ids[n]; ok {
		return id
	}
	id := fs.nextInodeID
	fs.nextInodeID++
	fs.inodes[id] = n
	fs.ids[n] = id
	return id
}

func (fs *fileSystem) nodeLocked(id fuseops.InodeID) *vfscache.Node {
	return fs.inodes[id]
}

// attrsFor converts a cache node's attributes into the kernel's
// fuseops.InodeAttributes, filling in uid/gid from the mounting
// process since the wire protocol carries neither (§9: ownership is
// always the local mount's, never the server's).
func (fs *fileSystem) attrsFor(n *vfscache.Node) fuseops.InodeAttributes {
	a := n.Attr()

	var mode os.FileMode
	switch a.Kind {
	case wire.KindDirectory:
		mode = os.ModeDir | os.FileMode(a.Mode)
	case wire.KindSymlinkNode:
		mode = os.ModeSymlink | os.FileMode(a.Mode)
	default:
		mode = os.FileMode(a.Mode)
	}

	nlink := uint32(1)
	if a.Kind == wire.KindDirectory {
		nlink = 2
	}

	mtime := time.Unix(a.Mtime.Sec, int64(a.Mtime.Nsec))
	ctime := time.Unix(a.Ctime.Sec, int64(a.Ctime.Nsec))

	return fuseops.InodeAttributes{
		Size:  a.Size,
		Nlink: nlink,
		Mode:  mode,
		Atime: mtime,
		Mtime: mtime,
		Ctime: ctime,
		Uid:   fs.uid,
		Gid:   fs.gid,
	}
}

func toErrno(e uint32) error {
	if e == 0 {
		return nil
	}
	return syscall.Errno(e)
}

func (fs *fileSystem) Init(ctx context.Context, op *fuseops.InitOp) error {
	return nil
}

func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	parent := fs.nodeLocked(op.Parent)
	fs.mu.Unlock()
	if parent == nil {
		return fuse.ENOENT
	}

	childPath := vfscache.JoinChild(parent.Path(), op.Name)
	node, errno, err := fs.cache.Stat(ctx, childPath)
	if err != nil {
		return err
	}
	if !errno.Ok() {
		return toErrno(uint32(errno))
	}

	fs.mu.Lock()
	id := fs.inodeIDLocked(node)
	fs.lookupCount[id]++
	fs.mu.Unlock()

	op.Entry.Child = id
	op.Entry.Attributes = fs.attrsFor(node)
	op.Entry.AttributesExpiration = fs.clock.Now().Add(fs.ttl)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	n := fs.nodeLocked(op.Inode)
	fs.mu.Unlock()
	if n == nil {
		return fuse.EIO
	}

	_, errno, err := fs.cache.Stat(ctx, n.Path())
	if err != nil {
		return err
	}
	if !errno.Ok() {
		return toErrno(uint32(errno))
	}

	op.Attributes = fs.attrsFor(n)
	op.AttributesExpiration = fs.clock.Now().Add(fs.ttl)
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	fs.mu.Lock()
	n := fs.nodeLocked(op.Inode)
	fs.mu.Unlock()
	if n == nil {
		return fuse.EIO
	}
	p := n.Path()

	if op.Mode != nil {
		errno, err := fs.cache.Chmod(ctx, p, uint32(op.Mode.Perm()))
		if err != nil {
			return err
		}
		if !errno.Ok() {
			return toErrno(uint32(errno))
		}
	}
	if op.Size != nil {
		errno, err := fs.cache.Truncate(ctx, p, *op.Size)
		if err != nil {
			return err
		}
		if !errno.Ok() {
			return toErrno(uint32(errno))
		}
	}

	op.Attributes = fs.attrsFor(n)
	op.AttributesExpiration = fs.clock.Now().Add(fs.ttl)
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	count, ok := fs.lookupCount[op.Inode]
	if !ok {
		return nil
	}
	if op.N >= count {
		n := fs.inodes[op.Inode]
		delete(fs.inodes, op.Inode)
		delete(fs.ids, n)
		delete(fs.lookupCount, op.Inode)
		return nil
	}
	fs.lookupCount[op.Inode] = count - op.N
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	fs.mu.Lock()
	parent := fs.nodeLocked(op.Parent)
	fs.mu.Unlock()
	if parent == nil {
		return fuse.EIO
	}

	childPath := vfscache.JoinChild(parent.Path(), op.Name)
	node, errno, err := fs.cache.Mkdir(ctx, childPath, uint32(op.Mode.Perm()))
	if err != nil {
		return err
	}
	if !errno.Ok() {
		return toErrno(uint32(errno))
	}

	fs.mu.Lock()
	id := fs.inodeIDLocked(node)
	fs.lookupCount[id]++
	fs.mu.Unlock()

	op.Entry.Child = id
	op.Entry.Attributes = fs.attrsFor(node)
	op.Entry.AttributesExpiration = fs.clock.Now().Add(fs.ttl)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	fs.mu.Lock()
	parent := fs.nodeLocked(op.Parent)
	fs.mu.Unlock()
	if parent == nil {
		return fuse.EIO
	}

	childPath := vfscache.JoinChild(parent.Path(), op.Name)
	node, handle, errno, err := fs.cache.Create(ctx, childPath, uint32(op.Mode.Perm()))
	if err != nil {
		return err
	}
	if !errno.Ok() {
		return toErrno(uint32(errno))
	}

	fs.mu.Lock()
	id := fs.inodeIDLocked(node)
	fs.lookupCount[id]++
	hid := fs.nextHandleID
	fs.nextHandleID++
	fs.handles[hid] = handle
	fs.mu.Unlock()

	op.Entry.Child = id
	op.Entry.Attributes = fs.attrsFor(node)
	op.Entry.AttributesExpiration = fs.clock.Now().Add(fs.ttl)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	op.Handle = hid
	return nil
}

// CreateLink answers EPERM: hard links are not supported.
func (fs *fileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	return syscall.EPERM
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	fs.mu.Lock()
	parent := fs.nodeLocked(op.Parent)
	fs.mu.Unlock()
	if parent == nil {
		return fuse.EIO
	}

	linkPath := vfscache.JoinChild(parent.Path(), op.Name)
	node, errno, err := fs.cache.Symlink(ctx, linkPath, op.Target)
	if err != nil {
		return err
	}
	if !errno.Ok() {
		return toErrno(uint32(errno))
	}

	fs.mu.Lock()
	id := fs.inodeIDLocked(node)
	fs.lookupCount[id]++
	fs.mu.Unlock()

	op.Entry.Child = id
	op.Entry.Attributes = fs.attrsFor(node)
	op.Entry.AttributesExpiration = fs.clock.Now().Add(fs.ttl)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	fs.mu.Lock()
	oldParent := fs.nodeLocked(op.OldParent)
	newParent := fs.nodeLocked(op.NewParent)
	fs.mu.Unlock()
	if oldParent == nil || newParent == nil {
		return fuse.EIO
	}

	oldPath := vfscache.JoinChild(oldParent.Path(), op.OldName)
	newPath := vfscache.JoinChild(newParent.Path(), op.NewName)

	errno, err := fs.cache.Rename(ctx, oldPath, newPath)
	if err != nil {
		return err
	}
	return toErrno(uint32(errno))
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	fs.mu.Lock()
	parent := fs.nodeLocked(op.Parent)
	fs.mu.Unlock()
	if parent == nil {
		return fuse.EIO
	}

	errno, err := fs.cache.Rmdir(ctx, vfscache.JoinChild(parent.Path(), op.Name))
	if err != nil {
		return err
	}
	return toErrno(uint32(errno))
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	fs.mu.Lock()
	parent := fs.nodeLocked(op.Parent)
	fs.mu.Unlock()
	if parent == nil {
		return fuse.EIO
	}

	errno, err := fs.cache.Unlink(ctx, vfscache.JoinChild(parent.Path(), op.Name))
	if err != nil {
		return err
	}
	return toErrno(uint32(errno))
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.mu.Lock()
	n := fs.nodeLocked(op.Inode)
	if n == nil {
		fs.mu.Unlock()
		return fuse.EIO
	}
	hid := fs.nextHandleID
	fs.nextHandleID++
	fs.handles[hid] = newDirHandle(n)
	fs.mu.Unlock()

	op.Handle = hid
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	dh, _ := fs.handles[op.Handle].(*dirHandle)
	fs.mu.Unlock()
	if dh == nil {
		return fuse.EIO
	}

	return dh.ReadDir(ctx, fs, op)
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.handles, op.Handle)
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.mu.Lock()
	n := fs.nodeLocked(op.Inode)
	fs.mu.Unlock()
	if n == nil {
		return fuse.EIO
	}

	handle, errno, err := fs.cache.Open(ctx, n.Path(), uint32(op.Flags), 0)
	if err != nil {
		return err
	}
	if !errno.Ok() {
		return toErrno(uint32(errno))
	}

	fs.mu.Lock()
	hid := fs.nextHandleID
	fs.nextHandleID++
	fs.handles[hid] = handle
	fs.mu.Unlock()

	op.Handle = hid
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	handle, _ := fs.handles[op.Handle].(uint64)
	fs.mu.Unlock()

	data, errno, err := fs.cache.Read(ctx, handle, uint64(op.Offset), uint32(len(op.Dst)))
	if err != nil {
		return err
	}
	if !errno.Ok() {
		return toErrno(uint32(errno))
	}
	op.BytesRead = copy(op.Dst, data)
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fs.mu.Lock()
	handle, _ := fs.handles[op.Handle].(uint64)
	fs.mu.Unlock()

	_, errno, err := fs.cache.Write(ctx, handle, uint64(op.Offset), op.Data)
	if err != nil {
		return err
	}
	return toErrno(uint32(errno))
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	fs.mu.Lock()
	n := fs.nodeLocked(op.Inode)
	fs.mu.Unlock()
	if n == nil {
		return fuse.EIO
	}

	target, errno, err := fs.cache.Readlink(ctx, n.Path())
	if err != nil {
		return err
	}
	if !errno.Ok() {
		return toErrno(uint32(errno))
	}
	op.Target = target
	return nil
}

// SyncFile and FlushFile are no-ops: Write is write-through against the
// server (§4.4), so there is never buffered client-side data to push.
func (fs *fileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return nil
}

func (fs *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	handle, ok := fs.handles[op.Handle].(uint64)
	delete(fs.handles, op.Handle)
	fs.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}
	_, err := fs.cache.Close(ctx, handle)
	return err
}
