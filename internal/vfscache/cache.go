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

package vfscache

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/dsiroky/rewofs/internal/wire"
	"golang.org/x/sync/singleflight"
)

// Backend is the RPC surface the cache issues on a miss. It is
// implemented by an adapter over internal/rpc.Client; the interface
// exists so the cache can be tested without a real transport.
type Backend interface {
	Stat(ctx context.Context, path string) (wire.Attr, wire.Errno, error)
	Readdir(ctx context.Context, path string) ([]wire.DirEntry, wire.Errno, error)
	Readlink(ctx context.Context, path string) (string, wire.Errno, error)
	Open(ctx context.Context, path string, flags, mode uint32) (uint64, wire.Errno, error)
	Create(ctx context.Context, path string, mode uint32) (uint64, wire.Attr, wire.Errno, error)
	Read(ctx context.Context, handle uint64, offset uint64, length uint32) ([]byte, wire.Errno, error)
	Write(ctx context.Context, handle uint64, offset uint64, data []byte) (uint32, wire.Errno, error)
	Close(ctx context.Context, handle uint64) (wire.Errno, error)
	Mkdir(ctx context.Context, path string, mode uint32) (wire.Attr, wire.Errno, error)
	Rmdir(ctx context.Context, path string) (wire.Errno, error)
	Unlink(ctx context.Context, path string) (wire.Errno, error)
	Symlink(ctx context.Context, linkPath, target string) (wire.Attr, wire.Errno, error)
	Rename(ctx context.Context, oldPath, newPath string) (wire.Errno, error)
	Chmod(ctx context.Context, path string, mode uint32) (wire.Errno, error)
	Truncate(ctx context.Context, path string, length uint64) (wire.Errno, error)
}

// Cache is the client cache: a Tree plus the single-flight discipline
// that guarantees at-most-one in-flight remote fetch per (path, range)
// (§4.4) and the mutation policy that keeps cached attributes in lock
// step with what the server just confirmed.
type Cache struct {
	tree    *Tree
	backend Backend

	statSF    singleflight.Group
	readdirSF singleflight.Group
	readSF    singleflight.Group

	handlesMu sync.Mutex
	handles   map[uint64]*contentHandle
}

type contentHandle struct {
	node     *Node
	writable bool
}

func New(backend Backend) *Cache {
	return &Cache{tree: NewTree(), backend: backend, handles: make(map[uint64]*contentHandle)}
}

// Tree exposes the underlying tree for the FUSE adapter's inode bookkeeping.
func (c *Cache) Tree() *Tree { return c.tree }

// Stat resolves path, serving from cache when the node is valid and
// otherwise coalescing concurrent RPCs for the same path into one call.
func (c *Cache) Stat(ctx context.Context, path string) (*Node, wire.Errno, error) {
	node, missing, needFetch := c.tree.Lookup(path)
	if missing {
		return nil, errnoFromName("ENOENT"), nil
	}
	if !needFetch && node != nil {
		return node, 0, nil
	}

	v, err, _ := c.statSF.Do(path, func() (interface{}, error) {
		attr, errno, err := c.backend.Stat(ctx, path)
		if err != nil {
			return nil, err
		}
		if errno != 0 {
			c.tree.MarkNotFound(path)
			return errno, nil
		}
		return c.tree.InstallAttr(path, attr), nil
	})
	if err != nil {
		return nil, 0, err
	}
	if errno, ok := v.(wire.Errno); ok {
		return nil, errno, nil
	}
	return v.(*Node), 0, nil
}

// Readdir lists dirPath, refreshing from the server whenever the
// directory's children mapping is not currently valid.
func (c *Cache) Readdir(ctx context.Context, dirPath string) ([]wire.DirEntry, wire.Errno, error) {
	node, missing, _ := c.tree.Lookup(dirPath)
	if missing {
		return nil, errnoFromName("ENOENT"), nil
	}

	needFetch := node == nil || !node.childrenValidSnapshot()
	if !needFetch {
		return node.listChildren(), 0, nil
	}

	v, err, _ := c.readdirSF.Do(dirPath, func() (interface{}, error) {
		entries, errno, err := c.backend.Readdir(ctx, dirPath)
		if err != nil {
			return nil, err
		}
		if errno != 0 {
			return errno, nil
		}
		dir := c.tree.InstallReaddir(dirPath, entries)
		return dir.listChildren(), nil
	})
	if err != nil {
		return nil, 0, err
	}
	if errno, ok := v.(wire.Errno); ok {
		return nil, errno, nil
	}
	return v.([]wire.DirEntry), 0, nil
}

// Readlink returns the cached or freshly fetched symlink target.
func (c *Cache) Readlink(ctx context.Context, path string) (string, wire.Errno, error) {
	node, missing, _ := c.tree.Lookup(path)
	if missing {
		return "", errnoFromName("ENOENT"), nil
	}
	if node != nil && node.Attr().Kind == wire.KindSymlinkNode {
		if target := node.SymlinkTarget(); target != "" {
			return target, 0, nil
		}
	}

	target, errno, err := c.backend.Readlink(ctx, path)
	if err != nil {
		return "", 0, err
	}
	if errno != 0 {
		return "", errno, nil
	}
	if node != nil {
		node.SetSymlinkTarget(target)
	}
	return target, 0, nil
}

// ApplyInvalidation applies one server-pushed notification to the cache,
// per the rules in §4.4.
func (c *Cache) ApplyInvalidation(n wire.Notify) {
	node, missing, _ := c.tree.Lookup(n.Path)
	switch n.Reason {
	case wire.ReasonChanged:
		if !missing && node != nil {
			node.markInvalid()
		}
	case wire.ReasonRemoved:
		c.tree.Detach(n.Path)
	case wire.ReasonTreeChanged:
		if !missing && node != nil {
			node.mu.Lock()
			node.childrenValid = false
			node.mu.Unlock()
		}
	}
}

// DiscardAll drops the entire cached tree, used after a reconnect per §7
// category 3 ("cache is discarded on successful reconnect").
func (c *Cache) DiscardAll() {
	c.tree = NewTree()
}

// Open resolves path then asks the server for a handle, recording which
// Node that handle reads/writes against so Read/Write/Close don't need
// the caller to keep re-resolving the path.
func (c *Cache) Open(ctx context.Context, path string, flags, mode uint32) (uint64, wire.Errno, error) {
	node, missing, _ := c.tree.Lookup(path)
	if missing {
		return 0, errnoFromName("ENOENT"), nil
	}
	handle, errno, err := c.backend.Open(ctx, path, flags, mode)
	if err != nil || errno != 0 {
		return 0, errno, err
	}
	if node == nil {
		node = c.tree.Ensure(path)
	}
	c.registerHandle(handle, node, flags)
	return handle, 0, nil
}

// Create resolves or creates the node at path, installs the server's
// returned attributes, and records the handle like Open.
func (c *Cache) Create(ctx context.Context, path string, mode uint32) (*Node, uint64, wire.Errno, error) {
	handle, attr, errno, err := c.backend.Create(ctx, path, mode)
	if err != nil || errno != 0 {
		return nil, 0, errno, err
	}
	node := c.tree.InstallAttr(path, attr)
	c.bumpParentTimes(path)
	c.registerHandle(handle, node, writeFlag)
	return node, handle, 0, nil
}

func (c *Cache) registerHandle(handle uint64, node *Node, flags uint32) {
	c.handlesMu.Lock()
	defer c.handlesMu.Unlock()
	node.mu.Lock()
	if node.content == nil {
		node.content = NewContentCache()
	}
	node.mu.Unlock()
	c.handles[handle] = &contentHandle{node: node, writable: flags&writeFlag != 0}
}

// writeFlag mirrors O_WRONLY|O_RDWR at a level abstract enough that the
// fs package's real open-flag constants can be passed through untouched.
const writeFlag = 0x3

// Read serves handle's [offset, offset+length) span out of the node's
// content cache, falling back to the server and coalescing concurrent
// reads of the same handle+offset+length into a single RPC.
func (c *Cache) Read(ctx context.Context, handle uint64, offset uint64, length uint32) ([]byte, wire.Errno, error) {
	ch := c.lookupHandle(handle)
	if ch == nil {
		return nil, errnoFromName("EBADF"), nil
	}
	if data, ok := ch.node.content.Lookup(int64(offset), int(length)); ok {
		return data, 0, nil
	}

	key := fmt.Sprintf("%d:%d:%d", handle, offset, length)
	epoch := ch.node.content.Epoch()
	v, err, _ := c.readSF.Do(key, func() (interface{}, error) {
		data, errno, err := c.backend.Read(ctx, handle, offset, length)
		if err != nil {
			return nil, err
		}
		if errno != 0 {
			return errno, nil
		}
		ch.node.content.Insert(epoch, int64(offset), data)
		return data, nil
	})
	if err != nil {
		return nil, 0, err
	}
	if errno, ok := v.(wire.Errno); ok {
		return nil, errno, nil
	}
	return v.([]byte), 0, nil
}

// Write is write-through: the server is the sole authoritative copy, so
// the node's whole content cache is dropped rather than speculatively
// updated, and the node's cached size grows optimistically
// only once the server confirms the write.
func (c *Cache) Write(ctx context.Context, handle uint64, offset uint64, data []byte) (uint32, wire.Errno, error) {
	ch := c.lookupHandle(handle)
	if ch == nil {
		return 0, errnoFromName("EBADF"), nil
	}
	ch.node.content.Invalidate()
	n, errno, err := c.backend.Write(ctx, handle, offset, data)
	if err != nil || errno != 0 {
		return n, errno, err
	}
	ch.node.mu.Lock()
	if end := offset + uint64(n); end > ch.node.size {
		ch.node.size = end
	}
	ch.node.mu.Unlock()
	return n, 0, nil
}

// Close releases the handle's server-side resource and forgets the
// client-side mapping.
func (c *Cache) Close(ctx context.Context, handle uint64) (wire.Errno, error) {
	c.handlesMu.Lock()
	delete(c.handles, handle)
	c.handlesMu.Unlock()
	return c.backend.Close(ctx, handle)
}

func (c *Cache) lookupHandle(handle uint64) *contentHandle {
	c.handlesMu.Lock()
	defer c.handlesMu.Unlock()
	return c.handles[handle]
}

// Mkdir, Rmdir, Unlink, Symlink, Rename, Chmod and Truncate all follow
// the same mutation policy (§4.4): issue the RPC, and on success fold the
// server's confirmation straight into the cache rather than waiting for
// the next notification or lookup to refresh it.

func (c *Cache) Mkdir(ctx context.Context, path string, mode uint32) (*Node, wire.Errno, error) {
	attr, errno, err := c.backend.Mkdir(ctx, path, mode)
	if err != nil || errno != 0 {
		return nil, errno, err
	}
	node := c.tree.InstallAttr(path, attr)
	c.bumpParentTimes(path)
	return node, 0, nil
}

func (c *Cache) Rmdir(ctx context.Context, path string) (wire.Errno, error) {
	errno, err := c.backend.Rmdir(ctx, path)
	if err != nil || errno != 0 {
		return errno, err
	}
	c.tree.Detach(path)
	c.bumpParentTimes(path)
	return 0, nil
}

func (c *Cache) Unlink(ctx context.Context, path string) (wire.Errno, error) {
	errno, err := c.backend.Unlink(ctx, path)
	if err != nil || errno != 0 {
		return errno, err
	}
	c.tree.Detach(path)
	c.bumpParentTimes(path)
	return 0, nil
}

func (c *Cache) Symlink(ctx context.Context, linkPath, target string) (*Node, wire.Errno, error) {
	attr, errno, err := c.backend.Symlink(ctx, linkPath, target)
	if err != nil || errno != 0 {
		return nil, errno, err
	}
	node := c.tree.InstallAttr(linkPath, attr)
	node.SetSymlinkTarget(target)
	c.bumpParentTimes(linkPath)
	return node, 0, nil
}

func (c *Cache) Rename(ctx context.Context, oldPath, newPath string) (wire.Errno, error) {
	errno, err := c.backend.Rename(ctx, oldPath, newPath)
	if err != nil || errno != 0 {
		return errno, err
	}
	c.tree.Rename(oldPath, newPath)
	c.bumpParentTimes(oldPath)
	c.bumpParentTimes(newPath)
	return 0, nil
}

func (c *Cache) Chmod(ctx context.Context, path string, mode uint32) (wire.Errno, error) {
	errno, err := c.backend.Chmod(ctx, path, mode)
	if err != nil || errno != 0 {
		return errno, err
	}
	if node, missing, _ := c.tree.Lookup(path); !missing && node != nil {
		node.mu.Lock()
		node.mode = mode
		node.mu.Unlock()
	}
	return 0, nil
}

func (c *Cache) Truncate(ctx context.Context, path string, length uint64) (wire.Errno, error) {
	errno, err := c.backend.Truncate(ctx, path, length)
	if err != nil || errno != 0 {
		return errno, err
	}
	if node, missing, _ := c.tree.Lookup(path); !missing && node != nil {
		node.mu.Lock()
		node.size = length
		node.mu.Unlock()
		if node.content != nil {
			node.content.Invalidate()
		}
	}
	return 0, nil
}

// bumpParentTimes invalidates the parent directory's cached attributes
// so its mtime/ctime are re-fetched rather than served stale after a
// child create/remove/rename -- the cache has no way to predict the
// server's chosen timestamp itself.
func (c *Cache) bumpParentTimes(childPath string) {
	parent := path.Dir(normalize(childPath))
	if node, missing, _ := c.tree.Lookup(parent); !missing && node != nil {
		node.markInvalid()
	}
}

func errnoFromName(name string) wire.Errno {
	// Kept symbolic so callers read ENOENT rather than a bare 2. The
	// values are the Linux errno numbers; the fs adapter hands a wire
	// errno to the kernel unchanged as a syscall.Errno.
	switch name {
	case "ENOENT":
		return wire.Errno(2)
	case "EBADF":
		return wire.Errno(9)
	default:
		return wire.Errno(0)
	}
}

func (n *Node) childrenValidSnapshot() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.childrenValid
}

func (n *Node) listChildren() []wire.DirEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]wire.DirEntry, 0, len(n.children))
	for name, child := range n.children {
		out = append(out, wire.DirEntry{Name: name, Attr: wire.Attr(child.Attr())})
	}
	return out
}
