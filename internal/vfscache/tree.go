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

// Package vfscache holds the client-side coherent snapshot of directory
// metadata and recently opened file content (design §4.4). It is
// consulted by every upcall the FUSE adapter (package fs) receives
// before any RPC is issued, and is kept up to date by RPC responses,
// kernel-initiated successful mutations, and server invalidations.
package vfscache

import (
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dsiroky/rewofs/internal/wire"
)

var nextNodeID uint64

func newNodeID() uint64 { return atomic.AddUint64(&nextNodeID, 1) }

// Node is one filesystem object known to the client. Exactly one parent
// ever points at a given Node; symlinks are stored as opaque target
// strings and never resolved client-side (§9: "the client never resolves
// [symlinks], leaving that to the kernel").
type Node struct {
	mu sync.RWMutex

	id     uint64
	name   string
	parent *Node

	kind  wire.NodeKind
	mode  uint32
	size  uint64
	mtime wire.Timestamp
	ctime wire.Timestamp

	symlinkTarget string

	// attrsValid is true once this node's own attributes have been
	// confirmed against the server (via stat or readdir), as opposed to
	// existing only as a placeholder a parent listing mentioned.
	attrsValid bool

	// childrenValid is true once readdir has populated children
	// completely for a directory node.
	childrenValid bool
	children      map[string]*Node

	content *ContentCache
}

// Attr snapshots a Node's attribute fields without holding its lock.
type Attr struct {
	Kind  wire.NodeKind
	Mode  uint32
	Size  uint64
	Mtime wire.Timestamp
	Ctime wire.Timestamp
}

func (n *Node) Attr() Attr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return Attr{Kind: n.kind, Mode: n.mode, Size: n.size, Mtime: n.mtime, Ctime: n.ctime}
}

func (n *Node) Valid() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.attrsValid
}

func (n *Node) SymlinkTarget() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.symlinkTarget
}

// Path reconstructs the "/"-rooted virtual path of n by walking parent
// pointers. Each node is locked individually and released before moving
// up, so this never competes with Tree's own lock ordering.
func (n *Node) Path() string {
	var names []string
	cur := n
	for {
		cur.mu.RLock()
		name := cur.name
		parent := cur.parent
		cur.mu.RUnlock()
		if parent == nil {
			break
		}
		names = append([]string{name}, names...)
		cur = parent
	}
	return "/" + strings.Join(names, "/")
}

func (n *Node) setAttr(a wire.Attr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kind = a.Kind
	n.mode = a.Mode
	n.size = a.Size
	n.mtime = a.Mtime
	n.ctime = a.Ctime
	n.attrsValid = true
}

func (n *Node) SetSymlinkTarget(target string) {
	n.mu.Lock()
	n.symlinkTarget = target
	n.mu.Unlock()
}

func (n *Node) markInvalid() {
	n.mu.Lock()
	n.attrsValid = false
	n.mu.Unlock()
	if n.content != nil {
		n.content.Invalidate()
	}
}

// Tree is the rooted directory tree. A single structural lock serializes
// inserts, detaches, and renames; per-node locks (above) guard attribute
// reads/writes independently so that a stat of an unrelated file never
// blocks on a concurrent rename elsewhere in the tree.
type Tree struct {
	structMu sync.Mutex
	root     *Node
}

func NewTree() *Tree {
	root := &Node{id: newNodeID(), kind: wire.KindDirectory, attrsValid: false, children: make(map[string]*Node)}
	root.content = nil
	return &Tree{root: root}
}

// Root returns the tree's root node, e.g. for preassigning it the
// kernel's fixed root inode id.
func (t *Tree) Root() *Node { return t.root }

// JoinChild builds the virtual path of a child name under a known
// parent path, the inverse of splitPath -- used by the FUSE adapter,
// which only ever sees (parent inode, child name) pairs from the
// kernel, never full paths.
func JoinChild(parentPath, name string) string {
	if parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}

func normalize(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean("/" + p)
	return cleaned
}

func splitPath(p string) []string {
	p = normalize(p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// Lookup walks the cached tree for p, following any name already present
// in a directory's children mapping. needFetch is true if a name is
// absent from a mapping that is not yet known to be authoritative
// (childrenValid == false) -- the caller must issue a readdir/stat RPC
// in that case, it cannot conclude non-existence from an incomplete
// cache -- or if the node found has no valid attributes. missing is true
// if an authoritative parent's children definitively do not contain the
// name, or an ancestor with valid attributes is not a directory.
func (t *Tree) Lookup(p string) (node *Node, missing bool, needFetch bool) {
	parts := splitPath(p)
	cur := t.root

	if len(parts) == 0 {
		return t.root, false, false
	}

	for i, name := range parts {
		cur.mu.RLock()
		if cur.attrsValid && cur.kind != wire.KindDirectory {
			cur.mu.RUnlock()
			return nil, true, false
		}
		child, ok := cur.children[name]
		authoritative := cur.childrenValid
		cur.mu.RUnlock()
		if !ok {
			if !authoritative {
				return nil, false, true
			}
			return nil, true, false
		}
		if i == len(parts)-1 {
			return child, false, !child.Valid()
		}
		cur = child
	}
	return cur, false, false
}

// Ensure returns the node at p, creating placeholder ancestors as needed.
// Used when installing the result of an RPC whose path may not have been
// observed before (e.g. the target of a fresh mkdir/create).
func (t *Tree) Ensure(p string) *Node {
	t.structMu.Lock()
	defer t.structMu.Unlock()
	return t.ensureLocked(p)
}

func (t *Tree) ensureLocked(p string) *Node {
	parts := splitPath(p)
	cur := t.root
	for _, name := range parts {
		cur.mu.Lock()
		if cur.children == nil {
			cur.children = make(map[string]*Node)
		}
		child, ok := cur.children[name]
		if !ok {
			child = &Node{id: newNodeID(), name: name, parent: cur}
			cur.children[name] = child
		}
		cur.mu.Unlock()
		cur = child
	}
	return cur
}

// InstallAttr records server-confirmed attributes for p, creating the
// node (and placeholder ancestors) if necessary.
func (t *Tree) InstallAttr(p string, a wire.Attr) *Node {
	n := t.Ensure(p)
	n.setAttr(a)
	return n
}

// InstallReaddir populates dir's children mapping completely from a
// fresh server listing and marks it valid (§4.4: child nodes get
// attrsValid=true; their own children remain invalid until readdir is
// called on them).
func (t *Tree) InstallReaddir(dirPath string, entries []wire.DirEntry) *Node {
	t.structMu.Lock()
	defer t.structMu.Unlock()

	dir := t.ensureLocked(dirPath)

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.Name] = true
		dir.mu.Lock()
		if dir.children == nil {
			dir.children = make(map[string]*Node)
		}
		child, ok := dir.children[e.Name]
		if !ok {
			child = &Node{id: newNodeID(), name: e.Name, parent: dir}
			dir.children[e.Name] = child
		}
		dir.mu.Unlock()
		child.setAttr(e.Attr)
	}

	dir.mu.Lock()
	for name, child := range dir.children {
		if !seen[name] {
			delete(dir.children, name)
			child.mu.Lock()
			child.parent = nil
			child.mu.Unlock()
		}
	}
	dir.childrenValid = true
	dir.attrsValid = true
	dir.mu.Unlock()

	return dir
}

// MarkNotFound records that p is confirmed absent, by detaching any
// stale node and leaving the parent's children mapping without an entry
// for that name. Placeholder ancestors are created when p's parent is
// not cached yet.
func (t *Tree) MarkNotFound(p string) {
	t.structMu.Lock()
	defer t.structMu.Unlock()
	parent, name := t.parentLocked(p)
	if parent == nil {
		return
	}
	parent.mu.Lock()
	delete(parent.children, name)
	parent.mu.Unlock()
}

func (t *Tree) parentLocked(p string) (*Node, string) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return nil, ""
	}
	cur := t.root
	for _, name := range parts[:len(parts)-1] {
		cur.mu.Lock()
		if cur.children == nil {
			cur.children = make(map[string]*Node)
		}
		child, ok := cur.children[name]
		if !ok {
			child = &Node{id: newNodeID(), name: name, parent: cur}
			cur.children[name] = child
		}
		cur.mu.Unlock()
		cur = child
	}
	return cur, parts[len(parts)-1]
}

// Detach removes p's node from its parent's children, e.g. after a
// server-confirmed unlink/rmdir or a removal notification.
func (t *Tree) Detach(p string) {
	t.structMu.Lock()
	defer t.structMu.Unlock()
	parts := splitPath(p)
	if len(parts) == 0 {
		return
	}
	parent, missing, _ := t.lookupLocked(parts[:len(parts)-1])
	if missing || parent == nil {
		return
	}
	name := parts[len(parts)-1]
	parent.mu.Lock()
	child := parent.children[name]
	delete(parent.children, name)
	parent.mu.Unlock()
	if child != nil {
		child.mu.Lock()
		child.parent = nil
		child.mu.Unlock()
	}
}

func (t *Tree) lookupLocked(parts []string) (*Node, bool, bool) {
	cur := t.root
	for _, name := range parts {
		cur.mu.RLock()
		child, ok := cur.children[name]
		cur.mu.RUnlock()
		if !ok {
			return nil, true, false
		}
		cur = child
	}
	return cur, false, false
}

// Rename moves the node at oldPath to newPath atomically with respect to
// any concurrent Lookup/Invalidate: both parent directories are locked
// in a canonical order (by node id) to avoid deadlocking against a
// concurrent rename in the opposite direction.
func (t *Tree) Rename(oldPath, newPath string) {
	t.structMu.Lock()
	defer t.structMu.Unlock()

	oldParts := splitPath(oldPath)
	newParts := splitPath(newPath)
	if len(oldParts) == 0 || len(newParts) == 0 {
		return
	}

	oldParent, _, _ := t.lookupLocked(oldParts[:len(oldParts)-1])
	newParent := t.ensureLocked(path.Dir(normalize(newPath)))
	if oldParent == nil {
		return
	}

	oldName := oldParts[len(oldParts)-1]
	newName := newParts[len(newParts)-1]

	// Canonical lock order: by node id, so a concurrent rename of the
	// opposite direction between the same two directories always
	// acquires them in the same order and cannot deadlock.
	first, second := oldParent, newParent
	if newParent.id < oldParent.id {
		first, second = newParent, oldParent
	}
	first.mu.Lock()
	if second != first {
		second.mu.Lock()
	}

	moved := oldParent.children[oldName]
	delete(oldParent.children, oldName)
	if newParent.children == nil {
		newParent.children = make(map[string]*Node)
	}
	if moved != nil {
		moved.mu.Lock()
		moved.parent = newParent
		moved.name = newName
		moved.mu.Unlock()
		newParent.children[newName] = moved
	} else {
		delete(newParent.children, newName)
	}

	if second != first {
		second.mu.Unlock()
	}
	first.mu.Unlock()
}
