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
	"strings"
	"sync"

	"github.com/dsiroky/rewofs/internal/wire"
)

// fakeBackend is a minimal in-memory vfscache.Backend, just enough to
// drive the fileSystem adapter end to end without a real transport or
// server process.
type fakeBackend struct {
	mu       sync.Mutex
	nodes    map[string]*fakeNode
	nextFD   uint64
	handles  map[uint64]string
}

type fakeNode struct {
	kind   wire.NodeKind
	mode   uint32
	data   []byte
	target string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nodes:   map[string]*fakeNode{"/": {kind: wire.KindDirectory, mode: 0o755}},
		handles: make(map[uint64]string),
	}
}

func (b *fakeBackend) attrOf(n *fakeNode) wire.Attr {
	return wire.Attr{Kind: n.kind, Mode: n.mode, Size: uint64(len(n.data))}
}

func (b *fakeBackend) Stat(ctx context.Context, p string) (wire.Attr, wire.Errno, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[p]
	if !ok {
		return wire.Attr{}, 2, nil // ENOENT
	}
	return b.attrOf(n), 0, nil
}

func (b *fakeBackend) Readdir(ctx context.Context, p string) ([]wire.DirEntry, wire.Errno, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.nodes[p]; !ok {
		return nil, 2, nil
	}
	prefix := p
	if prefix != "/" {
		prefix += "/"
	} else {
		prefix = "/"
	}
	var out []wire.DirEntry
	for childPath, n := range b.nodes {
		if childPath == p || !strings.HasPrefix(childPath, prefix) {
			continue
		}
		rest := strings.TrimPrefix(childPath, prefix)
		if strings.Contains(rest, "/") {
			continue
		}
		out = append(out, wire.DirEntry{Name: rest, Attr: b.attrOf(n)})
	}
	return out, 0, nil
}

func (b *fakeBackend) Readlink(ctx context.Context, p string) (string, wire.Errno, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[p]
	if !ok {
		return "", 2, nil
	}
	return n.target, 0, nil
}

func (b *fakeBackend) Open(ctx context.Context, p string, flags, mode uint32) (uint64, wire.Errno, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.nodes[p]; !ok {
		return 0, 2, nil
	}
	b.nextFD++
	b.handles[b.nextFD] = p
	return b.nextFD, 0, nil
}

func (b *fakeBackend) Create(ctx context.Context, p string, mode uint32) (uint64, wire.Attr, wire.Errno, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := &fakeNode{kind: wire.KindRegularFile, mode: mode}
	b.nodes[p] = n
	b.nextFD++
	b.handles[b.nextFD] = p
	return b.nextFD, b.attrOf(n), 0, nil
}

func (b *fakeBackend) Read(ctx context.Context, handle uint64, offset uint64, length uint32) ([]byte, wire.Errno, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.handles[handle]
	if !ok {
		return nil, 9, nil // EBADF
	}
	n := b.nodes[p]
	end := int(offset) + int(length)
	if end > len(n.data) {
		end = len(n.data)
	}
	if int(offset) >= end {
		return nil, 0, nil
	}
	return n.data[offset:end], 0, nil
}

func (b *fakeBackend) Write(ctx context.Context, handle uint64, offset uint64, data []byte) (uint32, wire.Errno, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.handles[handle]
	if !ok {
		return 0, 9, nil
	}
	n := b.nodes[p]
	end := int(offset) + len(data)
	if end > len(n.data) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[offset:], data)
	return uint32(len(data)), 0, nil
}

func (b *fakeBackend) Close(ctx context.Context, handle uint64) (wire.Errno, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handles, handle)
	return 0, nil
}

func (b *fakeBackend) Mkdir(ctx context.Context, p string, mode uint32) (wire.Attr, wire.Errno, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := &fakeNode{kind: wire.KindDirectory, mode: mode}
	b.nodes[p] = n
	return b.attrOf(n), 0, nil
}

func (b *fakeBackend) Rmdir(ctx context.Context, p string) (wire.Errno, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, p)
	return 0, nil
}

func (b *fakeBackend) Unlink(ctx context.Context, p string) (wire.Errno, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, p)
	return 0, nil
}

func (b *fakeBackend) Symlink(ctx context.Context, linkPath, target string) (wire.Attr, wire.Errno, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := &fakeNode{kind: wire.KindSymlinkNode, mode: 0o777, target: target}
	b.nodes[linkPath] = n
	return b.attrOf(n), 0, nil
}

func (b *fakeBackend) Rename(ctx context.Context, oldPath, newPath string) (wire.Errno, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[oldPath]
	if !ok {
		return 2, nil
	}
	delete(b.nodes, oldPath)
	b.nodes[newPath] = n
	return 0, nil
}

func (b *fakeBackend) Chmod(ctx context.Context, p string, mode uint32) (wire.Errno, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[p]
	if !ok {
		return 2, nil
	}
	n.mode = mode
	return 0, nil
}

func (b *fakeBackend) Truncate(ctx context.Context, p string, length uint64) (wire.Errno, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[p]
	if !ok {
		return 2, nil
	}
	if int(length) <= len(n.data) {
		n.data = n.data[:length]
	} else {
		grown := make([]byte, length)
		copy(grown, n.data)
		n.data = grown
	}
	return 0, nil
}
