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
	"sync"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/dsiroky/rewofs/internal/vfscache"
	"github.com/dsiroky/rewofs/internal/wire"
)

// dirHandle snapshots a directory's entries on the first ReadDir call
// at offset zero and serves every subsequent call -- including ones
// straddling multiple kernel buffer fills -- out of that snapshot, so
// a directory that changes mid-listing does not hand out a
// self-inconsistent stream of entries.
type dirHandle struct {
	node *vfscache.Node

	mu      sync.Mutex
	entries []fuseutil.Dirent
	done    bool
}

func newDirHandle(n *vfscache.Node) *dirHandle {
	return &dirHandle{node: n}
}

func (dh *dirHandle) ReadDir(ctx context.Context, fs *fileSystem, op *fuseops.ReadDirOp) error {
	dh.mu.Lock()
	defer dh.mu.Unlock()

	if op.Offset == 0 {
		raw, errno, err := fs.cache.Readdir(ctx, dh.node.Path())
		if err != nil {
			return err
		}
		if !errno.Ok() {
			return toErrno(uint32(errno))
		}
		dh.entries = toDirents(raw)
		dh.done = false
	}

	idx := int(op.Offset)
	if idx > len(dh.entries) {
		idx = len(dh.entries)
	}

	n := 0
	for _, e := range dh.entries[idx:] {
		written := fuseutil.WriteDirent(op.Dst[n:], e)
		if written == 0 {
			break
		}
		n += written
	}
	op.BytesRead = n
	return nil
}

func toDirents(entries []wire.DirEntry) []fuseutil.Dirent {
	out := make([]fuseutil.Dirent, 0, len(entries))
	for i, e := range entries {
		var typ fuseutil.DirentType
		switch e.Attr.Kind {
		case wire.KindDirectory:
			typ = fuseutil.DT_Directory
		case wire.KindSymlinkNode:
			typ = fuseutil.DT_Link
		default:
			typ = fuseutil.DT_File
		}
		out = append(out, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Name:   e.Name,
			Type:   typ,
			// Inode is advisory for DT_* listings; the kernel always
			// confirms it via a follow-up LookUpInode, so a stable
			// placeholder is enough here.
			Inode: fuseops.RootInodeID,
		})
	}
	return out
}
