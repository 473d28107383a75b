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

	"github.com/dsiroky/rewofs/internal/wire"
)

// CacheBackend adapts a Client to the method set internal/vfscache.Cache
// expects of its Backend: one method per wire.Kind, each sending a
// request and type-asserting the matching response.
type CacheBackend struct {
	Client *Client
}

func NewCacheBackend(c *Client) *CacheBackend {
	return &CacheBackend{Client: c}
}

func (b *CacheBackend) Stat(ctx context.Context, path string) (wire.Attr, wire.Errno, error) {
	r, err := b.Client.Call(ctx, wire.KindStat, &wire.StatRequest{Path: path})
	if err != nil {
		return wire.Attr{}, 0, err
	}
	resp := r.(*wire.StatResponse)
	return resp.Attr, resp.Errno, nil
}

func (b *CacheBackend) Readdir(ctx context.Context, path string) ([]wire.DirEntry, wire.Errno, error) {
	r, err := b.Client.Call(ctx, wire.KindReaddir, &wire.ReaddirRequest{Path: path})
	if err != nil {
		return nil, 0, err
	}
	resp := r.(*wire.ReaddirResponse)
	return resp.Entries, resp.Errno, nil
}

func (b *CacheBackend) Readlink(ctx context.Context, path string) (string, wire.Errno, error) {
	r, err := b.Client.Call(ctx, wire.KindReadlink, &wire.ReadlinkRequest{Path: path})
	if err != nil {
		return "", 0, err
	}
	resp := r.(*wire.ReadlinkResponse)
	return resp.Target, resp.Errno, nil
}

func (b *CacheBackend) Open(ctx context.Context, path string, flags, mode uint32) (uint64, wire.Errno, error) {
	r, err := b.Client.Call(ctx, wire.KindOpen, &wire.OpenRequest{Path: path, Flags: flags, Mode: mode})
	if err != nil {
		return 0, 0, err
	}
	resp := r.(*wire.OpenResponse)
	return resp.Handle, resp.Errno, nil
}

func (b *CacheBackend) Create(ctx context.Context, path string, mode uint32) (uint64, wire.Attr, wire.Errno, error) {
	r, err := b.Client.Call(ctx, wire.KindCreate, &wire.CreateRequest{Path: path, Mode: mode})
	if err != nil {
		return 0, wire.Attr{}, 0, err
	}
	resp := r.(*wire.CreateResponse)
	return resp.Handle, resp.Attr, resp.Errno, nil
}

func (b *CacheBackend) Read(ctx context.Context, handle uint64, offset uint64, length uint32) ([]byte, wire.Errno, error) {
	r, err := b.Client.Call(ctx, wire.KindRead, &wire.ReadRequest{Handle: handle, Offset: offset, Length: length})
	if err != nil {
		return nil, 0, err
	}
	resp := r.(*wire.ReadResponse)
	return resp.Data, resp.Errno, nil
}

func (b *CacheBackend) Write(ctx context.Context, handle uint64, offset uint64, data []byte) (uint32, wire.Errno, error) {
	r, err := b.Client.Call(ctx, wire.KindWrite, &wire.WriteRequest{Handle: handle, Offset: offset, Data: data})
	if err != nil {
		return 0, 0, err
	}
	resp := r.(*wire.WriteResponse)
	return resp.Written, resp.Errno, nil
}

func (b *CacheBackend) Close(ctx context.Context, handle uint64) (wire.Errno, error) {
	r, err := b.Client.Call(ctx, wire.KindClose, &wire.CloseRequest{Handle: handle})
	if err != nil {
		return 0, err
	}
	return r.(*wire.CloseResponse).Errno, nil
}

func (b *CacheBackend) Mkdir(ctx context.Context, path string, mode uint32) (wire.Attr, wire.Errno, error) {
	r, err := b.Client.Call(ctx, wire.KindMkdir, &wire.MkdirRequest{Path: path, Mode: mode})
	if err != nil {
		return wire.Attr{}, 0, err
	}
	resp := r.(*wire.MkdirResponse)
	return resp.Attr, resp.Errno, nil
}

func (b *CacheBackend) Rmdir(ctx context.Context, path string) (wire.Errno, error) {
	r, err := b.Client.Call(ctx, wire.KindRmdir, &wire.RmdirRequest{Path: path})
	if err != nil {
		return 0, err
	}
	return r.(*wire.RmdirResponse).Errno, nil
}

func (b *CacheBackend) Unlink(ctx context.Context, path string) (wire.Errno, error) {
	r, err := b.Client.Call(ctx, wire.KindUnlink, &wire.UnlinkRequest{Path: path})
	if err != nil {
		return 0, err
	}
	return r.(*wire.UnlinkResponse).Errno, nil
}

func (b *CacheBackend) Symlink(ctx context.Context, linkPath, target string) (wire.Attr, wire.Errno, error) {
	r, err := b.Client.Call(ctx, wire.KindSymlink, &wire.SymlinkRequest{LinkPath: linkPath, Target: target})
	if err != nil {
		return wire.Attr{}, 0, err
	}
	resp := r.(*wire.SymlinkResponse)
	return resp.Attr, resp.Errno, nil
}

func (b *CacheBackend) Rename(ctx context.Context, oldPath, newPath string) (wire.Errno, error) {
	r, err := b.Client.Call(ctx, wire.KindRename, &wire.RenameRequest{OldPath: oldPath, NewPath: newPath})
	if err != nil {
		return 0, err
	}
	return r.(*wire.RenameResponse).Errno, nil
}

func (b *CacheBackend) Chmod(ctx context.Context, path string, mode uint32) (wire.Errno, error) {
	r, err := b.Client.Call(ctx, wire.KindChmod, &wire.ChmodRequest{Path: path, Mode: mode})
	if err != nil {
		return 0, err
	}
	return r.(*wire.ChmodResponse).Errno, nil
}

func (b *CacheBackend) Truncate(ctx context.Context, path string, length uint64) (wire.Errno, error) {
	r, err := b.Client.Call(ctx, wire.KindTruncate, &wire.TruncateRequest{Path: path, Length: length})
	if err != nil {
		return 0, err
	}
	return r.(*wire.TruncateResponse).Errno, nil
}
