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

// Package server implements the rewofs server dispatcher: it resolves
// virtual paths against a configured root, executes the corresponding
// syscall, and maps the result to a wire response. It also watches the
// root for out-of-band changes and publishes invalidations.
package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dsiroky/rewofs/internal/logger"
	"github.com/dsiroky/rewofs/internal/metrics"
	"github.com/dsiroky/rewofs/internal/wire"
	"golang.org/x/sys/unix"
)

// Dispatcher resolves and executes every wire.Kind request against a
// real directory, and tracks open file descriptors per client session.
// It does not publish invalidations itself: every mutation it performs
// is a real syscall against root, which the change watcher (watcher.go)
// observes the same way it observes any other out-of-band modification,
// so a single code path owns notification delivery.
type Dispatcher struct {
	root    string
	handles *handleTable
}

func NewDispatcher(root string) *Dispatcher {
	return &Dispatcher{root: root, handles: newHandleTable()}
}

// SessionClosed implements rpc.Disconnector: every fd the session still
// owns is closed, per §4.3 ("On client disconnect, all handles owned by
// that session are closed.").
func (d *Dispatcher) SessionClosed(sessionID string) {
	d.handles.closeSession(sessionID)
}

// resolve maps a virtual path to a real path under root, rejecting any
// attempt to escape it. A path whose ".." components climb above root
// is rejected outright rather than being clamped to root by cleaning.
func (d *Dispatcher) resolve(virtual string) (string, bool) {
	rel := filepath.ToSlash(filepath.Clean(strings.TrimLeft(virtual, "/")))
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	cleaned := filepath.ToSlash(filepath.Clean("/" + virtual))
	if strings.Contains(cleaned, "..") {
		return "", false
	}
	return filepath.Join(d.root, strings.TrimPrefix(cleaned, "/")), true
}

// Dispatch implements rpc.Dispatcher. It never returns an error: a
// request that fails to decode is a protocol error (fatal per §7
// category 2), logged here and reported back as EIO since the
// hand-rolled grpc.StreamHandler plumbing has no side channel to tear
// down the connection from inside a single call.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, kind wire.Kind, payload []byte) []byte {
	start := time.Now()
	defer func() {
		metrics.RequestDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	}()

	req, err := wire.UnmarshalRequest(kind, payload)
	if err != nil {
		logger.Errorf("server: malformed %s request from session %s: %v", kind, sessionID, err)
		metrics.RequestsTotal.WithLabelValues(kind.String(), "error").Inc()
		return d.errorResponse(kind, unix.EIO)
	}

	var resp interface{}
	switch kind {
	case wire.KindStat:
		resp = d.stat(req.(*wire.StatRequest))
	case wire.KindReaddir:
		resp = d.readdir(req.(*wire.ReaddirRequest))
	case wire.KindReadlink:
		resp = d.readlink(req.(*wire.ReadlinkRequest))
	case wire.KindOpen:
		resp = d.open(sessionID, req.(*wire.OpenRequest))
	case wire.KindRead:
		resp = d.read(req.(*wire.ReadRequest))
	case wire.KindWrite:
		resp = d.write(req.(*wire.WriteRequest))
	case wire.KindClose:
		resp = d.close(sessionID, req.(*wire.CloseRequest))
	case wire.KindCreate:
		resp = d.create(sessionID, req.(*wire.CreateRequest))
	case wire.KindMkdir:
		resp = d.mkdir(req.(*wire.MkdirRequest))
	case wire.KindRmdir:
		resp = d.rmdir(req.(*wire.RmdirRequest))
	case wire.KindUnlink:
		resp = d.unlink(req.(*wire.UnlinkRequest))
	case wire.KindSymlink:
		resp = d.symlink(req.(*wire.SymlinkRequest))
	case wire.KindRename:
		resp = d.rename(req.(*wire.RenameRequest))
	case wire.KindChmod:
		resp = d.chmod(req.(*wire.ChmodRequest))
	case wire.KindTruncate:
		resp = d.truncate(req.(*wire.TruncateRequest))
	default:
		logger.Errorf("server: unknown request kind %v from session %s", kind, sessionID)
		metrics.RequestsTotal.WithLabelValues(kind.String(), "error").Inc()
		return d.errorResponse(kind, unix.EIO)
	}

	out, err := wire.MarshalResponse(kind, resp)
	if err != nil {
		logger.Errorf("server: failed to marshal %s response: %v", kind, err)
		metrics.RequestsTotal.WithLabelValues(kind.String(), "error").Inc()
		return d.errorResponse(kind, unix.EIO)
	}
	metrics.RequestsTotal.WithLabelValues(kind.String(), "ok").Inc()
	return out
}

func (d *Dispatcher) errorResponse(kind wire.Kind, errno unix.Errno) []byte {
	out, _ := wire.MarshalResponse(kind, emptyResponseFor(kind, errno))
	return out
}

func emptyResponseFor(kind wire.Kind, errno unix.Errno) interface{} {
	e := wire.Errno(errno)
	switch kind {
	case wire.KindStat:
		return &wire.StatResponse{Errno: e}
	case wire.KindReaddir:
		return &wire.ReaddirResponse{Errno: e}
	case wire.KindReadlink:
		return &wire.ReadlinkResponse{Errno: e}
	case wire.KindOpen:
		return &wire.OpenResponse{Errno: e}
	case wire.KindRead:
		return &wire.ReadResponse{Errno: e}
	case wire.KindWrite:
		return &wire.WriteResponse{Errno: e}
	case wire.KindClose:
		return &wire.CloseResponse{Errno: e}
	case wire.KindCreate:
		return &wire.CreateResponse{Errno: e}
	case wire.KindMkdir:
		return &wire.MkdirResponse{Errno: e}
	case wire.KindRmdir:
		return &wire.RmdirResponse{Errno: e}
	case wire.KindUnlink:
		return &wire.UnlinkResponse{Errno: e}
	case wire.KindSymlink:
		return &wire.SymlinkResponse{Errno: e}
	case wire.KindRename:
		return &wire.RenameResponse{Errno: e}
	case wire.KindChmod:
		return &wire.ChmodResponse{Errno: e}
	case wire.KindTruncate:
		return &wire.TruncateResponse{Errno: e}
	default:
		return &wire.StatResponse{Errno: e}
	}
}

func errnoOf(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EIO
}

func lstatToAttr(st *unix.Stat_t) wire.Attr {
	kind := wire.KindUnknown
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		kind = wire.KindDirectory
	case unix.S_IFREG:
		kind = wire.KindRegularFile
	case unix.S_IFLNK:
		kind = wire.KindSymlinkNode
	}
	return wire.Attr{
		Kind:  kind,
		Mode:  uint32(st.Mode & 0o7777),
		Size:  uint64(st.Size),
		Mtime: wire.Timestamp{Sec: int64(st.Mtim.Sec), Nsec: int32(st.Mtim.Nsec)},
		Ctime: wire.Timestamp{Sec: int64(st.Ctim.Sec), Nsec: int32(st.Ctim.Nsec)},
	}
}

func (d *Dispatcher) stat(req *wire.StatRequest) *wire.StatResponse {
	real, ok := d.resolve(req.Path)
	if !ok {
		return &wire.StatResponse{Errno: wire.Errno(unix.EACCES)}
	}
	var st unix.Stat_t
	if err := unix.Lstat(real, &st); err != nil {
		return &wire.StatResponse{Errno: wire.Errno(errnoOf(err))}
	}
	return &wire.StatResponse{Attr: lstatToAttr(&st)}
}

func (d *Dispatcher) readdir(req *wire.ReaddirRequest) *wire.ReaddirResponse {
	real, ok := d.resolve(req.Path)
	if !ok {
		return &wire.ReaddirResponse{Errno: wire.Errno(unix.EACCES)}
	}
	entries, err := os.ReadDir(real)
	if err != nil {
		return &wire.ReaddirResponse{Errno: wire.Errno(errnoOf(underlyingErrno(err)))}
	}
	out := make([]wire.DirEntry, 0, len(entries))
	for _, e := range entries {
		var st unix.Stat_t
		if err := unix.Lstat(filepath.Join(real, e.Name()), &st); err != nil {
			continue
		}
		out = append(out, wire.DirEntry{Name: e.Name(), Attr: lstatToAttr(&st)})
	}
	return &wire.ReaddirResponse{Entries: out}
}

// underlyingErrno unwraps the *PathError os.ReadDir/os.Open etc. wrap
// syscall errors in, so errnoOf can recover the original unix.Errno.
func underlyingErrno(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		if u, ok := err.(unwrapper); ok {
			err = u.Unwrap()
			continue
		}
		return err
	}
}

func (d *Dispatcher) readlink(req *wire.ReadlinkRequest) *wire.ReadlinkResponse {
	real, ok := d.resolve(req.Path)
	if !ok {
		return &wire.ReadlinkResponse{Errno: wire.Errno(unix.EACCES)}
	}
	buf := make([]byte, wire.MaxSymlinkTarget)
	n, err := unix.Readlink(real, buf)
	if err != nil {
		return &wire.ReadlinkResponse{Errno: wire.Errno(errnoOf(err))}
	}
	return &wire.ReadlinkResponse{Target: wire.TruncateSymlinkTarget(string(buf[:n]))}
}

func (d *Dispatcher) open(sessionID string, req *wire.OpenRequest) *wire.OpenResponse {
	real, ok := d.resolve(req.Path)
	if !ok {
		return &wire.OpenResponse{Errno: wire.Errno(unix.EACCES)}
	}
	fd, err := unix.Open(real, int(req.Flags), uint32(req.Mode))
	if err != nil {
		return &wire.OpenResponse{Errno: wire.Errno(errnoOf(err))}
	}
	return &wire.OpenResponse{Handle: d.handles.open(sessionID, fd)}
}

func (d *Dispatcher) create(sessionID string, req *wire.CreateRequest) *wire.CreateResponse {
	real, ok := d.resolve(req.Path)
	if !ok {
		return &wire.CreateResponse{Errno: wire.Errno(unix.EACCES)}
	}
	fd, err := unix.Open(real, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, uint32(req.Mode))
	if err != nil {
		return &wire.CreateResponse{Errno: wire.Errno(errnoOf(err))}
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return &wire.CreateResponse{Errno: wire.Errno(errnoOf(err))}
	}
	handle := d.handles.open(sessionID, fd)
	return &wire.CreateResponse{Handle: handle, Attr: lstatToAttr(&st)}
}

func (d *Dispatcher) read(req *wire.ReadRequest) *wire.ReadResponse {
	fd, ok := d.handles.fd(req.Handle)
	if !ok {
		return &wire.ReadResponse{Errno: wire.Errno(unix.EBADF)}
	}
	buf := make([]byte, req.Length)
	n, err := unix.Pread(fd, buf, int64(req.Offset))
	if err != nil {
		return &wire.ReadResponse{Errno: wire.Errno(errnoOf(err))}
	}
	return &wire.ReadResponse{Data: buf[:n]}
}

func (d *Dispatcher) write(req *wire.WriteRequest) *wire.WriteResponse {
	fd, ok := d.handles.fd(req.Handle)
	if !ok {
		return &wire.WriteResponse{Errno: wire.Errno(unix.EBADF)}
	}
	n, err := unix.Pwrite(fd, req.Data, int64(req.Offset))
	if err != nil {
		return &wire.WriteResponse{Errno: wire.Errno(errnoOf(err))}
	}
	return &wire.WriteResponse{Written: uint32(n)}
}

func (d *Dispatcher) close(sessionID string, req *wire.CloseRequest) *wire.CloseResponse {
	if !d.handles.close(sessionID, req.Handle) {
		return &wire.CloseResponse{Errno: wire.Errno(unix.EBADF)}
	}
	return &wire.CloseResponse{}
}

func (d *Dispatcher) mkdir(req *wire.MkdirRequest) *wire.MkdirResponse {
	real, ok := d.resolve(req.Path)
	if !ok {
		return &wire.MkdirResponse{Errno: wire.Errno(unix.EACCES)}
	}
	if err := unix.Mkdir(real, uint32(req.Mode)); err != nil {
		return &wire.MkdirResponse{Errno: wire.Errno(errnoOf(err))}
	}
	var st unix.Stat_t
	if err := unix.Lstat(real, &st); err != nil {
		return &wire.MkdirResponse{Errno: wire.Errno(errnoOf(err))}
	}
	return &wire.MkdirResponse{Attr: lstatToAttr(&st)}
}

func (d *Dispatcher) rmdir(req *wire.RmdirRequest) *wire.RmdirResponse {
	real, ok := d.resolve(req.Path)
	if !ok {
		return &wire.RmdirResponse{Errno: wire.Errno(unix.EACCES)}
	}
	if err := unix.Rmdir(real); err != nil {
		return &wire.RmdirResponse{Errno: wire.Errno(errnoOf(err))}
	}
	return &wire.RmdirResponse{}
}

func (d *Dispatcher) unlink(req *wire.UnlinkRequest) *wire.UnlinkResponse {
	real, ok := d.resolve(req.Path)
	if !ok {
		return &wire.UnlinkResponse{Errno: wire.Errno(unix.EACCES)}
	}
	if err := unix.Unlink(real); err != nil {
		return &wire.UnlinkResponse{Errno: wire.Errno(errnoOf(err))}
	}
	return &wire.UnlinkResponse{}
}

func (d *Dispatcher) symlink(req *wire.SymlinkRequest) *wire.SymlinkResponse {
	real, ok := d.resolve(req.LinkPath)
	if !ok {
		return &wire.SymlinkResponse{Errno: wire.Errno(unix.EACCES)}
	}
	if err := unix.Symlink(req.Target, real); err != nil {
		return &wire.SymlinkResponse{Errno: wire.Errno(errnoOf(err))}
	}
	var st unix.Stat_t
	if err := unix.Lstat(real, &st); err != nil {
		return &wire.SymlinkResponse{Errno: wire.Errno(errnoOf(err))}
	}
	return &wire.SymlinkResponse{Attr: lstatToAttr(&st)}
}

func (d *Dispatcher) rename(req *wire.RenameRequest) *wire.RenameResponse {
	realOld, ok := d.resolve(req.OldPath)
	if !ok {
		return &wire.RenameResponse{Errno: wire.Errno(unix.EACCES)}
	}
	realNew, ok := d.resolve(req.NewPath)
	if !ok {
		return &wire.RenameResponse{Errno: wire.Errno(unix.EACCES)}
	}
	if err := unix.Rename(realOld, realNew); err != nil {
		return &wire.RenameResponse{Errno: wire.Errno(errnoOf(err))}
	}
	return &wire.RenameResponse{}
}

func (d *Dispatcher) chmod(req *wire.ChmodRequest) *wire.ChmodResponse {
	real, ok := d.resolve(req.Path)
	if !ok {
		return &wire.ChmodResponse{Errno: wire.Errno(unix.EACCES)}
	}
	if err := unix.Chmod(real, uint32(req.Mode)); err != nil {
		return &wire.ChmodResponse{Errno: wire.Errno(errnoOf(err))}
	}
	return &wire.ChmodResponse{}
}

func (d *Dispatcher) truncate(req *wire.TruncateRequest) *wire.TruncateResponse {
	real, ok := d.resolve(req.Path)
	if !ok {
		return &wire.TruncateResponse{Errno: wire.Errno(unix.EACCES)}
	}
	if err := unix.Truncate(real, int64(req.Length)); err != nil {
		return &wire.TruncateResponse{Errno: wire.Errno(errnoOf(err))}
	}
	return &wire.TruncateResponse{}
}
