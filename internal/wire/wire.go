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

// Package wire implements the rewofs binary message schema: a tagged
// union of request, response, and notification payloads, encoded without
// a schema compiler but following the same shape a flatbuffer would
// produce -- scalars and inline byte vectors, little-endian, no pointer
// chasing after decode.
//
// Every frame on the transport is {length: u32, payload: bytes}; Marshal
// produces the payload only, the 4-byte length prefix is added by the
// transport layer (see internal/rpc).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a frame cannot be decoded: truncated
// length, an unknown tag, or a vector whose declared length overruns the
// buffer. Per the protocol error taxonomy this is fatal to the session.
var ErrMalformed = errors.New("wire: malformed frame")

// MaxSymlinkTarget is the cap applied to readlink targets, both when the
// server truncates on read and when a client-issued symlink target is
// encoded.
const MaxSymlinkTarget = 1024

// Kind discriminates the tagged union of request payloads. KindNotify (the
// zero value) is reserved for frames carried on the notification channel,
// which uses Notify/MarshalNotify/UnmarshalNotify instead of the
// request/response encoders below.
type Kind uint8

const (
	KindNotify Kind = iota
	KindStat
	KindReaddir
	KindReadlink
	KindOpen
	KindRead
	KindWrite
	KindClose
	KindCreate
	KindMkdir
	KindRmdir
	KindUnlink
	KindSymlink
	KindRename
	KindChmod
	KindTruncate
)

func (k Kind) String() string {
	switch k {
	case KindNotify:
		return "notify"
	case KindStat:
		return "stat"
	case KindReaddir:
		return "readdir"
	case KindReadlink:
		return "readlink"
	case KindOpen:
		return "open"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindClose:
		return "close"
	case KindCreate:
		return "create"
	case KindMkdir:
		return "mkdir"
	case KindRmdir:
		return "rmdir"
	case KindUnlink:
		return "unlink"
	case KindSymlink:
		return "symlink"
	case KindRename:
		return "rename"
	case KindChmod:
		return "chmod"
	case KindTruncate:
		return "truncate"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// NotifyReason discriminates the notification union.
type NotifyReason uint8

const (
	ReasonChanged NotifyReason = iota + 1
	ReasonRemoved
	ReasonTreeChanged
)

func (r NotifyReason) String() string {
	switch r {
	case ReasonChanged:
		return "changed"
	case ReasonRemoved:
		return "removed"
	case ReasonTreeChanged:
		return "tree_changed"
	default:
		return fmt.Sprintf("NotifyReason(%d)", uint8(r))
	}
}

// NodeKind mirrors the client cache's notion of filesystem object kind.
type NodeKind uint8

const (
	KindUnknown NodeKind = iota
	KindDirectory
	KindRegularFile
	KindSymlinkNode
)

// Attr carries the attributes returned by lstat-equivalent calls.
type Attr struct {
	Kind  NodeKind
	Mode  uint32
	Size  uint64
	Mtime Timestamp
	Ctime Timestamp
}

// Timestamp is a seconds+nanoseconds pair, matching struct timespec.
type Timestamp struct {
	Sec  int64
	Nsec int32
}

// DirEntry is one entry of a readdir reply.
type DirEntry struct {
	Name string
	Attr Attr
}

// Envelope is the common header shared by every message on the wire: a
// monotonically assigned correlation id and the payload discriminator.
type Envelope struct {
	CorrelationID uint64
	Kind          Kind
}

// --- Request payloads -------------------------------------------------

type StatRequest struct{ Path string }
type ReaddirRequest struct{ Path string }
type ReadlinkRequest struct{ Path string }
type OpenRequest struct {
	Path  string
	Flags uint32
	Mode  uint32
}
type ReadRequest struct {
	Handle uint64
	Offset uint64
	Length uint32
}
type WriteRequest struct {
	Handle uint64
	Offset uint64
	Data   []byte
}
type CloseRequest struct{ Handle uint64 }
type CreateRequest struct {
	Path string
	Mode uint32
}
type MkdirRequest struct {
	Path string
	Mode uint32
}
type RmdirRequest struct{ Path string }
type UnlinkRequest struct{ Path string }
type SymlinkRequest struct {
	LinkPath string
	Target   string
}
type RenameRequest struct {
	OldPath string
	NewPath string
}
type ChmodRequest struct {
	Path string
	Mode uint32
}
type TruncateRequest struct {
	Path   string
	Length uint64
}

// --- Response payloads --------------------------------------------------

// Errno is zero on success; otherwise it is a POSIX errno value forwarded
// verbatim from the server's syscall result.
type Errno int32

func (e Errno) Ok() bool { return e == 0 }

type StatResponse struct {
	Errno Errno
	Attr  Attr
}
type ReaddirResponse struct {
	Errno   Errno
	Entries []DirEntry
}
type ReadlinkResponse struct {
	Errno  Errno
	Target string
}
type OpenResponse struct {
	Errno  Errno
	Handle uint64
}
type ReadResponse struct {
	Errno Errno
	Data  []byte
}
type WriteResponse struct {
	Errno   Errno
	Written uint32
}
type CloseResponse struct{ Errno Errno }
type CreateResponse struct {
	Errno  Errno
	Handle uint64
	Attr   Attr
}
type MkdirResponse struct {
	Errno Errno
	Attr  Attr
}
type RmdirResponse struct{ Errno Errno }
type UnlinkResponse struct{ Errno Errno }
type SymlinkResponse struct {
	Errno Errno
	Attr  Attr
}
type RenameResponse struct{ Errno Errno }
type ChmodResponse struct{ Errno Errno }
type TruncateResponse struct{ Errno Errno }

// --- Notifications ------------------------------------------------------

// Notify is the single fire-and-forget message the server publishes.
type Notify struct {
	Path   string
	Reason NotifyReason
}

// --- Encoding ------------------------------------------------------------

// enc is a small growable byte writer, analogous to a flatbuffer builder
// but without offset tables: every field is either inline-scalar or an
// inline length-prefixed vector, and the whole message is built
// depth-first in one pass.
type enc struct{ buf []byte }

func (e *enc) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *enc) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *enc) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *enc) i64(v int64)  { e.u64(uint64(v)) }
func (e *enc) i32(v int32)  { e.u32(uint32(v)) }

func (e *enc) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *enc) str(s string) { e.bytes([]byte(s)) }

func (e *enc) attr(a Attr) {
	e.u8(uint8(a.Kind))
	e.u32(a.Mode)
	e.u64(a.Size)
	e.i64(a.Mtime.Sec)
	e.i32(a.Mtime.Nsec)
	e.i64(a.Ctime.Sec)
	e.i32(a.Ctime.Nsec)
}

// dec reads from a buffer, returning ErrMalformed on any short read or
// implausible length so the caller can terminate the session.
type dec struct {
	buf []byte
	off int
}

func (d *dec) remaining() int { return len(d.buf) - d.off }

func (d *dec) u8() (uint8, error) {
	if d.remaining() < 1 {
		return 0, ErrMalformed
	}
	v := d.buf[d.off]
	d.off++
	return v, nil
}

func (d *dec) u32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, ErrMalformed
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *dec) u64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, ErrMalformed
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

func (d *dec) i64() (int64, error) {
	v, err := d.u64()
	return int64(v), err
}

func (d *dec) i32() (int32, error) {
	v, err := d.u32()
	return int32(v), err
}

func (d *dec) bytes() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if int(n) < 0 || d.remaining() < int(n) {
		return nil, ErrMalformed
	}
	b := make([]byte, n)
	copy(b, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return b, nil
}

func (d *dec) str() (string, error) {
	b, err := d.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *dec) attr() (Attr, error) {
	var a Attr
	k, err := d.u8()
	if err != nil {
		return a, err
	}
	a.Kind = NodeKind(k)
	if a.Mode, err = d.u32(); err != nil {
		return a, err
	}
	if a.Size, err = d.u64(); err != nil {
		return a, err
	}
	if a.Mtime.Sec, err = d.i64(); err != nil {
		return a, err
	}
	if a.Mtime.Nsec, err = d.i32(); err != nil {
		return a, err
	}
	if a.Ctime.Sec, err = d.i64(); err != nil {
		return a, err
	}
	if a.Ctime.Nsec, err = d.i32(); err != nil {
		return a, err
	}
	return a, nil
}

// MarshalEnvelope writes the common header. Callers append the
// kind-specific payload after this.
func MarshalEnvelope(e Envelope) []byte {
	var b enc
	b.u64(e.CorrelationID)
	b.u8(uint8(e.Kind))
	return b.buf
}

// UnmarshalEnvelope reads the common header and returns the remaining
// bytes for the kind-specific decoder.
func UnmarshalEnvelope(buf []byte) (Envelope, []byte, error) {
	d := &dec{buf: buf}
	cid, err := d.u64()
	if err != nil {
		return Envelope{}, nil, ErrMalformed
	}
	k, err := d.u8()
	if err != nil {
		return Envelope{}, nil, ErrMalformed
	}
	return Envelope{CorrelationID: cid, Kind: Kind(k)}, buf[d.off:], nil
}

// MarshalRequest encodes a request payload for the given kind. payload
// must be the corresponding *Request struct.
func MarshalRequest(kind Kind, payload interface{}) ([]byte, error) {
	var b enc
	switch kind {
	case KindStat:
		b.str(payload.(*StatRequest).Path)
	case KindReaddir:
		b.str(payload.(*ReaddirRequest).Path)
	case KindReadlink:
		b.str(payload.(*ReadlinkRequest).Path)
	case KindOpen:
		p := payload.(*OpenRequest)
		b.str(p.Path)
		b.u32(p.Flags)
		b.u32(p.Mode)
	case KindRead:
		p := payload.(*ReadRequest)
		b.u64(p.Handle)
		b.u64(p.Offset)
		b.u32(p.Length)
	case KindWrite:
		p := payload.(*WriteRequest)
		b.u64(p.Handle)
		b.u64(p.Offset)
		b.bytes(p.Data)
	case KindClose:
		b.u64(payload.(*CloseRequest).Handle)
	case KindCreate:
		p := payload.(*CreateRequest)
		b.str(p.Path)
		b.u32(p.Mode)
	case KindMkdir:
		p := payload.(*MkdirRequest)
		b.str(p.Path)
		b.u32(p.Mode)
	case KindRmdir:
		b.str(payload.(*RmdirRequest).Path)
	case KindUnlink:
		b.str(payload.(*UnlinkRequest).Path)
	case KindSymlink:
		p := payload.(*SymlinkRequest)
		b.str(p.LinkPath)
		b.str(p.Target)
	case KindRename:
		p := payload.(*RenameRequest)
		b.str(p.OldPath)
		b.str(p.NewPath)
	case KindChmod:
		p := payload.(*ChmodRequest)
		b.str(p.Path)
		b.u32(p.Mode)
	case KindTruncate:
		p := payload.(*TruncateRequest)
		b.str(p.Path)
		b.u64(p.Length)
	default:
		return nil, fmt.Errorf("wire: unknown request kind %v", kind)
	}
	return b.buf, nil
}

// UnmarshalRequest decodes a request payload for the given kind.
func UnmarshalRequest(kind Kind, buf []byte) (interface{}, error) {
	d := &dec{buf: buf}
	switch kind {
	case KindStat:
		p, err := d.str()
		return &StatRequest{Path: p}, err
	case KindReaddir:
		p, err := d.str()
		return &ReaddirRequest{Path: p}, err
	case KindReadlink:
		p, err := d.str()
		return &ReadlinkRequest{Path: p}, err
	case KindOpen:
		var r OpenRequest
		var err error
		if r.Path, err = d.str(); err != nil {
			return nil, err
		}
		if r.Flags, err = d.u32(); err != nil {
			return nil, err
		}
		if r.Mode, err = d.u32(); err != nil {
			return nil, err
		}
		return &r, nil
	case KindRead:
		var r ReadRequest
		var err error
		if r.Handle, err = d.u64(); err != nil {
			return nil, err
		}
		if r.Offset, err = d.u64(); err != nil {
			return nil, err
		}
		if r.Length, err = d.u32(); err != nil {
			return nil, err
		}
		return &r, nil
	case KindWrite:
		var r WriteRequest
		var err error
		if r.Handle, err = d.u64(); err != nil {
			return nil, err
		}
		if r.Offset, err = d.u64(); err != nil {
			return nil, err
		}
		if r.Data, err = d.bytes(); err != nil {
			return nil, err
		}
		return &r, nil
	case KindClose:
		h, err := d.u64()
		return &CloseRequest{Handle: h}, err
	case KindCreate:
		var r CreateRequest
		var err error
		if r.Path, err = d.str(); err != nil {
			return nil, err
		}
		if r.Mode, err = d.u32(); err != nil {
			return nil, err
		}
		return &r, nil
	case KindMkdir:
		var r MkdirRequest
		var err error
		if r.Path, err = d.str(); err != nil {
			return nil, err
		}
		if r.Mode, err = d.u32(); err != nil {
			return nil, err
		}
		return &r, nil
	case KindRmdir:
		p, err := d.str()
		return &RmdirRequest{Path: p}, err
	case KindUnlink:
		p, err := d.str()
		return &UnlinkRequest{Path: p}, err
	case KindSymlink:
		var r SymlinkRequest
		var err error
		if r.LinkPath, err = d.str(); err != nil {
			return nil, err
		}
		if r.Target, err = d.str(); err != nil {
			return nil, err
		}
		return &r, nil
	case KindRename:
		var r RenameRequest
		var err error
		if r.OldPath, err = d.str(); err != nil {
			return nil, err
		}
		if r.NewPath, err = d.str(); err != nil {
			return nil, err
		}
		return &r, nil
	case KindChmod:
		var r ChmodRequest
		var err error
		if r.Path, err = d.str(); err != nil {
			return nil, err
		}
		if r.Mode, err = d.u32(); err != nil {
			return nil, err
		}
		return &r, nil
	case KindTruncate:
		var r TruncateRequest
		var err error
		if r.Path, err = d.str(); err != nil {
			return nil, err
		}
		if r.Length, err = d.u64(); err != nil {
			return nil, err
		}
		return &r, nil
	default:
		return nil, fmt.Errorf("%w: unknown request kind %v", ErrMalformed, kind)
	}
}

// MarshalResponse encodes a response payload for the given kind.
func MarshalResponse(kind Kind, payload interface{}) ([]byte, error) {
	var b enc
	switch kind {
	case KindStat:
		p := payload.(*StatResponse)
		b.i32(int32(p.Errno))
		if p.Errno.Ok() {
			b.attr(p.Attr)
		}
	case KindReaddir:
		p := payload.(*ReaddirResponse)
		b.i32(int32(p.Errno))
		if p.Errno.Ok() {
			b.u32(uint32(len(p.Entries)))
			for _, e := range p.Entries {
				b.str(e.Name)
				b.attr(e.Attr)
			}
		}
	case KindReadlink:
		p := payload.(*ReadlinkResponse)
		b.i32(int32(p.Errno))
		if p.Errno.Ok() {
			b.str(p.Target)
		}
	case KindOpen:
		p := payload.(*OpenResponse)
		b.i32(int32(p.Errno))
		if p.Errno.Ok() {
			b.u64(p.Handle)
		}
	case KindRead:
		p := payload.(*ReadResponse)
		b.i32(int32(p.Errno))
		if p.Errno.Ok() {
			b.bytes(p.Data)
		}
	case KindWrite:
		p := payload.(*WriteResponse)
		b.i32(int32(p.Errno))
		if p.Errno.Ok() {
			b.u32(p.Written)
		}
	case KindClose:
		b.i32(int32(payload.(*CloseResponse).Errno))
	case KindCreate:
		p := payload.(*CreateResponse)
		b.i32(int32(p.Errno))
		if p.Errno.Ok() {
			b.u64(p.Handle)
			b.attr(p.Attr)
		}
	case KindMkdir:
		p := payload.(*MkdirResponse)
		b.i32(int32(p.Errno))
		if p.Errno.Ok() {
			b.attr(p.Attr)
		}
	case KindRmdir:
		b.i32(int32(payload.(*RmdirResponse).Errno))
	case KindUnlink:
		b.i32(int32(payload.(*UnlinkResponse).Errno))
	case KindSymlink:
		p := payload.(*SymlinkResponse)
		b.i32(int32(p.Errno))
		if p.Errno.Ok() {
			b.attr(p.Attr)
		}
	case KindRename:
		b.i32(int32(payload.(*RenameResponse).Errno))
	case KindChmod:
		b.i32(int32(payload.(*ChmodResponse).Errno))
	case KindTruncate:
		b.i32(int32(payload.(*TruncateResponse).Errno))
	default:
		return nil, fmt.Errorf("wire: unknown response kind %v", kind)
	}
	return b.buf, nil
}

// UnmarshalResponse decodes a response payload for the given kind.
func UnmarshalResponse(kind Kind, buf []byte) (interface{}, error) {
	d := &dec{buf: buf}
	errnoRaw, err := d.i32()
	if err != nil {
		return nil, err
	}
	errno := Errno(errnoRaw)

	switch kind {
	case KindStat:
		r := &StatResponse{Errno: errno}
		if errno.Ok() {
			if r.Attr, err = d.attr(); err != nil {
				return nil, err
			}
		}
		return r, nil
	case KindReaddir:
		r := &ReaddirResponse{Errno: errno}
		if errno.Ok() {
			n, err := d.u32()
			if err != nil {
				return nil, err
			}
			r.Entries = make([]DirEntry, 0, n)
			for i := uint32(0); i < n; i++ {
				name, err := d.str()
				if err != nil {
					return nil, err
				}
				a, err := d.attr()
				if err != nil {
					return nil, err
				}
				r.Entries = append(r.Entries, DirEntry{Name: name, Attr: a})
			}
		}
		return r, nil
	case KindReadlink:
		r := &ReadlinkResponse{Errno: errno}
		if errno.Ok() {
			if r.Target, err = d.str(); err != nil {
				return nil, err
			}
		}
		return r, nil
	case KindOpen:
		r := &OpenResponse{Errno: errno}
		if errno.Ok() {
			if r.Handle, err = d.u64(); err != nil {
				return nil, err
			}
		}
		return r, nil
	case KindRead:
		r := &ReadResponse{Errno: errno}
		if errno.Ok() {
			if r.Data, err = d.bytes(); err != nil {
				return nil, err
			}
		}
		return r, nil
	case KindWrite:
		r := &WriteResponse{Errno: errno}
		if errno.Ok() {
			if r.Written, err = d.u32(); err != nil {
				return nil, err
			}
		}
		return r, nil
	case KindClose:
		return &CloseResponse{Errno: errno}, nil
	case KindCreate:
		r := &CreateResponse{Errno: errno}
		if errno.Ok() {
			if r.Handle, err = d.u64(); err != nil {
				return nil, err
			}
			if r.Attr, err = d.attr(); err != nil {
				return nil, err
			}
		}
		return r, nil
	case KindMkdir:
		r := &MkdirResponse{Errno: errno}
		if errno.Ok() {
			if r.Attr, err = d.attr(); err != nil {
				return nil, err
			}
		}
		return r, nil
	case KindRmdir:
		return &RmdirResponse{Errno: errno}, nil
	case KindUnlink:
		return &UnlinkResponse{Errno: errno}, nil
	case KindSymlink:
		r := &SymlinkResponse{Errno: errno}
		if errno.Ok() {
			if r.Attr, err = d.attr(); err != nil {
				return nil, err
			}
		}
		return r, nil
	case KindRename:
		return &RenameResponse{Errno: errno}, nil
	case KindChmod:
		return &ChmodResponse{Errno: errno}, nil
	case KindTruncate:
		return &TruncateResponse{Errno: errno}, nil
	default:
		return nil, fmt.Errorf("%w: unknown response kind %v", ErrMalformed, kind)
	}
}

// MarshalNotify encodes an invalidation notification.
func MarshalNotify(n Notify) []byte {
	var b enc
	b.str(n.Path)
	b.u8(uint8(n.Reason))
	return b.buf
}

// UnmarshalNotify decodes an invalidation notification.
func UnmarshalNotify(buf []byte) (Notify, error) {
	d := &dec{buf: buf}
	path, err := d.str()
	if err != nil {
		return Notify{}, ErrMalformed
	}
	reason, err := d.u8()
	if err != nil {
		return Notify{}, ErrMalformed
	}
	return Notify{Path: path, Reason: NotifyReason(reason)}, nil
}

// TruncateSymlinkTarget enforces the 1024-byte cap applied to readlink
// targets, both on the server (reading a long target) and on the client
// (encoding a symlink request).
func TruncateSymlinkTarget(target string) string {
	if len(target) <= MaxSymlinkTarget {
		return target
	}
	return target[:MaxSymlinkTarget]
}
