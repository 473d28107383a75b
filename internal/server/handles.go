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

package server

import (
	"sync"

	"github.com/dsiroky/rewofs/internal/metrics"
	"golang.org/x/sys/unix"
)

// handleEntry pairs an open file descriptor with the session that opened
// it, so a disconnect can find and close everything it owns.
type handleEntry struct {
	fd        int
	sessionID string
}

// handleTable maps server handle ids to open file descriptors. It is
// protected by a single lock per §5 ("Server handle table: protected by
// one lock; per-handle I/O releases the table lock before calling
// pread/pwrite") — read/write lookups copy out the fd and release the
// lock before touching the kernel.
type handleTable struct {
	mu        sync.Mutex
	next      uint64
	entries   map[uint64]handleEntry
	bySession map[string]map[uint64]struct{}
}

func newHandleTable() *handleTable {
	return &handleTable{
		entries:   make(map[uint64]handleEntry),
		bySession: make(map[string]map[uint64]struct{}),
	}
}

// open registers fd under a freshly allocated monotonic handle id.
func (t *handleTable) open(sessionID string, fd int) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	handle := t.next
	t.entries[handle] = handleEntry{fd: fd, sessionID: sessionID}
	if t.bySession[sessionID] == nil {
		t.bySession[sessionID] = make(map[uint64]struct{})
	}
	t.bySession[sessionID][handle] = struct{}{}
	metrics.HandlesOpen.Inc()
	return handle
}

// fd returns the file descriptor for handle, if still open. The lock is
// held only long enough to copy it out.
func (t *handleTable) fd(handle uint64) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	if !ok {
		return 0, false
	}
	return e.fd, true
}

// close closes handle on behalf of sessionID. It refuses to close a
// handle owned by a different session, the same way a real fd table
// would refuse a close from an unrelated process.
func (t *handleTable) close(sessionID string, handle uint64) bool {
	t.mu.Lock()
	e, ok := t.entries[handle]
	if !ok || e.sessionID != sessionID {
		t.mu.Unlock()
		return false
	}
	delete(t.entries, handle)
	delete(t.bySession[sessionID], handle)
	t.mu.Unlock()

	metrics.HandlesOpen.Dec()
	unix.Close(e.fd)
	return true
}

// closeSession closes every handle sessionID still owns. Called when the
// client disconnects, per §4.3.
func (t *handleTable) closeSession(sessionID string) {
	t.mu.Lock()
	handles := t.bySession[sessionID]
	delete(t.bySession, sessionID)
	fds := make([]int, 0, len(handles))
	for handle := range handles {
		fds = append(fds, t.entries[handle].fd)
		delete(t.entries, handle)
	}
	t.mu.Unlock()

	metrics.HandlesOpen.Sub(float64(len(fds)))
	for _, fd := range fds {
		unix.Close(fd)
	}
}
