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

import "sync"

// byteRange is one contiguous, non-overlapping chunk of a file's
// content as last fetched from the server.
type byteRange struct {
	offset int64
	data   []byte
}

func (r byteRange) end() int64 { return r.offset + int64(len(r.data)) }

// ContentCache is a per-file range cache for regular-file reads. Writes
// are write-through (§4.4: "No write-back buffering: at-most-one
// authoritative copy, the server's"), so ContentCache only ever serves
// reads; every write calls Invalidate via the mutation policy before (or
// instead of) populating ranges, and the caller re-derives size/mtime
// from the server's response.
//
// epoch increments on every Invalidate so a fetch started just before an
// invalidation cannot land stale bytes into the cache after the fact
// (the content epoch from the glossary).
type ContentCache struct {
	mu     sync.Mutex
	ranges []byteRange
	epoch  uint64
}

func NewContentCache() *ContentCache { return &ContentCache{} }

// Epoch returns the current generation, to be captured before issuing a
// fetch and passed back to Insert.
func (c *ContentCache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Invalidate drops every cached range, e.g. on a "changed" notification
// or before a write-through.
func (c *ContentCache) Invalidate() {
	c.mu.Lock()
	c.ranges = nil
	c.epoch++
	c.mu.Unlock()
}

// Lookup returns the requested [offset, offset+length) span if it is
// fully covered by cached ranges, assembling it from (possibly several)
// adjacent chunks. ok is false on any gap, in which case the caller must
// fetch the whole span from the server and call Insert.
func (c *ContentCache) Lookup(offset int64, length int) (data []byte, ok bool) {
	if length == 0 {
		return nil, true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	want := offset + int64(length)
	out := make([]byte, 0, length)
	cur := offset

	for cur < want {
		r, found := c.rangeContaining(cur)
		if !found {
			return nil, false
		}
		avail := r.end()
		end := avail
		if end > want {
			end = want
		}
		start := cur - r.offset
		out = append(out, r.data[start:end-r.offset]...)
		cur = end
	}
	return out, true
}

func (c *ContentCache) rangeContaining(pos int64) (byteRange, bool) {
	for _, r := range c.ranges {
		if pos >= r.offset && pos < r.end() {
			return r, true
		}
	}
	return byteRange{}, false
}

// Insert stores a freshly fetched span, merging with adjacent/overlapping
// ranges. If epoch no longer matches (an invalidation raced ahead of
// this fetch), the insert is dropped -- correct per §5's rule that a
// reply still lands but the node is immediately re-marked invalid; here
// that translates to "don't resurrect content past an invalidation".
func (c *ContentCache) Insert(epoch uint64, offset int64, data []byte) {
	if len(data) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}

	newRange := byteRange{offset: offset, data: data}
	merged := make([]byteRange, 0, len(c.ranges)+1)
	inserted := false
	for _, r := range c.ranges {
		if r.end() < newRange.offset || r.offset > newRange.end() {
			if !inserted && r.offset > newRange.offset {
				merged = append(merged, newRange)
				inserted = true
			}
			merged = append(merged, r)
			continue
		}
		// Overlaps or touches: merge into newRange; the freshly fetched
		// bytes win where the two overlap.
		newRange = mergeRanges(r, newRange)
	}
	if !inserted {
		merged = append(merged, newRange)
	}
	c.ranges = merged
}

func mergeRanges(a, b byteRange) byteRange {
	start := a.offset
	if b.offset < start {
		start = b.offset
	}
	end := a.end()
	if b.end() > end {
		end = b.end()
	}
	buf := make([]byte, end-start)
	copy(buf[a.offset-start:], a.data)
	copy(buf[b.offset-start:], b.data)
	return byteRange{offset: start, data: buf}
}
