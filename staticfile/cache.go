/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package staticfile

import (
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// mmapCeiling is the legacy "small file" threshold: files at or under this
// size are mapped once and served out of memory on every subsequent
// request; anything bigger is read straight off disk per request via
// corehttpd.Request.RespondFile's io.ReaderAt path.
const mmapCeiling = 256 * 1024

// cacheEntry pins one mmap'd file plus the mtime/size it was mapped under,
// so a change on disk invalidates it instead of serving stale bytes
// forever.
type cacheEntry struct {
	data    []byte
	modTime time.Time
	size    int64
}

// MapCache is a small-file cache keyed by resolved absolute path. It never
// evicts beyond invalidating a stale entry: thttpd's original design never
// bounded the cache either, trusting MaxConnects/document set size to keep
// it from growing unreasonably.
type MapCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// NewMapCache returns an empty cache.
func NewMapCache() *MapCache {
	return &MapCache{entries: make(map[string]*cacheEntry)}
}

// Get returns the mapped bytes for path if path is at or under
// mmapCeiling and the cached entry (if any) still matches fi's mtime and
// size; ok is false when the caller should fall back to RespondFile
// instead.
func (c *MapCache) Get(path string, fi os.FileInfo) (data []byte, ok bool) {
	if fi.Size() > mmapCeiling {
		return nil, false
	}

	c.mu.RLock()
	e, have := c.entries[path]
	c.mu.RUnlock()

	if have && e.modTime.Equal(fi.ModTime()) && e.size == fi.Size() {
		return e.data, true
	}

	return c.mapAndStore(path, fi)
}

func (c *MapCache) mapAndStore(path string, fi os.FileInfo) ([]byte, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer func() { _ = f.Close() }()

	size := fi.Size()
	if size == 0 {
		c.store(path, []byte{}, fi)
		return []byte{}, true
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		// Mapping can fail for reasons unrelated to the file's content
		// (out of map areas, an unusual filesystem); fall back to a plain
		// read rather than treating it as fatal.
		buf := make([]byte, size)
		if _, rerr := f.ReadAt(buf, 0); rerr != nil && rerr.Error() != "EOF" {
			return nil, false
		}
		c.store(path, buf, fi)
		return buf, true
	}

	c.store(path, data, fi)
	return data, true
}

func (c *MapCache) store(path string, data []byte, fi os.FileInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = &cacheEntry{data: data, modTime: fi.ModTime(), size: fi.Size()}
}

// Invalidate drops path's cached mapping, used by the BUS handler's
// stale-mmap recovery: a SIGBUS on a mapped region means the backing file
// shrank out from under the mapping, and the only safe response is to
// forget it and re-open plain next time.
func (c *MapCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}
