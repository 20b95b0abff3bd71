// Package scrollback implements the bounded line-oriented scrollback
// buffer spec.md §4.2 describes: a ring of at most N completed lines
// plus a pending tail for a not-yet-newline-terminated partial line.
//
// Grounded on the teacher's ad hoc bytes.Buffer draining in
// internal/session.Session.outputBuffer, generalized from "unbounded
// buffer drained per exec" into a capacity-bounded ring with oldest-
// line eviction, since the teacher resets its buffer per command while
// spec.md requires a persistent scrollback shared across commands.
package scrollback

import (
	"container/list"
	"strings"
	"sync"
)

// Buffer is a bounded, line-oriented ring of sanitised text. It is
// safe for concurrent use; callers that need a mutation to be visible
// atomically with other session state should still hold their own
// lock around a sequence of calls (the session mutex in practice).
type Buffer struct {
	mu       sync.Mutex
	capacity int
	lines    *list.List // of lineEntry, oldest at Front
	count    int
	nextIdx  int64
	partial  string
}

type lineEntry struct {
	idx  int64
	text string
}

// New creates a Buffer holding at most capacity completed lines. A
// non-positive capacity is treated as 1.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		capacity: capacity,
		lines:    list.New(),
	}
}

// Append splits text on '\n'; the first piece is concatenated onto the
// held partial line, any interior pieces become completed lines, and
// the final piece becomes the new partial. Completed lines beyond
// capacity evict the oldest first.
func (b *Buffer) Append(text string) {
	if text == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pieces := strings.Split(text, "\n")
	pieces[0] = b.partial + pieces[0]

	for i := 0; i < len(pieces)-1; i++ {
		b.pushLocked(pieces[i])
	}
	b.partial = pieces[len(pieces)-1]
}

func (b *Buffer) pushLocked(line string) {
	b.lines.PushBack(lineEntry{idx: b.nextIdx, text: line})
	b.nextIdx++
	b.count++
	if b.count > b.capacity {
		b.lines.Remove(b.lines.Front())
		b.count--
	}
}

// Snapshot returns the index of the next line that will be appended.
// Pass the result to LinesSince to retrieve everything appended after
// this point in time.
func (b *Buffer) Snapshot() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextIdx
}

// LinesSince returns the completed lines whose index is >= since, in
// order. If the buffer has evicted lines older than since's actual
// position those are simply absent; callers should treat this as a
// conservative under-return, never a hard error.
func (b *Buffer) LinesSince(since int64) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for e := b.lines.Front(); e != nil; e = e.Next() {
		entry := e.Value.(lineEntry)
		if entry.idx >= since {
			out = append(out, entry.text)
		}
	}
	return out
}

// Tail returns the last n completed lines joined by '\n', with the
// partial line appended if non-empty. n < 0 returns the entire buffer.
// n == 0 returns "". n greater than the line count returns everything
// held.
func (b *Buffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n == 0 {
		return ""
	}

	var lines []string
	if n < 0 || n >= b.count {
		lines = make([]string, 0, b.count)
		for e := b.lines.Front(); e != nil; e = e.Next() {
			lines = append(lines, e.Value.(lineEntry).text)
		}
	} else {
		lines = make([]string, 0, n)
		e := b.lines.Back()
		for i := 0; i < n && e != nil; i++ {
			lines = append(lines, e.Value.(lineEntry).text)
			e = e.Prev()
		}
		for l, r := 0, len(lines)-1; l < r; l, r = l+1, r-1 {
			lines[l], lines[r] = lines[r], lines[l]
		}
	}

	result := strings.Join(lines, "\n")
	if b.partial != "" {
		if result != "" {
			result += "\n"
		}
		result += b.partial
	}
	return result
}

// Contains reports whether token appears as a substring of any
// completed line or of the partial line.
func (b *Buffer) Contains(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if strings.Contains(b.partial, token) {
		return true
	}
	for e := b.lines.Front(); e != nil; e = e.Next() {
		if strings.Contains(e.Value.(lineEntry).text, token) {
			return true
		}
	}
	return false
}

// LineCount returns the number of completed lines currently held
// (never more than the configured capacity).
func (b *Buffer) LineCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Partial returns the current not-yet-newline-terminated tail.
func (b *Buffer) Partial() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.partial
}
