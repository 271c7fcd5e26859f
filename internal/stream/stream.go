// Package stream fans live scan output out to observers. Each scan
// gets a byte-capped replay buffer; when the cap is hit the oldest
// lines are dropped first, so an observer attaching late sees the most
// recent window. Progress is monotonic per scan.
package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redconsec/redcon/internal/model"
)

// Entry is one buffered output line. Seq increases by one per line
// within a scan and never restarts, so gaps after a replay tell the
// observer how much the buffer dropped.
type Entry struct {
	Seq    uint64         `json:"seq"`
	Time   time.Time      `json:"time"`
	Tool   model.ToolName `json:"tool,omitempty"`
	Stream string         `json:"stream"`
	Line   string         `json:"line"`
}

// entryOverhead approximates per-entry bookkeeping for the byte cap.
const entryOverhead = 64

const subscriberBuffer = 256

type feed struct {
	entries  []Entry
	bytes    int
	nextSeq  uint64
	progress int
	subs     map[int]chan Entry
	nextSub  int
	closed   bool
}

type Hub struct {
	mx       sync.Mutex
	capBytes int
	feeds    map[uuid.UUID]*feed
}

// NewHub creates a Hub whose per-scan buffers hold at most capBytes of
// line data.
func NewHub(capBytes int) *Hub {
	if capBytes < 1 {
		capBytes = 256 * 1024
	}
	return &Hub{
		capBytes: capBytes,
		feeds:    make(map[uuid.UUID]*feed),
	}
}

// Open creates the buffer for a scan. Appends to an unopened scan are
// dropped, so the engine opens before the first tool starts.
func (h *Hub) Open(scanID uuid.UUID) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if _, ok := h.feeds[scanID]; !ok {
		h.feeds[scanID] = &feed{subs: make(map[int]chan Entry)}
	}
}

// Append records one output line and delivers it to subscribers. Slow
// subscribers lose lines rather than stall the producer.
func (h *Hub) Append(scanID uuid.UUID, tool model.ToolName, stream, line string) {
	h.mx.Lock()
	defer h.mx.Unlock()
	f, ok := h.feeds[scanID]
	if !ok || f.closed {
		return
	}

	// a single line must never exceed the buffer ceiling on its own
	if len(line)+entryOverhead > h.capBytes {
		keep := h.capBytes - entryOverhead
		if keep < 0 {
			keep = 0
		}
		line = line[:keep]
	}

	e := Entry{
		Seq:    f.nextSeq,
		Time:   time.Now().UTC(),
		Tool:   tool,
		Stream: stream,
		Line:   line,
	}
	f.nextSeq++
	f.entries = append(f.entries, e)
	f.bytes += len(line) + entryOverhead
	for f.bytes > h.capBytes && len(f.entries) > 1 {
		f.bytes -= len(f.entries[0].Line) + entryOverhead
		f.entries = f.entries[1:]
	}

	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// SetProgress raises the scan's progress. It never goes backwards and
// is clamped to [0,100].
func (h *Hub) SetProgress(scanID uuid.UUID, pct int) {
	h.mx.Lock()
	defer h.mx.Unlock()
	f, ok := h.feeds[scanID]
	if !ok {
		return
	}
	if pct > 100 {
		pct = 100
	}
	if pct > f.progress {
		f.progress = pct
	}
}

func (h *Hub) Progress(scanID uuid.UUID) int {
	h.mx.Lock()
	defer h.mx.Unlock()
	if f, ok := h.feeds[scanID]; ok {
		return f.progress
	}
	return 0
}

// Lines replays buffered entries with Seq >= from.
func (h *Hub) Lines(scanID uuid.UUID, from uint64) []Entry {
	h.mx.Lock()
	defer h.mx.Unlock()
	f, ok := h.feeds[scanID]
	if !ok {
		return nil
	}
	i := 0
	for i < len(f.entries) && f.entries[i].Seq < from {
		i++
	}
	return append([]Entry(nil), f.entries[i:]...)
}

// Subscribe attaches a live observer. The returned cancel func must be
// called exactly once; the channel closes on cancel or when the scan's
// feed closes. ok is false for scans the hub does not know.
func (h *Hub) Subscribe(scanID uuid.UUID) (ch <-chan Entry, cancel func(), ok bool) {
	h.mx.Lock()
	defer h.mx.Unlock()
	f, fok := h.feeds[scanID]
	if !fok {
		return nil, nil, false
	}

	c := make(chan Entry, subscriberBuffer)
	if f.closed {
		close(c)
		return c, func() {}, true
	}
	id := f.nextSub
	f.nextSub++
	f.subs[id] = c

	return c, func() {
		h.mx.Lock()
		defer h.mx.Unlock()
		if sc, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sc)
		}
	}, true
}

// Close marks the feed finished and releases subscribers. The replay
// buffer stays readable until Remove.
func (h *Hub) Close(scanID uuid.UUID) {
	h.mx.Lock()
	defer h.mx.Unlock()
	f, ok := h.feeds[scanID]
	if !ok || f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

// Remove drops the scan's buffer entirely.
func (h *Hub) Remove(scanID uuid.UUID) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if f, ok := h.feeds[scanID]; ok && !f.closed {
		for id, ch := range f.subs {
			delete(f.subs, id)
			close(ch)
		}
	}
	delete(h.feeds, scanID)
}
