// Package sensorbuf implements C1, the per-sensor ring buffer store: a
// bounded FIFO of (timestamp, h_acc, v_acc) samples per sensor, with
// windowed reads for the analyzer.
//
// Unlike the lock-free SPSC ring buffer this package is adapted from
// (internal/ringbuf in the original trading pipeline), a sensor buffer here
// is written by one ingest path and read by one analyzer task but must also
// support an idle-reaper walking every sensor concurrently, so state is
// guarded by a single coarse mutex per spec's concurrency model rather than
// lock-free atomics.
package sensorbuf

import (
	"sync"
	"time"

	"vibrasense/internal/model"
)

// DefaultCapacity is N_buf: ~1s of samples at 25.6kHz.
const DefaultCapacity = 25600

// DefaultMinSamples is the is_ready threshold.
const DefaultMinSamples = 10000

// buffer is one sensor's bounded circular sample store.
type buffer struct {
	h, v []float64
	ts   []time.Time

	writeIdx int // next slot to write
	size     int // current occupancy, <= cap(h)

	sampleCount   int64 // lifetime appends
	windowStartTS time.Time
	latestTS      time.Time
}

func newBuffer(capacity int) *buffer {
	return &buffer{
		h:  make([]float64, capacity),
		v:  make([]float64, capacity),
		ts: make([]time.Time, capacity),
	}
}

func (b *buffer) cap() int { return len(b.h) }

// appendLocked writes one sample. Caller holds the store mutex.
func (b *buffer) appendLocked(ts time.Time, h, v float64) {
	b.h[b.writeIdx] = h
	b.v[b.writeIdx] = v
	b.ts[b.writeIdx] = ts
	b.writeIdx = (b.writeIdx + 1) % b.cap()
	if b.size < b.cap() {
		b.size++
	}
	b.sampleCount++
	if b.windowStartTS.IsZero() {
		b.windowStartTS = ts
	}
	// latest_ts is non-decreasing: an out-of-order append is stored but
	// never regresses the watermark.
	if ts.After(b.latestTS) {
		b.latestTS = ts
	}
}

// snapshotLocked copies the buffer contents in oldest-to-newest order into
// caller-supplied slices of at least b.size elements. Caller holds the store
// mutex; Store.GetWindow allocates those slices while holding it and makes
// the window's own copies only after releasing it.
func (b *buffer) snapshotLocked(dstTS []time.Time, dstH, dstV []float64) int {
	n := b.size
	if n == 0 {
		return 0
	}
	start := (b.writeIdx - n + b.cap()) % b.cap()
	for i := 0; i < n; i++ {
		idx := (start + i) % b.cap()
		dstTS[i] = b.ts[idx]
		dstH[i] = b.h[idx]
		dstV[i] = b.v[idx]
	}
	return n
}

// Store owns every sensor's buffer behind one coarse mutex, per spec §5.
type Store struct {
	capacity int

	mu   sync.Mutex
	bufs map[int64]*buffer
}

// New creates a Store. capacity <= 0 uses DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		bufs:     make(map[int64]*buffer),
	}
}

// Append adds one sample for sensor s, lazily creating its buffer.
func (s *Store) Append(sensorID int64, ts time.Time, h, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bufs[sensorID]
	if b == nil {
		b = newBuffer(s.capacity)
		s.bufs[sensorID] = b
	}
	b.appendLocked(ts, h, v)
}

// AppendBatch adds samples for sensor s in order, contiguously, under one
// lock acquisition so a concurrent window read never observes a partial
// batch.
func (s *Store) AppendBatch(sensorID int64, samples []model.Sample) {
	if len(samples) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bufs[sensorID]
	if b == nil {
		b = newBuffer(s.capacity)
		s.bufs[sensorID] = b
	}
	for _, smp := range samples {
		b.appendLocked(smp.Timestamp, smp.HAcc, smp.VAcc)
	}
}

// GetWindow returns the most recent deltaSeconds of samples for sensor s, or
// nil if the sensor's buffer holds no samples (never appended to, or emptied
// by Clear or Drop) (invariant #3 in spec §8).
//
// Fallback policy: if the strict-window selection holds fewer than 50% of
// the buffer's current size, the entire buffer is returned instead, to
// tolerate sensors whose timestamps are not perfectly regular while still
// guarding against stale singletons (spec §4.1).
func (s *Store) GetWindow(sensorID int64, deltaSeconds float64) *model.Window {
	s.mu.Lock()
	b := s.bufs[sensorID]
	if b == nil || b.size == 0 {
		s.mu.Unlock()
		return nil
	}
	n := b.size
	tsBuf := make([]time.Time, n)
	hBuf := make([]float64, n)
	vBuf := make([]float64, n)
	b.snapshotLocked(tsBuf, hBuf, vBuf)
	latest := b.latestTS
	s.mu.Unlock()

	cutoff := latest.Add(-time.Duration(deltaSeconds * float64(time.Second)))
	firstIdx := 0
	for firstIdx < n && tsBuf[firstIdx].Before(cutoff) {
		firstIdx++
	}
	selected := n - firstIdx

	if float64(selected) < 0.5*float64(n) {
		// Strict window too thin — fall back to the whole buffer.
		firstIdx = 0
		selected = n
	}

	w := &model.Window{
		SensorID:      sensorID,
		WindowStartTS: tsBuf[firstIdx],
		WindowEndTS:   latest,
		HData:         append([]float64(nil), hBuf[firstIdx:]...),
		VData:         append([]float64(nil), vBuf[firstIdx:]...),
		N:             selected,
	}
	return w
}

// IsReady reports whether sensor s currently holds at least minSamples.
// minSamples <= 0 uses DefaultMinSamples.
func (s *Store) IsReady(sensorID int64, minSamples int) bool {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bufs[sensorID]
	if b == nil {
		return false
	}
	return b.size >= minSamples
}

// Stats reports lifetime and current buffer bounds for sensor s.
func (s *Store) Stats(sensorID int64) (model.BufferStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bufs[sensorID]
	if b == nil {
		return model.BufferStats{}, false
	}
	return model.BufferStats{
		SensorID:        sensorID,
		Size:            b.size,
		LifetimeSamples: b.sampleCount,
		EarliestTS:      b.windowStartTS,
		LatestTS:        b.latestTS,
	}, true
}

// Clear empties sensor s's buffer without dropping it: subsequent appends
// reuse the same allocation.
func (s *Store) Clear(sensorID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.bufs[sensorID]; b != nil {
		b.writeIdx = 0
		b.size = 0
		b.sampleCount = 0
		b.windowStartTS = time.Time{}
		b.latestTS = time.Time{}
	}
}

// Drop removes sensor s's buffer entirely. All reads after Drop observe an
// empty buffer until the next Append.
func (s *Store) Drop(sensorID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bufs, sensorID)
}

// Sensors returns every sensor ID currently tracked, for the idle reaper.
func (s *Store) Sensors() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.bufs))
	for id := range s.bufs {
		ids = append(ids, id)
	}
	return ids
}

// WindowStart returns the earliest-ever timestamp recorded for sensor s,
// used by the idle reaper to decide whether a buffer has gone stale.
func (s *Store) WindowStart(sensorID int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bufs[sensorID]
	if b == nil {
		return time.Time{}, false
	}
	return b.windowStartTS, true
}
