package remote

import (
	"errors"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// DefaultDataLogLimit is the size past which the received log starts over
const DefaultDataLogLimit = 500

// maxChunk bounds a single appended chunk (largest ATT attribute value)
const maxChunk = 512

// DataLog accumulates text received from the peripheral.
// Once the log holds more than its limit, the next append clears it first.
type DataLog struct {
	mu    sync.Mutex
	limit int
	buf   *ringbuffer.RingBuffer
	tmp   []byte
}

// NewDataLog creates a log with the given limit (<= 0 uses DefaultDataLogLimit)
func NewDataLog(limit int) *DataLog {
	if limit <= 0 {
		limit = DefaultDataLogLimit
	}
	size := limit + maxChunk
	return &DataLog{
		limit: limit,
		buf:   ringbuffer.New(size),
		tmp:   make([]byte, size),
	}
}

// Append adds data to the log and reports whether the log was cleared first
func (l *DataLog) Append(data []byte) (cleared bool) {
	if len(data) == 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.buf.Length() > l.limit {
		l.buf.Reset()
		cleared = true
	}
	if free := l.buf.Free(); len(data) > free {
		data = data[len(data)-free:]
	}
	if _, err := l.buf.Write(data); err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		l.buf.Reset()
		cleared = true
	}
	return cleared
}

// Clear empties the log
func (l *DataLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Reset()
}

// Len returns the number of bytes held
func (l *DataLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Length()
}

// String returns the log contents without consuming them
func (l *DataLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.buf.TryRead(l.tmp)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return ""
	}
	snapshot := string(l.tmp[:n])
	_, _ = l.buf.Write(l.tmp[:n])
	return snapshot
}
