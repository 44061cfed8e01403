package record

import "sync"

// Buffer accumulates records between flushes. Appends take a short lock and
// never perform I/O, so producers are never blocked by an in-flight flush;
// records appended during a flush land in the next one.
type Buffer struct {
	mu      sync.Mutex
	records []Record
}

// NewBuffer creates an empty accumulation buffer.
func NewBuffer() *Buffer {
	buffer := new(Buffer)
	buffer.records = make([]Record, 0)
	return buffer
}

// Append adds records to the buffer.
func (b *Buffer) Append(records ...Record) {
	if len(records) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, records...)
}

// Drain swaps out and returns all buffered records.
func (b *Buffer) Drain() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) == 0 {
		return nil
	}
	drained := b.records
	b.records = make([]Record, 0, cap(drained))
	return drained
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
