package writer

import (
	"errors"
	"fmt"
)

// Firehose PutRecordBatch request ceilings.
const (
	MaxBatchCount  = 500
	MaxBatchBytes  = 4 * 1024 * 1024 // 4 MB per request
	MaxRecordBytes = 1000 * 1024     // 1000 KB per record, pre-encoding
)

// ErrOversizedRecord reports a record larger than MaxRecordBytes. No batch
// can ever carry it, so it fails the Add immediately.
var ErrOversizedRecord = errors.New("record exceeds maximum record size")

// Batch is an ordered set of serialized records bounded by the request
// ceilings. Records keep their arrival order.
type Batch struct {
	records [][]byte
	bytes   int
}

// add appends data if both ceilings allow it, reporting success.
func (b *Batch) add(data []byte) bool {
	if len(b.records) >= MaxBatchCount {
		return false
	}
	if b.bytes+len(data) > MaxBatchBytes {
		return false
	}
	b.records = append(b.records, data)
	b.bytes += len(data)
	return true
}

// Records returns the batch contents in arrival order.
func (b *Batch) Records() [][]byte { return b.records }

// Count returns the number of records in the batch.
func (b *Batch) Count() int { return len(b.records) }

// Bytes returns the total payload size of the batch.
func (b *Batch) Bytes() int { return b.bytes }

// Aggregator accumulates records into one in-flight batch.
//
// NOTE: not safe for concurrent use.
type Aggregator struct {
	current *Batch
}

// NewAggregator returns an Aggregator with an empty in-flight batch.
func NewAggregator() *Aggregator {
	return &Aggregator{current: &Batch{}}
}

// Add appends data to the in-flight batch. When the batch cannot take the
// record without breaching a ceiling, it is sealed and returned, and data
// starts the next batch. A nil return means the record was absorbed.
func (a *Aggregator) Add(data []byte) (*Batch, error) {
	if len(data) > MaxRecordBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversizedRecord, len(data))
	}
	if a.current.add(data) {
		return nil, nil
	}
	sealed := a.current
	a.current = &Batch{}
	a.current.add(data)
	return sealed, nil
}

// Flush returns the in-flight batch, which may be empty, and installs a
// fresh one. Callers skip transmission of empty batches.
func (a *Aggregator) Flush() *Batch {
	out := a.current
	a.current = &Batch{}
	return out
}

// Count returns the record count of the in-flight batch.
func (a *Aggregator) Count() int { return a.current.Count() }

// Bytes returns the payload size of the in-flight batch.
func (a *Aggregator) Bytes() int { return a.current.Bytes() }
