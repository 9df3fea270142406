// Package metrics keeps throughput counters for the CDC pipeline and emits
// the periodic progress line.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/pushpay/pg2kinesis/pkg/lsn"
)

// Snapshot is the cumulative counter state at a point in time.
type Snapshot struct {
	RawMessages int64
	RawBytes    int64
	Changes     int64
	Batches     int64
	Records     int64
	SentBytes   int64
	Elapsed     time.Duration
}

// Collector aggregates pipeline counters. All methods are safe for
// concurrent use.
type Collector struct {
	logger  zerolog.Logger
	started time.Time

	rawMessages atomic.Int64
	rawBytes    atomic.Int64
	changes     atomic.Int64
	batches     atomic.Int64
	records     atomic.Int64
	sentBytes   atomic.Int64

	windowMessages atomic.Int64
	windowBytes    atomic.Int64
}

// NewCollector creates a Collector.
func NewCollector(logger zerolog.Logger) *Collector {
	return &Collector{
		logger:  logger.With().Str("component", "metrics").Logger(),
		started: time.Now(),
	}
}

// RecordMessage counts one raw WAL message of the given payload size.
func (c *Collector) RecordMessage(size int) {
	c.rawMessages.Add(1)
	c.rawBytes.Add(int64(size))
	c.windowMessages.Add(1)
	c.windowBytes.Add(int64(size))
}

// RecordChanges counts structured changes emitted by the formatter.
func (c *Collector) RecordChanges(n int) {
	c.changes.Add(int64(n))
}

// RecordBatch counts one successfully delivered batch.
func (c *Collector) RecordBatch(records, bytes int) {
	c.batches.Add(1)
	c.records.Add(int64(records))
	c.sentBytes.Add(int64(bytes))
}

// Snapshot returns the cumulative counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		RawMessages: c.rawMessages.Load(),
		RawBytes:    c.rawBytes.Load(),
		Changes:     c.changes.Load(),
		Batches:     c.batches.Load(),
		Records:     c.records.Load(),
		SentBytes:   c.sentBytes.Load(),
		Elapsed:     time.Since(c.started),
	}
}

// LogProgress emits the progress line and resets the window counters.
func (c *Collector) LogProgress(xid string, flushed, latest pglogrepl.LSN) {
	winMsgs := c.windowMessages.Swap(0)
	winBytes := c.windowBytes.Swap(0)
	lag := lsn.Lag(flushed, latest)

	c.logger.Info().
		Str("xid", xid).
		Int64("win_count", winMsgs).
		Str("win_size", lsn.FormatLag(uint64(winBytes))).
		Int64("cum_count", c.rawMessages.Load()).
		Str("cum_size", lsn.FormatLag(uint64(c.rawBytes.Load()))).
		Stringer("flush_lsn", flushed).
		Str("lag", lsn.FormatLag(lag)).
		Msg("progress")
}
