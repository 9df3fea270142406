package lsn

import (
	"fmt"
	"sync"

	"github.com/jackc/pglogrepl"
)

// Cursor is a monotone flush position. Advance never moves it backwards,
// so re-acknowledging an LSN is a no-op.
type Cursor struct {
	mu sync.Mutex
	v  pglogrepl.LSN
}

// Advance moves the cursor to pos if pos is ahead of it. It reports whether
// the cursor moved.
func (c *Cursor) Advance(pos pglogrepl.LSN) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos <= c.v {
		return false
	}
	c.v = pos
	return true
}

// Load returns the current position.
func (c *Cursor) Load() pglogrepl.LSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// Lag calculates the byte distance between two LSN positions.
func Lag(current, latest pglogrepl.LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag returns a human-friendly representation of replication lag.
func FormatLag(bytes uint64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
