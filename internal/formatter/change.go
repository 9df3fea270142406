package formatter

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialized record framing constants.
const (
	Version = 0
	TypeCDC = "CDC"
)

// Record is a structured change produced by a dialect preprocessor,
// either a compact Change or a FullChange.
type Record interface {
	record()
}

// Change is the compact variant: only the primary key of the changed row.
type Change struct {
	XID       string
	Table     string
	Operation string
	PKey      string
}

func (Change) record() {}

// MarshalJSON emits the xid as a bare number when it is numeric, matching
// the wal2json representation; test_decoding xids that are not numeric
// fall back to a JSON string.
func (c Change) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		XID       json.RawMessage `json:"xid"`
		Table     string          `json:"table"`
		Operation string          `json:"operation"`
		PKey      string          `json:"pkey"`
	}{
		XID:       xidJSON(c.XID),
		Table:     c.Table,
		Operation: c.Operation,
		PKey:      c.PKey,
	})
}

func xidJSON(xid string) json.RawMessage {
	if n, err := strconv.ParseUint(xid, 10, 64); err == nil && strconv.FormatUint(n, 10) == xid {
		return json.RawMessage(xid)
	}
	b, _ := json.Marshal(xid)
	return b
}

// FullChange is the row variant: the plugin's whole per-row structure,
// kept verbatim as raw JSON.
type FullChange struct {
	XID       json.Number     `json:"xid"`
	Timestamp string          `json:"timestamp"`
	Change    json.RawMessage `json:"change"`
}

func (FullChange) record() {}

// Message pairs a structured change with its serialized bytes. The origin
// change is kept so delivery can be correlated back to an LSN upstream.
type Message struct {
	Change Record
	Data   []byte
}

// Serialization enumerates the output variants.
type Serialization int

const (
	CSV Serialization = iota
	CSVPayload
	JSONLine
	ChunkJSONLine
)

// String returns the variant name as accepted by the CLI.
func (s Serialization) String() string {
	switch s {
	case CSV:
		return "CSV"
	case CSVPayload:
		return "CSVPayload"
	case JSONLine:
		return "JSONLine"
	case ChunkJSONLine:
		return "ChunkJSONLine"
	default:
		return "Unknown"
	}
}

// ParseSerialization maps a CLI name to its Serialization.
func ParseSerialization(name string) (Serialization, error) {
	switch name {
	case "CSV":
		return CSV, nil
	case "CSVPayload":
		return CSVPayload, nil
	case "JSONLine":
		return JSONLine, nil
	case "ChunkJSONLine":
		return ChunkJSONLine, nil
	default:
		return 0, fmt.Errorf("unknown serialization %q", name)
	}
}

func (f *Formatter) serialize(rec Record) ([]byte, error) {
	switch f.serialization {
	case CSV:
		ch, ok := rec.(Change)
		if !ok {
			return nil, fmt.Errorf("CSV serialization requires compact changes, got %T", rec)
		}
		return fmt.Appendf(nil, "%d,%s,%s,%s,%s,%s", Version, TypeCDC, ch.XID, ch.Table, ch.Operation, ch.PKey), nil
	case CSVPayload:
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("marshal change: %w", err)
		}
		return fmt.Appendf(nil, "%d,%s,%s\n", Version, TypeCDC, b), nil
	case JSONLine, ChunkJSONLine:
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("marshal change: %w", err)
		}
		return append(b, '\n'), nil
	default:
		return nil, fmt.Errorf("unknown serialization %d", f.serialization)
	}
}
