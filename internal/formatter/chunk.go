package formatter

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Chunk shapes emitted by wal2json with write-in-chunks. The header and
// footer bound a transaction; row elements arrive one chunk each, with a
// leading comma from the second element on.
var (
	chunkHeaderPrefix = []byte(`{"xid":`)
	chunkRowPrefix    = []byte(`{`)
	chunkNextPrefix   = []byte(`,{`)
	chunkFooter       = []byte(`]}`)
)

// preprocessWal2JSONChunk advances the transaction state machine by one
// chunk. Payloads that violate the expected state are fatal: the chunk
// stream has no way to resynchronise once the boundary accounting is off.
func (f *Formatter) preprocessWal2JSONChunk(payload []byte) ([]Record, error) {
	switch {
	case bytes.HasPrefix(payload, chunkHeaderPrefix):
		if f.inTx {
			return nil, fmt.Errorf("invalid chunk state: previous transaction %s was not closed", f.curXID)
		}
		// The header carries only the metadata; close it so it parses.
		doc := append(append([]byte{}, payload...), chunkFooter...)
		var head struct {
			XID       *json.Number `json:"xid"`
			Timestamp *string      `json:"timestamp"`
		}
		dec := json.NewDecoder(bytes.NewReader(doc))
		dec.UseNumber()
		if err := dec.Decode(&head); err != nil {
			return nil, fmt.Errorf("decode chunk header: %w", err)
		}
		if head.XID == nil {
			return nil, fmt.Errorf("chunk header is missing xid")
		}
		f.curXID = head.XID.String()
		if head.Timestamp != nil {
			f.curTimestamp = *head.Timestamp
		}
		f.inTx = true
		f.txChanges = 0
		f.logger.Info().Str("xid", f.curXID).Msg("start of transaction")
		return nil, nil

	case bytes.HasPrefix(payload, chunkNextPrefix):
		if !f.inTx {
			return nil, fmt.Errorf("invalid chunk state: no open transaction")
		}
		return f.chunkRow(payload[1:])

	case bytes.HasPrefix(payload, chunkRowPrefix):
		if !f.inTx {
			return nil, fmt.Errorf("invalid chunk state: no open transaction")
		}
		return f.chunkRow(payload)

	case bytes.Equal(payload, chunkFooter):
		f.logger.Info().Str("xid", f.curXID).Int("changes", f.txChanges).Msg("end of transaction")
		f.curXID = ""
		f.curTimestamp = ""
		f.inTx = false
		f.txChanges = 0
		return nil, nil

	default:
		return nil, nil
	}
}

func (f *Formatter) chunkRow(raw []byte) ([]Record, error) {
	var row struct {
		Table string `json:"table"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode chunk row: %w", err)
	}
	if !f.tableRe.MatchString(row.Table) {
		return nil, nil
	}
	f.txChanges++
	return []Record{FullChange{
		XID:       json.Number(f.curXID),
		Timestamp: f.curTimestamp,
		Change:    json.RawMessage(bytes.TrimSpace(raw)),
	}}, nil
}
