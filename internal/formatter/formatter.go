// Package formatter turns raw output-plugin payloads into serialized CDC
// records. It understands the test_decoding text dialect and both wal2json
// dialects; the chunked one keeps state across payloads of a transaction.
package formatter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pushpay/pg2kinesis/internal/catalog"
	"github.com/pushpay/pg2kinesis/internal/config"
)

const defaultTablePattern = `[\w_\.]+`

// pkPatternTemplate extracts the primary-key value from a test_decoding
// column tail, e.g. uuid[uuid]:'00079f3e-…'.
const pkPatternTemplate = `%s\[%s\]:'?([\w\-]+)'?`

// Formatter is a streaming preprocessor plus serializer. It is a
// single-consumer object; transaction state advances monotonically and is
// cleared only by an explicit end-of-transaction marker in the chunked
// dialect.
type Formatter struct {
	serialization Serialization
	plugin        string
	fullChange    bool
	tableRe       *regexp.Regexp
	pkMap         catalog.Map
	pkPatterns    map[string]*regexp.Regexp
	logger        zerolog.Logger

	curXID       string
	curTimestamp string
	inTx         bool
	txChanges    int
}

// New builds a Formatter over the loaded primary-key catalog. The per-table
// extractor patterns are compiled here, once; the keys keep their trailing
// colon so lookups need no trimming at match time.
func New(serialization Serialization, plugin string, fullChange bool, tablePat string, pkMap catalog.Map, logger zerolog.Logger) (*Formatter, error) {
	if serialization == ChunkJSONLine && !fullChange {
		return nil, fmt.Errorf("ChunkJSONLine requires full-change mode")
	}
	if tablePat == "" {
		tablePat = defaultTablePattern
	}
	tableRe, err := regexp.Compile(tablePat)
	if err != nil {
		return nil, fmt.Errorf("compile table pattern %q: %w", tablePat, err)
	}

	pkPatterns := make(map[string]*regexp.Regexp, len(pkMap))
	for table, pk := range pkMap {
		pat, err := regexp.Compile(fmt.Sprintf(pkPatternTemplate, pk.Column, pk.DataType))
		if err != nil {
			return nil, fmt.Errorf("compile primary-key pattern for %q: %w", table, err)
		}
		pkPatterns[table+":"] = pat
	}

	return &Formatter{
		serialization: serialization,
		plugin:        plugin,
		fullChange:    fullChange,
		tableRe:       tableRe,
		pkMap:         pkMap,
		pkPatterns:    pkPatterns,
		logger:        logger.With().Str("component", "formatter").Logger(),
	}, nil
}

// XID returns the transaction id of the most recent header seen.
func (f *Formatter) XID() string { return f.curXID }

// Format preprocesses one raw payload and serializes the resulting records.
func (f *Formatter) Format(payload []byte) ([]Message, error) {
	var recs []Record
	var err error
	switch f.plugin {
	case config.PluginTestDecoding:
		recs, err = f.preprocessTestDecoding(string(payload))
	case config.PluginWal2JSON:
		if f.serialization == ChunkJSONLine {
			recs, err = f.preprocessWal2JSONChunk(payload)
		} else {
			recs, err = f.preprocessWal2JSON(payload)
		}
	default:
		err = fmt.Errorf("unknown output plugin %q", f.plugin)
	}
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(recs))
	for _, rec := range recs {
		data, err := f.serialize(rec)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, Message{Change: rec, Data: data})
	}
	return msgs, nil
}

// ignoredDirectives are test_decoding payloads that carry no row data.
var ignoredDirectives = map[string]bool{"COMMIT": true}

// preprocessTestDecoding distills one test_decoding text payload, e.g.
//
//	table public.t: UPDATE: uuid[uuid]:'00079f3e-…' another_col[text]:'bling'
//
// into at most one compact Change.
func (f *Formatter) preprocessTestDecoding(payload string) ([]Record, error) {
	rec := strings.SplitN(payload, " ", 4)

	switch {
	case rec[0] == "BEGIN":
		if len(rec) < 2 {
			return nil, fmt.Errorf("unknown change: %q", payload)
		}
		f.curXID = rec[1]
		return nil, nil

	case ignoredDirectives[rec[0]]:
		return nil, nil

	case rec[0] == "table":
		if len(rec) < 3 {
			return nil, fmt.Errorf("unknown change: %q", payload)
		}
		tableName := strings.TrimSuffix(rec[1], ":")
		if !f.tableRe.MatchString(tableName) {
			return nil, nil
		}

		pat, ok := f.pkPatterns[rec[1]]
		if !ok {
			return nil, fmt.Errorf("unable to locate table %q", tableName)
		}
		var tail string
		if len(rec) == 4 {
			tail = rec[3]
		}
		m := pat.FindStringSubmatch(tail)
		if m == nil {
			return nil, fmt.Errorf("unable to locate primary key for table %q", tableName)
		}

		return []Record{Change{
			XID:       f.curXID,
			Table:     tableName,
			Operation: strings.TrimSuffix(rec[2], ":"),
			PKey:      m[1],
		}}, nil

	default:
		return nil, fmt.Errorf("unknown change: %q", payload)
	}
}

// wal2jsonRow is the subset of a wal2json per-row element needed for
// filtering and compact primary-key projection.
type wal2jsonRow struct {
	Kind         string            `json:"kind"`
	Schema       string            `json:"schema"`
	Table        string            `json:"table"`
	ColumnNames  []string          `json:"columnnames"`
	ColumnValues []json.RawMessage `json:"columnvalues"`
}

// preprocessWal2JSON handles a complete wal2json object:
// {xid, timestamp, change: […]}. A payload without an xid or timestamp is
// an error rather than silently reusing the previous transaction's values.
func (f *Formatter) preprocessWal2JSON(payload []byte) ([]Record, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}

	var top *struct {
		XID       *json.Number      `json:"xid"`
		Timestamp *string           `json:"timestamp"`
		Change    []json.RawMessage `json:"change"`
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&top); err != nil {
		return nil, fmt.Errorf("decode wal2json payload: %w", err)
	}
	if top == nil || (top.XID == nil && top.Timestamp == nil && top.Change == nil) {
		return nil, nil
	}
	if top.XID == nil {
		return nil, fmt.Errorf("wal2json payload is missing xid")
	}
	if top.Timestamp == nil {
		return nil, fmt.Errorf("wal2json payload is missing timestamp")
	}

	f.curXID = top.XID.String()
	f.curTimestamp = *top.Timestamp

	var recs []Record
	for _, raw := range top.Change {
		var row wal2jsonRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("decode wal2json change element: %w", err)
		}
		if !f.tableRe.MatchString(row.Table) {
			continue
		}

		if f.fullChange {
			recs = append(recs, FullChange{
				XID:       *top.XID,
				Timestamp: f.curTimestamp,
				Change:    raw,
			})
			continue
		}

		fullTable := row.Schema + "." + row.Table
		pk, ok := f.pkMap[fullTable]
		if !ok {
			return nil, fmt.Errorf("unable to locate table %q", fullTable)
		}
		idx := slices.Index(row.ColumnNames, pk.Column)
		if idx < 0 || idx >= len(row.ColumnValues) {
			return nil, fmt.Errorf("unable to locate primary key for table %q", fullTable)
		}
		pkey, err := stringifyValue(row.ColumnValues[idx])
		if err != nil {
			return nil, fmt.Errorf("primary key value for table %q: %w", fullTable, err)
		}
		recs = append(recs, Change{
			XID:       f.curXID,
			Table:     fullTable,
			Operation: strings.ToLower(row.Kind),
			PKey:      pkey,
		})
	}
	return recs, nil
}

// stringifyValue renders a wal2json column value the way it appears in the
// record: numbers keep their literal form, strings pass through, booleans
// format as true/false, null becomes empty.
func stringifyValue(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		return fmt.Sprint(val), nil
	}
}
