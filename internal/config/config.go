package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Output plugins supported on the replication slot.
const (
	PluginTestDecoding = "test_decoding"
	PluginWal2JSON     = "wal2json"
)

// Serialization variant names accepted by --message-formatter.
const (
	FormatterCSV           = "CSV"
	FormatterCSVPayload    = "CSVPayload"
	FormatterJSONLine      = "JSONLine"
	FormatterChunkJSONLine = "ChunkJSONLine"
)

// Writer names accepted by --writer.
const (
	WriterFirehose = "firehose"
	WriterLog      = "log"
)

// PostgresConfig holds connection parameters for the source database.
// ConnString, when set (normally from PG2KINESIS_POSTGRES_CONNECTION),
// supersedes the individual fields.
type PostgresConfig struct {
	Host       string
	Port       uint16
	User       string
	DBName     string
	SSLMode    string
	ConnString string
}

// DSN returns the connection string for the autocommit metadata connection.
func (p PostgresConfig) DSN() string {
	if p.ConnString != "" {
		return p.ConnString
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.User(p.User),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     p.DBName,
		RawQuery: "sslmode=" + p.SSLMode,
	}
	return u.String()
}

// ReplicationDSN returns the connection string for the logical replication
// connection, with replication=database set.
func (p PostgresConfig) ReplicationDSN() string {
	if p.ConnString != "" {
		return withReplication(p.ConnString)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.User(p.User),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     p.DBName,
		RawQuery: "sslmode=" + p.SSLMode + "&replication=database",
	}
	return u.String()
}

// withReplication appends replication=database to a user-supplied DSN,
// which may be in URI or keyword/value form.
func withReplication(dsn string) string {
	if strings.Contains(dsn, "replication=database") {
		return dsn
	}
	if strings.Contains(dsn, "://") {
		if strings.Contains(dsn, "?") {
			return dsn + "&replication=database"
		}
		return dsn + "?replication=database"
	}
	return dsn + " replication=database"
}

// ReplicationConfig holds settings for the slot and its output plugin.
type ReplicationConfig struct {
	SlotName      string
	OutputPlugin  string
	CreateSlot    bool
	RecreateSlot  bool
	WriteInChunks bool
}

// FormatterConfig selects the serialization variant and the table filter.
type FormatterConfig struct {
	Name       string
	TablePat   string
	FullChange bool
}

// SinkConfig holds settings for the downstream delivery service.
type SinkConfig struct {
	StreamName   string
	Writer       string
	SendWindow   time.Duration
	BackOffLimit time.Duration
}

// LoggingConfig holds settings for structured logging.
type LoggingConfig struct {
	Level  string
	Format string // "json" or "console"
}

// Config is the top-level configuration for pg2kinesis.
type Config struct {
	Postgres    PostgresConfig
	Replication ReplicationConfig
	Formatter   FormatterConfig
	Sink        SinkConfig
	Logging     LoggingConfig
}

// Validate applies defaults and rejects invalid combinations. All
// configuration errors are reported before any connection is opened.
func (c *Config) Validate() error {
	var errs []error

	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.User == "" {
		c.Postgres.User = "postgres"
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "prefer"
	}
	if c.Postgres.DBName == "" && c.Postgres.ConnString == "" {
		errs = append(errs, errors.New("database name is required"))
	}

	if c.Replication.SlotName == "" {
		c.Replication.SlotName = "pg2kinesis"
	}
	switch c.Replication.OutputPlugin {
	case "":
		c.Replication.OutputPlugin = PluginTestDecoding
	case PluginTestDecoding, PluginWal2JSON:
	default:
		errs = append(errs, fmt.Errorf("unknown output plugin %q", c.Replication.OutputPlugin))
	}

	if c.Formatter.Name == "" {
		c.Formatter.Name = FormatterCSVPayload
	}
	switch c.Formatter.Name {
	case FormatterCSV, FormatterCSVPayload, FormatterJSONLine, FormatterChunkJSONLine:
	default:
		errs = append(errs, fmt.Errorf("unknown message formatter %q", c.Formatter.Name))
	}

	if c.Formatter.FullChange {
		switch c.Formatter.Name {
		case FormatterCSVPayload, FormatterJSONLine, FormatterChunkJSONLine:
		default:
			errs = append(errs, errors.New("full changes must be formatted as JSON"))
		}
		if c.Replication.OutputPlugin != PluginWal2JSON {
			errs = append(errs, errors.New("full changes must use the wal2json plugin"))
		}
	}

	if c.Replication.WriteInChunks {
		if c.Replication.OutputPlugin != PluginWal2JSON {
			errs = append(errs, errors.New("write-in-chunks requires the wal2json plugin"))
		}
		if !c.Formatter.FullChange {
			errs = append(errs, errors.New("write-in-chunks requires --full-change"))
		}
		// In chunk mode the serialization is always ChunkJSONLine.
		c.Formatter.Name = FormatterChunkJSONLine
	}

	if c.Sink.StreamName == "" {
		c.Sink.StreamName = "pg2kinesis"
	}
	switch c.Sink.Writer {
	case "":
		c.Sink.Writer = WriterFirehose
	case WriterFirehose, WriterLog:
	default:
		errs = append(errs, fmt.Errorf("unknown writer %q", c.Sink.Writer))
	}
	if c.Sink.SendWindow == 0 {
		c.Sink.SendWindow = 15 * time.Second
	}
	if c.Sink.BackOffLimit == 0 {
		c.Sink.BackOffLimit = 60 * time.Second
	}

	return errors.Join(errs...)
}
