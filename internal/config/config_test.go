package config

import (
	"strings"
	"testing"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		pg   PostgresConfig
		want string
	}{
		{
			name: "basic",
			pg:   PostgresConfig{Host: "localhost", Port: 5432, User: "postgres", DBName: "mydb", SSLMode: "prefer"},
			want: "postgres://postgres@localhost:5432/mydb?sslmode=prefer",
		},
		{
			name: "remote host",
			pg:   PostgresConfig{Host: "10.0.0.1", Port: 5433, User: "cdc", DBName: "prod", SSLMode: "require"},
			want: "postgres://cdc@10.0.0.1:5433/prod?sslmode=require",
		},
		{
			name: "conn string override",
			pg:   PostgresConfig{Host: "ignored", Port: 1, ConnString: "postgres://u@h:5432/db"},
			want: "postgres://u@h:5432/db",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pg.DSN(); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReplicationDSN(t *testing.T) {
	tests := []struct {
		name string
		pg   PostgresConfig
		want string
	}{
		{
			name: "from fields",
			pg:   PostgresConfig{Host: "localhost", Port: 5432, User: "postgres", DBName: "mydb", SSLMode: "prefer"},
			want: "postgres://postgres@localhost:5432/mydb?sslmode=prefer&replication=database",
		},
		{
			name: "uri override without query",
			pg:   PostgresConfig{ConnString: "postgres://u@h:5432/db"},
			want: "postgres://u@h:5432/db?replication=database",
		},
		{
			name: "uri override with query",
			pg:   PostgresConfig{ConnString: "postgres://u@h:5432/db?sslmode=require"},
			want: "postgres://u@h:5432/db?sslmode=require&replication=database",
		},
		{
			name: "keyword override",
			pg:   PostgresConfig{ConnString: "host=h dbname=db user=u"},
			want: "host=h dbname=db user=u replication=database",
		},
		{
			name: "already set",
			pg:   PostgresConfig{ConnString: "postgres://u@h/db?replication=database"},
			want: "postgres://u@h/db?replication=database",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pg.ReplicationDSN(); got != tt.want {
				t.Errorf("ReplicationDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Config{Postgres: PostgresConfig{DBName: "db"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	if cfg.Postgres.Host != "localhost" || cfg.Postgres.Port != 5432 {
		t.Errorf("postgres defaults not applied: %+v", cfg.Postgres)
	}
	if cfg.Postgres.SSLMode != "prefer" {
		t.Errorf("SSLMode = %q, want prefer", cfg.Postgres.SSLMode)
	}
	if cfg.Replication.SlotName != "pg2kinesis" {
		t.Errorf("SlotName = %q, want pg2kinesis", cfg.Replication.SlotName)
	}
	if cfg.Replication.OutputPlugin != PluginTestDecoding {
		t.Errorf("OutputPlugin = %q, want test_decoding", cfg.Replication.OutputPlugin)
	}
	if cfg.Formatter.Name != FormatterCSVPayload {
		t.Errorf("Formatter.Name = %q, want CSVPayload", cfg.Formatter.Name)
	}
	if cfg.Sink.Writer != WriterFirehose {
		t.Errorf("Sink.Writer = %q, want firehose", cfg.Sink.Writer)
	}
	if cfg.Sink.SendWindow.Seconds() != 15 {
		t.Errorf("SendWindow = %v, want 15s", cfg.Sink.SendWindow)
	}
	if cfg.Sink.BackOffLimit.Seconds() != 60 {
		t.Errorf("BackOffLimit = %v, want 60s", cfg.Sink.BackOffLimit)
	}
}

func TestValidateCombinations(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing dbname",
			mutate:  func(c *Config) { c.Postgres.DBName = "" },
			wantErr: "database name is required",
		},
		{
			name:    "unknown plugin",
			mutate:  func(c *Config) { c.Replication.OutputPlugin = "decoderbufs" },
			wantErr: "unknown output plugin",
		},
		{
			name:    "unknown formatter",
			mutate:  func(c *Config) { c.Formatter.Name = "XML" },
			wantErr: "unknown message formatter",
		},
		{
			name: "full change with CSV",
			mutate: func(c *Config) {
				c.Replication.OutputPlugin = PluginWal2JSON
				c.Formatter.FullChange = true
				c.Formatter.Name = FormatterCSV
			},
			wantErr: "full changes must be formatted as JSON",
		},
		{
			name: "full change with test_decoding",
			mutate: func(c *Config) {
				c.Formatter.FullChange = true
				c.Formatter.Name = FormatterJSONLine
			},
			wantErr: "full changes must use the wal2json plugin",
		},
		{
			name: "chunks without full change",
			mutate: func(c *Config) {
				c.Replication.OutputPlugin = PluginWal2JSON
				c.Replication.WriteInChunks = true
			},
			wantErr: "write-in-chunks requires --full-change",
		},
		{
			name: "chunks with test_decoding",
			mutate: func(c *Config) {
				c.Replication.WriteInChunks = true
				c.Formatter.FullChange = true
			},
			wantErr: "write-in-chunks requires the wal2json plugin",
		},
		{
			name:    "unknown writer",
			mutate:  func(c *Config) { c.Sink.Writer = "kafka" },
			wantErr: "unknown writer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Postgres: PostgresConfig{DBName: "db"}}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateChunkModeForcesChunkFormatter(t *testing.T) {
	cfg := Config{
		Postgres:    PostgresConfig{DBName: "db"},
		Replication: ReplicationConfig{OutputPlugin: PluginWal2JSON, WriteInChunks: true},
		Formatter:   FormatterConfig{Name: FormatterJSONLine, FullChange: true},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
	if cfg.Formatter.Name != FormatterChunkJSONLine {
		t.Errorf("Formatter.Name = %q, want ChunkJSONLine in chunk mode", cfg.Formatter.Name)
	}
}
