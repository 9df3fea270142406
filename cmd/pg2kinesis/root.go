package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pushpay/pg2kinesis/internal/config"
	"github.com/pushpay/pg2kinesis/internal/supervisor"
	"github.com/pushpay/pg2kinesis/internal/writer"
)

var (
	cfg               config.Config
	logger            zerolog.Logger
	sendWindowSeconds int
)

var rootCmd = &cobra.Command{
	Use:   "pg2kinesis",
	Short: "PostgreSQL CDC bridge to Kinesis Firehose",
	Long: `pg2kinesis consumes a PostgreSQL logical replication slot, formats
row-level changes into compact records, batches them under the delivery
stream's request ceilings, and advances the slot's flush position only after
a batch has been accepted downstream.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var logOutput io.Writer
		switch cfg.Logging.Format {
		case "json":
			logOutput = os.Stdout
		default:
			logOutput = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
		logger = zerolog.New(logOutput).With().Timestamp().Logger()

		levelName := cfg.Logging.Level
		if levelName == "" {
			levelName = os.Getenv("PG2KINESIS_LOG_LEVEL")
		}
		level, err := zerolog.ParseLevel(levelName)
		if err != nil || levelName == "" {
			level = zerolog.InfoLevel
		}
		logger = logger.Level(level)

		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.Postgres.ConnString = os.Getenv("PG2KINESIS_POSTGRES_CONNECTION")
		cfg.Sink.SendWindow = time.Duration(sendWindowSeconds) * time.Second

		if cfg.Replication.WriteInChunks && cfg.Formatter.Name != config.FormatterChunkJSONLine {
			logger.Info().Msg("write-in-chunks enabled, ignoring formatter option and using ChunkJSONLine")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.Postgres.ConnString != "" {
			logger.Info().Msg("using PG2KINESIS_POSTGRES_CONNECTION connection string")
		}

		logger.Info().Msg("starting pg2kinesis")
		sink, err := writer.New(cfg.Sink, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return supervisor.New(&cfg, sink, logger).Run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Source connection. PG2KINESIS_POSTGRES_CONNECTION supersedes these.
	f.StringVarP(&cfg.Postgres.DBName, "pg-dbname", "d", "", "Database to connect to")
	f.StringVar(&cfg.Postgres.Host, "pg-host", "", "Postgres server location. Leave empty if localhost")
	f.Uint16VarP(&cfg.Postgres.Port, "pg-port", "p", 5432, "Postgres port")
	f.StringVarP(&cfg.Postgres.User, "pg-user", "u", "postgres", "Postgres user")
	f.StringVar(&cfg.Postgres.SSLMode, "pg-sslmode", "prefer", "Postgres SSL mode")

	// Replication slot.
	f.StringVarP(&cfg.Replication.SlotName, "pg-slot-name", "s", "pg2kinesis", "Postgres replication slot name")
	f.StringVar(&cfg.Replication.OutputPlugin, "pg-slot-output-plugin", config.PluginTestDecoding,
		"Replication slot output plugin (test_decoding, wal2json)")
	f.BoolVar(&cfg.Replication.CreateSlot, "create-slot", false, "Attempt to create the slot on start")
	f.BoolVar(&cfg.Replication.RecreateSlot, "recreate-slot", false, "Delete the slot on start if it exists and then create it")
	f.BoolVar(&cfg.Replication.WriteInChunks, "wal2json-write-in-chunks", false, "Enable the write-in-chunks option for wal2json")

	// Formatting.
	f.StringVarP(&cfg.Formatter.Name, "message-formatter", "f", config.FormatterCSVPayload,
		"Record formatter (CSV, CSVPayload, JSONLine, ChunkJSONLine)")
	f.StringVar(&cfg.Formatter.TablePat, "table-pat", "", "Optional regular expression for table names")
	f.BoolVar(&cfg.Formatter.FullChange, "full-change", false, "Emit all columns of a changed row")

	// Sink.
	f.StringVarP(&cfg.Sink.StreamName, "stream-name", "k", "pg2kinesis", "Delivery stream name")
	f.StringVarP(&cfg.Sink.Writer, "writer", "w", config.WriterFirehose, "Which writer to use (firehose, log)")
	f.IntVarP(&sendWindowSeconds, "send-window", "t", 15, "Number of seconds to wait before sending a non-full batch")

	// Logging.
	f.StringVar(&cfg.Logging.Level, "log-level", "", "Log level (debug, info, warn, error); defaults from PG2KINESIS_LOG_LEVEL")
	f.StringVar(&cfg.Logging.Format, "log-format", "console", "Log format (console, json)")
}
