// Package supervisor wires the pipeline together: catalog → formatter →
// aggregator → sink, with WAL acknowledgement only after downstream
// acceptance. It owns session lifecycle and restarts sessions lost to the
// managed-Postgres connection reset.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pushpay/pg2kinesis/internal/catalog"
	"github.com/pushpay/pg2kinesis/internal/config"
	"github.com/pushpay/pg2kinesis/internal/formatter"
	"github.com/pushpay/pg2kinesis/internal/metrics"
	"github.com/pushpay/pg2kinesis/internal/slot"
	"github.com/pushpay/pg2kinesis/internal/stream"
	"github.com/pushpay/pg2kinesis/internal/writer"
)

const (
	connTimeout      = 30 * time.Second
	windowTick       = 1 * time.Second
	progressInterval = 10 * time.Second
)

// Supervisor runs replication sessions against the configured source and
// delivers formatted changes through the sink.
type Supervisor struct {
	cfg     *config.Config
	sink    writer.Writer
	logger  zerolog.Logger
	metrics *metrics.Collector
}

// New creates a Supervisor delivering to the given sink. The sink is built
// once per process so its startup probe runs before the first session.
func New(cfg *config.Config, sink writer.Writer, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.With().Str("component", "supervisor").Logger(),
		metrics: metrics.NewCollector(logger),
	}
}

// Run drives sessions until shutdown or a fatal error. A recognised
// transport loss ends only the session; the slot is preserved and a fresh
// session picks up from the confirmed flush position.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.runSession(ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			s.logger.Info().Msg("shutting down")
			return nil
		case isConnectionLoss(err):
			s.logger.Warn().Err(err).Msg("server closed the connection, restarting the session")
			continue
		default:
			return err
		}
	}
}

// isConnectionLoss recognises the connection reset that managed Postgres
// variants issue routinely. Everything else is fatal.
func isConnectionLoss(err error) bool {
	return err != nil && strings.Contains(err.Error(), "server closed the connection unexpectedly")
}

func (s *Supervisor) runSession(ctx context.Context) error {
	pg := s.cfg.Postgres

	s.logger.Info().Str("host", pg.Host).Uint16("port", pg.Port).Str("db", pg.DBName).Msg("connecting to source")
	pool, err := pgxpool.New(ctx, pg.DSN())
	if err != nil {
		return fmt.Errorf("metadata pool: %w", err)
	}
	defer pool.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, connTimeout)
	err = pool.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("metadata pool ping: %w", err)
	}

	replCtx, replCancel := context.WithTimeout(ctx, connTimeout)
	replConn, err := pgconn.Connect(replCtx, pg.ReplicationDSN())
	replCancel()
	if err != nil {
		return fmt.Errorf("replication connection: %w", err)
	}
	defer replConn.Close(context.Background()) //nolint:errcheck

	mgr := slot.NewManager(replConn, s.cfg.Replication.SlotName, s.cfg.Replication.OutputPlugin, s.logger)
	switch {
	case s.cfg.Replication.RecreateSlot:
		if err := mgr.Drop(ctx); err != nil {
			return err
		}
		if err := mgr.Create(ctx); err != nil {
			return err
		}
	case s.cfg.Replication.CreateSlot:
		if err := mgr.Create(ctx); err != nil {
			return err
		}
	}

	pkMap, err := catalog.Load(ctx, pool, s.logger)
	if err != nil {
		return err
	}

	serialization, err := formatter.ParseSerialization(s.cfg.Formatter.Name)
	if err != nil {
		return err
	}
	fmtr, err := formatter.New(serialization, s.cfg.Replication.OutputPlugin,
		s.cfg.Formatter.FullChange, s.cfg.Formatter.TablePat, pkMap, s.logger)
	if err != nil {
		return err
	}

	args := slot.PluginArgs(s.cfg.Replication.OutputPlugin, s.cfg.Replication.WriteInChunks)
	s.logger.Info().Strs("options", args).Msg("starting replication")
	if err := mgr.Acquire(ctx, args); err != nil {
		return err
	}

	st := stream.New(replConn, s.logger)
	msgCh := st.Start(ctx)
	defer st.Close()

	return s.consume(ctx, st, msgCh, fmtr)
}

// consume is the streaming hot path: format each raw message, feed the
// serialized records to the aggregator, submit sealed batches, and flush on
// the send window.
func (s *Supervisor) consume(ctx context.Context, st *stream.Stream, msgCh <-chan stream.RawMessage, fmtr *formatter.Formatter) error {
	agg := writer.NewAggregator()
	lastSend := time.Now()
	var lastLSN pglogrepl.LSN

	ticker := time.NewTicker(windowTick)
	defer ticker.Stop()
	progress := time.NewTicker(progressInterval)
	defer progress.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-msgCh:
			if !ok {
				return st.Err()
			}
			lastLSN = raw.DataStart
			s.metrics.RecordMessage(raw.Size())

			msgs, err := fmtr.Format(raw.Payload)
			if err != nil {
				return err
			}
			s.metrics.RecordChanges(len(msgs))

			for _, m := range msgs {
				sealed, err := agg.Add(m.Data)
				if err != nil {
					return err
				}
				if sealed != nil {
					if err := s.submit(ctx, st, sealed, raw.DataStart); err != nil {
						return err
					}
					lastSend = time.Now()
				}
			}

		case <-ticker.C:
			if time.Since(lastSend) > s.cfg.Sink.SendWindow && agg.Count() > 0 {
				if err := s.submit(ctx, st, agg.Flush(), lastLSN); err != nil {
					return err
				}
				lastSend = time.Now()
			}

		case <-progress.C:
			s.metrics.LogProgress(fmtr.XID(), st.Flushed(), st.ServerWALEnd())
		}
	}
}

// submit delivers a sealed batch and, only on unqualified success, advances
// the flush position to ack. A failed submit never moves the cursor.
func (s *Supervisor) submit(ctx context.Context, st *stream.Stream, batch *writer.Batch, ack pglogrepl.LSN) error {
	if batch == nil || batch.Count() == 0 {
		return nil
	}
	if err := s.sink.Submit(ctx, batch); err != nil {
		return err
	}
	s.metrics.RecordBatch(batch.Count(), batch.Bytes())
	st.Ack(ack)
	return nil
}
