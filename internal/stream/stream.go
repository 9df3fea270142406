// Package stream consumes raw logical replication output and relays flush
// acknowledgements back to the server. Payloads are not interpreted here;
// the formatter owns the plugin dialects.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/pushpay/pg2kinesis/pkg/lsn"
)

// RawMessage is one WAL message as emitted by the output plugin.
type RawMessage struct {
	Payload   []byte
	DataStart pglogrepl.LSN
	WALEnd    pglogrepl.LSN
	SendTime  time.Time
}

// Size returns the payload length in bytes.
func (m RawMessage) Size() int { return len(m.Payload) }

// Stream reads WAL data from an already-started replication connection and
// emits RawMessages in WAL order. Replication must have been started on the
// connection (slot.Manager.Acquire) before calling Start.
type Stream struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger

	flushed      lsn.Cursor
	serverWALEnd lsn.Cursor

	lastStatusTime time.Time
	loopErr        error

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Stream over the given replication connection.
func New(conn *pgconn.PgConn, logger zerolog.Logger) *Stream {
	return &Stream{
		conn:   conn,
		logger: logger.With().Str("component", "stream").Logger(),
		done:   make(chan struct{}),
	}
}

// Start launches the receive loop. The returned channel is closed when the
// loop exits; Err reports the cause.
func (s *Stream) Start(ctx context.Context) <-chan RawMessage {
	ch := make(chan RawMessage, 1024)
	ctx, s.cancel = context.WithCancel(ctx)
	s.lastStatusTime = time.Now()
	go s.receiveLoop(ctx, ch)
	return ch
}

// Ack advances the flush position to pos. Repeats and regressions are
// no-ops; the next standby status carries the advanced position. Callers
// must only ack data that has been durably accepted downstream.
func (s *Stream) Ack(pos pglogrepl.LSN) {
	if s.flushed.Advance(pos) {
		s.logger.Info().Stringer("flush_lsn", pos).Msg("flushed LSN")
	}
}

// Flushed returns the flush position last acknowledged.
func (s *Stream) Flushed() pglogrepl.LSN { return s.flushed.Load() }

// ServerWALEnd returns the latest WAL end position reported by the server.
func (s *Stream) ServerWALEnd() pglogrepl.LSN { return s.serverWALEnd.Load() }

// Err returns the error that caused the receive loop to exit, if any.
// It is safe to call after the message channel has been closed.
func (s *Stream) Err() error { return s.loopErr }

// Close stops the receive loop and waits for it to exit. It must be called
// before the replication connection is released.
func (s *Stream) Close() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Stream) receiveLoop(ctx context.Context, ch chan<- RawMessage) {
	defer close(ch)
	defer close(s.done)

	standbyInterval := 1 * time.Second
	recvTimeout := 2 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(s.lastStatusTime) >= standbyInterval {
			if err := s.sendStandbyStatus(ctx); err != nil {
				s.logger.Err(err).Msg("failed to send standby status")
			}
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(recvTimeout))
		rawMsg, err := s.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if pgconn.Timeout(err) {
				continue
			}
			s.logger.Err(err).Msg("receive message failed")
			s.loopErr = fmt.Errorf("receive message: %w", err)
			return
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			s.logger.Error().
				Str("severity", errResp.Severity).
				Str("code", errResp.Code).
				Str("message", errResp.Message).
				Msg("server error from replication stream")
			s.loopErr = fmt.Errorf("server error: %s: %s (SQLSTATE %s)", errResp.Severity, errResp.Message, errResp.Code)
			return
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				s.logger.Err(err).Msg("parse keepalive")
				continue
			}
			s.serverWALEnd.Advance(pkm.ServerWALEnd)
			if pkm.ReplyRequested {
				if err := s.sendStandbyStatus(ctx); err != nil {
					s.logger.Err(err).Msg("keepalive reply failed")
				}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				s.logger.Err(err).Msg("parse xlogdata")
				continue
			}
			s.serverWALEnd.Advance(xld.ServerWALEnd)
			s.emit(ctx, ch, RawMessage{
				Payload:   xld.WALData,
				DataStart: xld.WALStart,
				WALEnd:    xld.ServerWALEnd,
				SendTime:  xld.ServerTime,
			})
		}
	}
}

func (s *Stream) emit(ctx context.Context, ch chan<- RawMessage, msg RawMessage) {
	for {
		select {
		case ch <- msg:
			return
		case <-ctx.Done():
			return
		default:
		}

		// Channel is full. Keep standby statuses flowing while waiting so
		// the server does not time us out during backpressure stalls.
		if time.Since(s.lastStatusTime) >= 1*time.Second {
			if err := s.sendStandbyStatus(ctx); err != nil {
				s.logger.Err(err).Msg("emit backpressure: standby status failed")
			}
		}

		t := time.NewTimer(100 * time.Millisecond)
		select {
		case ch <- msg:
			t.Stop()
			return
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (s *Stream) sendStandbyStatus(ctx context.Context) error {
	s.lastStatusTime = time.Now()
	pos := s.flushed.Load()
	return pglogrepl.SendStandbyStatusUpdate(ctx, s.conn,
		pglogrepl.StandbyStatusUpdate{
			WALWritePosition: pos,
			WALFlushPosition: pos,
			WALApplyPosition: pos,
		})
}
