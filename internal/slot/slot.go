// Package slot owns the server-side replication slot lifecycle: idempotent
// create and drop, and acquisition with a bounded retry while a previous
// consumer still holds the slot.
package slot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/pushpay/pg2kinesis/internal/config"
)

// SQLSTATE codes the slot lifecycle treats specially.
const (
	codeDuplicateObject = "42710"
	codeUndefinedObject = "42704"
	codeObjectInUse     = "55006"
)

// Slot acquisition retry policy. A prior consumer can hold the slot for a
// while after dying; retrying is bounded so a stolen slot does not hang us
// forever.
const (
	acquireRetryInterval = 30 * time.Second
	acquireRetryLimit    = 30
)

// Manager drives slot operations over a logical replication connection.
type Manager struct {
	conn   *pgconn.PgConn
	name   string
	plugin string
	logger zerolog.Logger

	sleep func(time.Duration)
}

// NewManager returns a Manager for the named slot on the given replication
// connection.
func NewManager(conn *pgconn.PgConn, name, plugin string, logger zerolog.Logger) *Manager {
	return &Manager{
		conn:   conn,
		name:   name,
		plugin: plugin,
		logger: logger.With().Str("component", "slot").Str("slot", name).Logger(),
		sleep:  time.Sleep,
	}
}

// Create creates the logical replication slot bound to the configured output
// plugin. A slot that already exists is success.
func (m *Manager) Create(ctx context.Context) error {
	m.logger.Info().Str("plugin", m.plugin).Msg("creating replication slot")
	_, err := pglogrepl.CreateReplicationSlot(ctx, m.conn, m.name, m.plugin,
		pglogrepl.CreateReplicationSlotOptions{})
	if err != nil {
		if sqlState(err) == codeDuplicateObject {
			m.logger.Info().Msg("slot is already present")
			return nil
		}
		return fmt.Errorf("create replication slot %q: %w", m.name, err)
	}
	return nil
}

// Drop deletes the slot. A slot that does not exist is success.
func (m *Manager) Drop(ctx context.Context) error {
	m.logger.Info().Msg("deleting replication slot")
	err := pglogrepl.DropReplicationSlot(ctx, m.conn, m.name,
		pglogrepl.DropReplicationSlotOptions{})
	if err != nil {
		if sqlState(err) == codeUndefinedObject {
			m.logger.Info().Msg("slot was not found")
			return nil
		}
		return fmt.Errorf("drop replication slot %q: %w", m.name, err)
	}
	return nil
}

// Acquire opens replication on the slot, resuming from the server-side
// confirmed flush position. While the slot is held by another consumer it
// sleeps and retries, up to the retry limit.
func (m *Manager) Acquire(ctx context.Context, args []string) error {
	return m.acquire(ctx, func(ctx context.Context) error {
		return pglogrepl.StartReplication(ctx, m.conn, m.name, 0,
			pglogrepl.StartReplicationOptions{PluginArgs: args})
	})
}

func (m *Manager) acquire(ctx context.Context, start func(context.Context) error) error {
	retries := 0
	for {
		err := start(ctx)
		if err == nil {
			m.logger.Info().Msg("replication started")
			return nil
		}
		if sqlState(err) != codeObjectInUse {
			return fmt.Errorf("start replication on slot %q: %w", m.name, err)
		}

		retries++
		if retries >= acquireRetryLimit {
			return fmt.Errorf("slot %q still in use after %d attempts: %w", m.name, retries, err)
		}
		m.logger.Warn().
			Err(err).
			Int("retry", retries).
			Dur("interval", acquireRetryInterval).
			Msg("slot is in use, sleeping and trying again")
		m.sleep(acquireRetryInterval)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// PluginArgs returns the server-side options for the configured output
// plugin. test_decoding takes none; wal2json is asked for xids and
// timestamps, and for chunked output when chunk mode is on.
func PluginArgs(plugin string, writeInChunks bool) []string {
	if plugin != config.PluginWal2JSON {
		return nil
	}
	args := []string{
		`"include-xids" '1'`,
		`"include-timestamp" '1'`,
	}
	if writeInChunks {
		args = append(args, `"write-in-chunks" '1'`)
	}
	return args
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
