// Package writer aggregates serialized records under the delivery service's
// batch ceilings and submits sealed batches downstream.
package writer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pushpay/pg2kinesis/internal/config"
)

// Writer delivers sealed batches. A nil error means every record in the
// batch was durably accepted; only then may the caller acknowledge WAL.
type Writer interface {
	Submit(ctx context.Context, batch *Batch) error
}

// New constructs the configured sink client. The firehose client probes the
// delivery stream, so a missing stream fails startup here.
func New(cfg config.SinkConfig, logger zerolog.Logger) (Writer, error) {
	switch cfg.Writer {
	case config.WriterFirehose:
		return NewFirehoseWriter(cfg.StreamName, cfg.BackOffLimit, logger)
	case config.WriterLog:
		return NewLogWriter(cfg.StreamName, logger), nil
	default:
		return nil, fmt.Errorf("unknown writer %q", cfg.Writer)
	}
}
