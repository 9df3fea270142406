package writer

import (
	"bytes"
	"context"

	"github.com/rs/zerolog"
)

// LogWriter prints each record instead of delivering it. Useful for
// inspecting the serialized stream without a delivery stream.
type LogWriter struct {
	logger zerolog.Logger
}

// NewLogWriter returns a LogWriter tagged with the stream name.
func NewLogWriter(name string, logger zerolog.Logger) *LogWriter {
	return &LogWriter{
		logger: logger.With().Str("component", "writer").Str("stream", name).Logger(),
	}
}

// Submit logs every record in the batch. It never fails.
func (w *LogWriter) Submit(_ context.Context, batch *Batch) error {
	if batch == nil {
		return nil
	}
	for _, rec := range batch.Records() {
		w.logger.Info().Msg(string(bytes.TrimRight(rec, "\n")))
	}
	return nil
}
