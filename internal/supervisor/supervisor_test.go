package supervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/pushpay/pg2kinesis/internal/config"
	"github.com/pushpay/pg2kinesis/internal/stream"
	"github.com/pushpay/pg2kinesis/internal/writer"
)

func TestIsConnectionLoss(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"aurora reset", errors.New("server closed the connection unexpectedly"), true},
		{"wrapped", errors.New("receive message: server closed the connection unexpectedly: EOF"), true},
		{"other transport", errors.New("connection refused"), false},
		{"schema error", errors.New(`unable to locate table "public.t"`), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isConnectionLoss(tt.err); got != tt.want {
				t.Errorf("isConnectionLoss(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type fakeSink struct {
	err     error
	batches []*writer.Batch
}

func (f *fakeSink) Submit(_ context.Context, batch *writer.Batch) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, batch)
	return nil
}

func testSupervisor(sink writer.Writer) *Supervisor {
	cfg := &config.Config{Postgres: config.PostgresConfig{DBName: "db"}}
	cfg.Validate()
	return New(cfg, sink, zerolog.Nop())
}

func sealedBatch(records ...string) *writer.Batch {
	agg := writer.NewAggregator()
	for _, r := range records {
		agg.Add([]byte(r))
	}
	return agg.Flush()
}

func TestSubmitAcksOnlyOnSuccess(t *testing.T) {
	sink := &fakeSink{}
	s := testSupervisor(sink)
	st := stream.New(nil, zerolog.Nop())

	if err := s.submit(context.Background(), st, sealedBatch("a", "b"), pglogrepl.LSN(100)); err != nil {
		t.Fatalf("submit() error: %v", err)
	}
	if got := st.Flushed(); got != pglogrepl.LSN(100) {
		t.Errorf("Flushed() = %v after successful submit, want 100", got)
	}
	if len(sink.batches) != 1 {
		t.Errorf("sink received %d batches, want 1", len(sink.batches))
	}

	sink.err = errors.New("delivery failed")
	err := s.submit(context.Background(), st, sealedBatch("c"), pglogrepl.LSN(200))
	if err == nil {
		t.Fatal("submit() = nil with failing sink, want error")
	}
	if got := st.Flushed(); got != pglogrepl.LSN(100) {
		t.Errorf("Flushed() = %v after failed submit, want 100 (no partial advancement)", got)
	}
}

func TestSubmitSkipsEmptyBatch(t *testing.T) {
	sink := &fakeSink{}
	s := testSupervisor(sink)
	st := stream.New(nil, zerolog.Nop())

	if err := s.submit(context.Background(), st, sealedBatch(), pglogrepl.LSN(50)); err != nil {
		t.Fatalf("submit() error: %v", err)
	}
	if len(sink.batches) != 0 {
		t.Errorf("empty batch was transmitted")
	}
	if got := st.Flushed(); got != pglogrepl.LSN(0) {
		t.Errorf("Flushed() = %v after empty submit, want 0", got)
	}
}
