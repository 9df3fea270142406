package writer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/firehose"
	"github.com/aws/aws-sdk-go/service/firehose/firehoseiface"
	"github.com/rs/zerolog"
)

type putResult struct {
	out *firehose.PutRecordBatchOutput
	err error
}

type mockFirehose struct {
	firehoseiface.FirehoseAPI

	describeErr error
	describes   int

	calls   []*firehose.PutRecordBatchInput
	results []putResult
}

func (m *mockFirehose) DescribeDeliveryStream(in *firehose.DescribeDeliveryStreamInput) (*firehose.DescribeDeliveryStreamOutput, error) {
	m.describes++
	if m.describeErr != nil {
		return nil, m.describeErr
	}
	return &firehose.DescribeDeliveryStreamOutput{}, nil
}

func (m *mockFirehose) PutRecordBatchWithContext(_ aws.Context, in *firehose.PutRecordBatchInput, _ ...request.Option) (*firehose.PutRecordBatchOutput, error) {
	m.calls = append(m.calls, in)
	if len(m.results) == 0 {
		return &firehose.PutRecordBatchOutput{FailedPutCount: aws.Int64(0)}, nil
	}
	r := m.results[0]
	m.results = m.results[1:]
	return r.out, r.err
}

func okResponse(n int) *firehose.PutRecordBatchOutput {
	entries := make([]*firehose.PutRecordBatchResponseEntry, n)
	for i := range entries {
		entries[i] = &firehose.PutRecordBatchResponseEntry{RecordId: aws.String("ok")}
	}
	return &firehose.PutRecordBatchOutput{FailedPutCount: aws.Int64(0), RequestResponses: entries}
}

func throttleErr() error {
	return awserr.New(firehose.ErrCodeServiceUnavailableException, "throughput exceeded", nil)
}

func newTestWriter(mock *mockFirehose, limit time.Duration) (*FirehoseWriter, *[]time.Duration) {
	var sleeps []time.Duration
	w := &FirehoseWriter{
		name:         "blah",
		backOffLimit: limit,
		api:          mock,
		logger:       zerolog.Nop(),
		sleep:        func(d time.Duration) { sleeps = append(sleeps, d) },
	}
	return w, &sleeps
}

func batchOf(records ...string) *Batch {
	b := &Batch{}
	for _, r := range records {
		b.add([]byte(r))
	}
	return b
}

func TestProbe(t *testing.T) {
	mock := &mockFirehose{}
	w, _ := newTestWriter(mock, time.Minute)
	if err := w.probe(); err != nil {
		t.Fatalf("probe() error: %v", err)
	}
	if mock.describes != 1 {
		t.Errorf("DescribeDeliveryStream called %d times, want 1", mock.describes)
	}

	mock.describeErr = awserr.New(firehose.ErrCodeResourceNotFoundException, "no stream", nil)
	if err := w.probe(); err == nil {
		t.Error("probe() with missing stream should fail")
	}
}

func TestSubmitEmptyBatch(t *testing.T) {
	mock := &mockFirehose{}
	w, _ := newTestWriter(mock, time.Minute)

	if err := w.Submit(context.Background(), nil); err != nil {
		t.Errorf("Submit(nil) error: %v", err)
	}
	if err := w.Submit(context.Background(), &Batch{}); err != nil {
		t.Errorf("Submit(empty) error: %v", err)
	}
	if len(mock.calls) != 0 {
		t.Errorf("empty submits issued %d requests, want 0", len(mock.calls))
	}
}

func TestSubmitThrottleBackoff(t *testing.T) {
	mock := &mockFirehose{results: []putResult{
		{err: throttleErr()},
		{err: throttleErr()},
		{err: throttleErr()},
		{out: okResponse(1)},
	}}
	w, sleeps := newTestWriter(mock, time.Minute)

	if err := w.Submit(context.Background(), batchOf("blob")); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if len(mock.calls) != 4 {
		t.Errorf("PutRecordBatch called %d times, want 4", len(mock.calls))
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(*sleeps) != len(want) {
		t.Fatalf("slept %d times (%v), want %d", len(*sleeps), *sleeps, len(want))
	}
	for i, d := range want {
		if (*sleeps)[i] != d {
			t.Errorf("sleep %d = %v, want %v (geometric back off)", i, (*sleeps)[i], d)
		}
	}
}

func TestSubmitBackoffExhaustion(t *testing.T) {
	mock := &mockFirehose{results: []putResult{
		{err: throttleErr()},
		{err: throttleErr()},
		{err: throttleErr()},
		{out: okResponse(1)}, // never reached
	}}
	w, sleeps := newTestWriter(mock, 300*time.Millisecond)

	err := w.Submit(context.Background(), batchOf("blob"))
	if !errors.Is(err, ErrBackoffLimit) {
		t.Fatalf("Submit() error = %v, want ErrBackoffLimit", err)
	}
	// 0.1s and 0.2s stay under the 0.3s limit; the 0.4s delay busts it.
	if len(*sleeps) != 3 {
		t.Errorf("slept %d times (%v), want 3", len(*sleeps), *sleeps)
	}
	if len(mock.calls) != 3 {
		t.Errorf("PutRecordBatch called %d times, want 3", len(mock.calls))
	}
}

func TestSubmitOtherErrorIsFatal(t *testing.T) {
	mock := &mockFirehose{results: []putResult{
		{err: awserr.New("AccessDeniedException", "nope", nil)},
	}}
	w, sleeps := newTestWriter(mock, time.Minute)

	err := w.Submit(context.Background(), batchOf("blob"))
	if err == nil {
		t.Fatal("Submit() = nil, want error")
	}
	if errors.Is(err, ErrBackoffLimit) {
		t.Error("non-throttle error misclassified as backoff exhaustion")
	}
	if len(mock.calls) != 1 {
		t.Errorf("PutRecordBatch called %d times, want 1 (no retry)", len(mock.calls))
	}
	if len(*sleeps) != 0 {
		t.Errorf("slept %d times, want 0", len(*sleeps))
	}
}

func TestSubmitPartialFailureRetriesFailedRecordsInOrder(t *testing.T) {
	first := &firehose.PutRecordBatchOutput{
		FailedPutCount: aws.Int64(2),
		RequestResponses: []*firehose.PutRecordBatchResponseEntry{
			{RecordId: aws.String("1")},
			{ErrorCode: aws.String("Blah"), ErrorMessage: aws.String("Blah")},
			{ErrorCode: aws.String("Blah"), ErrorMessage: aws.String("Blah")},
		},
	}
	second := &firehose.PutRecordBatchOutput{
		FailedPutCount: aws.Int64(1),
		RequestResponses: []*firehose.PutRecordBatchResponseEntry{
			{RecordId: aws.String("2")},
			{ErrorCode: aws.String("Blah"), ErrorMessage: aws.String("Blah")},
		},
	}
	mock := &mockFirehose{results: []putResult{
		{out: first},
		{out: second},
		{out: okResponse(1)},
	}}
	w, sleeps := newTestWriter(mock, time.Minute)

	if err := w.Submit(context.Background(), batchOf("blob", "otherblob", "blah")); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if len(mock.calls) != 3 {
		t.Fatalf("PutRecordBatch called %d times, want 3", len(mock.calls))
	}

	// Second request carries exactly the two failed records, in order.
	got := mock.calls[1].Records
	if len(got) != 2 || string(got[0].Data) != "otherblob" || string(got[1].Data) != "blah" {
		t.Errorf("second request records = %v, want [otherblob, blah]", recordStrings(got))
	}

	// Third request carries the remaining failure.
	got = mock.calls[2].Records
	if len(got) != 1 || string(got[0].Data) != "blah" {
		t.Errorf("third request records = %v, want [blah]", recordStrings(got))
	}

	// Partial failures double the same accumulator as throttles.
	if len(*sleeps) != 2 {
		t.Errorf("slept %d times, want 2", len(*sleeps))
	}
}

func recordStrings(records []*firehose.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = string(r.Data)
	}
	return out
}
