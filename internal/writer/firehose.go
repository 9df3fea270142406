package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/firehose"
	"github.com/aws/aws-sdk-go/service/firehose/firehoseiface"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

// ErrBackoffLimit reports that throttling (or partial failures) persisted
// until the backoff accumulator crossed its ceiling.
var ErrBackoffLimit = errors.New("backed off too many times")

// initialBackOff is the accumulator's starting value; the first sleep is
// one doubling above it.
const initialBackOff = 50 * time.Millisecond

// FirehoseWriter delivers batches with PutRecordBatch. Throttling and
// per-record failures are retried under a geometric backoff; any other
// transport error is fatal.
type FirehoseWriter struct {
	name         string
	backOffLimit time.Duration
	api          firehoseiface.FirehoseAPI
	logger       zerolog.Logger

	sleep func(time.Duration)
}

// NewFirehoseWriter builds the client and probes the delivery stream; a
// stream that cannot be described fails startup.
func NewFirehoseWriter(name string, backOffLimit time.Duration, logger zerolog.Logger) (*FirehoseWriter, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	w := &FirehoseWriter{
		name:         name,
		backOffLimit: backOffLimit,
		api:          firehose.New(sess),
		logger:       logger.With().Str("component", "writer").Str("stream", name).Logger(),
		sleep:        time.Sleep,
	}
	if err := w.probe(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *FirehoseWriter) probe() error {
	_, err := w.api.DescribeDeliveryStream(&firehose.DescribeDeliveryStreamInput{
		DeliveryStreamName: aws.String(w.name),
	})
	if err != nil {
		return fmt.Errorf("describe delivery stream %q: %w", w.name, err)
	}
	return nil
}

// Submit delivers the batch, retrying throttles and partial failures with a
// doubling delay until the delay crosses the backoff limit. Partial-failure
// retries carry exactly the failed records, bytes verbatim, in their
// original order.
func (w *FirehoseWriter) Submit(ctx context.Context, batch *Batch) error {
	if batch == nil || batch.Count() == 0 {
		return nil
	}

	records := make([]*firehose.Record, batch.Count())
	for i, data := range batch.Records() {
		records[i] = &firehose.Record{Data: data}
	}

	delay := &backoff.Backoff{
		Min:    2 * initialBackOff,
		Max:    2 * w.backOffLimit,
		Factor: 2,
	}

	for cur := initialBackOff; cur < w.backOffLimit; {
		w.logger.Info().Int("records", len(records)).Msg("sending record batch")
		out, err := w.api.PutRecordBatchWithContext(ctx, &firehose.PutRecordBatchInput{
			DeliveryStreamName: aws.String(w.name),
			Records:            records,
		})
		if err != nil {
			var aerr awserr.Error
			if errors.As(err, &aerr) && aerr.Code() == firehose.ErrCodeServiceUnavailableException {
				cur = delay.Duration()
				w.logger.Warn().Dur("backoff", cur).Msg("delivery stream throughput exceeded, backing off")
				w.sleep(cur)
				continue
			}
			return fmt.Errorf("put record batch: %w", err)
		}

		if aws.Int64Value(out.FailedPutCount) == 0 {
			return nil
		}

		// Retry only the records whose response entry carries an error,
		// keeping the original order.
		var retry []*firehose.Record
		for i, resp := range out.RequestResponses {
			if resp == nil || i >= len(records) {
				continue
			}
			if code := aws.StringValue(resp.ErrorCode); code != "" {
				w.logger.Warn().
					Str("error_code", code).
					Str("error_message", aws.StringValue(resp.ErrorMessage)).
					Msg("record failed")
				retry = append(retry, records[i])
			}
		}
		records = retry

		cur = delay.Duration()
		w.logger.Warn().
			Int("failed", len(records)).
			Dur("backoff", cur).
			Msg("partial failure, re-aggregating and retrying")
		w.sleep(cur)
	}

	return fmt.Errorf("%w: delivery stream %q", ErrBackoffLimit, w.name)
}
