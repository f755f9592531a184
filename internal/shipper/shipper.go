// Package shipper delivers closed batches to the store, with retry,
// backoff and a configurable policy for batches that exhaust retries.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tracetail/tracetail/internal/config"
	"github.com/tracetail/tracetail/internal/log"
	"github.com/tracetail/tracetail/internal/metrics"
	"github.com/tracetail/tracetail/internal/opensearch"
	"github.com/tracetail/tracetail/internal/tail"
)

// Outcome is the terminal state a batch delivery attempt ends in.
type Outcome int

const (
	// OutcomeAcked means every document in the batch was durably stored.
	OutcomeAcked Outcome = iota

	// OutcomePartialFailure means the batch was delivered but the store
	// terminally rejected some documents. Rejections are reported, not
	// retried.
	OutcomePartialFailure

	// OutcomeDeadLettered means retries were exhausted and the batch was
	// persisted to the dead-letter area instead.
	OutcomeDeadLettered

	// OutcomeFailed means retries were exhausted and the batch was not
	// delivered anywhere. The position must not advance past it.
	OutcomeFailed
)

// Result describes how a batch delivery ended.
type Result struct {
	Outcome  Outcome
	Accepted int
	Rejected []opensearch.Rejection
	Attempts int
}

// Advance reports whether the source position may move past the batch.
func (r Result) Advance() bool {
	return r.Outcome != OutcomeFailed
}

// BulkWriter performs a single delivery attempt.
type BulkWriter interface {
	Write(ctx context.Context, docs []opensearch.Document) (opensearch.BulkResult, error)
}

// DeadLetterer persists a batch that could not be delivered.
type DeadLetterer interface {
	Write(docs []opensearch.Document) (string, error)
}

// Config holds delivery options.
type Config struct {
	SourcePath string
	OnFailure  config.FailurePolicy

	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxElapsed     time.Duration
}

// Shipper owns delivery for one destination stream. At most one batch is
// in flight at a time, which bounds memory and preserves per-file write
// order.
type Shipper struct {
	conf   Config
	writer BulkWriter
	dead   DeadLetterer
	stats  *metrics.Metrics
	log    log.Modular
	now    func() time.Time

	mu sync.Mutex
}

// New returns a Shipper. A dead-letterer is required when the failure
// policy is dead_letter.
func New(conf Config, writer BulkWriter, dead DeadLetterer, stats *metrics.Metrics, l log.Modular) (*Shipper, error) {
	if conf.OnFailure == config.FailureDeadLetter && dead == nil {
		return nil, errors.New("dead_letter failure policy requires a dead-letter writer")
	}
	return &Shipper{
		conf:   conf,
		writer: writer,
		dead:   dead,
		stats:  stats,
		log:    l,
		now:    time.Now,
	}, nil
}

// Ship delivers one closed batch, blocking until it is acknowledged, dead
// lettered, or given up on. A non-nil error means the pipeline must halt
// without advancing the position.
func (s *Shipper) Ship(ctx context.Context, lines []tail.Line) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(lines) == 0 {
		return Result{}, errors.New("refusing to ship an empty batch")
	}

	ts := s.now().UTC()
	docs := make([]opensearch.Document, len(lines))
	for i, line := range lines {
		docs[i] = opensearch.DocumentFromLine(line, s.conf.SourcePath, ts)
	}

	var res opensearch.BulkResult
	attempts := 0
	operation := func() error {
		attempts++
		if attempts > 1 {
			s.stats.RetryAttempts.Inc()
			s.log.Debugf("Retrying batch delivery, attempt %v", attempts)
		}
		r, err := s.writer.Write(ctx, docs)
		if err != nil {
			if opensearch.IsRetriable(err) {
				s.log.Warnf("Retriable delivery failure on attempt %v: %v", attempts, err)
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
		return s.giveUp(docs, attempts, err)
	}

	s.stats.BatchesDispatched.Inc()
	s.stats.DocsAccepted.Add(float64(res.Accepted))

	if len(res.Rejected) > 0 {
		s.stats.DocsRejected.Add(float64(len(res.Rejected)))
		for _, rej := range res.Rejected {
			s.log.Errorf("Document for line %v rejected by the store (status %v, %v): %v", rej.Line, rej.Status, rej.Type, rej.Reason)
		}
		s.log.Warnf("Delivered a batch of %v lines with %v rejected documents", len(lines), len(res.Rejected))
		return Result{
			Outcome:  OutcomePartialFailure,
			Accepted: res.Accepted,
			Rejected: res.Rejected,
			Attempts: attempts,
		}, nil
	}

	s.log.Infof("Delivered a batch of %v lines", len(lines))
	return Result{Outcome: OutcomeAcked, Accepted: res.Accepted, Attempts: attempts}, nil
}

func (s *Shipper) giveUp(docs []opensearch.Document, attempts int, cause error) (Result, error) {
	if s.conf.OnFailure == config.FailureDeadLetter {
		if _, err := s.dead.Write(docs); err != nil {
			return Result{Outcome: OutcomeFailed, Attempts: attempts},
				fmt.Errorf("batch delivery failed after %v attempts (%v) and dead-lettering also failed: %w", attempts, cause, err)
		}
		s.stats.BatchesDeadLettered.Inc()
		return Result{Outcome: OutcomeDeadLettered, Attempts: attempts}, nil
	}
	return Result{Outcome: OutcomeFailed, Attempts: attempts},
		fmt.Errorf("batch delivery failed after %v attempts: %w", attempts, cause)
}

func (s *Shipper) newBackOff() backoff.BackOff {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = s.conf.BackoffInitial
	boff.MaxInterval = s.conf.BackoffMax
	boff.MaxElapsedTime = s.conf.MaxElapsed
	if s.conf.MaxRetries > 0 {
		return backoff.WithMaxRetries(boff, uint64(s.conf.MaxRetries))
	}
	return boff
}
