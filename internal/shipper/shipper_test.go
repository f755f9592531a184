package shipper

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracetail/tracetail/internal/config"
	"github.com/tracetail/tracetail/internal/deadletter"
	"github.com/tracetail/tracetail/internal/log"
	"github.com/tracetail/tracetail/internal/metrics"
	"github.com/tracetail/tracetail/internal/opensearch"
	"github.com/tracetail/tracetail/internal/tail"
)

// scriptedWriter returns one canned response per attempt, repeating the
// final entry once the script runs out.
type scriptedWriter struct {
	script []func() (opensearch.BulkResult, error)
	calls  int
	docs   [][]opensearch.Document
}

func (s *scriptedWriter) Write(_ context.Context, docs []opensearch.Document) (opensearch.BulkResult, error) {
	idx := s.calls
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	s.calls++
	s.docs = append(s.docs, docs)
	return s.script[idx]()
}

func ok(n int) func() (opensearch.BulkResult, error) {
	return func() (opensearch.BulkResult, error) {
		return opensearch.BulkResult{Accepted: n}, nil
	}
}

func retriable() func() (opensearch.BulkResult, error) {
	return func() (opensearch.BulkResult, error) {
		return opensearch.BulkResult{}, opensearch.Retriable(errors.New("store overloaded"))
	}
}

func terminal() func() (opensearch.BulkResult, error) {
	return func() (opensearch.BulkResult, error) {
		return opensearch.BulkResult{}, errors.New("authentication failed")
	}
}

func testLines(n int) []tail.Line {
	lines := make([]tail.Line, n)
	for i := range lines {
		lines[i] = tail.Line{Text: "msg", Number: int64(i + 1)}
	}
	return lines
}

func testConf() Config {
	return Config{
		SourcePath:     "/var/log/app.log",
		OnFailure:      config.FailureHalt,
		MaxRetries:     2,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		MaxElapsed:     time.Second,
	}
}

func newTestShipper(t *testing.T, conf Config, w BulkWriter, dead DeadLetterer) *Shipper {
	t.Helper()
	s, err := New(conf, w, dead, metrics.New(), log.Noop())
	require.NoError(t, err)
	return s
}

func TestShipAcked(t *testing.T) {
	w := &scriptedWriter{script: []func() (opensearch.BulkResult, error){ok(3)}}
	s := newTestShipper(t, testConf(), w, nil)

	res, err := s.Ship(context.Background(), testLines(3))
	require.NoError(t, err)

	assert.Equal(t, OutcomeAcked, res.Outcome)
	assert.Equal(t, 3, res.Accepted)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.Advance())
	require.Len(t, w.docs, 1)
	assert.Equal(t, "/var/log/app.log", w.docs[0][0].Path)
}

func TestShipPartialFailureAdvances(t *testing.T) {
	w := &scriptedWriter{script: []func() (opensearch.BulkResult, error){
		func() (opensearch.BulkResult, error) {
			return opensearch.BulkResult{
				Accepted: 2,
				Rejected: []opensearch.Rejection{{Line: 2, Status: 400, Type: "mapper_parsing_exception", Reason: "bad field"}},
			}, nil
		},
	}}
	s := newTestShipper(t, testConf(), w, nil)

	res, err := s.Ship(context.Background(), testLines(3))
	require.NoError(t, err)

	assert.Equal(t, OutcomePartialFailure, res.Outcome)
	assert.Equal(t, 2, res.Accepted)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, int64(2), res.Rejected[0].Line)
	assert.True(t, res.Advance())
	assert.Equal(t, 1, w.calls, "rejected documents must not be retried")
}

func TestShipRetriesThenSucceeds(t *testing.T) {
	w := &scriptedWriter{script: []func() (opensearch.BulkResult, error){
		retriable(), retriable(), ok(2),
	}}
	s := newTestShipper(t, testConf(), w, nil)

	res, err := s.Ship(context.Background(), testLines(2))
	require.NoError(t, err)

	assert.Equal(t, OutcomeAcked, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, w.calls)
}

func TestShipHaltsOnExhaustion(t *testing.T) {
	w := &scriptedWriter{script: []func() (opensearch.BulkResult, error){retriable()}}
	s := newTestShipper(t, testConf(), w, nil)

	res, err := s.Ship(context.Background(), testLines(1))
	require.Error(t, err)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.False(t, res.Advance())
	assert.Equal(t, 3, w.calls, "expected initial attempt plus two retries")
}

func TestShipTerminalErrorSkipsRetries(t *testing.T) {
	w := &scriptedWriter{script: []func() (opensearch.BulkResult, error){terminal()}}
	s := newTestShipper(t, testConf(), w, nil)

	res, err := s.Ship(context.Background(), testLines(1))
	require.Error(t, err)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, w.calls)
}

func TestShipDeadLettersOnExhaustion(t *testing.T) {
	dir := t.TempDir()
	dead, err := deadletter.NewWriter(dir, log.Noop())
	require.NoError(t, err)

	conf := testConf()
	conf.OnFailure = config.FailureDeadLetter

	w := &scriptedWriter{script: []func() (opensearch.BulkResult, error){retriable()}}
	s := newTestShipper(t, conf, w, dead)

	res, err := s.Ship(context.Background(), testLines(2))
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeadLettered, res.Outcome)
	assert.True(t, res.Advance())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestShipDeadLetterPolicyRequiresWriter(t *testing.T) {
	conf := testConf()
	conf.OnFailure = config.FailureDeadLetter

	_, err := New(conf, &scriptedWriter{script: []func() (opensearch.BulkResult, error){ok(1)}}, nil, metrics.New(), log.Noop())
	require.Error(t, err)
}

func TestShipRejectsEmptyBatch(t *testing.T) {
	w := &scriptedWriter{script: []func() (opensearch.BulkResult, error){ok(0)}}
	s := newTestShipper(t, testConf(), w, nil)

	_, err := s.Ship(context.Background(), nil)
	require.Error(t, err)
	assert.Zero(t, w.calls)
}

func TestShipCancelledContext(t *testing.T) {
	w := &scriptedWriter{script: []func() (opensearch.BulkResult, error){retriable()}}
	conf := testConf()
	conf.MaxRetries = 0
	conf.MaxElapsed = time.Hour
	s := newTestShipper(t, conf, w, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := s.Ship(ctx, testLines(1))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}
