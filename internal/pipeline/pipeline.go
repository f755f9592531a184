// Package pipeline wires the reader, batcher and shipper into a running
// export process with graceful shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Jeffail/shutdown"

	"github.com/tracetail/tracetail/internal/batch"
	"github.com/tracetail/tracetail/internal/config"
	"github.com/tracetail/tracetail/internal/deadletter"
	"github.com/tracetail/tracetail/internal/log"
	"github.com/tracetail/tracetail/internal/metrics"
	"github.com/tracetail/tracetail/internal/opensearch"
	"github.com/tracetail/tracetail/internal/position"
	"github.com/tracetail/tracetail/internal/shipper"
	"github.com/tracetail/tracetail/internal/tail"
)

// Sentinel errors the CLI maps to distinct process exit codes.
var (
	ErrStoreUnreachable = errors.New("store unreachable")
	ErrSourceUnreadable = errors.New("source file unreadable")
	ErrFatalIndexing    = errors.New("fatal indexing failure")
)

// Pipeline owns one file-to-index export stream.
type Pipeline struct {
	conf  config.Config
	log   log.Modular
	stats *metrics.Metrics

	store   *position.Store
	reader  *tail.Reader
	policy  *batch.Policy
	shipper *shipper.Shipper

	shutSig *shutdown.Signaller
}

// New validates connectivity, ensures the destination index, restores the
// stored position and wires all stages. No lines are read until Run.
func New(ctx context.Context, conf config.Config, l log.Modular) (*Pipeline, error) {
	client, err := opensearch.NewClient(opensearch.ClientConfig{
		URL: conf.URL(),
		Credentials: opensearch.StaticCredentials{
			Username: conf.Username,
			Password: conf.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	if err := opensearch.Ping(ctx, client, l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	if err := opensearch.EnsureIndex(ctx, client, opensearch.NewIndexDescriptor(conf.Index), l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatalIndexing, err)
	}

	store, err := position.NewStore(conf.StateDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatalIndexing, err)
	}
	pos, _, err := store.Load(conf.FilePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatalIndexing, err)
	}

	reader, err := tail.NewReader(tail.Config{
		Path:           conf.FilePath,
		Start:          pos,
		PollInterval:   conf.PollInterval,
		EnableFSNotify: conf.EnableFSNotify,
		OneShot:        conf.OneShot,
	}, l)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}

	stats := metrics.New()

	policy, err := batch.NewPolicy(conf.BatchSize, conf.BatchPeriod, l)
	if err != nil {
		return nil, err
	}

	var dead shipper.DeadLetterer
	if conf.OnFailure == config.FailureDeadLetter {
		dlw, err := deadletter.NewWriter(conf.DeadLetterDir, l)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFatalIndexing, err)
		}
		dead = dlw
	}

	ship, err := shipper.New(shipper.Config{
		SourcePath:     conf.FilePath,
		OnFailure:      conf.OnFailure,
		MaxRetries:     conf.MaxRetries,
		BackoffInitial: conf.BackoffInitial,
		BackoffMax:     conf.BackoffMax,
		MaxElapsed:     conf.MaxElapsed,
	}, opensearch.NewBulkWriter(client, conf.Index, l), dead, stats, l)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		conf:    conf,
		log:     l,
		stats:   stats,
		store:   store,
		reader:  reader,
		policy:  policy,
		shipper: ship,
		shutSig: shutdown.NewSignaller(),
	}, nil
}

// Metrics returns the pipeline's counter set.
func (p *Pipeline) Metrics() *metrics.Metrics {
	return p.stats
}

// Stop asks the pipeline to stop pulling lines and drain what is already
// in flight.
func (p *Pipeline) Stop() {
	p.shutSig.TriggerSoftStop()
}

// Run drives the pipeline until the source is exhausted (one-shot), a stop
// is requested, or a fatal error occurs.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.shutSig.TriggerHasStopped()

	readerCtx, readerDone := p.shutSig.SoftStopCtx(ctx)
	defer readerDone()

	readerErr := make(chan error, 1)
	go func() { readerErr <- p.reader.Run(readerCtx) }()

	for {
		var wait <-chan time.Time
		if d := p.policy.UntilNext(); d >= 0 {
			wait = time.After(d)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-p.reader.Lines():
			if !ok {
				if err := <-readerErr; err != nil {
					return fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
				}
				return p.flushRemainder(ctx)
			}
			p.stats.LinesRead.Inc()
			if p.policy.Add(line) {
				if err := p.dispatch(ctx); err != nil {
					return err
				}
			}
		case <-wait:
			p.log.Debugf("Flushing a partial batch after %v", p.conf.BatchPeriod)
			if err := p.dispatch(ctx); err != nil {
				return err
			}
		case <-p.shutSig.SoftStopChan():
			return p.drainAndFlush(ctx, readerErr)
		}
	}
}

// drainAndFlush lets in-flight lines settle through the batcher and
// shipper within the shutdown timeout, then persists the final position.
func (p *Pipeline) drainAndFlush(ctx context.Context, readerErr <-chan error) error {
	p.log.Infof("Stop requested, flushing in-flight lines")

	dctx, cancel := context.WithTimeout(ctx, p.conf.ShutdownTimeout)
	defer cancel()

	for {
		select {
		case line, ok := <-p.reader.Lines():
			if !ok {
				select {
				case err := <-readerErr:
					if err != nil {
						return fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
					}
				case <-dctx.Done():
				}
				return p.flushRemainder(dctx)
			}
			p.stats.LinesRead.Inc()
			if p.policy.Add(line) {
				if err := p.dispatch(dctx); err != nil {
					return err
				}
			}
		case <-dctx.Done():
			p.log.Warnf("Shutdown timeout reached with %v lines unflushed", p.policy.Count())
			return nil
		}
	}
}

func (p *Pipeline) flushRemainder(ctx context.Context) error {
	if p.policy.Count() == 0 {
		return nil
	}
	return p.dispatch(ctx)
}

// dispatch ships the currently buffered batch and, if delivery allows it,
// advances the stored position to just past the batch's last line.
func (p *Pipeline) dispatch(ctx context.Context) error {
	lines := p.policy.Flush()
	if len(lines) == 0 {
		return nil
	}

	res, err := p.shipper.Ship(ctx, lines)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFatalIndexing, err)
	}
	if !res.Advance() {
		return nil
	}

	last := lines[len(lines)-1]
	pos := position.Position{
		Path:   p.conf.FilePath,
		Device: last.Device,
		Inode:  last.Inode,
		Offset: last.End,
		Line:   last.Number,
	}
	if err := p.store.Save(pos); err != nil {
		return fmt.Errorf("%w: %v", ErrFatalIndexing, err)
	}
	p.log.Debugf("Position advanced to offset %v (line %v)", pos.Offset, pos.Line)
	return nil
}
