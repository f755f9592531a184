// Package batch implements the batching policy that groups log lines into
// bounded dispatch units.
package batch

import (
	"errors"
	"time"

	"github.com/tracetail/tracetail/internal/log"
	"github.com/tracetail/tracetail/internal/tail"
)

// Policy buffers lines until, based on a count or period trigger, the
// buffered lines are ready to be sent onwards as a batch. The caller owns
// the period timer; UntilNext reports when it should fire.
type Policy struct {
	log log.Modular

	count  int
	period time.Duration

	lines   []tail.Line
	firstAt time.Time
}

// NewPolicy creates a policy with a line count ceiling and an optional
// period bound counted from the first line of each batch.
func NewPolicy(count int, period time.Duration, l log.Modular) (*Policy, error) {
	if count <= 0 {
		return nil, errors.New("batch policy requires a line count greater than zero")
	}
	return &Policy{
		log:    l,
		count:  count,
		period: period,
	}, nil
}

// Add a line to the current batch. Returns true if the line triggers the
// count condition of the policy.
func (p *Policy) Add(line tail.Line) bool {
	if len(p.lines) == 0 {
		p.firstAt = time.Now()
	}
	p.lines = append(p.lines, line)
	if len(p.lines) >= p.count {
		p.log.Debugf("Batching based on count")
		return true
	}
	return false
}

// Flush returns all buffered lines and resets the policy. Returns nil if
// the policy is currently empty.
func (p *Policy) Flush() []tail.Line {
	if len(p.lines) == 0 {
		return nil
	}
	lines := p.lines
	p.lines = nil
	return lines
}

// Count returns the number of currently buffered lines.
func (p *Policy) Count() int {
	return len(p.lines)
}

// UntilNext returns how long until the current batch must be flushed due to
// the period bound, clamped at zero once the bound has passed. A negative
// duration indicates no flush is due, either because the policy is empty or
// no period is set.
func (p *Policy) UntilNext() time.Duration {
	if p.period <= 0 || len(p.lines) == 0 {
		return -1
	}
	if d := time.Until(p.firstAt.Add(p.period)); d > 0 {
		return d
	}
	return 0
}
