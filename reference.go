package stepflow

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ReferencePrefix is the product prefix of outcome references
const ReferencePrefix = "SF"

// MaxSequence is the largest sequence a five digit reference can hold
const MaxSequence = 99999

var referencePattern = regexp.MustCompile(`^#([A-Z]+)-(\d{4})-(\d{5})$`)

// Sequencer hands out reference sequence numbers, monotonic per year
type Sequencer interface {
	Next(ctx context.Context, year int) (int64, error)
}

// FormatReference renders #SF-YYYY-NNNNN
func FormatReference(year int, seq int64) (string, error) {
	if seq < 1 || seq > MaxSequence {
		return "", fmt.Errorf("sequence %d for %d: %w", seq, year, ErrSequenceExhausted)
	}
	return fmt.Sprintf("#%s-%04d-%05d", ReferencePrefix, year, seq), nil
}

// ParseReference splits a reference into its year and sequence
func ParseReference(ref string) (year int, seq int64, err error) {
	m := referencePattern.FindStringSubmatch(ref)
	if m == nil || m[1] != ReferencePrefix {
		return 0, 0, fmt.Errorf("malformed reference %q", ref)
	}
	year, _ = strconv.Atoi(m[2])
	seq, _ = strconv.ParseInt(m[3], 10, 64)
	return year, seq, nil
}

// ReferenceGenerator combines a Sequencer with the reference format
type ReferenceGenerator struct {
	seq Sequencer
	now func() time.Time
}

// NewReferenceGenerator creates a generator backed by seq
func NewReferenceGenerator(seq Sequencer) *ReferenceGenerator {
	return &ReferenceGenerator{seq: seq, now: time.Now}
}

// WithClock overrides the clock, used by tests around year boundaries
func (g *ReferenceGenerator) WithClock(now func() time.Time) *ReferenceGenerator {
	g.now = now
	return g
}

// Next returns a fresh reference
func (g *ReferenceGenerator) Next(ctx context.Context) (string, error) {
	year := g.now().UTC().Year()
	n, err := g.seq.Next(ctx, year)
	if err != nil {
		return "", fmt.Errorf("failed to allocate reference: %w", err)
	}
	return FormatReference(year, n)
}
