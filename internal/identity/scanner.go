package identity

import (
	"context"
	"fmt"

	"github.com/achingono/papermail-sub000/internal/models"
)

// DefaultBatchSize is the number of envelopes requested per round trip.
const DefaultBatchSize = 100

// Candidate is one message seen during a scan.
type Candidate struct {
	SeqNum uint32
	UID    uint32
	Source Source
}

// ID returns the StableID of the candidate.
func (c Candidate) ID() models.StableID {
	return ForSource(c.Source)
}

// HeaderSource returns envelope metadata for the messages with sequence
// numbers in [from, to]. Implementations must not fetch message bodies.
type HeaderSource interface {
	Headers(ctx context.Context, from, to uint32) ([]Candidate, error)
}

// Scanner walks a folder in fixed-size batches looking for a StableID.
type Scanner struct {
	BatchSize int
}

// NewScanner returns a Scanner using DefaultBatchSize.
func NewScanner() Scanner {
	return Scanner{BatchSize: DefaultBatchSize}
}

// Find scans a folder of total messages, newest batch first, and returns the
// first message whose identity equals target. found is false when the whole
// folder was scanned without a match.
func (s Scanner) Find(ctx context.Context, src HeaderSource, total uint32, target models.StableID) (match Candidate, found bool, err error) {
	batch := uint32(s.BatchSize)
	if batch == 0 {
		batch = DefaultBatchSize
	}

	for to := total; to >= 1; {
		if err := ctx.Err(); err != nil {
			return Candidate{}, false, err
		}

		from := uint32(1)
		if to > batch {
			from = to - batch + 1
		}

		candidates, err := src.Headers(ctx, from, to)
		if err != nil {
			return Candidate{}, false, fmt.Errorf("failed to scan messages %d:%d: %w", from, to, err)
		}

		for _, c := range candidates {
			if c.ID() == target {
				return c, true, nil
			}
		}

		if from == 1 {
			break
		}
		to = from - 1
	}

	return Candidate{}, false, nil
}
