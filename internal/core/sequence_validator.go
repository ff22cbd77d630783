package core

import (
	"fmt"
)

// SequenceValidator validates source sequences per partition (one partition
// per market, plus a global partition for market-less operations).
// Not thread-safe; only accessed from the single-threaded engine.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
	}
}

// ValidateSequence checks source sequence ordering.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		// Stale or duplicate
		if isDuplicate {
			// Expected: already processed
			return nil
		}
		// Out-of-order delivery of a NEW operation
		return fmt.Errorf("partition=%s, expected=%d, got=%d: %w",
			partition, expected, sourceSequence, ErrOutOfOrder)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	// sourceSequence > expected: gap detected
	return fmt.Errorf("partition=%s, expected=%d, got=%d: %w",
		partition, expected, sourceSequence, ErrSequenceGap)
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition initializes expected sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// AllPartitions returns a copy of the partition state (for snapshots).
func (sv *SequenceValidator) AllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}
