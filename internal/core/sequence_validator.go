package core

// SequenceValidator guards the oracle price feed. Price updates carry a
// source sequence; stale and duplicate updates are dropped, gaps are
// tolerated because only the latest price matters.
// Not thread-safe; the Dispatcher serializes access.
type SequenceValidator struct {
	lastPriceSeq int64
	seen         bool

	staleDrops int64
	priceGaps  int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{}
}

// ValidatePriceSequence reports whether an update with priceSequence is
// newer than the last applied one. It does not record it; call
// RecordPriceSequence once the update has been applied.
func (sv *SequenceValidator) ValidatePriceSequence(priceSequence int64) bool {
	if sv.seen && priceSequence <= sv.lastPriceSeq {
		sv.staleDrops++
		return false
	}
	return true
}

// RecordPriceSequence marks priceSequence as the latest applied update
func (sv *SequenceValidator) RecordPriceSequence(priceSequence int64) {
	if sv.seen && priceSequence > sv.lastPriceSeq+1 {
		sv.priceGaps++
	}
	sv.lastPriceSeq = priceSequence
	sv.seen = true
}

// LastPriceSequence returns the last accepted price sequence
func (sv *SequenceValidator) LastPriceSequence() (int64, bool) {
	return sv.lastPriceSeq, sv.seen
}

func (sv *SequenceValidator) StaleDrops() int64 {
	return sv.staleDrops
}

func (sv *SequenceValidator) PriceGaps() int64 {
	return sv.priceGaps
}
