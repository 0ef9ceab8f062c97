package logwindow

import "fmt"

// OutOfWindowError is returned by Admit when a sequence number falls
// outside the replica's current (Low, High] range.
type OutOfWindowError struct {
	Seqno    uint64
	Low      uint64
	High     uint64
}

func (e *OutOfWindowError) Error() string {
	return fmt.Sprintf("logwindow: seqno %d outside window (%d, %d]", e.Seqno, e.Low, e.High)
}

func errOutOfWindow(seqno, low, high uint64) error {
	return &OutOfWindowError{Seqno: seqno, Low: low, High: high}
}
