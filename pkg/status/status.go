// Package status defines the error taxonomy shared by all flintkv layers.
//
// Every failure in the store maps onto exactly one of the sentinel errors
// below. Layers add context with fmt.Errorf("...: %w", err); callers
// classify with errors.Is.
package status

import "errors"

var (
	// ErrInvalidArgument reports a violated precondition: zero-length or
	// oversize key, oversize value, or a misaligned / out-of-range address
	// at the flash layer.
	ErrInvalidArgument = errors.New("flintkv: invalid argument")

	// ErrNotFound reports that a key is absent or tombstoned.
	ErrNotFound = errors.New("flintkv: not found")

	// ErrResourceExhausted reports that no sector could be allocated even
	// after garbage collection, that the key index is full, or that an
	// output buffer was too small for the stored value (truncation).
	ErrResourceExhausted = errors.New("flintkv: resource exhausted")

	// ErrDataLoss reports a magic or checksum mismatch where integrity was
	// required.
	ErrDataLoss = errors.New("flintkv: data loss")

	// ErrUnknown reports a hardware-level flash failure. The current
	// operation is aborted and the key index is not pointed at the failed
	// write. A write that failed this way still leaves its region marked
	// written and its transaction id consumed.
	ErrUnknown = errors.New("flintkv: unknown flash fault")

	// ErrInternal reports an invariant violation. Seeing it means a bug.
	ErrInternal = errors.New("flintkv: internal")
)

// IsTruncation reports whether err is the truncation flavour of
// ErrResourceExhausted surfaced by Get with a short output buffer.
// It exists for readability at call sites; the classification is the same.
func IsTruncation(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}
