package journal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupted means a journal line could not be decoded.
	ErrCorrupted = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch means a record decoded but its CRC does not match.
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrClosed is returned by operations on a closed journal.
	ErrClosed = errors.New("journal: already closed")
)

// ChecksumError reports which record failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError reports an undecodable record and where it sits in the file.
type CorruptionError struct {
	Line   int
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record at line %d (offset %d): %v", e.Line, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return errors.Join(ErrCorrupted, e.Cause) }
