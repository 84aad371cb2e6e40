package pipeline

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-fixedio/internal/ioerr"
)

// ExpectedSum is the byte-value sum one full pass over the files must
// produce: every byte of every buffer holds fill.
func ExpectedSum(fill byte, bufferSize, fileCount int) uint64 {
	return uint64(fill) * uint64(bufferSize) * uint64(fileCount)
}

// Fold returns the sum of the byte values in b.
func Fold(b []byte) uint64 {
	var sum uint64
	for len(b) >= 8 {
		w := binary.LittleEndian.Uint64(b)
		// add the eight lanes pairwise so no lane overflows
		w = (w & 0x00ff00ff00ff00ff) + (w >> 8 & 0x00ff00ff00ff00ff)
		w = (w & 0x0000ffff0000ffff) + (w >> 16 & 0x0000ffff0000ffff)
		w = (w & 0x00000000ffffffff) + (w >> 32)
		sum += w
		b = b[8:]
	}
	for _, v := range b {
		sum += uint64(v)
	}
	return sum
}

// Finalize compares an observed sum against the expected one. Any
// difference is a failure.
func Finalize(phase string, observed, expected uint64) error {
	if observed == expected {
		return nil
	}
	return ioerr.Mismatch(phase, observed, expected)
}
