package engine

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

// MarshalResume encodes the set of verified pieces. Both bundled engines use this format, so resume
// data is portable between them.
func MarshalResume(verified *roaring.Bitmap) ([]byte, error) {
	verified.RunOptimize()
	return verified.ToBytes()
}

// UnmarshalResume decodes resume data, discarding piece indices at or beyond numPieces. Empty
// input yields an empty set.
func UnmarshalResume(b []byte, numPieces int) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if len(b) == 0 {
		return bm, nil
	}
	if err := bm.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("decoding resume data: %w", err)
	}
	bm.RemoveRange(uint64(numPieces), uint64(1)<<32)
	return bm, nil
}
